package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/coordination"
	"github.com/carelink-ng/referral/internal/eventstore"
	"github.com/carelink-ng/referral/internal/kurrentdb"
	"github.com/carelink-ng/referral/internal/matching"
	"github.com/carelink-ng/referral/internal/notification"
	"github.com/carelink-ng/referral/internal/privacy"
	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/referral/infrastructure"
	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/clock"
	"github.com/carelink-ng/referral/internal/shared/config"
	"github.com/carelink-ng/referral/internal/shared/database"
)

const caseAggregate = "referral_case"

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock
	Policy domain.DeadlinePolicy

	DB      *database.DB
	Kurrent *kurrentdb.Client
	Redis   *redis.Client

	Registry registry.Registry
	Taxonomy *registry.Taxonomy
	Log      domain.EventLog
	View     domain.CaseView

	Loads       matching.LoadTracker
	Engine      *matching.Engine
	Scheduler   *coordination.EscalationScheduler
	Dispatcher  *notification.Dispatcher
	Coordinator *coordination.Coordinator

	memLoads *matching.MemoryLoadTracker
	closers  []func()
}

// newApp connects the storage backends selected by cfg. Background workers
// are started separately by serve.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clock.System{},
		Policy: domain.DeadlinePolicyFromConfig(cfg.Escalation),
	}
	if err := app.openStorage(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildCoordination(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config

	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database, a.Logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)

		if err := database.Migrate(db.Pool, a.Logger); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.Registry = registry.NewCachedRegistry(registry.NewPostgresRegistry(db.Pool), cfg.Registry.CacheTTL)
		a.View = infrastructure.NewPostgresView(db.Pool)
	} else {
		a.Logger.Warn().Msg("database disabled, registry and case view are in memory")
		a.Registry = registry.NewMemoryRegistry()
		a.View = infrastructure.NewMemoryView()
	}

	var store eventstore.EventStore
	if cfg.KurrentDB.Enabled {
		client, err := kurrentdb.NewClient(kurrentdb.FromConfig(cfg.KurrentDB))
		if err != nil {
			return fmt.Errorf("kurrentdb: %w", err)
		}
		a.Kurrent = client
		a.closers = append(a.closers, func() { client.Close() })

		if err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("kurrentdb: %w", err)
		}
		store = kurrentdb.NewEventStore(client, caseAggregate)
	} else {
		a.Logger.Warn().Msg("kurrentdb disabled, case events are kept in memory")
		store = eventstore.NewMemoryStore()
	}
	a.Log = infrastructure.NewEventLog(store)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.Redis = client
		a.closers = append(a.closers, func() { client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.Loads = matching.NewRedisLoadTracker(client)
	} else {
		a.memLoads = matching.NewMemoryLoadTracker(a.Clock.Now, a.Logger)
		a.Loads = a.memLoads
	}

	a.Taxonomy = registry.NewTaxonomy(cfg.Registry.Tags...)
	return nil
}

func (a *App) buildCoordination(ctx context.Context) error {
	cfg := a.Config

	sealer, err := privacy.NewAESSealerFromPassphrase(cfg.Privacy.NotesKey)
	if err != nil {
		return fmt.Errorf("privacy: %w", err)
	}

	sinks := []notification.Sink{notification.NewLogSink(a.Logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := notification.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		a.closers = append(a.closers, func() { sink.Close() })
		sinks = append(sinks, sink)
	}
	if cfg.Webhook.URL != "" {
		sink, err := notification.NewWebhookSink(cfg.Webhook)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		sinks = append(sinks, sink)
	}
	a.Dispatcher = notification.NewDispatcher(cfg.Dispatch, a.Logger, sinks...)

	a.Engine = matching.NewEngine(a.Registry, a.Loads, a.Logger)
	a.Scheduler = coordination.NewEscalationScheduler(a.Clock, cfg.Escalation.PollInterval, a.Logger)

	a.Coordinator = coordination.New(coordination.Deps{
		Log:                a.Log,
		View:               a.View,
		Matcher:            a.Engine,
		Providers:          a.Registry,
		Tags:               a.Taxonomy.Known,
		Sealer:             sealer,
		Timers:             a.Scheduler,
		Publisher:          a.Dispatcher,
		Clock:              a.Clock,
		Policy:             a.Policy,
		Logger:             a.Logger,
		MatchTimeout:       cfg.Matching.Timeout,
		MaxEmergencyRounds: cfg.Escalation.MaxEmergencyRounds,
	})
	a.Scheduler.SetHandler(a.Coordinator)
	return nil
}

// seedRegistry loads the bundled provider seed file, if configured.
func (a *App) seedRegistry(ctx context.Context) error {
	if a.Config.Registry.SeedFile == "" {
		return nil
	}
	providers, err := registry.LoadSeed(a.Config.Registry.SeedFile)
	if err != nil {
		return err
	}
	if err := registry.Seed(ctx, a.Registry, providers); err != nil {
		return err
	}
	a.Logger.Info().Int("providers", len(providers)).Str("file", a.Config.Registry.SeedFile).Msg("registry seeded")
	return nil
}

// rebuilder replays the event log into the case view.
func (a *App) rebuilder() *infrastructure.Rebuilder {
	return infrastructure.NewRebuilder(a.Log, a.View, a.Policy, a.Logger)
}

// restoreView fills an empty in-memory view from the event log. A
// Postgres view survives restarts and is left as is.
func (a *App) restoreView(ctx context.Context) error {
	if a.DB != nil {
		return nil
	}
	_, err := a.rebuilder().Rebuild(ctx)
	return err
}

// followEventLog keeps the view in step with events appended by other
// instances.
func (a *App) followEventLog(ctx context.Context) error {
	if a.Kurrent == nil {
		return nil
	}
	rebuilder := a.rebuilder()
	sub := kurrentdb.NewSubscriber(a.Kurrent, caseAggregate, "referral-view", a.Logger)
	return sub.Start(ctx, rebuilder.RebuildCase)
}

// ready reports per-backend readiness.
func (a *App) ready(ctx context.Context) map[string]string {
	checks := map[string]string{"server": "ready"}

	check := func(name string, enabled bool, probe func(context.Context) error) {
		switch {
		case !enabled:
			checks[name] = "not configured"
		case probe(ctx) != nil:
			checks[name] = "not ready"
		default:
			checks[name] = "ready"
		}
	}
	check("database", a.DB != nil, func(ctx context.Context) error { return a.DB.Health(ctx) })
	check("kurrentdb", a.Kurrent != nil, func(ctx context.Context) error { return a.Kurrent.HealthCheck(ctx) })
	check("redis", a.Redis != nil, func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	return checks
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

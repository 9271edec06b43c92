package notification

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/shared/config"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/metrics"
)

// Sink delivers records to one downstream system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec DispatchRecord) error
}

// Dispatcher fans records out to sinks on a worker pool. Publish never
// blocks on delivery; each sink is retried on its own.
type Dispatcher struct {
	sinks  []Sink
	queue  chan DispatchRecord
	config config.DispatchConfig
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(cfg config.DispatchConfig, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan DispatchRecord, cfg.BufferSize),
		config: cfg,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info().Int("workers", d.config.Workers).Int("sinks", len(d.sinks)).Msg("dispatcher started")
	return nil
}

// Stop delivers what is already queued and waits for the workers.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not started")
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	return nil
}

// Publish queues the records for c's new events. A full queue drops them
// and reports a dispatch failure; the case transition is unaffected.
func (d *Dispatcher) Publish(_ context.Context, c *domain.Case, events []domain.CaseEvent) error {
	var dropped int
	for _, rec := range NewRecords(c, events) {
		select {
		case d.queue <- rec:
			d.enqueued.Add(1)
		default:
			dropped++
			d.dropped.Add(1)
			metrics.RecordDispatch("queue", false)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: queue full, dropped %d records for case %s", apperrors.ErrDispatchFailure, dropped, c.ID)
	}
	return nil
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			d.drain(ctx)
			return
		case rec := <-d.queue:
			d.deliver(ctx, rec)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case rec := <-d.queue:
			d.deliver(ctx, rec)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec DispatchRecord) {
	for _, sink := range d.sinks {
		err := d.deliverWithRetry(ctx, sink, rec)
		metrics.RecordDispatch(sink.Name(), err == nil)
		if err == nil {
			d.delivered.Add(1)
			continue
		}
		d.failed.Add(1)
		d.logger.Error().
			Err(fmt.Errorf("%w: %v", apperrors.ErrDispatchFailure, err)).
			Str("sink", sink.Name()).
			Str("case_id", rec.CaseID.String()).
			Str("event_id", rec.EventID.String()).
			Str("type", string(rec.Type)).
			Msg("giving up on record")
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, sink Sink, rec DispatchRecord) error {
	var err error
	for attempt := 1; attempt <= d.config.RetryAttempts; attempt++ {
		if err = sink.Deliver(ctx, rec); err == nil {
			return nil
		}
		if attempt == d.config.RetryAttempts {
			break
		}
		d.logger.Warn().Err(err).
			Str("sink", sink.Name()).
			Int("attempt", attempt).
			Msg("delivery failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.config.RetryDelay * time.Duration(attempt)):
		}
	}
	return err
}

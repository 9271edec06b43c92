package matching

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// LoadTracker counts same-day assignments per provider. Days are UTC
// calendar days.
type LoadTracker interface {
	Load(ctx context.Context, providers []types.ProviderID, at time.Time) (map[types.ProviderID]int, error)
	Increment(ctx context.Context, provider types.ProviderID, at time.Time) error
}

func dayKey(at time.Time) string {
	return at.UTC().Format(time.DateOnly)
}

// MemoryLoadTracker keeps counts in process. A cron job drops past days at
// midnight UTC.
type MemoryLoadTracker struct {
	mu     sync.Mutex
	days   map[string]map[types.ProviderID]int
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger
}

// NewMemoryLoadTracker creates an in-process tracker. now supplies the
// current time to the reset job.
func NewMemoryLoadTracker(now func() time.Time, logger zerolog.Logger) *MemoryLoadTracker {
	return &MemoryLoadTracker{
		days:   make(map[string]map[types.ProviderID]int),
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		now:    now,
		logger: logger.With().Str("component", "load_tracker").Logger(),
	}
}

// Start schedules the midnight reset.
func (t *MemoryLoadTracker) Start() error {
	if _, err := t.cron.AddFunc("0 0 0 * * *", t.Reset); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop halts the reset job and waits for a running reset to finish.
func (t *MemoryLoadTracker) Stop() {
	<-t.cron.Stop().Done()
}

func (t *MemoryLoadTracker) Load(_ context.Context, providers []types.ProviderID, at time.Time) (map[types.ProviderID]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.days[dayKey(at)]
	out := make(map[types.ProviderID]int, len(providers))
	for _, p := range providers {
		out[p] = day[p]
	}
	return out, nil
}

func (t *MemoryLoadTracker) Increment(_ context.Context, provider types.ProviderID, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := dayKey(at)
	day, ok := t.days[key]
	if !ok {
		day = make(map[types.ProviderID]int)
		t.days[key] = day
	}
	day[provider]++
	return nil
}

// Reset drops every day before today.
func (t *MemoryLoadTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := dayKey(t.now())
	dropped := 0
	for key := range t.days {
		if key < today {
			delete(t.days, key)
			dropped++
		}
	}
	t.logger.Debug().Int("days_dropped", dropped).Msg("load counters reset")
}

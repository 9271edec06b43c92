package coordination

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/referral/domain"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/clock"
	"github.com/carelink-ng/referral/internal/shared/metrics"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// DeadlineHandler reacts to a fired deadline.
type DeadlineHandler interface {
	HandleDeadline(ctx context.Context, caseID types.ID, deadlineAt time.Time) error
}

// DeadlineSource lists open cases carrying a deadline. The case view
// satisfies it.
type DeadlineSource interface {
	ListWithDeadline(ctx context.Context) ([]domain.Case, error)
}

// Deadline is one armed timer.
type Deadline struct {
	CaseID     types.ID  `json:"caseId"`
	DeadlineAt time.Time `json:"deadlineAt"`
}

type deadlineEntry struct {
	Deadline
	index int
}

// deadlineHeap is a min-heap on DeadlineAt.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].DeadlineAt.Equal(h[j].DeadlineAt) {
		return h[i].CaseID < h[j].CaseID
	}
	return h[i].DeadlineAt.Before(h[j].DeadlineAt)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// EscalationScheduler holds one timer per case, keyed by (caseId,
// deadlineAt). It is the only component that originates timeout
// escalations. Its lock is never held while a handler runs.
type EscalationScheduler struct {
	mu      sync.Mutex
	heap    deadlineHeap
	byCase  map[types.ID]*deadlineEntry
	handler DeadlineHandler

	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// NewEscalationScheduler creates a scheduler that checks for due deadlines
// every interval.
func NewEscalationScheduler(clk clock.Clock, interval time.Duration, logger zerolog.Logger) *EscalationScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &EscalationScheduler{
		byCase:   make(map[types.ID]*deadlineEntry),
		clock:    clk,
		interval: interval,
		logger:   logger.With().Str("component", "escalation_scheduler").Logger(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// SetHandler sets the receiver of fired deadlines. It must be called
// before Start or RunDue.
func (s *EscalationScheduler) SetHandler(h DeadlineHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Arm sets the deadline of a case, replacing any earlier one.
func (s *EscalationScheduler) Arm(caseID types.ID, at time.Time) {
	s.mu.Lock()
	if e, ok := s.byCase[caseID]; ok {
		e.DeadlineAt = at
		heap.Fix(&s.heap, e.index)
	} else {
		e := &deadlineEntry{Deadline: Deadline{CaseID: caseID, DeadlineAt: at}}
		heap.Push(&s.heap, e)
		s.byCase[caseID] = e
	}
	n := len(s.heap)
	s.mu.Unlock()

	metrics.SetArmedDeadlines(n)
	s.signal()
}

// Disarm removes the deadline of a case, if any.
func (s *EscalationScheduler) Disarm(caseID types.ID) {
	s.mu.Lock()
	if e, ok := s.byCase[caseID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byCase, caseID)
	}
	n := len(s.heap)
	s.mu.Unlock()

	metrics.SetArmedDeadlines(n)
}

// Active returns the armed deadlines, soonest first.
func (s *EscalationScheduler) Active() []Deadline {
	s.mu.Lock()
	out := make([]Deadline, 0, len(s.heap))
	for _, e := range s.heap {
		out = append(out, e.Deadline)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Deadline) int {
		if n := a.DeadlineAt.Compare(b.DeadlineAt); n != 0 {
			return n
		}
		if a.CaseID < b.CaseID {
			return -1
		}
		if a.CaseID > b.CaseID {
			return 1
		}
		return 0
	})
	return out
}

// Next returns the soonest deadline.
func (s *EscalationScheduler) Next() (Deadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return Deadline{}, false
	}
	return s.heap[0].Deadline, true
}

// RunDue fires every deadline at or before now, each on its own goroutine,
// and waits for the handlers to return. It returns the number fired.
func (s *EscalationScheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	handler := s.handler
	var due []Deadline
	for len(s.heap) > 0 && !s.heap[0].DeadlineAt.After(now) {
		e := heap.Pop(&s.heap).(*deadlineEntry)
		delete(s.byCase, e.CaseID)
		due = append(due, e.Deadline)
	}
	n := len(s.heap)
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	metrics.SetArmedDeadlines(n)

	if handler == nil {
		s.logger.Error().Int("due", len(due)).Msg("deadlines fired with no handler set")
		return 0
	}

	var wg sync.WaitGroup
	for _, d := range due {
		wg.Add(1)
		go func(d Deadline) {
			defer wg.Done()
			if err := handler.HandleDeadline(ctx, d.CaseID, d.DeadlineAt); err != nil {
				retryAt := s.clock.Now().Add(s.interval)
				s.logger.Error().Err(err).
					Str("case_id", d.CaseID.String()).
					Time("deadline_at", d.DeadlineAt).
					Time("retry_at", retryAt).
					Msg("deadline handling failed, retrying")
				s.retry(d.CaseID, retryAt)
			}
		}(d)
	}
	wg.Wait()
	return len(due)
}

// retry re-arms a failed deadline unless the handler armed a new one
// before failing.
func (s *EscalationScheduler) retry(caseID types.ID, at time.Time) {
	s.mu.Lock()
	if _, ok := s.byCase[caseID]; ok {
		s.mu.Unlock()
		return
	}
	e := &deadlineEntry{Deadline: Deadline{CaseID: caseID, DeadlineAt: at}}
	heap.Push(&s.heap, e)
	s.byCase[caseID] = e
	n := len(s.heap)
	s.mu.Unlock()

	metrics.SetArmedDeadlines(n)
	s.signal()
}

// ReconcileResult reports what Reconcile found.
type ReconcileResult struct {
	Armed  int `json:"armed"`
	Missed int `json:"missed"`
}

// Reconcile arms every deadline known to source. Deadlines that already
// passed while nothing was watching them are fired immediately.
func (s *EscalationScheduler) Reconcile(ctx context.Context, source DeadlineSource) (ReconcileResult, error) {
	cases, err := source.ListWithDeadline(ctx)
	if err != nil {
		return ReconcileResult{}, apperrors.Wrap(err, "failed to list cases with deadlines")
	}

	now := s.clock.Now()
	var result ReconcileResult
	for _, c := range cases {
		if c.DeadlineAt == nil || c.State.IsTerminal() {
			continue
		}
		if !c.DeadlineAt.After(now) {
			result.Missed++
			metrics.RecordMissedDeadline()
			s.logger.Warn().
				Err(apperrors.ErrSchedulerMissedDeadline).
				Str("case_id", c.ID.String()).
				Time("deadline_at", *c.DeadlineAt).
				Dur("late_by", now.Sub(*c.DeadlineAt)).
				Msg("firing missed deadline")
		}
		s.Arm(c.ID, *c.DeadlineAt)
		result.Armed++
	}

	if result.Missed > 0 {
		s.RunDue(ctx, now)
	}

	s.logger.Info().Int("armed", result.Armed).Int("missed", result.Missed).Msg("scheduler reconciled")
	return result, nil
}

// Start runs the check loop until ctx is done or Stop is called.
func (s *EscalationScheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.RunDue(ctx, s.clock.Now())
		case <-s.wake:
			s.RunDue(ctx, s.clock.Now())
		}
	}
}

// Stop ends the check loop.
func (s *EscalationScheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *EscalationScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

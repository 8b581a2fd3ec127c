package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/session"
)

// Fetcher retrieves the current full session set from upstream.
type Fetcher interface {
	FetchAllSessions(ctx context.Context) ([]session.Snapshot, error)
}

// Sink receives a tick's deltas in their fixed order.
type Sink interface {
	BroadcastAll(deltas []session.Delta)
}

// Notifier is told about sustained poll failure streaks and recoveries.
type Notifier interface {
	PollFailing(ctx context.Context, consecutive int, err error)
	PollRecovered(ctx context.Context, afterFailures int)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PollFailing(context.Context, int, error) {}
func (NopNotifier) PollRecovered(context.Context, int)      {}

// Status is a point-in-time view of the poll loop for the stats endpoint.
type Status struct {
	LastTickAt          time.Time `json:"last_tick_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	TrackedSessions     int       `json:"tracked_sessions"`
}

// Poller drives the fetch-diff-broadcast cycle on a fixed interval. It is
// the exclusive owner of the snapshot store: all writes happen from its
// tick, and ticks are strictly sequential. A failed tick leaves the store
// untouched and emits nothing; the next scheduled tick is the outer retry.
type Poller struct {
	fetcher       Fetcher
	store         *session.Store
	sink          Sink
	notifier      Notifier
	interval      time.Duration
	failureStreak int
	logger        *zap.Logger

	mu       sync.Mutex
	status   Status
	notified bool
}

func New(fetcher Fetcher, store *session.Store, sink Sink, notifier Notifier, interval time.Duration, failureStreak int, logger *zap.Logger) *Poller {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Poller{
		fetcher:       fetcher,
		store:         store,
		sink:          sink,
		notifier:      notifier,
		interval:      interval,
		failureStreak: failureStreak,
		logger:        logger,
	}
}

// Run starts the poll loop. Call in a goroutine.
// Returns when context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Prime the store immediately rather than waiting a full interval.
	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick executes one fetch-diff-broadcast cycle. Exported so tests can step
// the poller without real time.
func (p *Poller) Tick(ctx context.Context) {
	start := time.Now()

	current, err := p.fetcher.FetchAllSessions(ctx)
	if err != nil {
		p.recordFailure(ctx, err)
		return
	}

	previous := p.store.Current()
	deltas := session.ComputeDeltas(previous, current)
	p.store.Replace(current)

	if len(deltas) > 0 {
		p.sink.BroadcastAll(deltas)
	}

	p.recordSuccess(ctx, len(current), len(deltas), time.Since(start))
}

// Status returns a copy of the current poll loop state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.status
	st.TrackedSessions = p.store.Len()
	return st
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.status.LastTickAt = time.Now()
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	failures := p.status.ConsecutiveFailures
	shouldNotify := p.failureStreak > 0 && failures >= p.failureStreak && !p.notified
	if shouldNotify {
		p.notified = true
	}
	p.mu.Unlock()

	p.logger.Warn("poll tick failed, skipping cycle",
		zap.Int("consecutiveFailures", failures),
		zap.Error(err),
	)

	if shouldNotify {
		p.notifier.PollFailing(ctx, failures, err)
	}
}

func (p *Poller) recordSuccess(ctx context.Context, sessions, deltas int, elapsed time.Duration) {
	p.mu.Lock()
	now := time.Now()
	p.status.LastTickAt = now
	p.status.LastSuccessAt = now
	failures := p.status.ConsecutiveFailures
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	recovered := p.notified
	p.notified = false
	p.mu.Unlock()

	if recovered {
		p.notifier.PollRecovered(ctx, failures)
	}

	p.logger.Debug("poll tick complete",
		zap.Int("sessions", sessions),
		zap.Int("deltas", deltas),
		zap.Duration("elapsed", elapsed),
	)
}

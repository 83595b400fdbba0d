// Package reaper closes sessions that have been inactive for longer than
// their configured timeout.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

var (
	closedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forged",
		Name:      "reaper_closed_total",
		Help:      "Sessions closed for inactivity.",
	})

	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forged",
		Name:      "reaper_sweeps_total",
		Help:      "Reaper sweeps run.",
	})
)

// Registry is the subset of session.Registry the reaper needs.
type Registry interface {
	List() []*session.Session
	Close(ctx context.Context, id string, reason session.CloseReason) (session.Snapshot, error)
	RetryPending(ctx context.Context) int
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Idled    int      `json:"idled"`
	Closed   []string `json:"closed"`
	Persists int      `json:"persisted"`
}

// Reaper periodically idles and closes stale sessions.
//
// Start and Stop are safe to call concurrently; Stop waits for an
// in-progress sweep to finish.
type Reaper struct {
	registry  Registry
	interval  time.Duration
	idleGrace time.Duration
	now       func() time.Time
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	sweepMu sync.Mutex
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets the sweep interval. The default is 30s.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

// WithIdleGrace sets how long an Active session with nothing in flight
// stays Active. The default is 30s.
func WithIdleGrace(d time.Duration) Option {
	return func(r *Reaper) { r.idleGrace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// New creates a Reaper. It does not start until Start is called.
func New(registry Registry, opts ...Option) (*Reaper, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	r := &Reaper{
		registry:  registry,
		interval:  30 * time.Second,
		idleGrace: 30 * time.Second,
		now:       time.Now,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", r.interval)
	}
	r.logger = r.logger.Named("reaper")
	return r, nil
}

// Start runs sweeps in the background until Stop is called or ctx ends.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	r.logger.Info(ctx, "reaper started", zap.Duration("interval", r.interval))
	go r.run(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop halts the loop and waits for it to exit. It is a no-op when not
// running.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()
	<-done
}

func (r *Reaper) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "reaper panicked, stopping", zap.Any("panic", rec), zap.Stack("stack"))
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		}
	}
}

// SweepOnce idles quiet sessions, closes expired ones with reason
// idle_timeout, and retries pending persistence. Close runs outside any
// session lock.
func (r *Reaper) SweepOnce(ctx context.Context) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	sweepsTotal.Inc()

	now := r.now()
	sessions := r.registry.List()
	res := SweepResult{Scanned: len(sessions)}

	var expired []string
	for _, s := range sessions {
		if s.MarkIdle(now, r.idleGrace) {
			res.Idled++
		}
		if s.Expired(now) {
			expired = append(expired, s.ID())
		}
	}

	for _, id := range expired {
		sctx := logging.WithSessionID(ctx, id)
		if _, err := r.registry.Close(sctx, id, session.CloseIdleTimeout); err != nil {
			r.logger.Warn(sctx, "failed to close expired session", zap.Error(err))
			continue
		}
		closedTotal.Inc()
		res.Closed = append(res.Closed, id)
	}

	res.Persists = r.registry.RetryPending(ctx)

	if res.Idled > 0 || len(res.Closed) > 0 || res.Persists > 0 {
		r.logger.Info(ctx, "reaper sweep",
			zap.Int("scanned", res.Scanned),
			zap.Int("idled", res.Idled),
			zap.Int("closed", len(res.Closed)),
			zap.Int("persisted", res.Persists),
		)
	}
	return res
}

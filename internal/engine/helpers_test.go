package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forged/internal/backend"
	"github.com/fyrsmithlabs/forged/internal/guard"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
)

type staticResolver struct {
	cfg session.Config
}

func (r staticResolver) ConfigFor(context.Context, string, session.Config) (session.Config, string) {
	return r.cfg, "free"
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []session.GenerationEvent
}

func (r *recordingPublisher) Publish(_ context.Context, _, _ string, ev session.GenerationEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	engine    *Engine
	registry  *session.Registry
	backend   *backend.Scripted
	ledger    *ledger.Ledger
	store     *session.MemoryStore
	clock     *clock
	publisher *recordingPublisher
	logs      *logging.TestLogger
	telemetry *telemetry.TestTelemetry
}

func testConfig(maxParallel, maxTokens int) session.Config {
	return session.Config{
		MaxParallelSubagents:  maxParallel,
		MaxTokensPerSession:   maxTokens,
		SessionTimeoutMinutes: 15,
		AllowedCapabilities:   []string{"codegen", "preview"},
	}
}

func newFixture(t *testing.T, cfg session.Config, daily int64) *fixture {
	t.Helper()
	f := &fixture{
		backend:   backend.NewScripted(),
		store:     session.NewMemoryStore(),
		clock:     &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
		logs:      logging.NewTestLogger(),
		telemetry: telemetry.NewTestTelemetry(),
	}
	f.registry = session.NewRegistry(staticResolver{cfg: cfg}, f.store,
		session.WithClock(f.clock.Now),
		session.WithCloseGrace(2*time.Second),
		session.WithPersistAttempts(1, 0),
	)
	f.ledger = ledger.New(func(context.Context, string) ledger.Quota {
		return ledger.Quota{Tier: "free", Daily: daily, Monthly: daily * 10}
	}, ledger.WithClock(f.clock.Now))

	filter, err := guard.New()
	require.NoError(t, err)

	metrics, err := NewMetrics(f.telemetry.Meter(InstrumentationName))
	require.NoError(t, err)

	f.engine, err = New(f.registry, f.backend, filter, f.ledger,
		WithLogger(f.logs.Logger),
		WithPublisher(f.publisher),
		WithMetrics(metrics),
		WithTracer(f.telemetry.Tracer(InstrumentationName)),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	id, _, err := f.engine.CreateSession(context.Background(), "acme", "proj-1", session.Config{})
	require.NoError(t, err)
	return id
}

func cost(ev session.GenerationEvent, n int64) session.GenerationEvent {
	ev.EstimatedTokenCost = n
	return ev
}

func collect(ch <-chan session.GenerationEvent) []session.GenerationEvent {
	var out []session.GenerationEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fixedResolver struct {
	cfg  Config
	tier string
}

func (f fixedResolver) ConfigFor(_ context.Context, _ string, _ Config) (Config, string) {
	return f.cfg, f.tier
}

func testConfig() Config {
	return Config{
		MaxParallelSubagents:  2,
		MaxTokensPerSession:   1000,
		SessionTimeoutMinutes: 15,
		AllowedCapabilities:   []string{"preview", "codegen"},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the first `failures` saves.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	saves    int
}

func (f *flakyStore) Save(ctx context.Context, snap Snapshot) error {
	f.mu.Lock()
	f.saves++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Save(ctx, snap)
}

func newTestRegistry(store Store, opts ...RegistryOption) *Registry {
	base := []RegistryOption{
		WithPersistAttempts(1, 0),
		WithCloseGrace(time.Second),
	}
	return NewRegistry(fixedResolver{cfg: testConfig(), tier: "free"}, store, append(base, opts...)...)
}

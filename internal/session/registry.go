package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
)

// Resolver turns a requested configuration into the effective one for an
// owner, returning the owner's tier name alongside it.
type Resolver interface {
	ConfigFor(ctx context.Context, ownerID string, requested Config) (Config, string)
}

// Registry creates, finds and closes sessions. The map lock is never held
// while a session lock is taken.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	resolver        Resolver
	store           Store
	logger          *logging.Logger
	closeGrace      time.Duration
	persistAttempts int
	persistBackoff  time.Duration
	now             func() time.Time
	newID           func() string
	filter          SnapshotFilter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCloseGrace bounds how long Close waits for in-flight generation to
// acknowledge cancellation.
func WithCloseGrace(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.closeGrace = d
		}
	}
}

// WithPersistAttempts sets how many times Close tries to save before
// leaving the session for RetryPending.
func WithPersistAttempts(n int, backoff time.Duration) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.persistAttempts = n
		}
		if backoff >= 0 {
			r.persistBackoff = backoff
		}
	}
}

// SnapshotFilter rewrites a terminal snapshot before it is returned to
// callers or saved.
type SnapshotFilter func(ctx context.Context, snap Snapshot) Snapshot

// WithSnapshotFilter sets the filter applied to every terminal snapshot, so
// the snapshot Close returns is the one the store holds.
func WithSnapshotFilter(f SnapshotFilter) RegistryOption {
	return func(r *Registry) { r.filter = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(resolver Resolver, store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:        make(map[string]*Session),
		resolver:        resolver,
		store:           store,
		logger:          logging.NewNop(),
		closeGrace:      10 * time.Second,
		persistAttempts: 3,
		persistBackoff:  100 * time.Millisecond,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

// Create registers a new session for ownerID and scopeID.
func (r *Registry) Create(ctx context.Context, ownerID, scopeID string, requested Config) (*Session, error) {
	if ownerID == "" {
		return nil, NewError(KindValidation, "owner_id is required", nil)
	}
	if scopeID == "" {
		return nil, NewError(KindValidation, "scope_id is required", nil)
	}

	cfg, tier := r.resolver.ConfigFor(ctx, ownerID, requested)
	s := newSession(r.newID(), ownerID, scopeID, tier, cfg, r.now)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	sessionsOpen.Inc()

	r.logger.Info(logging.WithSessionID(ctx, s.id), "session created",
		zap.String("owner_id", ownerID),
		zap.String("scope_id", scopeID),
		zap.String("tier", tier),
		zap.Int("max_parallel_subagents", cfg.MaxParallelSubagents),
		zap.Int("max_tokens_per_session", cfg.MaxTokensPerSession),
	)
	return s, nil
}

// Get returns the session with id. Sessions that were closed and evicted
// are rebuilt read-only from the store.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, NewError(KindValidation, "session_id is required", nil)
	}
	if s := r.lookup(id); s != nil {
		return s, nil
	}
	snap, err := r.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(KindNotFound, "session not found", nil).WithSession(id)
		}
		return nil, NewError(KindInternal, "loading session", err).WithSession(id)
	}
	return restore(snap, r.now), nil
}

// Open returns only live, registered sessions.
func (r *Registry) Open(id string) (*Session, bool) {
	s := r.lookup(id)
	return s, s != nil
}

func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns every registered session, including closed ones waiting
// for persistence.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes the session and returns its terminal snapshot. Closing a
// session that is already closed, or closing concurrently, returns the
// same snapshot.
//
// In-flight generation is cancelled through the session context; Close
// waits up to the close grace for it to stop, then moves the session to
// Closed and persists it. The session is evicted only after a successful
// save.
func (r *Registry) Close(ctx context.Context, id string, reason CloseReason) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, NewError(KindValidation, "session_id is required", nil)
	}
	ctx = logging.WithSessionID(ctx, id)

	s := r.lookup(id)
	if s == nil {
		snap, err := r.store.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, NewError(KindNotFound, "session not found", nil).WithSession(id)
		}
		if err != nil {
			return Snapshot{}, NewError(KindInternal, "loading session", err).WithSession(id)
		}
		return snap, nil
	}

	if !s.beginClose(reason) {
		select {
		case <-s.Done():
			return s.Terminal(), nil
		case <-ctx.Done():
			return Snapshot{}, NewError(KindCancelled, "waiting for close", ctx.Err()).WithSession(id)
		}
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), r.closeGrace)
	err := s.waitDrained(graceCtx)
	cancel()
	if err != nil {
		r.logger.Warn(ctx, "in-flight generation did not stop within close grace",
			zap.Duration("grace", r.closeGrace))
	}

	var filter func(Snapshot) Snapshot
	if r.filter != nil {
		filter = func(snap Snapshot) Snapshot { return r.filter(ctx, snap) }
	}
	snap := s.finishClose(filter)
	sessionsOpen.Dec()
	sessionsClosed.WithLabelValues(string(reason)).Inc()
	r.logger.Info(ctx, "session closed",
		zap.String("reason", string(reason)),
		zap.Int64("total_tokens_used", snap.TotalTokensUsed),
		zap.Int("events", len(snap.Events)),
	)

	r.persist(context.WithoutCancel(ctx), s, snap)
	return snap, nil
}

// persist saves snap with bounded retries and evicts s on success. On
// failure the session stays registered as Closed for RetryPending.
func (r *Registry) persist(ctx context.Context, s *Session, snap Snapshot) bool {
	backoff := r.persistBackoff
	var err error
	for attempt := 1; attempt <= r.persistAttempts; attempt++ {
		if err = r.store.Save(ctx, snap); err == nil {
			break
		}
		persistFailures.Inc()
		r.logger.Warn(ctx, "failed to persist session",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < r.persistAttempts && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	wasPending := s.isPendingPersist()
	if err != nil {
		if !wasPending {
			sessionsRetained.Inc()
		}
		s.setPendingPersist(true)
		r.logger.Error(ctx, "session retained in memory until persistence succeeds", zap.Error(err))
		return false
	}

	if wasPending {
		sessionsRetained.Dec()
	}
	s.setPendingPersist(false)
	r.evict(s)
	return true
}

func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// RetryPending retries persistence for closed sessions whose save failed.
// It returns how many were persisted and evicted.
func (r *Registry) RetryPending(ctx context.Context) int {
	saved := 0
	for _, s := range r.List() {
		if !s.isPendingPersist() {
			continue
		}
		if r.persist(logging.WithSessionID(ctx, s.id), s, s.Terminal()) {
			saved++
		}
	}
	return saved
}

// Shutdown closes every open session concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range r.List() {
		if s.State().IsTerminal() {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.Close(ctx, id, CloseShutdown); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
				mu.Unlock()
			}
		}(s.id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Session is the unit of generation state. Identity and configuration are
// fixed at creation; everything else is guarded by mu.
type Session struct {
	id        string
	ownerID   string
	scopeID   string
	tier      string
	config    Config
	createdAt time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	slots  *semaphore.Weighted

	mu              sync.Mutex
	state           State
	events          []GenerationEvent
	seq             uint64
	totalTokens     int64
	budgetBase      int64
	activeSubagents int
	inFlight        int
	lastActivity    time.Time
	quotaExceeded   bool
	exhaustedAt     time.Time
	rejected        int
	closing         bool
	closeReason     CloseReason
	closedAt        time.Time
	drained         chan struct{}
	drainedClosed   bool
	done            chan struct{}
	terminal        Snapshot
	pendingPersist  bool
	persistAttempts int
}

func newSession(id, ownerID, scopeID, tier string, cfg Config, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	created := now()
	slots := cfg.MaxParallelSubagents
	if slots < 1 {
		slots = 1
	}
	return &Session{
		id:           id,
		ownerID:      ownerID,
		scopeID:      scopeID,
		tier:         tier,
		config:       cfg.Clone(),
		createdAt:    created,
		now:          now,
		ctx:          ctx,
		cancel:       cancel,
		slots:        semaphore.NewWeighted(int64(slots)),
		state:        StateCreated,
		lastActivity: created,
		drained:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// restore rebuilds a closed, read-only session from a persisted snapshot.
func restore(snap Snapshot, now func() time.Time) *Session {
	s := newSession(snap.ID, snap.OwnerID, snap.ScopeID, snap.Tier, snap.Config, now)
	s.cancel()
	s.state = StateClosed
	s.events = snap.Events
	s.totalTokens = snap.TotalTokensUsed
	s.lastActivity = snap.LastActivityAt
	s.quotaExceeded = snap.QuotaExceeded
	s.rejected = snap.RejectedAttempts
	s.createdAt = snap.CreatedAt
	s.closing = true
	s.closeReason = snap.CloseReason
	if snap.ClosedAt != nil {
		s.closedAt = *snap.ClosedAt
	}
	s.terminal = snap
	close(s.drained)
	s.drainedClosed = true
	close(s.done)
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) OwnerID() string { return s.ownerID }
func (s *Session) ScopeID() string { return s.scopeID }
func (s *Session) Tier() string    { return s.tier }

// Config returns a copy of the effective configuration.
func (s *Session) Config() Config { return s.config.Clone() }

// Context is cancelled when the session starts closing. Generation for the
// session runs on contexts derived from it.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a point-in-time status view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		ID:                  s.id,
		OwnerID:             s.ownerID,
		ScopeID:             s.scopeID,
		Tier:                s.tier,
		State:               s.state,
		TotalTokensUsed:     s.totalTokens,
		ActiveSubagentCount: s.activeSubagents,
		LastActivityAt:      s.lastActivity,
		EventCount:          len(s.events),
		QuotaExceeded:       s.quotaExceeded,
		RejectedAttempts:    s.rejected,
		Config:              s.config.Clone(),
	}
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	events := make([]GenerationEvent, len(s.events))
	copy(events, s.events)
	snap := Snapshot{
		Status:      s.statusLocked(),
		Events:      events,
		CreatedAt:   s.createdAt,
		CloseReason: s.closeReason,
	}
	if !s.closedAt.IsZero() {
		closedAt := s.closedAt
		snap.ClosedAt = &closedAt
	}
	return snap
}

// EventsAfter returns a copy of the events with SequenceNumber > seq.
func (s *Session) EventsAfter(seq uint64) []GenerationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq >= uint64(len(s.events)) {
		return nil
	}
	out := make([]GenerationEvent, len(s.events)-int(seq))
	copy(out, s.events[seq:])
	return out
}

// RecordRejection counts a rejected prompt. Nothing else changes.
func (s *Session) RecordRejection() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// ReopenBudget lifts a quota-exceeded mark set before periodStart and
// restarts the session budget window at the current total. It reports
// whether the mark was lifted.
func (s *Session) ReopenBudget(periodStart time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.quotaExceeded || !s.exhaustedAt.Before(periodStart) {
		return false
	}
	s.quotaExceeded = false
	s.exhaustedAt = time.Time{}
	s.budgetBase = s.totalTokens
	return true
}

// MarkQuotaExceeded records that the owner's quota ran out mid-stream.
func (s *Session) MarkQuotaExceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.quotaExceeded {
		s.quotaExceeded = true
		s.exhaustedAt = s.now()
	}
}

// BeginGeneration registers an accepted prompt. It fails once the session
// is closing or its budget is exhausted. Every successful call must be
// paired with EndGeneration.
func (s *Session) BeginGeneration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return NewError(KindClosed, "session is closing", nil).WithSession(s.id)
	}
	if s.quotaExceeded {
		return NewError(KindQuota, "session token budget exhausted", nil).WithSession(s.id)
	}
	s.inFlight++
	s.lastActivity = s.now()
	s.activateLocked()
	return nil
}

// EndGeneration releases a BeginGeneration.
func (s *Session) EndGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.signalDrainedLocked()
}

func (s *Session) activateLocked() {
	if s.state.CanTransitionTo(StateActive) {
		s.state = StateActive
	}
}

// AppendResult describes the outcome of Append.
type AppendResult struct {
	Event GenerationEvent
	// OverBudget is set when this event pushed the session past
	// MaxTokensPerSession. The event is recorded; the stream must stop.
	OverBudget bool
}

// Append records ev under the session lock, assigning its sequence number
// and timestamp. Events are refused once the session is closing or its
// budget has been exceeded.
func (s *Session) Append(ev GenerationEvent) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return AppendResult{}, NewError(KindClosed, "session no longer accepts events", nil).WithSession(s.id)
	}
	if s.quotaExceeded {
		return AppendResult{}, NewError(KindQuota, "session token budget exhausted", nil).WithSession(s.id)
	}

	cost := ev.EstimatedTokenCost
	if cost < 0 {
		cost = 0
	}
	over := (s.totalTokens-s.budgetBase)+cost > int64(s.config.MaxTokensPerSession)

	now := s.now()
	s.seq++
	ev.SequenceNumber = s.seq
	ev.Timestamp = now
	ev.EstimatedTokenCost = cost
	s.events = append(s.events, ev)
	s.totalTokens += cost
	s.lastActivity = now
	s.activateLocked()

	if over {
		s.quotaExceeded = true
		s.exhaustedAt = now
	}
	return AppendResult{Event: ev, OverBudget: over}, nil
}

// AcquireSubagent blocks until a subagent slot is free, then increments
// the active subagent count. The count never exceeds MaxParallelSubagents.
func (s *Session) AcquireSubagent(ctx context.Context) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeSubagents++
	s.mu.Unlock()
	subagentsActive.Inc()
	return nil
}

// ReleaseSubagent undoes one AcquireSubagent.
func (s *Session) ReleaseSubagent() {
	s.mu.Lock()
	s.activeSubagents--
	s.mu.Unlock()
	subagentsActive.Dec()
	s.slots.Release(1)
}

// MarkIdle moves an Active session with nothing in flight to Idle once
// its last activity is older than grace.
func (s *Session) MarkIdle(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.inFlight > 0 || s.activeSubagents > 0 {
		return false
	}
	if now.Sub(s.lastActivity) <= grace {
		return false
	}
	s.state = StateIdle
	return true
}

// Expired reports whether the session is open and has been inactive for
// longer than its configured timeout.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.state.IsTerminal() {
		return false
	}
	return now.Sub(s.lastActivity) > s.config.SessionTimeout()
}

// Closing reports whether close has begun, and why.
func (s *Session) Closing() (bool, CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing, s.closeReason
}

// beginClose marks the session closing and cancels its context. Only the
// first caller gets true.
func (s *Session) beginClose(reason CloseReason) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.closing = true
	s.closeReason = reason
	s.signalDrainedLocked()
	s.mu.Unlock()

	s.cancel()
	return true
}

func (s *Session) signalDrainedLocked() {
	if s.closing && s.inFlight == 0 && !s.drainedClosed {
		close(s.drained)
		s.drainedClosed = true
	}
}

// waitDrained waits until every in-flight generation has ended.
func (s *Session) waitDrained(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishClose moves the session to Closed and fixes its terminal snapshot.
// filter, when set, rewrites the snapshot before it becomes terminal.
func (s *Session) finishClose(filter func(Snapshot) Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.closedAt = s.now()
	s.terminal = s.snapshotLocked()
	if filter != nil {
		s.terminal = filter(s.terminal)
	}
	close(s.done)
	return s.terminal
}

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Terminal returns the terminal snapshot. Only valid after Done is closed.
func (s *Session) Terminal() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Session) setPendingPersist(pending bool) {
	s.mu.Lock()
	s.pendingPersist = pending
	if pending {
		s.persistAttempts++
	}
	s.mu.Unlock()
}

func (s *Session) isPendingPersist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPersist
}

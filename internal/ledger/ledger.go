// Package ledger tracks per-owner token consumption against daily and
// monthly quotas.
//
// Periods are calendar windows in UTC and reset lazily on first access
// after a boundary. Commits always record the real cost; overshoot is
// allowed and the reported remaining quota is clamped at zero.
package ledger

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

var (
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forged",
		Subsystem: "ledger",
		Name:      "tokens_total",
		Help:      "Tokens committed to the ledger, by tier.",
	}, []string{"tier"})

	rejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forged",
		Subsystem: "ledger",
		Name:      "rejections_total",
		Help:      "Reservations refused for insufficient quota.",
	})
)

// Quota is the pair of limits that applies to one owner.
type Quota struct {
	Tier    string
	Daily   int64
	Monthly int64
}

// QuotaFunc returns the quota for an owner.
type QuotaFunc func(ctx context.Context, ownerID string) Quota

// Entry is a point-in-time view of one owner's account.
type Entry struct {
	OwnerID          string    `json:"owner_id"`
	Tier             string    `json:"tier"`
	DailyUsed        int64     `json:"daily_used"`
	MonthlyUsed      int64     `json:"monthly_used"`
	Reserved         int64     `json:"reserved"`
	DailyLimit       int64     `json:"daily_limit"`
	MonthlyLimit     int64     `json:"monthly_limit"`
	RemainingQuota   int64     `json:"remaining_quota"`
	DailyPeriodStart time.Time `json:"daily_period_start"`
	MonthPeriodStart time.Time `json:"month_period_start"`
	LastSessionID    string    `json:"last_session_id,omitempty"`
	// SessionTokens is the tokens committed per session id in the current
	// monthly window.
	SessionTokens map[string]int64 `json:"session_tokens,omitempty"`
}

type account struct {
	mu            sync.Mutex
	dailyUsed     int64
	monthlyUsed   int64
	reserved      int64
	dayStart      time.Time
	monthStart    time.Time
	lastSessionID string
	sessionTokens map[string]int64
}

// Ledger is safe for concurrent use. Each owner has its own lock.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	quota    QuotaFunc
	now      func() time.Time
	logger   *logging.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger.
func New(quota QuotaFunc, opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		quota:    quota,
		now:      time.Now,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) account(ownerID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[ownerID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[ownerID]; ok {
		return a
	}
	now := l.now().UTC()
	a = &account{dayStart: dayStart(now), monthStart: monthStart(now), sessionTokens: make(map[string]int64)}
	l.accounts[ownerID] = a
	return a
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// roll resets counters whose window has passed. Caller holds a.mu.
func (a *account) roll(now time.Time) {
	now = now.UTC()
	if d := dayStart(now); d.After(a.dayStart) {
		a.dayStart = d
		a.dailyUsed = 0
	}
	if m := monthStart(now); m.After(a.monthStart) {
		a.monthStart = m
		a.monthlyUsed = 0
		a.sessionTokens = make(map[string]int64)
	}
}

// headroom is the quota left after usage and every reservation except
// ownHeld. It may be negative. Caller holds a.mu.
func (a *account) headroom(q Quota, ownHeld int64) int64 {
	return min(q.Daily-a.dailyUsed, q.Monthly-a.monthlyUsed) - (a.reserved - ownHeld)
}

// remaining is the quota left after usage and reservations, never negative.
// Caller holds a.mu.
func (a *account) remaining(q Quota) int64 {
	return max(a.headroom(q, 0), 0)
}

func (a *account) entry(ownerID string, q Quota) Entry {
	return Entry{
		OwnerID:          ownerID,
		Tier:             q.Tier,
		DailyUsed:        a.dailyUsed,
		MonthlyUsed:      a.monthlyUsed,
		Reserved:         a.reserved,
		DailyLimit:       q.Daily,
		MonthlyLimit:     q.Monthly,
		RemainingQuota:   a.remaining(q),
		DailyPeriodStart: a.dayStart,
		MonthPeriodStart: a.monthStart,
		LastSessionID:    a.lastSessionID,
		SessionTokens:    maps.Clone(a.sessionTokens),
	}
}

// Reservation holds tokens against an owner's quota until committed or
// released.
type Reservation struct {
	ledger  *Ledger
	ownerID string

	mu       sync.Mutex
	held     int64
	released bool
}

// CheckAndReserve fails with session.ErrQuotaExceeded when the owner has
// no quota left or estimatedCost does not fit in what remains.
func (l *Ledger) CheckAndReserve(ctx context.Context, ownerID string, estimatedCost int64) (*Reservation, error) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	q := l.quota(ctx, ownerID)
	a := l.account(ownerID)

	a.mu.Lock()
	a.roll(l.now())
	rem := a.remaining(q)
	if rem <= 0 || rem-estimatedCost < 0 {
		a.mu.Unlock()
		rejectionsTotal.Inc()
		l.logger.Info(ctx, "token reservation refused",
			zap.Int64("remaining", rem),
			zap.Int64("estimated", estimatedCost),
		)
		return nil, session.NewError(session.KindQuota, "owner token quota exhausted", nil)
	}
	a.reserved += estimatedCost
	a.mu.Unlock()

	return &Reservation{ledger: l, ownerID: ownerID, held: estimatedCost}, nil
}

// Commit records actualCost for ownerID. exhausted reports that no quota
// remains afterwards.
func (l *Ledger) Commit(ctx context.Context, ownerID, sessionID string, actualCost int64) (Entry, bool) {
	return l.commit(ctx, ownerID, sessionID, actualCost, 0, 0)
}

// commit moves fromReserve out of the reserved total and records
// actualCost. ownHeld is what the committing reservation still holds
// afterwards; it does not count towards exhaustion, since that hold is
// the caller's own headroom.
func (l *Ledger) commit(ctx context.Context, ownerID, sessionID string, actualCost, fromReserve, ownHeld int64) (Entry, bool) {
	if actualCost < 0 {
		actualCost = 0
	}
	q := l.quota(ctx, ownerID)
	a := l.account(ownerID)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(l.now())
	a.reserved -= fromReserve
	if a.reserved < 0 {
		a.reserved = 0
	}
	a.dailyUsed += actualCost
	a.monthlyUsed += actualCost
	if sessionID != "" {
		a.lastSessionID = sessionID
		a.sessionTokens[sessionID] += actualCost
	}
	tokensTotal.WithLabelValues(q.Tier).Add(float64(actualCost))

	return a.entry(ownerID, q), a.headroom(q, min(ownHeld, a.reserved)) <= 0
}

// Commit records actualCost, drawing down the held amount first.
func (r *Reservation) Commit(ctx context.Context, sessionID string, actualCost int64) (Entry, bool) {
	r.mu.Lock()
	draw := int64(0)
	if !r.released {
		draw = min(r.held, max(actualCost, 0))
		r.held -= draw
	}
	left := r.held
	r.mu.Unlock()
	return r.ledger.commit(ctx, r.ownerID, sessionID, actualCost, draw, left)
}

// Held returns what the reservation still holds.
func (r *Reservation) Held() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Release returns whatever is still held. It is safe to call more than once.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	held := r.held
	r.held = 0
	r.mu.Unlock()

	if held == 0 {
		return
	}
	a := r.ledger.account(r.ownerID)
	a.mu.Lock()
	a.reserved -= held
	if a.reserved < 0 {
		a.reserved = 0
	}
	a.mu.Unlock()
}

// Entry returns a snapshot of ownerID's account.
func (l *Ledger) Entry(ctx context.Context, ownerID string) Entry {
	q := l.quota(ctx, ownerID)
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(l.now())
	return a.entry(ownerID, q)
}

// SessionTokens returns the tokens committed for sessionID in ownerID's
// current monthly window.
func (l *Ledger) SessionTokens(ownerID, sessionID string) int64 {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(l.now())
	return a.sessionTokens[sessionID]
}

// PeriodStart returns the start of ownerID's current daily window.
func (l *Ledger) PeriodStart(ownerID string) time.Time {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(l.now())
	return a.dayStart
}

// Exhausted reports whether ownerID has no remaining quota.
func (l *Ledger) Exhausted(ctx context.Context, ownerID string) bool {
	return l.Entry(ctx, ownerID).RemainingQuota <= 0
}

package session

import (
	"sort"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateClosed  State = "closed"
)

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[State][]State{
	StateCreated: {StateActive, StateClosed},
	StateActive:  {StateIdle, StateClosed},
	StateIdle:    {StateActive, StateClosed},
	StateClosed:  {}, // terminal
}

// CanTransitionTo reports whether s may move to target.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Closed.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// CloseReason records why a session was closed.
type CloseReason string

const (
	CloseExplicit    CloseReason = "explicit"
	CloseIdleTimeout CloseReason = "idle_timeout"
	CloseShutdown    CloseReason = "shutdown"
)

// Config is the effective, clamped configuration of a session. Zero or
// negative numbers and an empty capability list mean "not requested" when
// a Config is used as a request.
type Config struct {
	MaxParallelSubagents  int      `json:"max_parallel_subagents"`
	MaxTokensPerSession   int      `json:"max_tokens_per_session"`
	SessionTimeoutMinutes int      `json:"session_timeout_minutes"`
	AllowedCapabilities   []string `json:"allowed_capabilities"`
}

// SessionTimeout returns the idle timeout as a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// HasCapability reports whether name is allowed.
func (c Config) HasCapability(name string) bool {
	for _, allowed := range c.AllowedCapabilities {
		if allowed == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy with capabilities sorted.
func (c Config) Clone() Config {
	caps := make([]string, len(c.AllowedCapabilities))
	copy(caps, c.AllowedCapabilities)
	sort.Strings(caps)
	c.AllowedCapabilities = caps
	return c
}

// Status is the lightweight view returned by GetStatus.
type Status struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	ScopeID             string    `json:"scope_id"`
	Tier                string    `json:"tier"`
	State               State     `json:"state"`
	TotalTokensUsed     int64     `json:"total_tokens_used"`
	ActiveSubagentCount int       `json:"active_subagent_count"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	EventCount          int       `json:"event_count"`
	QuotaExceeded       bool      `json:"quota_exceeded"`
	RejectedAttempts    int       `json:"rejected_attempts"`
	Config              Config    `json:"config"`
}

// Snapshot is a complete, detached copy of a session. Closed snapshots are
// what the Store persists.
type Snapshot struct {
	Status
	Events      []GenerationEvent `json:"events"`
	CreatedAt   time.Time         `json:"created_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	CloseReason CloseReason       `json:"close_reason,omitempty"`
}

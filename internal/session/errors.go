package session

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindSecurity   Kind = "SECURITY_REJECTED"
	KindQuota      Kind = "QUOTA_EXCEEDED"
	KindBackend    Kind = "BACKEND_ERROR"
	KindTimeout    Kind = "TIMEOUT"
	KindNotFound   Kind = "NOT_FOUND"
	KindClosed     Kind = "SESSION_CLOSED"
	KindCancelled  Kind = "CANCELLED"
	KindInternal   Kind = "INTERNAL"
)

// Sentinels, one per kind. A *Error matches the sentinel of its kind with
// errors.Is.
var (
	ErrValidation        = errors.New("invalid request")
	ErrSecurityViolation = errors.New("prompt rejected by security filter")
	ErrQuotaExceeded     = errors.New("token quota exceeded")
	ErrBackend           = errors.New("generation backend failed")
	ErrTimeout           = errors.New("session timed out")
	ErrNotFound          = errors.New("session not found")
	ErrSessionClosed     = errors.New("session is closed")
	ErrCancelled         = errors.New("generation cancelled")
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindSecurity:   ErrSecurityViolation,
	KindQuota:      ErrQuotaExceeded,
	KindBackend:    ErrBackend,
	KindTimeout:    ErrTimeout,
	KindNotFound:   ErrNotFound,
	KindClosed:     ErrSessionClosed,
	KindCancelled:  ErrCancelled,
}

var kindCodes = map[Kind]string{
	KindValidation: "FRG001",
	KindSecurity:   "FRG002",
	KindQuota:      "FRG003",
	KindBackend:    "FRG004",
	KindTimeout:    "FRG005",
	KindNotFound:   "FRG006",
	KindClosed:     "FRG007",
	KindCancelled:  "FRG008",
	KindInternal:   "FRG999",
}

// Error is the coded error returned by every orchestration operation.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	SessionID string
	TaskID    string
	Cause     error
}

// NewError builds an Error of kind with its stable code.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Code: kindCodes[kind], Message: message, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session_id=%s)", e.SessionID)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task_id=%s)", e.TaskID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// WithSession returns a copy of e tagged with a session id.
func (e *Error) WithSession(id string) *Error {
	c := *e
	c.SessionID = id
	return &c
}

// WithTask returns a copy of e tagged with a task id.
func (e *Error) WithTask(id string) *Error {
	c := *e
	c.TaskID = id
	return &c
}

// KindOf reports the kind of err. Errors that carry no kind information
// are KindInternal; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// AsError converts err to an *Error, keeping an existing kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindOf(err)
	msg := "internal error"
	if s, ok := kindSentinels[kind]; ok {
		msg = s.Error()
	}
	return NewError(kind, msg, err)
}

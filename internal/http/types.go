package http

import (
	"github.com/fyrsmithlabs/forged/internal/engine"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// OwnerHeader carries the caller's owner id. Authentication happens in
// front of the daemon; the header is trusted.
const OwnerHeader = "X-Forged-Owner"

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ScopeID string         `json:"scope_id"`
	Config  session.Config `json:"config"`
}

// CreateSessionResponse is the response body for POST /api/v1/sessions.
type CreateSessionResponse struct {
	SessionID string         `json:"session_id"`
	Config    session.Config `json:"config"`
}

// PromptRequest is the request body for POST /api/v1/sessions/:id/prompts.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// BatchRequest is the request body for POST /api/v1/sessions/:id/batches.
type BatchRequest struct {
	Tasks []engine.Task `json:"tasks"`
}

// BatchResultEvent is the payload of the final "result" SSE event.
type BatchResultEvent struct {
	engine.BatchResult
	Error *ErrorResponse `json:"error,omitempty"`
}

// DoneEvent is the payload of the final "done" SSE event of a prompt.
type DoneEvent struct {
	SessionID string `json:"session_id"`
	Events    int    `json:"events"`
}

// ErrorResponse is the body of every error, both as JSON and as the
// payload of the "error" SSE event.
type ErrorResponse struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

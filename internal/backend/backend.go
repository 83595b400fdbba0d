// Package backend defines the generation backend contract and its
// implementations.
package backend

import (
	"context"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// Request is one generation call.
type Request struct {
	Prompt       string   `json:"prompt"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionID    string   `json:"session_id"`
	TaskID       string   `json:"task_id,omitempty"`
}

// Stream yields generation events. Next returns io.EOF after the last
// event. Cancelling the context given to Generate terminates the stream.
type Stream interface {
	Next(ctx context.Context) (session.GenerationEvent, error)
	Close() error
}

// Backend produces generation event streams.
type Backend interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

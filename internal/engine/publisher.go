package engine

import (
	"context"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// Publisher receives every appended event. Publishing failures are logged
// and never affect generation.
type Publisher interface {
	Publish(ctx context.Context, ownerID, sessionID string, ev session.GenerationEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, session.GenerationEvent) error {
	return nil
}

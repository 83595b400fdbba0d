// Package store persists terminal session snapshots.
//
// Three backends are available: in memory, a NATS JetStream key-value
// bucket, and a directory of HMAC-signed JSON files. Open wraps whichever
// is configured so that secrets are redacted from every snapshot before it
// is written.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/secrets"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// ErrTampered is returned when a stored snapshot fails its integrity check.
var ErrTampered = errors.New("stored snapshot failed integrity check")

// Open builds the store selected by cfg.Provider. nc is required for the
// "nats" provider and ignored otherwise.
func Open(ctx context.Context, cfg config.StoreConfig, nc *nats.Conn, scrubber secrets.Scrubber, logger *logging.Logger) (*Scrubbing, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		inner session.Store
		err   error
	)
	switch cfg.Provider {
	case "", "memory":
		inner = session.NewMemoryStore()
	case "nats":
		inner, err = NewKV(ctx, nc, cfg.Bucket, WithKVLogger(logger))
	case "file":
		inner, err = NewFile(cfg.Path, []byte(cfg.HMACKey.Value()), WithFileLogger(logger))
	default:
		err = fmt.Errorf("unknown store provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "session store ready", zap.String("provider", cfg.Provider))
	return NewScrubbing(inner, scrubber, logger), nil
}

// Scrubbing redacts snapshots before handing them to the wrapped store.
type Scrubbing struct {
	next     session.Store
	scrubber secrets.Scrubber
	logger   *logging.Logger
}

// NewScrubbing wraps next. A nil scrubber leaves snapshots untouched.
func NewScrubbing(next session.Store, scrubber secrets.Scrubber, logger *logging.Logger) *Scrubbing {
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scrubbing{next: next, scrubber: scrubber, logger: logger.Named("store")}
}

// Scrub returns a redacted copy of snap. It has the shape of
// session.SnapshotFilter.
func (s *Scrubbing) Scrub(ctx context.Context, snap session.Snapshot) session.Snapshot {
	clean, n := s.scrubber.RedactSnapshot(snap)
	if n > 0 {
		s.logger.Info(logging.WithSessionID(ctx, snap.ID), "redacted secrets from session transcript",
			zap.Int("redactions", n))
	}
	return clean
}

// Save redacts snap and saves the result.
func (s *Scrubbing) Save(ctx context.Context, snap session.Snapshot) error {
	return s.next.Save(ctx, s.Scrub(ctx, snap))
}

// Load delegates to the wrapped store.
func (s *Scrubbing) Load(ctx context.Context, id string) (session.Snapshot, error) {
	return s.next.Load(ctx, id)
}

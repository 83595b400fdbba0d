// Package eventbus fans session events out over NATS so that callers other
// than the one that sent a prompt can follow a session live.
//
// Events are published as JSON to:
//
//	{prefix}.sessions.{owner}.{session_id}.events
//
// Owner and session ids are passed through sanitize.Token first, so ids
// containing '.', '*' or '>' cannot widen a subscription.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/sanitize"
	"github.com/fyrsmithlabs/forged/internal/session"
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forged",
	Subsystem: "eventbus",
	Name:      "published_total",
	Help:      "Events published to the bus, by outcome",
}, []string{"outcome"})

// ErrClosed is returned by operations on a closed subscription.
var ErrClosed = errors.New("subscription closed")

// Bus publishes and subscribes to session events.
type Bus struct {
	nc           *nats.Conn
	prefix       string
	buffer       int
	flushTimeout time.Duration
	logger       *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBuffer sets the per-subscription channel size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a Bus on nc. prefix defaults to "forged".
func New(nc *nats.Conn, prefix string, opts ...Option) (*Bus, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "forged"
	}
	b := &Bus{
		nc:           nc,
		prefix:       prefix,
		buffer:       256,
		flushTimeout: 2 * time.Second,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("eventbus")
	return b, nil
}

// Subject returns the subject events for the session are published on.
func (b *Bus) Subject(ownerID, sessionID string) string {
	return fmt.Sprintf("%s.sessions.%s.%s.events", b.prefix, sanitize.Token(ownerID), sanitize.Token(sessionID))
}

// Publish sends ev to the session's subject.
func (b *Bus) Publish(ctx context.Context, ownerID, sessionID string, ev session.GenerationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		published.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ownerID, sessionID), data); err != nil {
		published.WithLabelValues("error").Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	published.WithLabelValues("ok").Inc()
	return nil
}

// Subscription delivers events for one session until it is closed or its
// context ends.
type Subscription struct {
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	events chan session.GenerationEvent
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger
}

// Subscribe follows the session's events. Events published before the
// call are not replayed; use the session's transcript for history.
func (b *Bus) Subscribe(ctx context.Context, ownerID, sessionID string) (*Subscription, error) {
	msgs := make(chan *nats.Msg, b.buffer)
	sub, err := b.nc.ChanSubscribe(b.Subject(ownerID, sessionID), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := b.nc.FlushTimeout(b.flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	s := &Subscription{
		sub:    sub,
		msgs:   msgs,
		events: make(chan session.GenerationEvent, b.buffer),
		done:   make(chan struct{}),
		logger: b.logger.With(zap.String("session_id", sessionID)),
	}
	go s.forward(ctx)
	return s, nil
}

func (s *Subscription) forward(ctx context.Context) {
	defer close(s.events)
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.msgs:
			var ev session.GenerationEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				s.logger.Warn(ctx, "dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan session.GenerationEvent { return s.events }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}

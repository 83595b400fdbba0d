package backend

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// Script describes how Scripted answers one prompt.
type Script struct {
	// Events are emitted in order.
	Events []session.GenerationEvent
	// Delay is waited before each event.
	Delay time.Duration
	// Hold, when non-nil, blocks the first event until it is closed.
	Hold <-chan struct{}
	// GenerateErr fails Generate itself.
	GenerateErr error
	// FailAfter ends the stream with StreamErr after that many events.
	// Zero disables it.
	FailAfter int
	StreamErr error
	// BlockAtEnd keeps the stream open after the last event until the
	// generation context is cancelled.
	BlockAtEnd bool
}

// Scripted is a deterministic in-process Backend. Prompts without a
// matching script get the default script, or an echo when none is set.
type Scripted struct {
	mu       sync.Mutex
	scripts  map[string]Script
	fallback *Script
	requests []Request
	active   int
	peak     int
}

// NewScripted creates an empty Scripted backend.
func NewScripted() *Scripted {
	return &Scripted{scripts: make(map[string]Script)}
}

// On registers sc for prompt.
func (s *Scripted) On(prompt string, sc Script) *Scripted {
	s.mu.Lock()
	s.scripts[prompt] = sc
	s.mu.Unlock()
	return s
}

// Default sets the script used for unmatched prompts.
func (s *Scripted) Default(sc Script) *Scripted {
	s.mu.Lock()
	s.fallback = &sc
	s.mu.Unlock()
	return s
}

// Echo is the script used when nothing else matches.
func Echo(prompt string) Script {
	return Script{Events: []session.GenerationEvent{
		session.TextChunk("ack: " + prompt),
		session.Done("complete", ""),
	}}
}

// Generate implements Backend.
func (s *Scripted) Generate(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	sc, ok := s.scripts[req.Prompt]
	if !ok {
		if s.fallback != nil {
			sc = *s.fallback
		} else {
			sc = Echo(req.Prompt)
		}
	}
	if sc.GenerateErr != nil {
		s.mu.Unlock()
		return nil, sc.GenerateErr
	}
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()

	events := make([]session.GenerationEvent, len(sc.Events))
	copy(events, sc.Events)
	return &scriptedStream{owner: s, ctx: ctx, script: sc, events: events, hold: sc.Hold}, nil
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Active returns the number of open streams.
func (s *Scripted) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Peak returns the highest number of simultaneously open streams.
func (s *Scripted) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

type scriptedStream struct {
	owner   *Scripted
	ctx     context.Context
	script  Script
	events  []session.GenerationEvent
	hold    <-chan struct{}
	emitted int
	once    sync.Once
}

func (st *scriptedStream) wait(ctx context.Context, ch <-chan struct{}, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	if ch == nil && timer == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.ctx.Done():
			return st.ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ch:
		return nil
	case <-timer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

func (st *scriptedStream) Next(ctx context.Context) (session.GenerationEvent, error) {
	if st.hold != nil {
		if err := st.wait(ctx, st.hold, 0); err != nil {
			return session.GenerationEvent{}, err
		}
		st.hold = nil
	}
	if st.script.FailAfter > 0 && st.emitted >= st.script.FailAfter {
		if st.script.StreamErr != nil {
			return session.GenerationEvent{}, st.script.StreamErr
		}
		return session.GenerationEvent{}, session.NewError(session.KindBackend, "scripted stream failure", nil)
	}
	if st.emitted >= len(st.events) {
		if st.script.BlockAtEnd {
			return session.GenerationEvent{}, st.wait(ctx, make(chan struct{}), 0)
		}
		return session.GenerationEvent{}, io.EOF
	}
	if err := st.wait(ctx, nil, st.script.Delay); err != nil {
		return session.GenerationEvent{}, err
	}
	ev := st.events[st.emitted]
	st.emitted++
	return ev, nil
}

func (st *scriptedStream) Close() error {
	st.once.Do(func() {
		st.owner.mu.Lock()
		st.owner.active--
		st.owner.mu.Unlock()
	})
	return nil
}

var _ Backend = (*Scripted)(nil)

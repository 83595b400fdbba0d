package engine

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// sink buffers appended events without bound and forwards them to a
// consumer channel on demand. order is held across Session.Append and
// push so the consumer sees events in append order.
type sink struct {
	order sync.Mutex

	mu      sync.Mutex
	buf     []session.GenerationEvent
	closed  bool
	signal  chan struct{}
	start   sync.Once
	out     chan session.GenerationEvent
	detach  chan struct{}
	detOnce sync.Once
}

func newSink() *sink {
	return &sink{
		signal: make(chan struct{}, 1),
		out:    make(chan session.GenerationEvent),
		detach: make(chan struct{}),
	}
}

func (k *sink) push(ev session.GenerationEvent) {
	k.mu.Lock()
	k.buf = append(k.buf, ev)
	k.mu.Unlock()
	k.notify()
}

func (k *sink) finish() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.notify()
}

func (k *sink) notify() {
	select {
	case k.signal <- struct{}{}:
	default:
	}
}

// events starts the forwarder on first use.
func (k *sink) events() <-chan session.GenerationEvent {
	k.start.Do(func() { go k.forward() })
	return k.out
}

func (k *sink) forward() {
	defer close(k.out)
	for {
		k.mu.Lock()
		if len(k.buf) == 0 {
			closed := k.closed
			k.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-k.signal:
			case <-k.detach:
				return
			}
			continue
		}
		ev := k.buf[0]
		k.buf[0] = session.GenerationEvent{}
		k.buf = k.buf[1:]
		k.mu.Unlock()

		select {
		case k.out <- ev:
		case <-k.detach:
			return
		}
	}
}

func (k *sink) stop() {
	k.detOnce.Do(func() { close(k.detach) })
}

// Stream is the result of SendPrompt.
type Stream struct {
	sessionID string
	sink      *sink
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	events []session.GenerationEvent
	err    error
}

func newStream(sessionID string, cancel context.CancelFunc) *Stream {
	return &Stream{sessionID: sessionID, sink: newSink(), cancel: cancel, done: make(chan struct{})}
}

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Events delivers events in sequence order. The channel is closed after
// the last event, or when Detach is called.
func (s *Stream) Events() <-chan session.GenerationEvent { return s.sink.events() }

// Done is closed when generation has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until generation ends and returns every event this prompt
// produced. On failure the partial list is returned with the error.
func (s *Stream) Wait() ([]session.GenerationEvent, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.GenerationEvent, len(s.events))
	copy(out, s.events)
	return out, s.err
}

// Cancel stops generation. Events already appended stay in the session.
func (s *Stream) Cancel() { s.cancel() }

// Detach stops delivery on Events without affecting generation.
func (s *Stream) Detach() { s.sink.stop() }

func (s *Stream) record(ev session.GenerationEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.sink.finish()
	close(s.done)
}

// TaskStatus is the outcome of one batch task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskResult is the per-task entry of a BatchResult. Err and Kind are set
// only for failed tasks.
type TaskResult struct {
	Status TaskStatus                `json:"status"`
	Events []session.GenerationEvent `json:"events,omitempty"`
	Err    error                     `json:"-"`
	Kind   session.Kind              `json:"error_kind,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// BatchResult aggregates a finished batch.
type BatchResult struct {
	BatchID  string                `json:"batch_id"`
	Selected []string              `json:"selected"`
	Skipped  []string              `json:"skipped"`
	Tasks    map[string]TaskResult `json:"tasks"`
}

// Failed returns the ids of failed tasks in selection order.
func (r BatchResult) Failed() []string {
	var out []string
	for _, id := range r.Selected {
		if r.Tasks[id].Status == TaskFailed {
			out = append(out, id)
		}
	}
	return out
}

// BatchStream is the result of SubmitBatch. Events from every task are
// merged in append order and tagged with SourceTaskID.
type BatchStream struct {
	sessionID string
	batchID   string
	sink      *sink
	cancel    context.CancelFunc
	done      chan struct{}

	result BatchResult
	err    error
}

// SessionID returns the session the batch runs in.
func (b *BatchStream) SessionID() string { return b.sessionID }

// BatchID returns the batch's id.
func (b *BatchStream) BatchID() string { return b.batchID }

// Events delivers the merged event stream.
func (b *BatchStream) Events() <-chan session.GenerationEvent { return b.sink.events() }

// Done is closed when every task has ended.
func (b *BatchStream) Done() <-chan struct{} { return b.done }

// Wait blocks until every selected task has ended. The error is non-nil
// only when every selected task failed.
func (b *BatchStream) Wait() (BatchResult, error) {
	<-b.done
	return b.result, b.err
}

// Cancel stops every task in the batch.
func (b *BatchStream) Cancel() { b.cancel() }

// Detach stops delivery on Events without affecting generation.
func (b *BatchStream) Detach() { b.sink.stop() }

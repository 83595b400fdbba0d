package secrets

import (
	"encoding/json"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// RedactSnapshot returns a copy of snap with secrets removed from every
// event payload, and the number of redactions made.
func (r *Redactor) RedactSnapshot(snap session.Snapshot) (session.Snapshot, int) {
	total := 0
	events := make([]session.GenerationEvent, len(snap.Events))
	for i, ev := range snap.Events {
		n := 0
		switch ev.Kind {
		case session.EventTextChunk:
			ev.Text, n = r.Redact(ev.Text)
		case session.EventToolInvocation:
			if ev.ToolCall != nil {
				call := *ev.ToolCall
				var s string
				s, n = r.Redact(string(call.Input))
				if n > 0 {
					if json.Valid([]byte(s)) {
						call.Input = json.RawMessage(s)
					} else {
						call.Input, _ = json.Marshal(s)
					}
				}
				ev.ToolCall = &call
			}
		case session.EventToolResult:
			if ev.ToolResult != nil {
				res := *ev.ToolResult
				res.Output, n = r.Redact(res.Output)
				ev.ToolResult = &res
			}
		case session.EventTerminal:
			if ev.Terminal != nil {
				term := *ev.Terminal
				term.Summary, n = r.Redact(term.Summary)
				ev.Terminal = &term
			}
		}
		total += n
		events[i] = ev
	}
	snap.Events = events
	return snap, total
}

// Scrubber is satisfied by *Redactor; stores accept it so tests can pass
// a no-op.
type Scrubber interface {
	RedactSnapshot(snap session.Snapshot) (session.Snapshot, int)
}

// Nop leaves snapshots untouched.
type Nop struct{}

// RedactSnapshot implements Scrubber.
func (Nop) RedactSnapshot(snap session.Snapshot) (session.Snapshot, int) {
	return snap, 0
}

package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of generation event kinds.
type EventKind string

const (
	EventTextChunk      EventKind = "text_chunk"
	EventToolInvocation EventKind = "tool_invocation"
	EventToolResult     EventKind = "tool_result"
	EventTerminal       EventKind = "terminal"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventTextChunk, EventToolInvocation, EventToolResult, EventTerminal:
		return true
	}
	return false
}

// ToolCall is the payload of a tool_invocation event.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the payload of a tool_result event.
type ToolResult struct {
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Terminal is the payload of a terminal event.
type Terminal struct {
	Reason  string `json:"reason"`
	Summary string `json:"summary,omitempty"`
}

// GenerationEvent is one unit of backend output. Exactly one payload field
// is set, and which one is determined by Kind.
//
// SequenceNumber and Timestamp are assigned when the event is appended to
// a session; SourceTaskID is set for events produced by a batch task.
type GenerationEvent struct {
	Kind               EventKind   `json:"kind"`
	Text               string      `json:"text,omitempty"`
	ToolCall           *ToolCall   `json:"tool_call,omitempty"`
	ToolResult         *ToolResult `json:"tool_result,omitempty"`
	Terminal           *Terminal   `json:"terminal,omitempty"`
	EstimatedTokenCost int64       `json:"estimated_token_cost"`
	SequenceNumber     uint64      `json:"sequence_number"`
	SourceTaskID       string      `json:"source_task_id,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
}

// TextChunk builds a text_chunk event.
func TextChunk(text string) GenerationEvent {
	return GenerationEvent{Kind: EventTextChunk, Text: text}
}

// ToolInvocation builds a tool_invocation event.
func ToolInvocation(name string, input json.RawMessage) GenerationEvent {
	return GenerationEvent{Kind: EventToolInvocation, ToolCall: &ToolCall{Name: name, Input: input}}
}

// ToolOutput builds a tool_result event.
func ToolOutput(name, output string, isError bool) GenerationEvent {
	return GenerationEvent{Kind: EventToolResult, ToolResult: &ToolResult{Name: name, Output: output, IsError: isError}}
}

// Done builds a terminal event.
func Done(reason, summary string) GenerationEvent {
	return GenerationEvent{Kind: EventTerminal, Terminal: &Terminal{Reason: reason, Summary: summary}}
}

// Validate checks that Kind is known and that exactly its payload is set.
func (e GenerationEvent) Validate() error {
	set := 0
	if e.Text != "" {
		set++
	}
	if e.ToolCall != nil {
		set++
	}
	if e.ToolResult != nil {
		set++
	}
	if e.Terminal != nil {
		set++
	}

	ok := false
	switch e.Kind {
	case EventTextChunk:
		ok = set == 0 || (set == 1 && e.Text != "")
	case EventToolInvocation:
		ok = set == 1 && e.ToolCall != nil && e.ToolCall.Name != ""
	case EventToolResult:
		ok = set == 1 && e.ToolResult != nil
	case EventTerminal:
		ok = set == 1 && e.Terminal != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("payload does not match event kind %q", e.Kind)
	}
	return nil
}

// Payload returns the kind-specific payload value.
func (e GenerationEvent) Payload() any {
	switch e.Kind {
	case EventToolInvocation:
		return e.ToolCall
	case EventToolResult:
		return e.ToolResult
	case EventTerminal:
		return e.Terminal
	default:
		return e.Text
	}
}

// EstimateTokens converts a serialized size into tokens, rounding up.
// charsPerToken <= 0 is treated as 4.
func EstimateTokens(size, charsPerToken int) int64 {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	if size <= 0 {
		return 0
	}
	return int64((size + charsPerToken - 1) / charsPerToken)
}

// EstimateCost estimates the token cost of the event's serialized payload.
func (e GenerationEvent) EstimateCost(charsPerToken int) int64 {
	b, err := json.Marshal(e.Payload())
	if err != nil {
		return 0
	}
	return EstimateTokens(len(b), charsPerToken)
}

package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerationEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      GenerationEvent
		wantErr bool
	}{
		{"text", TextChunk("hi"), false},
		{"tool call", ToolInvocation("write_file", json.RawMessage(`{"path":"a.go"}`)), false},
		{"tool result", ToolOutput("write_file", "ok", false), false},
		{"terminal", Done("complete", "built app"), false},
		{"unknown kind", GenerationEvent{Kind: "thought", Text: "x"}, true},
		{"mismatched payload", GenerationEvent{Kind: EventTerminal, Text: "x"}, true},
		{"two payloads", GenerationEvent{Kind: EventToolResult, Text: "x", ToolResult: &ToolResult{}}, true},
		{"tool call without name", GenerationEvent{Kind: EventToolInvocation, ToolCall: &ToolCall{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerationEvent_EstimateCost(t *testing.T) {
	// 4798 characters serialize to 4800 bytes including quotes.
	ev := TextChunk(strings.Repeat("a", 4798))
	assert.Equal(t, int64(1200), ev.EstimateCost(4))

	assert.Equal(t, int64(1), TextChunk("a").EstimateCost(4))
	assert.Equal(t, int64(0), EstimateTokens(0, 4))
	assert.Equal(t, int64(3), EstimateTokens(9, 0), "non-positive ratio falls back to 4")
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/session"
)

func newPromptCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <session-id> [text|-]",
		Short: "Send a prompt and stream the output",
		Long: `Send a prompt to a session and stream generated text to stdout.
Tool activity is reported on stderr.

Examples:
  forgectl prompt 3f1c... "add a health endpoint"
  cat task.md | forgectl prompt 3f1c... -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := promptText(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			r := &renderer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			path := sessionPath(args[0]) + "/prompts"
			return newClient(opts).stream(cmd.Context(), http.MethodPost, path, forgedhttp.PromptRequest{Prompt: text}, r.promptFrame)
		},
	}
}

func promptText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return text, nil
}

// renderer prints generation events for a terminal.
type renderer struct {
	out    io.Writer
	errOut io.Writer
	// tagged prefixes batch output with its task id.
	tagged bool
}

func (r *renderer) event(ev session.GenerationEvent) {
	prefix := ""
	if r.tagged && ev.SourceTaskID != "" {
		prefix = "[" + ev.SourceTaskID + "] "
	}
	switch ev.Kind {
	case session.EventTextChunk:
		fmt.Fprint(r.out, prefix+ev.Text)
		if r.tagged {
			fmt.Fprintln(r.out)
		}
	case session.EventToolInvocation:
		if ev.ToolCall != nil {
			fmt.Fprintf(r.errOut, "%s-> %s %s\n", prefix, ev.ToolCall.Name, ev.ToolCall.Input)
		}
	case session.EventToolResult:
		if ev.ToolResult != nil {
			mark := "<-"
			if ev.ToolResult.IsError {
				mark = "<!"
			}
			fmt.Fprintf(r.errOut, "%s%s %s\n", prefix, mark, ev.ToolResult.Name)
		}
	case session.EventTerminal:
		if ev.Terminal != nil && ev.Terminal.Summary != "" {
			fmt.Fprintf(r.errOut, "%s%s\n", prefix, ev.Terminal.Summary)
		}
	}
}

func (r *renderer) decodeEvent(f sseEvent) error {
	var ev session.GenerationEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return fmt.Errorf("decoding %s event: %w", f.Event, err)
	}
	r.event(ev)
	return nil
}

func (r *renderer) promptFrame(f sseEvent) error {
	switch f.Event {
	case "done":
		fmt.Fprintln(r.out)
		return errStopStream
	case "error":
		fmt.Fprintln(r.out)
		return decodeStreamError(f.Data)
	default:
		return r.decodeEvent(f)
	}
}

func decodeStreamError(data []byte) error {
	apiErr := &apiError{}
	if err := json.Unmarshal(data, apiErr); err != nil {
		return fmt.Errorf("stream failed: %s", data)
	}
	return apiErr
}


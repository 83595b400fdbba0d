package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/forged/internal/engine"
	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
)

// batchFile is the on-disk task list. JSON files parse as YAML too.
type batchFile struct {
	Tasks []engine.Task `yaml:"tasks"`
}

func newBatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <session-id> <tasks-file|->",
		Short: "Run a batch of tasks as parallel subagents",
		Long: `Submit a batch of tasks from a YAML or JSON file. Output from every task
is printed as it arrives, prefixed with the task id, followed by a summary.

Example tasks file:
  tasks:
    - id: api
      prompt: add the REST handlers
      priority: 10
      estimated_token_cost: 4000
    - id: docs
      prompt: document the new endpoints
      priority: 1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTasks(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}

			var result forgedhttp.BatchResultEvent
			r := &renderer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), tagged: true}
			path := sessionPath(args[0]) + "/batches"
			err = newClient(opts).stream(cmd.Context(), http.MethodPost, path, forgedhttp.BatchRequest{Tasks: tasks}, func(f sseEvent) error {
				if f.Event != "result" {
					return r.decodeEvent(f)
				}
				if err := json.Unmarshal(f.Data, &result); err != nil {
					return fmt.Errorf("decoding batch result: %w", err)
				}
				return errStopStream
			})
			if err != nil {
				return err
			}

			printBatchSummary(cmd.OutOrStdout(), result.BatchResult)
			if result.Error != nil {
				return &apiError{
					Code:    result.Error.Code,
					Kind:    result.Error.Kind,
					Message: result.Error.Message,
				}
			}
			return nil
		},
	}
}

func readTasks(stdin io.Reader, name string) ([]engine.Task, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name) // #nosec G304 -- user-supplied task file
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	var file batchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tasks: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks in %s", name)
	}
	return file.Tasks, nil
}

func printBatchSummary(w io.Writer, result engine.BatchResult) {
	fmt.Fprintf(w, "\nbatch %s: %d selected, %d skipped\n", result.BatchID, len(result.Selected), len(result.Skipped))
	ids := make([]string, 0, len(result.Tasks))
	for id := range result.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := result.Tasks[id]
		line := fmt.Sprintf("  %-20s %s", id, t.Status)
		if t.Error != "" {
			line += "  " + string(t.Kind) + ": " + t.Error
		}
		fmt.Fprintln(w, line)
	}
}

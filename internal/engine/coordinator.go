package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// Task is one prompt in a batch. Higher Priority runs first when the batch
// is larger than the session allows. EstimatedTokenCost, when positive, is
// what the task reserves against the owner's quota instead of an estimate
// from the prompt length.
type Task struct {
	ID                 string `json:"id" yaml:"id"`
	Prompt             string `json:"prompt" yaml:"prompt"`
	Priority           int    `json:"priority" yaml:"priority"`
	EstimatedTokenCost int64  `json:"estimated_token_cost,omitempty" yaml:"estimated_token_cost"`
}

// Coordinator runs batches of tasks with bounded parallelism.
//
// At most MaxParallelSubagents tasks are selected per batch. Each runs the
// single-prompt pipeline while holding one of the session's subagent
// slots, so concurrent batches on one session share the same bound. A
// failing task never cancels its siblings.
type Coordinator struct {
	p *pipeline
}

func validateTasks(p *pipeline, tasks []Task) error {
	if len(tasks) == 0 {
		return session.NewError(session.KindValidation, "batch has no tasks", nil)
	}
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return session.NewError(session.KindValidation, fmt.Sprintf("task %d has no id", i), nil)
		}
		if seen[t.ID] {
			return session.NewError(session.KindValidation, "duplicate task id "+t.ID, nil).WithTask(t.ID)
		}
		seen[t.ID] = true
		if t.EstimatedTokenCost < 0 {
			return session.NewError(session.KindValidation, "estimated_token_cost must not be negative", nil).WithTask(t.ID)
		}
		if err := p.validatePrompt(t.Prompt); err != nil {
			return session.AsError(err).WithTask(t.ID)
		}
	}
	return nil
}

// selectTasks orders tasks by priority, highest first, keeping submission
// order among equals, and splits them at limit.
func selectTasks(tasks []Task, limit int) (selected, skipped []Task) {
	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })
	if limit < 1 {
		limit = 1
	}
	if len(ordered) <= limit {
		return ordered, nil
	}
	return ordered[:limit], ordered[limit:]
}

// RunBatch validates and screens tasks, then starts the selected ones.
// Validation failures, an unknown or closed session, an exhausted budget,
// and a batch whose every selected task is rejected by the security
// filter fail the whole call.
func (c *Coordinator) RunBatch(ctx context.Context, sessionID string, tasks []Task) (*BatchStream, error) {
	p := c.p
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := p.startSpan(ctx, "engine.RunBatch", sessionID, "")

	bs, err := c.start(ctx, sessionID, tasks)
	if err != nil {
		p.logger.Debug(ctx, "batch refused", zap.Error(err))
		endSpan(span, err)
		return nil, err
	}
	go func() {
		_, werr := bs.Wait()
		endSpan(span, werr)
	}()
	return bs, nil
}

func (c *Coordinator) start(ctx context.Context, sessionID string, tasks []Task) (*BatchStream, error) {
	p := c.p
	if err := validateTasks(p, tasks); err != nil {
		return nil, err
	}
	s, err := p.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithOwnerID(ctx, s.OwnerID())
	if p.quotaBlocked(ctx, s) {
		return nil, session.NewError(session.KindQuota, "token budget exhausted", nil).WithSession(s.ID())
	}

	selected, skipped := selectTasks(tasks, s.Config().MaxParallelSubagents)

	result := BatchResult{
		BatchID: uuid.NewString(),
		Tasks:   make(map[string]TaskResult, len(tasks)),
	}
	for _, t := range skipped {
		result.Skipped = append(result.Skipped, t.ID)
		result.Tasks[t.ID] = TaskResult{Status: TaskSkipped}
		batchTasksTotal.WithLabelValues(string(TaskSkipped)).Inc()
	}

	var admitted []Task
	rejected := make(map[string]error)
	for _, t := range selected {
		result.Selected = append(result.Selected, t.ID)
		if err := p.screen(logging.WithTaskID(ctx, t.ID), s, t.Prompt, t.ID); err != nil {
			rejected[t.ID] = err
			continue
		}
		admitted = append(admitted, t)
	}
	if len(admitted) == 0 {
		batchTasksTotal.WithLabelValues("rejected").Add(float64(len(selected)))
		return nil, session.NewError(session.KindSecurity, "every selected task was rejected", nil).WithSession(s.ID())
	}
	for id, err := range rejected {
		result.Tasks[id] = failed(err)
		batchTasksTotal.WithLabelValues("rejected").Inc()
	}

	batchCtx, cancel := context.WithCancel(s.Context())
	bs := &BatchStream{
		sessionID: s.ID(),
		batchID:   result.BatchID,
		sink:      newSink(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.logger.Info(ctx, "batch started",
		zap.String("batch_id", result.BatchID),
		zap.Int("selected", len(selected)),
		zap.Int("skipped", len(skipped)),
		zap.Int("rejected", len(rejected)),
	)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(len(selected))
	for _, t := range admitted {
		g.Go(func() error {
			tr := c.runTask(withCallerValues(batchCtx, ctx), s, t, bs.sink)
			batchTasksTotal.WithLabelValues(string(tr.Status)).Inc()
			mu.Lock()
			result.Tasks[t.ID] = tr
			mu.Unlock()
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		cancel()

		bs.result = result
		if failedIDs := result.Failed(); len(failedIDs) == len(result.Selected) {
			first := result.Tasks[failedIDs[0]]
			bs.err = session.NewError(first.Kind,
				fmt.Sprintf("all %d selected tasks failed", len(failedIDs)), first.Err).WithSession(s.ID())
		}
		p.logger.Info(ctx, "batch finished",
			zap.String("batch_id", result.BatchID),
			zap.Int("failed", len(result.Failed())),
		)
		bs.sink.finish()
		close(bs.done)
	}()
	return bs, nil
}

// runTask runs one admitted task while holding a subagent slot.
func (c *Coordinator) runTask(ctx context.Context, s *session.Session, t Task, out *sink) TaskResult {
	p := c.p
	ctx = logging.WithTaskID(ctx, t.ID)
	ctx, span := p.startSpan(ctx, "engine.task", s.ID(), t.ID)

	var events []session.GenerationEvent
	err := func() error {
		if err := s.AcquireSubagent(ctx); err != nil {
			return p.classify(ctx, s, t.ID, err)
		}
		defer s.ReleaseSubagent()

		res, err := p.admit(ctx, s, t.Prompt, t.EstimatedTokenCost)
		if err != nil {
			return session.AsError(err).WithTask(t.ID)
		}
		defer s.EndGeneration()
		defer res.Release()

		return p.run(ctx, s, res, t.Prompt, t.ID, out, func(ev session.GenerationEvent) {
			events = append(events, ev)
		})
	}()
	endSpan(span, err)

	if err != nil {
		p.logger.Info(ctx, "batch task failed", zap.String("kind", string(session.KindOf(err))), zap.Error(err))
		tr := failed(err)
		tr.Events = events
		return tr
	}
	return TaskResult{Status: TaskCompleted, Events: events}
}

func failed(err error) TaskResult {
	return TaskResult{Status: TaskFailed, Err: err, Kind: session.KindOf(err), Error: err.Error()}
}

package engine

import (
	"context"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/backend"
	"github.com/fyrsmithlabs/forged/internal/guard"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// Screener screens prompts before any other work is done.
type Screener interface {
	Screen(ctx context.Context, prompt string) guard.Verdict
}

// pipeline holds the per-prompt stages shared by SendPrompt and batches.
type pipeline struct {
	registry        *session.Registry
	backend         backend.Backend
	guard           Screener
	ledger          *ledger.Ledger
	publisher       Publisher
	logger          *logging.Logger
	metrics         *Metrics
	tracer          trace.Tracer
	charsPerToken   int
	maxPromptLength int
}

func (p *pipeline) validatePrompt(prompt string) error {
	if prompt == "" {
		return session.NewError(session.KindValidation, "prompt is required", nil)
	}
	if !utf8.ValidString(prompt) {
		return session.NewError(session.KindValidation, "prompt is not valid UTF-8", nil)
	}
	if p.maxPromptLength > 0 && utf8.RuneCountInString(prompt) > p.maxPromptLength {
		return session.NewError(session.KindValidation, "prompt exceeds maximum length", nil)
	}
	return nil
}

// openSession returns a live session that still accepts work.
func (p *pipeline) openSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := p.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if closing, _ := s.Closing(); closing {
		return nil, session.NewError(session.KindClosed, "session is closed", nil).WithSession(id)
	}
	return s, nil
}

// screen runs the security filter. A rejection counts against the session
// and nothing else.
func (p *pipeline) screen(ctx context.Context, s *session.Session, prompt, taskID string) error {
	v := p.guard.Screen(ctx, prompt)
	if v.Allowed {
		return nil
	}
	s.RecordRejection()
	return session.NewError(session.KindSecurity, "prompt rejected: "+v.Reason, nil).
		WithSession(s.ID()).WithTask(taskID)
}

// quotaBlocked reports whether the session or its owner has no budget
// left. A session blocked in an earlier daily period is reopened first.
func (p *pipeline) quotaBlocked(ctx context.Context, s *session.Session) bool {
	s.ReopenBudget(p.ledger.PeriodStart(s.OwnerID()))
	return s.Status().QuotaExceeded || p.ledger.Exhausted(ctx, s.OwnerID())
}

// admit reserves quota and registers the generation with the session. A
// non-positive estimate is derived from the prompt length. The caller must
// Release the reservation and call EndGeneration.
func (p *pipeline) admit(ctx context.Context, s *session.Session, prompt string, estimate int64) (*ledger.Reservation, error) {
	s.ReopenBudget(p.ledger.PeriodStart(s.OwnerID()))
	if s.Status().QuotaExceeded {
		return nil, session.NewError(session.KindQuota, "session token budget exhausted", nil).WithSession(s.ID())
	}

	if estimate <= 0 {
		estimate = session.EstimateTokens(len(prompt), p.charsPerToken)
	}
	res, err := p.ledger.CheckAndReserve(ctx, s.OwnerID(), estimate)
	if err != nil {
		return nil, session.AsError(err).WithSession(s.ID())
	}
	if err := s.BeginGeneration(); err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

// emitter receives each appended event.
type emitter func(ev session.GenerationEvent)

// run streams one generation into the session. It returns when the
// backend finishes, fails, the budget is exceeded, or ctx is cancelled.
func (p *pipeline) run(ctx context.Context, s *session.Session, res *ledger.Reservation, prompt, taskID string, order *sink, emit emitter) error {
	start := time.Now()
	err := p.stream(ctx, s, res, prompt, taskID, order, emit)
	p.metrics.recordGeneration(ctx, s.Tier(), session.KindOf(err), time.Since(start))
	return err
}

func (p *pipeline) stream(ctx context.Context, s *session.Session, res *ledger.Reservation, prompt, taskID string, order *sink, emit emitter) error {
	st, err := p.backend.Generate(ctx, backend.Request{
		Prompt:       prompt,
		Capabilities: s.Config().AllowedCapabilities,
		SessionID:    s.ID(),
		TaskID:       taskID,
	})
	if err != nil {
		return p.classify(ctx, s, taskID, err)
	}
	defer st.Close()

	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.classify(ctx, s, taskID, err)
		}

		ev.SourceTaskID = taskID
		if ev.EstimatedTokenCost <= 0 {
			ev.EstimatedTokenCost = ev.EstimateCost(p.charsPerToken)
		}

		order.order.Lock()
		appended, err := s.Append(ev)
		if err == nil {
			order.push(appended.Event)
			emit(appended.Event)
		}
		order.order.Unlock()
		if err != nil {
			return p.classify(ctx, s, taskID, err)
		}

		_, exhausted := res.Commit(ctx, s.ID(), appended.Event.EstimatedTokenCost)
		p.metrics.recordEvent(ctx, appended.Event)
		if perr := p.publisher.Publish(ctx, s.OwnerID(), s.ID(), appended.Event); perr != nil {
			p.logger.Warn(ctx, "event publish failed", zap.Uint64("seq", appended.Event.SequenceNumber), zap.Error(perr))
		}

		if appended.OverBudget {
			p.logger.Info(ctx, "session token budget exceeded",
				zap.Int64("event_cost", appended.Event.EstimatedTokenCost),
				zap.Int("max_tokens_per_session", s.Config().MaxTokensPerSession),
			)
			return session.NewError(session.KindQuota, "session token budget exceeded", nil).
				WithSession(s.ID()).WithTask(taskID)
		}
		if exhausted {
			s.MarkQuotaExceeded()
			p.logger.Info(ctx, "owner token quota exhausted")
			return session.NewError(session.KindQuota, "owner token quota exhausted", nil).
				WithSession(s.ID()).WithTask(taskID)
		}
		if appended.Event.Kind == session.EventTerminal {
			return nil
		}
	}
}

// classify maps a generation failure to an error kind. Cancellation is
// attributed to the session close reason when the session is closing.
func (p *pipeline) classify(ctx context.Context, s *session.Session, taskID string, err error) error {
	if ctx.Err() != nil {
		closing, reason := s.Closing()
		switch {
		case closing && reason == session.CloseIdleTimeout:
			return session.NewError(session.KindTimeout, "session timed out during generation", ctx.Err()).
				WithSession(s.ID()).WithTask(taskID)
		case closing:
			return session.NewError(session.KindClosed, "session closed during generation", ctx.Err()).
				WithSession(s.ID()).WithTask(taskID)
		default:
			return session.NewError(session.KindCancelled, "generation cancelled", ctx.Err()).
				WithSession(s.ID()).WithTask(taskID)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return session.NewError(session.KindTimeout, "generation timed out", err).WithSession(s.ID()).WithTask(taskID)
	}

	kind := session.KindOf(err)
	if kind == session.KindInternal {
		return session.NewError(session.KindBackend, "generation failed", err).WithSession(s.ID()).WithTask(taskID)
	}
	return session.AsError(err).WithSession(s.ID()).WithTask(taskID)
}

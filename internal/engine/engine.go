package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/backend"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

const (
	defaultCharsPerToken   = 4
	defaultMaxPromptLength = 32_000
)

// Engine exposes the session operations.
type Engine struct {
	pipeline    *pipeline
	coordinator *Coordinator
}

// Option configures an Engine.
type Option func(*pipeline)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *pipeline) { p.logger = l }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub Publisher) Option {
	return func(p *pipeline) { p.publisher = pub }
}

// WithMetrics sets the OTel instruments.
func WithMetrics(m *Metrics) Option {
	return func(p *pipeline) { p.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tr trace.Tracer) Option {
	return func(p *pipeline) {
		if tr != nil {
			p.tracer = tr
		}
	}
}

// WithCharsPerToken sets the divisor used to estimate event cost when the
// backend supplies none.
func WithCharsPerToken(n int) Option {
	return func(p *pipeline) {
		if n > 0 {
			p.charsPerToken = n
		}
	}
}

// WithMaxPromptLength bounds prompt length in characters. Zero disables
// the check.
func WithMaxPromptLength(n int) Option {
	return func(p *pipeline) { p.maxPromptLength = n }
}

// New creates an Engine.
func New(registry *session.Registry, be backend.Backend, screener Screener, led *ledger.Ledger, opts ...Option) (*Engine, error) {
	p := &pipeline{
		registry:        registry,
		backend:         be,
		guard:           screener,
		ledger:          led,
		publisher:       nopPublisher{},
		logger:          logging.NewNop(),
		charsPerToken:   defaultCharsPerToken,
		maxPromptLength: defaultMaxPromptLength,
		tracer:          Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	p.logger = p.logger.Named("engine")
	return &Engine{pipeline: p, coordinator: &Coordinator{p: p}}, nil
}

// Coordinator returns the batch coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// CreateSession creates a session with requested clamped to the owner's
// tier and returns its id and effective configuration.
func (e *Engine) CreateSession(ctx context.Context, ownerID, scopeID string, requested session.Config) (string, session.Config, error) {
	s, err := e.pipeline.registry.Create(ctx, ownerID, scopeID, requested)
	if err != nil {
		return "", session.Config{}, err
	}
	return s.ID(), s.Config(), nil
}

// SendPrompt screens prompt, reserves quota and starts generation.
// Admission failures are returned directly; generation failures come from
// Stream.Wait.
func (e *Engine) SendPrompt(ctx context.Context, sessionID, prompt string) (*Stream, error) {
	p := e.pipeline
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx, span := p.startSpan(ctx, "engine.SendPrompt", sessionID, "")

	stream, err := e.sendPrompt(ctx, sessionID, prompt)
	if err != nil {
		promptsTotal.WithLabelValues(string(session.KindOf(err))).Inc()
		p.logger.Debug(ctx, "prompt refused", zap.Error(err))
		endSpan(span, err)
		return nil, err
	}
	promptsTotal.WithLabelValues("accepted").Inc()

	go func() {
		_, werr := stream.Wait()
		endSpan(span, werr)
	}()
	return stream, nil
}

func (e *Engine) sendPrompt(ctx context.Context, sessionID, prompt string) (*Stream, error) {
	p := e.pipeline
	if err := p.validatePrompt(prompt); err != nil {
		return nil, err
	}
	s, err := p.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithOwnerID(ctx, s.OwnerID())
	if err := p.screen(ctx, s, prompt, ""); err != nil {
		return nil, err
	}
	res, err := p.admit(ctx, s, prompt, 0)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancel(s.Context())
	genCtx = withCallerValues(genCtx, ctx)
	stream := newStream(s.ID(), cancel)

	go func() {
		defer cancel()
		defer s.EndGeneration()
		defer res.Release()

		err := p.run(genCtx, s, res, prompt, "", stream.sink, stream.record)
		if err != nil {
			p.logger.Info(genCtx, "generation ended with error", zap.String("kind", string(session.KindOf(err))), zap.Error(err))
		}
		stream.finish(err)
	}()
	return stream, nil
}

// SubmitBatch runs tasks through the Coordinator.
func (e *Engine) SubmitBatch(ctx context.Context, sessionID string, tasks []Task) (*BatchStream, error) {
	return e.coordinator.RunBatch(ctx, sessionID, tasks)
}

// CloseSession closes the session. It is idempotent.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	return e.pipeline.registry.Close(ctx, sessionID, session.CloseExplicit)
}

// GetStatus returns the session's status.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (session.Status, error) {
	s, err := e.pipeline.registry.Get(ctx, sessionID)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(), nil
}

// Events returns the stored transcript after afterSeq.
func (e *Engine) Events(ctx context.Context, sessionID string, afterSeq uint64) ([]session.GenerationEvent, error) {
	s, err := e.pipeline.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.EventsAfter(afterSeq), nil
}

// Quota returns ownerID's ledger entry.
func (e *Engine) Quota(ctx context.Context, ownerID string) (ledger.Entry, error) {
	if ownerID == "" {
		return ledger.Entry{}, session.NewError(session.KindValidation, "owner_id is required", nil)
	}
	return e.pipeline.ledger.Entry(ctx, ownerID), nil
}

// callerValues keeps the caller's values, such as trace and log fields,
// while taking cancellation from the generation context.
type callerValues struct {
	context.Context
	values context.Context
}

func (c callerValues) Value(key any) any {
	if v := c.Context.Value(key); v != nil {
		return v
	}
	return c.values.Value(key)
}

func withCallerValues(gen, caller context.Context) context.Context {
	return callerValues{Context: gen, values: caller}
}

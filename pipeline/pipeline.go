// Package pipeline implements RockBot's dispatch pipeline (spec §4.3): typed
// routing of a delivered envelope to a registered handler through a fixed
// middleware chain (Tracing → Logging → ErrorHandling → Handler).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/telemetry"
)

// HandlerContext is the shared, mutable context middleware and handlers
// operate on. CancellationToken is the context a handler should watch for
// cooperative cancellation (the orchestrator swaps this out per spec §4.8
// when a turn is cancelled independently of the dispatch's own ctx).
type HandlerContext struct {
	Envelope          envelope.Envelope
	Agent             string
	Services          any
	CancellationToken context.Context
	Result            envelope.MessageResult
}

// HandlerFunc processes a decoded envelope. Returning an error causes the
// error-handling middleware to set Result to envelope.Retry.
type HandlerFunc func(ctx context.Context, hctx *HandlerContext) error

// Middleware wraps a HandlerFunc to add cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// registration binds a message type to its handler and the type used to
// decode envelope.Body.
type registration struct {
	handler HandlerFunc
}

// Pipeline routes envelopes by message type through the fixed middleware
// chain to the registered handler.
type Pipeline struct {
	agent    string
	services any
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics

	mu    sync.RWMutex
	regs  map[string]registration
	chain []Middleware
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used by the logging middleware.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer sets the tracer used by the tracing middleware.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithMetrics sets the metrics sink used by the tracing middleware.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a Pipeline for agent, carrying services through every
// HandlerContext. The middleware chain is fixed: Tracing, Logging,
// ErrorHandling, in that order, wrapping whichever handler is registered for
// the incoming message type.
func New(agent string, services any, opts ...Option) *Pipeline {
	p := &Pipeline{
		agent:    agent,
		services: services,
		logger:   telemetry.NewNoopLogger(),
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
		regs:     make(map[string]registration),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.chain = []Middleware{
		tracingMiddleware(p.tracer, p.metrics),
		loggingMiddleware(p.logger),
		errorHandlingMiddleware(),
	}
	return p
}

// Register associates messageType with handler. Registering the same message
// type twice replaces the previous handler.
func (p *Pipeline) Register(messageType string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[messageType] = registration{handler: handler}
}

// RegisterTyped associates messageType with a handler whose payload is
// decoded from envelope.Body into T before invocation.
func RegisterTyped[T any](p *Pipeline, messageType string, handler func(ctx context.Context, payload T, hctx *HandlerContext) error) {
	p.Register(messageType, func(ctx context.Context, hctx *HandlerContext) error {
		var payload T
		if err := json.Unmarshal(hctx.Envelope.Body, &payload); err != nil {
			return fmt.Errorf("%w: message type %q: %w", ErrDecodePayload, messageType, err)
		}
		return handler(ctx, payload, hctx)
	})
}

// Dispatch resolves a handler by envelope.MessageType, runs it through the
// middleware chain, and returns the disposition the broker should apply. An
// envelope with no registered handler is dead-lettered rather than retried:
// no future delivery of the same unroutable message type will succeed
// either.
func (p *Pipeline) Dispatch(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
	p.mu.RLock()
	reg, ok := p.regs[e.MessageType]
	p.mu.RUnlock()

	hctx := &HandlerContext{
		Envelope:          e,
		Agent:             p.agent,
		Services:          p.services,
		CancellationToken: ctx,
		Result:            envelope.Ack,
	}

	if !ok {
		hctx.Result = envelope.DeadLetter
		return hctx.Result
	}

	final := p.wrap(reg.handler)
	_ = final(ctx, hctx)
	return hctx.Result
}

// wrap composes the fixed middleware chain around handler, outermost first.
func (p *Pipeline) wrap(handler HandlerFunc) HandlerFunc {
	wrapped := handler
	for i := len(p.chain) - 1; i >= 0; i-- {
		wrapped = p.chain[i](wrapped)
	}
	return wrapped
}

package mcpbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/telemetry"
	"github.com/MarimerLLC/rockbot/tools"
)

// ProxyExecutor is the "registry-proxied MCP" tool executor variant (spec
// §4.7): a tools.Executor that publishes a ToolInvokeRequest to tool.invoke
// and blocks until the correlated ToolInvokeResponse/ToolError arrives on
// this agent's own proxy reply topic.
type ProxyExecutor struct {
	agentName  string
	broker     amqpbroker.Broker
	replyTopic string
	logger     telemetry.Logger

	mu      sync.Mutex
	pending map[string]chan proxyResult
}

type proxyResult struct {
	resp tools.Response
	err  error
}

// ProxyOption configures a ProxyExecutor.
type ProxyOption func(*ProxyExecutor)

func WithProxyLogger(l telemetry.Logger) ProxyOption { return func(p *ProxyExecutor) { p.logger = l } }

// NewProxyExecutor constructs a ProxyExecutor for agentName. Run must be
// registered as a hosted service before any Execute call can complete.
func NewProxyExecutor(agentName string, broker amqpbroker.Broker, opts ...ProxyOption) *ProxyExecutor {
	p := &ProxyExecutor{
		agentName:  agentName,
		broker:     broker,
		replyTopic: "tool.proxy.result." + agentName,
		logger:     telemetry.NewNoopLogger(),
		pending:    make(map[string]chan proxyResult),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run subscribes to the proxy's reply topic and blocks until ctx is
// cancelled; register with host.Builder.AddHostedService.
func (p *ProxyExecutor) Run(ctx context.Context) error {
	_, err := p.broker.Subscribe(ctx, p.replyTopic, "mcpproxy."+p.agentName, func(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
		p.handleReply(e)
		return envelope.Ack
	})
	if err != nil {
		return fmt.Errorf("mcpbridge: subscribe proxy reply topic: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (p *ProxyExecutor) handleReply(e envelope.Envelope) {
	p.mu.Lock()
	ch, ok := p.pending[e.CorrelationId]
	if ok {
		delete(p.pending, e.CorrelationId)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	switch e.MessageType {
	case "tool.invoke.response":
		if payload, ok := envelope.GetPayload[ToolInvokeResponse](e); ok {
			ch <- proxyResult{resp: tools.Response{ToolCallId: payload.ToolCallId, ToolName: payload.ToolName, Content: payload.Content, IsError: payload.IsError}}
			return
		}
	case "tool.invoke.error":
		if payload, ok := envelope.GetPayload[ToolError](e); ok {
			ch <- proxyResult{resp: tools.Response{ToolCallId: payload.ToolCallId, ToolName: payload.ToolName, Content: payload.Message, IsError: true}}
			return
		}
	}
	ch <- proxyResult{err: fmt.Errorf("mcpbridge: proxy reply: undecodable %s envelope", e.MessageType)}
}

// Execute publishes req as a ToolInvokeRequest and waits for the bridge's
// correlated reply, or ctx cancellation. A ctx with no deadline of its own
// is bounded by DefaultProxyTimeout so a wedged MCP server can't hang a
// tool call forever.
func (p *ProxyExecutor) Execute(ctx context.Context, req tools.Request) (tools.Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProxyTimeout)
		defer cancel()
	}

	correlationID := uuid.NewString()
	ch := make(chan proxyResult, 1)

	p.mu.Lock()
	p.pending[correlationID] = ch
	p.mu.Unlock()

	e, err := envelope.ToEnvelope("tool.invoke", ToolInvokeRequest{
		ToolCallId: req.ToolCallId, ToolName: req.ToolName, Arguments: req.Arguments, SessionId: req.SessionId,
	}, p.agentName, envelope.WithCorrelationId(correlationID), envelope.WithReplyTo(p.replyTopic))
	if err != nil {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
		return tools.Response{}, fmt.Errorf("mcpbridge: encode tool invoke request: %w", err)
	}

	if err := p.broker.Publish(ctx, "tool.invoke", e); err != nil {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
		return tools.Response{}, fmt.Errorf("mcpbridge: publish tool invoke request: %w", err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
		return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "cancelled waiting for MCP tool result", IsError: true}, nil
	}
}

// Sync keeps a tools.Registry's MCP-sourced entries current by subscribing
// to tool.meta.mcp.<agent> (spec §4.10) and upserting/deregistering
// registrations as servers announce their tool sets, each one wired to a
// shared ProxyExecutor.
type Sync struct {
	agentName string
	broker    amqpbroker.Broker
	registry  *tools.Registry
	proxy     *ProxyExecutor
	logger    telemetry.Logger
}

// SyncOption configures a Sync.
type SyncOption func(*Sync)

func WithSyncLogger(l telemetry.Logger) SyncOption { return func(s *Sync) { s.logger = l } }

// NewSync constructs a Sync for agentName.
func NewSync(agentName string, broker amqpbroker.Broker, registry *tools.Registry, proxy *ProxyExecutor, opts ...SyncOption) *Sync {
	s := &Sync{agentName: agentName, broker: broker, registry: registry, proxy: proxy, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run subscribes to this agent's MCP tool-availability topic and blocks
// until ctx is cancelled; register with host.Builder.AddHostedService
// alongside Bridge.Run and ProxyExecutor.Run.
func (s *Sync) Run(ctx context.Context) error {
	topic := "tool.meta.mcp." + s.agentName
	_, err := s.broker.Subscribe(ctx, topic, "mcpsync."+s.agentName, func(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
		s.handleAvailable(ctx, e)
		return envelope.Ack
	})
	if err != nil {
		return fmt.Errorf("mcpbridge: subscribe %q: %w", topic, err)
	}
	<-ctx.Done()
	return nil
}

func (s *Sync) handleAvailable(ctx context.Context, e envelope.Envelope) {
	payload, ok := envelope.GetPayload[McpToolsAvailable](e)
	if !ok {
		return
	}

	for _, removed := range payload.RemovedTools {
		s.registry.Deregister(removed)
	}
	for _, td := range payload.Tools {
		reg := tools.Registration{
			Name:             td.Name,
			Description:      td.Description,
			ParametersSchema: td.ParametersSchema,
			Source:           "mcp:" + payload.ServerName,
		}
		if err := s.registry.Upsert(reg, s.proxy); err != nil {
			s.logger.Error(ctx, "mcpbridge: upsert mcp tool failed", "tool", td.Name, "error", err.Error())
		}
	}
}

// DefaultProxyTimeout bounds an MCP proxy call when the caller's context
// carries no deadline of its own.
const DefaultProxyTimeout = 90 * time.Second

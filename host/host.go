// Package host implements RockBot's host builder and lifecycle (spec §4.4):
// a declarative builder (see Builder for where call order matters) that wires an agent's identity,
// memory contracts, tool handlers, and message subscriptions onto a broker
// and dispatch pipeline, then owns startup and shutdown ordering.
package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/contextassembler"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/memory"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/telemetry"
	"github.com/MarimerLLC/rockbot/tools"
)

// HostedService is a background loop a feature-specific builder registers;
// Run blocks until ctx is cancelled.
type HostedService func(ctx context.Context) error

// subscriptionSpec captures one SubscribeTo call, deferred until Build opens
// the broker subscription at startup.
type subscriptionSpec struct {
	topic            string
	subscriptionName string
}

// Builder declaratively assembles a Host. Every With*/Add* method returns
// the Builder so calls chain, and nothing runs until Build. Order matters in
// two places: AddToolHandler (and so AddMcpToolProxy) wraps a tool in the
// chunking decorator only if WithMemory has already attached working memory,
// and WithFeedback and WithUserMessages record an error unless WithIdentity
// was called before them.
type Builder struct {
	agentName string
	userProxy string
	replyTo   string

	profile      contextassembler.AgentProfile
	conversation memory.ConversationMemory
	longTerm     memory.LongTermMemory
	working      memory.WorkingMemory
	skills       memory.SkillStore
	rules        memory.RulesStore

	broker   amqpbroker.Broker
	services any

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	pipeline       *pipeline.Pipeline
	subscriptions  []subscriptionSpec
	hostedServices []HostedService

	toolRegistry *tools.Registry

	err error
}

// New constructs a Builder bound to broker, publishing under agentName.
// services is threaded through every pipeline.HandlerContext so handlers
// registered via HandleMessage can reach orchestrator/memory dependencies.
func New(agentName string, broker amqpbroker.Broker, services any, opts ...Option) *Builder {
	b := &Builder{
		agentName:    agentName,
		broker:       broker,
		services:     services,
		logger:       telemetry.NewNoopLogger(),
		tracer:       telemetry.NewNoopTracer(),
		metrics:      telemetry.NewNoopMetrics(),
		toolRegistry: tools.NewRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pipeline = pipeline.New(agentName, services, pipeline.WithLogger(b.logger), pipeline.WithTracer(b.tracer), pipeline.WithMetrics(b.metrics))
	return b
}

// Option configures a Builder at construction time.
type Option func(*Builder)

func WithLogger(l telemetry.Logger) Option   { return func(b *Builder) { b.logger = l } }
func WithTracer(t telemetry.Tracer) Option   { return func(b *Builder) { b.tracer = t } }
func WithMetrics(m telemetry.Metrics) Option { return func(b *Builder) { b.metrics = m } }

// WithIdentity sets the topic namespace prefix this agent replies under
// (spec's "<userProxy>.userResponse" convention).
func (b *Builder) WithIdentity(userProxy string) *Builder {
	b.userProxy = userProxy
	b.replyTo = userProxy + ".userResponse"
	return b
}

// WithProfile attaches the static prompt material loaded from the
// data-volume tree.
func (b *Builder) WithProfile(profile contextassembler.AgentProfile) *Builder {
	b.profile = profile
	return b
}

// WithMemory attaches long-term and working memory backends.
func (b *Builder) WithMemory(longTerm memory.LongTermMemory, working memory.WorkingMemory) *Builder {
	b.longTerm = longTerm
	b.working = working
	return b
}

// WithConversationLog attaches the per-session turn history backend.
func (b *Builder) WithConversationLog(conversation memory.ConversationMemory) *Builder {
	b.conversation = conversation
	return b
}

// WithFeedback subscribes to <userProxy>.userFeedback and routes feedback
// envelopes to handler through the pipeline, same as any other
// HandleMessage registration, but names the well-known feedback topic for
// the caller so it doesn't have to be repeated at every call site.
func (b *Builder) WithFeedback(handler func(ctx context.Context, payload FeedbackPayload, hctx *pipeline.HandlerContext) error) *Builder {
	if b.userProxy == "" {
		b.err = fmt.Errorf("host: WithFeedback called before WithIdentity")
		return b
	}
	pipeline.RegisterTyped(b.pipeline, "userFeedback", handler)
	return b.SubscribeTo(b.userProxy+".userFeedback", "userFeedback")
}

// WithSkills attaches the skill store.
func (b *Builder) WithSkills(skills memory.SkillStore) *Builder {
	b.skills = skills
	return b
}

// WithRules attaches the permanent-rules store.
func (b *Builder) WithRules(rules memory.RulesStore) *Builder {
	b.rules = rules
	return b
}

// FeedbackPayload is the body of a <userProxy>.userFeedback envelope.
type FeedbackPayload struct {
	SessionId string
	Positive  bool
	Comment   string
}

// UserMessagePayload is the body of a <userProxy>.userMessage envelope
// (spec §6), the message that triggers a new turn.
type UserMessagePayload struct {
	UserId    string
	SessionId string
	Content   string
}

// WithUserMessages subscribes to <userProxy>.userMessage and routes delivered
// messages to handler, the same convenience WithFeedback provides for the
// feedback topic.
func (b *Builder) WithUserMessages(handler func(ctx context.Context, payload UserMessagePayload, hctx *pipeline.HandlerContext) error) *Builder {
	if b.userProxy == "" {
		b.err = fmt.Errorf("host: WithUserMessages called before WithIdentity")
		return b
	}
	pipeline.RegisterTyped(b.pipeline, "userMessage", handler)
	return b.SubscribeTo(b.userProxy+".userMessage", "userMessage")
}

// HandleMessage registers a typed handler for messageType without also
// opening a subscription; pair with SubscribeTo when the topic name differs
// from the message type, or rely on AutoSubscribe-style feature builders
// that call both together.
func HandleMessage[T any](b *Builder, messageType string, handler func(ctx context.Context, payload T, hctx *pipeline.HandlerContext) error) *Builder {
	pipeline.RegisterTyped(b.pipeline, messageType, handler)
	return b
}

// SubscribeTo opens a durable subscription bound to topic under
// subscriptionName at startup, routing every delivery through the pipeline.
func (b *Builder) SubscribeTo(topic, subscriptionName string) *Builder {
	b.subscriptions = append(b.subscriptions, subscriptionSpec{topic: topic, subscriptionName: subscriptionName})
	return b
}

// AddToolHandler registers a tool executor with the host's tool registry,
// making it available to the orchestrator for both native and text-based
// dispatch. When WithMemory has attached working memory, the executor is
// wrapped in a chunking decorator first (spec §4.7), so every tool the host
// surfaces is chunking-aware uniformly rather than opting in per call site.
func (b *Builder) AddToolHandler(reg tools.Registration, executor tools.Executor) *Builder {
	if b.working != nil {
		executor = tools.NewChunkingExecutor(executor, b.working, func() string { return uuid.NewString() })
	}
	if err := b.toolRegistry.Register(reg, executor); err != nil {
		b.err = fmt.Errorf("host: add tool handler: %w", err)
	}
	return b
}

// AddMcpToolProxy registers proxy, an executor that forwards calls for a
// single discovered remote tool to an MCP bridge (for example an
// mcpbridge.ProxyExecutor), through AddToolHandler like any other tool.
func (b *Builder) AddMcpToolProxy(reg tools.Registration, proxy tools.Executor) *Builder {
	return b.AddToolHandler(reg, proxy)
}

// AddHostedService registers a background loop that Start runs as part of
// host startup (feature-specific builders for web tools, scheduling, A2A,
// subagents, and heartbeat all funnel through this).
func (b *Builder) AddHostedService(service HostedService) *Builder {
	b.hostedServices = append(b.hostedServices, service)
	return b
}

// ToolRegistry returns the registry being built, so an orchestrator
// constructed alongside the host can share it.
func (b *Builder) ToolRegistry() *tools.Registry { return b.toolRegistry }

// Pipeline returns the dispatch pipeline being built, so feature-specific
// builders defined outside this package can register additional typed
// handlers before Build.
func (b *Builder) Pipeline() *pipeline.Pipeline { return b.pipeline }

// ReplyTopic returns the topic a finished turn's AgentReply should publish
// to, derived from WithIdentity.
func (b *Builder) ReplyTopic() string { return b.replyTo }

// UserProxy returns the topic namespace prefix set by WithIdentity.
func (b *Builder) UserProxy() string { return b.userProxy }

// Profile returns the static prompt material attached by WithProfile, so an
// assembler constructed alongside the host can share it.
func (b *Builder) Profile() contextassembler.AgentProfile { return b.profile }

// Conversation returns the conversation-log backend attached by
// WithConversationLog.
func (b *Builder) Conversation() memory.ConversationMemory { return b.conversation }

// LongTerm returns the long-term memory backend attached by WithMemory.
func (b *Builder) LongTerm() memory.LongTermMemory { return b.longTerm }

// Working returns the working-memory backend attached by WithMemory.
func (b *Builder) Working() memory.WorkingMemory { return b.working }

// Skills returns the skill store attached by WithSkills.
func (b *Builder) Skills() memory.SkillStore { return b.skills }

// Rules returns the permanent-rules store attached by WithRules.
func (b *Builder) Rules() memory.RulesStore { return b.rules }

// Build validates accumulated configuration and returns a runnable Host. It
// does not open any subscriptions or start any services; call Start for
// that.
func (b *Builder) Build() (*Host, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.agentName == "" {
		return nil, fmt.Errorf("host: agent name is required")
	}
	if b.working != nil {
		if err := tools.RegisterWorkingMemoryReadTool(b.toolRegistry, b.working); err != nil {
			return nil, fmt.Errorf("host: register working-memory read tool: %w", err)
		}
	}
	return &Host{
		agentName:      b.agentName,
		broker:         b.broker,
		pipeline:       b.pipeline,
		subscriptions:  b.subscriptions,
		hostedServices: b.hostedServices,
		logger:         b.logger,
	}, nil
}

// Host is the runnable product of a Builder: a broker connection, a
// dispatch pipeline wired with every registered handler, a set of durable
// subscriptions, and a set of background hosted services.
type Host struct {
	agentName      string
	broker         amqpbroker.Broker
	pipeline       *pipeline.Pipeline
	subscriptions  []subscriptionSpec
	hostedServices []HostedService
	logger         telemetry.Logger

	mu        sync.Mutex
	cancelSvc context.CancelFunc
	wg        sync.WaitGroup
}

// Start opens every registered subscription and launches every hosted
// service (spec §4.4: "at startup every hosted service runs; every
// registered subscription is opened"). It returns once every subscription
// has been opened; hosted services and subscription delivery continue
// running in the background under ctx.
func (h *Host) Start(ctx context.Context) error {
	svcCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelSvc = cancel
	h.mu.Unlock()

	for _, spec := range h.subscriptions {
		if _, err := h.broker.Subscribe(svcCtx, spec.topic, spec.subscriptionName, func(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
			return h.pipeline.Dispatch(ctx, e)
		}); err != nil {
			return fmt.Errorf("host: subscribe %q: %w", spec.topic, err)
		}
	}

	for _, svc := range h.hostedServices {
		h.wg.Add(1)
		go func(svc HostedService) {
			defer h.wg.Done()
			if err := svc(svcCtx); err != nil && svcCtx.Err() == nil {
				h.logger.Error(svcCtx, "host: hosted service exited with error", "error", err.Error())
			}
		}(svc)
	}

	return nil
}

// Shutdown stops hosted services, then closes the broker, which disposes
// every open subscription in reverse order before closing the publisher
// and connection (spec §4.4).
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.cancelSvc
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	h.wg.Wait()

	return h.broker.Close(ctx)
}

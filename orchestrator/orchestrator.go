// Package orchestrator implements RockBot's turn orchestrator (spec §4.8):
// the stateful loop that assembles context, calls the model, runs a
// tool-calling loop with native and text-based dispatch, streams progress,
// and publishes replies.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarimerLLC/rockbot/contextassembler"
	"github.com/MarimerLLC/rockbot/memory"
	"github.com/MarimerLLC/rockbot/telemetry"
	"github.com/MarimerLLC/rockbot/tools"
	"github.com/MarimerLLC/rockbot/work"
)

// DefaultMaxIterations bounds tool-calling iterations per turn (spec §4.8
// "Iteration cap").
const DefaultMaxIterations = 5

// ProgressThrottle is the minimum interval between free-form progress
// updates during a single long-running tool call.
const ProgressThrottle = 5 * time.Second

// AgentReply is published for every progress update and the terminating
// reply of a turn.
type AgentReply struct {
	Content   string
	SessionId string
	AgentName string
	IsFinal   bool
}

// ReplyPublisher sends an AgentReply toward the session's reply topic.
type ReplyPublisher interface {
	PublishReply(ctx context.Context, reply AgentReply) error
}

// Message is one entry in the model-facing transcript; Role "tool" carries
// a tool result keyed by ToolCallId.
type Message struct {
	Role       memory.Role
	Content    string
	ToolCallId string
	ToolName   string
}

// ModelToolCall is a structured tool invocation as returned by a model's
// native function-calling support.
type ModelToolCall struct {
	ToolCallId string
	ToolName   string
	Arguments  string
}

// ModelResponse is what a model call produces: text content, and zero or
// more native tool calls.
type ModelResponse struct {
	Content   string
	ToolCalls []ModelToolCall
}

// ModelClient is the abstract chat-client interface every concrete LLM
// provider implements (spec §1: "no specific LLM vendor API contract beyond
// the abstract chat-client interface").
type ModelClient interface {
	Complete(ctx context.Context, modelID string, messages []Message, toolsAvailable []tools.Registration, allowTools bool) (ModelResponse, error)
}

// Orchestrator runs turns for a single agent process.
type Orchestrator struct {
	agentName   string
	modelID     string
	model       ModelClient
	assembler   *contextassembler.Assembler
	registry    *tools.Registry
	conversation memory.ConversationMemory
	serializer  *work.Serializer
	sessions    *work.SessionBackgroundTaskTracker
	publisher   ReplyPublisher
	behaviors   *ModelBehaviorSet

	logger telemetry.Logger
	tracer telemetry.Tracer

	maxIterations int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l telemetry.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithTracer(t telemetry.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }
func WithMaxIterations(n int) Option       { return func(o *Orchestrator) { o.maxIterations = n } }
func WithModelBehaviors(b *ModelBehaviorSet) Option {
	return func(o *Orchestrator) { o.behaviors = b }
}

// New constructs an Orchestrator for agentName, using modelID as the
// model-behavior selection key and default model for Complete calls.
func New(
	agentName, modelID string,
	model ModelClient,
	assembler *contextassembler.Assembler,
	registry *tools.Registry,
	conversation memory.ConversationMemory,
	serializer *work.Serializer,
	sessions *work.SessionBackgroundTaskTracker,
	publisher ReplyPublisher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		agentName:     agentName,
		modelID:       modelID,
		model:         model,
		assembler:     assembler,
		registry:      registry,
		conversation:  conversation,
		serializer:    serializer,
		sessions:      sessions,
		publisher:     publisher,
		behaviors:     NewModelBehaviorSet(),
		logger:        telemetry.NewNoopLogger(),
		tracer:        telemetry.NewNoopTracer(),
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn is the entry point for a delivered user message: record the turn,
// assemble context, make the first model call, and either reply immediately
// or spawn the background tool-calling loop. hostCtx is the handler's own
// cancellation context (broker-level); it is combined with a fresh
// per-session token so a subsequent message in the same session preempts
// this one.
func (o *Orchestrator) RunTurn(hostCtx context.Context, sessionID, userMessage string, firstTurn bool) error {
	ctx, end := o.sessions.BeginSession(hostCtx, sessionID)

	if o.conversation != nil {
		if err := o.conversation.AddTurn(ctx, sessionID, memory.ConversationTurn{
			Role: memory.RoleUser, Content: userMessage, Timestamp: time.Now().UTC(),
		}); err != nil {
			end()
			return fmt.Errorf("orchestrator: record user turn: %w", err)
		}
	}

	behavior := o.behaviors.Select(o.modelID)

	assembled, err := o.assembler.Assemble(ctx, contextassembler.Request{
		SessionID: sessionID, UserMessage: userMessage, Namespace: "session/" + sessionID,
		Kind: contextassembler.SessionUser, ModelID: o.modelID, FirstTurn: firstTurn,
		PreToolLoopPrompt: behavior.PreToolLoopPrompt,
	})
	if err != nil {
		end()
		return fmt.Errorf("orchestrator: assemble context: %w", err)
	}

	messages := toMessages(assembled)
	if behavior.AdditionalSystemPrompt != "" {
		messages = append(messages, Message{Role: memory.RoleSystem, Content: behavior.AdditionalSystemPrompt})
	}
	messages = append(messages, Message{Role: memory.RoleUser, Content: userMessage})

	handle, err := o.serializer.AcquireForUser(ctx)
	if err != nil {
		end()
		return fmt.Errorf("orchestrator: acquire work slot: %w", err)
	}

	availableTools := o.registry.GetTools()
	resp, err := o.model.Complete(ctx, o.modelID, messages, availableTools, true)
	if err != nil {
		handle.Release()
		end()
		return fmt.Errorf("orchestrator: first model call: %w", err)
	}

	textCalls := ParseTextToolCalls(resp.Content, toolNames(availableTools))
	hasToolWork := len(resp.ToolCalls) > 0 || len(textCalls) > 0 || isHallucinatedSetupPhrase(resp.Content, behavior)

	if !hasToolWork {
		handle.Release()
		defer end()
		return o.finish(ctx, sessionID, resp.Content, messages)
	}

	ackText := resp.Content
	if ackText == "" {
		ackText = "Working on it…"
	}
	if err := o.publisher.PublishReply(ctx, AgentReply{Content: ackText, SessionId: sessionID, AgentName: o.agentName, IsFinal: false}); err != nil {
		o.logger.Warn(ctx, "orchestrator: publish ack reply failed", "error", err.Error())
	}

	go func() {
		defer handle.Release()
		defer end()
		o.backgroundLoop(ctx, sessionID, messages, resp, behavior, availableTools)
	}()

	return nil
}

// DefaultReEvaluationNudge is the system-level nudge added when negative
// feedback triggers a re-evaluation.
const DefaultReEvaluationNudge = "The user gave negative feedback on the previous reply to this message. Try a different approach this time."

// ReEvaluate re-runs sessionID's last user turn in response to negative
// feedback on its reply (spec §4.8 "Cancellation & re-evaluation"): it
// acquires a scheduled-priority slot (yielding outright if user work is
// already running, same as any other scheduled work), rebuilds context
// around the last user message, adds a "try a different approach" nudge,
// runs the same first-call/tool-loop machinery as RunTurn, and publishes an
// unsolicited final reply. Because it runs under the session's own
// background-task context, a new user message for sessionID cancels it
// silently via the same supersede-on-new-message mechanism RunTurn uses.
func (o *Orchestrator) ReEvaluate(hostCtx context.Context, sessionID string) error {
	ctx, end := o.sessions.BeginSession(hostCtx, sessionID)

	if o.conversation == nil {
		end()
		return nil
	}
	turns, err := o.conversation.GetTurns(ctx, sessionID)
	if err != nil {
		end()
		return fmt.Errorf("orchestrator: re-evaluate: load turns: %w", err)
	}
	lastUserMessage := lastUserTurnContent(turns)
	if lastUserMessage == "" {
		end()
		return nil
	}

	behavior := o.behaviors.Select(o.modelID)

	assembled, err := o.assembler.Assemble(ctx, contextassembler.Request{
		SessionID: sessionID, UserMessage: lastUserMessage, Namespace: "session/" + sessionID,
		Kind: contextassembler.SessionUser, ModelID: o.modelID, FirstTurn: false,
		PreToolLoopPrompt: behavior.PreToolLoopPrompt,
	})
	if err != nil {
		end()
		return fmt.Errorf("orchestrator: re-evaluate: assemble context: %w", err)
	}

	messages := toMessages(assembled)
	messages = append(messages, Message{Role: memory.RoleSystem, Content: DefaultReEvaluationNudge})
	if behavior.AdditionalSystemPrompt != "" {
		messages = append(messages, Message{Role: memory.RoleSystem, Content: behavior.AdditionalSystemPrompt})
	}
	messages = append(messages, Message{Role: memory.RoleUser, Content: lastUserMessage})

	handle, ok := o.serializer.TryAcquireForScheduled(ctx)
	if !ok {
		end()
		return nil
	}
	ctx = handle.Ctx

	availableTools := o.registry.GetTools()
	resp, err := o.model.Complete(ctx, o.modelID, messages, availableTools, true)
	if err != nil {
		handle.Release()
		end()
		return fmt.Errorf("orchestrator: re-evaluate: first model call: %w", err)
	}

	textCalls := ParseTextToolCalls(resp.Content, toolNames(availableTools))
	if len(resp.ToolCalls) == 0 && len(textCalls) == 0 {
		handle.Release()
		defer end()
		return o.finish(ctx, sessionID, resp.Content, messages)
	}

	go func() {
		defer handle.Release()
		defer end()
		o.backgroundLoop(ctx, sessionID, messages, resp, behavior, availableTools)
	}()

	return nil
}

// lastUserTurnContent returns the content of the most recent user turn in
// turns, or "" if there is none.
func lastUserTurnContent(turns []memory.ConversationTurn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == memory.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// finish records the assistant turn and publishes the final reply.
func (o *Orchestrator) finish(ctx context.Context, sessionID, content string, _ []Message) error {
	if o.conversation != nil {
		_ = o.conversation.AddTurn(ctx, sessionID, memory.ConversationTurn{
			Role: memory.RoleAssistant, Content: content, Timestamp: time.Now().UTC(),
		})
	}
	return o.publisher.PublishReply(ctx, AgentReply{Content: content, SessionId: sessionID, AgentName: o.agentName, IsFinal: true})
}

func toMessages(cm []contextassembler.ChatMessage) []Message {
	out := make([]Message, len(cm))
	for i, m := range cm {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toolNames(regs []tools.Registration) []string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.Name
	}
	return names
}

// DefaultHallucinatedSetupPhrases catches a model announcing a tool action
// in plain text without ever emitting a structured or text-based tool call
// for it (spec §4.8's "known setup phrase or hallucinated tool-action"
// branch), so the turn still gets routed into the background loop instead
// of terminating on the announcement alone.
var DefaultHallucinatedSetupPhrases = []string{
	"let me check",
	"let me look into that",
	"let me look that up",
	"i'll check",
	"i will check",
	"i'll look that up",
	"i'll look into that",
	"i'm going to look",
	"i am going to look",
	"i need to look this up",
	"give me a moment to",
	"checking on that now",
	"one moment while i",
}

// isHallucinatedSetupPhrase reports whether content reads as a model
// announcing tool use without actually producing a tool call, per
// behavior.SetupPhrases (or DefaultHallucinatedSetupPhrases when the model
// behavior configures none). Only consulted when
// NudgeOnHallucinatedToolCalls is set, since well-behaved models that never
// hallucinate setup text shouldn't have ordinary replies misrouted.
func isHallucinatedSetupPhrase(content string, behavior ModelBehavior) bool {
	if !behavior.NudgeOnHallucinatedToolCalls || content == "" {
		return false
	}
	phrases := behavior.SetupPhrases
	if len(phrases) == 0 {
		phrases = DefaultHallucinatedSetupPhrases
	}
	lower := strings.ToLower(content)
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

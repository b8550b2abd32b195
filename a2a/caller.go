package a2a

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/telemetry"
	"github.com/MarimerLLC/rockbot/tools"
)

// pendingTask tracks one dispatched task awaiting its terminal reply.
type pendingTask struct {
	sessionId string
}

// TerminalHandler is invoked exactly once per task, when its terminal
// AgentTaskResult or AgentTaskError arrives (spec testable property 10).
type TerminalHandler func(taskId, sessionId string, output string, errCode, errMessage string)

// Caller is the A2A caller side: it publishes AgentTaskRequests, exposes
// itself as the invoke_agent tool, and correlates inbound status/result/
// error envelopes back to the task that triggered them.
type Caller struct {
	agentName   string
	broker      amqpbroker.Broker
	resultTopic string
	directory   *Directory
	logger      telemetry.Logger

	mu       sync.Mutex
	pending  map[string]*pendingTask
	terminal TerminalHandler
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

func WithCallerLogger(l telemetry.Logger) CallerOption { return func(c *Caller) { c.logger = l } }

// WithTerminalHandler registers the callback invoked when a dispatched
// task reaches a terminal state.
func WithTerminalHandler(h TerminalHandler) CallerOption {
	return func(c *Caller) { c.terminal = h }
}

// NewCaller constructs a Caller for agentName. directory is stored on the
// Caller and may be nil; Invoke addresses the target agent by name and does
// not look it up in the directory.
func NewCaller(agentName string, broker amqpbroker.Broker, directory *Directory, opts ...CallerOption) *Caller {
	c := &Caller{
		agentName:   agentName,
		broker:      broker,
		resultTopic: "agent.result." + agentName,
		directory:   directory,
		logger:      telemetry.NewNoopLogger(),
		pending:     make(map[string]*pendingTask),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResultTopic is the topic this caller's replies are routed to; host
// wiring must subscribe it and route AgentTaskStatusUpdate/Result/Error
// message types to HandleStatusUpdate/HandleResult/HandleError.
func (c *Caller) ResultTopic() string { return c.resultTopic }

// InvokeAgentArgs are the invoke_agent tool's parameters.
type InvokeAgentArgs struct {
	AgentName string `json:"agent_name" jsonschema:"required,description=Name of the agent to delegate to"`
	Skill     string `json:"skill" jsonschema:"required,description=Skill the target agent should use"`
	Message   string `json:"message" jsonschema:"required,description=Message or task content to send"`
}

// HandleInvokeAgentTool implements the invoke_agent tool (spec §4.11 "A2A
// caller"): it dispatches the task and returns its task id immediately
// without waiting for a result.
func (c *Caller) HandleInvokeAgentTool(ctx context.Context, args InvokeAgentArgs, req tools.Request) (tools.Response, error) {
	taskId, err := c.Invoke(ctx, args.AgentName, args.Skill, args.Message, req.SessionId)
	if err != nil {
		return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: err.Error(), IsError: true}, nil
	}
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("task_id: %s", taskId)}, nil
}

// Invoke publishes an AgentTaskRequest to agent.task.<agentName>, tracks
// the task under a fresh id, and returns that id without blocking for a
// reply.
func (c *Caller) Invoke(ctx context.Context, agentName, skill, message, sessionId string) (string, error) {
	taskId := uuid.NewString()

	payload := AgentTaskRequest{TaskId: taskId, Skill: skill, Message: message, CallerAgent: c.agentName, SessionId: sessionId}
	e, err := envelope.ToEnvelope("AgentTaskRequest", payload, c.agentName, envelope.WithReplyTo(c.resultTopic))
	if err != nil {
		return "", fmt.Errorf("a2a: encode AgentTaskRequest: %w", err)
	}

	c.mu.Lock()
	c.pending[taskId] = &pendingTask{sessionId: sessionId}
	c.mu.Unlock()

	topic := "agent.task." + agentName
	if err := c.broker.Publish(ctx, topic, e); err != nil {
		c.mu.Lock()
		delete(c.pending, taskId)
		c.mu.Unlock()
		return "", fmt.Errorf("a2a: publish AgentTaskRequest: %w", err)
	}
	return taskId, nil
}

// HandleStatusUpdate logs an intermediate task status; it is not terminal
// and does not remove the task from tracking.
func (c *Caller) HandleStatusUpdate(ctx context.Context, payload AgentTaskStatusUpdate, hctx *pipeline.HandlerContext) error {
	c.logger.Info(ctx, "a2a: task status update", "taskId", payload.TaskId, "state", payload.State)
	return nil
}

// HandleResult processes a terminal AgentTaskResult.
func (c *Caller) HandleResult(ctx context.Context, payload AgentTaskResult, hctx *pipeline.HandlerContext) error {
	sessionId, ok := c.takeTerminal(payload.TaskId)
	if !ok {
		return nil
	}
	if c.terminal != nil {
		c.terminal(payload.TaskId, sessionId, payload.Output, "", "")
	}
	return nil
}

// HandleError processes a terminal AgentTaskError.
func (c *Caller) HandleError(ctx context.Context, payload AgentTaskError, hctx *pipeline.HandlerContext) error {
	sessionId, ok := c.takeTerminal(payload.TaskId)
	if !ok {
		return nil
	}
	if c.terminal != nil {
		c.terminal(payload.TaskId, sessionId, "", payload.Code, payload.Message)
	}
	return nil
}

// takeTerminal removes taskId from tracking and reports whether it was
// still pending, enforcing "exactly one terminal message per task".
func (c *Caller) takeTerminal(taskId string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pending[taskId]
	if !ok {
		return "", false
	}
	delete(c.pending, taskId)
	return t.sessionId, true
}

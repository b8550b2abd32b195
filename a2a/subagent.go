package a2a

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

// DefaultMaxConcurrentSubagents bounds how many subagents one Tracker may
// have running at once, across all parent sessions (spec §4.11).
const DefaultMaxConcurrentSubagents = 3

// SessionInjector turns a message into a synthetic user turn for an
// existing session. orchestrator.Orchestrator satisfies this via its
// RunTurn method.
type SessionInjector interface {
	RunTurn(ctx context.Context, sessionId, userMessage string, firstTurn bool) error
}

// SubagentWorker actually runs one subagent task to completion and
// returns its final output text.
type SubagentWorker interface {
	RunSubagentTurn(ctx context.Context, taskId, sessionId, prompt string) (string, error)
}

type subagentState struct {
	sessionId string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Tracker implements the subagent side of spec §4.11: it caps concurrent
// subagents per process, lets a running subagent report progress back
// into its parent session, and publishes a SubagentResultMessage when a
// subagent finishes.
type Tracker struct {
	agentName     string
	broker        amqpbroker.Broker
	injector      SessionInjector
	worker        SubagentWorker
	whiteboard    *Whiteboard
	maxConcurrent int
	logger        telemetry.Logger

	mu    sync.Mutex
	tasks map[string]*subagentState
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

func WithMaxConcurrentSubagents(n int) TrackerOption {
	return func(t *Tracker) { t.maxConcurrent = n }
}
func WithTrackerLogger(l telemetry.Logger) TrackerOption { return func(t *Tracker) { t.logger = l } }

// NewTracker constructs a Tracker for agentName.
func NewTracker(agentName string, broker amqpbroker.Broker, injector SessionInjector, worker SubagentWorker, whiteboard *Whiteboard, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		agentName:     agentName,
		broker:        broker,
		injector:      injector,
		worker:        worker,
		whiteboard:    whiteboard,
		maxConcurrent: DefaultMaxConcurrentSubagents,
		logger:        telemetry.NewNoopLogger(),
		tasks:         make(map[string]*subagentState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Spawn allocates a task id for a new subagent running prompt on behalf
// of parentSessionId, and returns immediately; the subagent runs in the
// background via worker.
func (t *Tracker) Spawn(ctx context.Context, parentSessionId, prompt string) (string, error) {
	t.mu.Lock()
	if len(t.tasks) >= t.maxConcurrent {
		t.mu.Unlock()
		return "", fmt.Errorf("a2a: %d concurrent subagents already running (limit %d)", len(t.tasks), t.maxConcurrent)
	}
	taskId := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())
	t.tasks[taskId] = &subagentState{sessionId: parentSessionId, cancel: cancel, startedAt: time.Now().UTC()}
	t.mu.Unlock()

	go t.run(subCtx, taskId, parentSessionId, prompt)

	return taskId, nil
}

func (t *Tracker) run(ctx context.Context, taskId, parentSessionId, prompt string) {
	output, err := t.worker.RunSubagentTurn(ctx, taskId, parentSessionId, prompt)

	t.mu.Lock()
	delete(t.tasks, taskId)
	t.mu.Unlock()

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	t.publishResult(ctx, taskId, parentSessionId, output, errText)
}

func (t *Tracker) publishResult(ctx context.Context, taskId, parentSessionId, output, errText string) {
	payload := SubagentResultMessage{TaskId: taskId, ParentSessionId: parentSessionId, Output: output, Error: errText}
	e, err := envelope.ToEnvelope("SubagentResultMessage", payload, t.agentName)
	if err != nil {
		t.logger.Error(ctx, "a2a: encode SubagentResultMessage failed", "error", err.Error())
		return
	}
	if err := t.broker.Publish(ctx, "agent.subagent.result."+t.agentName, e); err != nil {
		t.logger.Error(ctx, "a2a: publish SubagentResultMessage failed", "error", err.Error())
	}
}

// ReportProgress injects message as a synthetic user turn into taskId's
// parent session (spec §4.11 "report_progress turns into a synthetic
// user-turn injection into the parent session").
func (t *Tracker) ReportProgress(ctx context.Context, taskId, message string) error {
	t.mu.Lock()
	state, ok := t.tasks[taskId]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("a2a: unknown or already-completed subagent task %q", taskId)
	}
	return t.injector.RunTurn(ctx, state.sessionId, "[subagent progress] "+message, false)
}

// SpawnSubagentArgs are the spawn_subagent tool's parameters.
type SpawnSubagentArgs struct {
	Prompt string `json:"prompt" jsonschema:"required,description=Task for the subagent to carry out"`
}

// HandleSpawnSubagentTool implements the spawn_subagent tool.
func (t *Tracker) HandleSpawnSubagentTool(ctx context.Context, args SpawnSubagentArgs, req tools.Request) (tools.Response, error) {
	taskId, err := t.Spawn(ctx, req.SessionId, args.Prompt)
	if err != nil {
		return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: err.Error(), IsError: true}, nil
	}
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("task_id: %s", taskId)}, nil
}

// ReportProgressArgs are the report_progress tool's parameters.
type ReportProgressArgs struct {
	TaskId  string `json:"task_id" jsonschema:"required"`
	Message string `json:"message" jsonschema:"required"`
}

// HandleReportProgressTool implements the report_progress tool.
func (t *Tracker) HandleReportProgressTool(ctx context.Context, args ReportProgressArgs, req tools.Request) (tools.Response, error) {
	if err := t.ReportProgress(ctx, args.TaskId, args.Message); err != nil {
		return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: err.Error(), IsError: true}, nil
	}
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "progress reported"}, nil
}

// WhiteboardWriteArgs are the whiteboard_write tool's parameters.
type WhiteboardWriteArgs struct {
	Key   string `json:"key" jsonschema:"required"`
	Value string `json:"value" jsonschema:"required"`
}

// HandleWhiteboardWriteTool implements the whiteboard_write tool.
func (t *Tracker) HandleWhiteboardWriteTool(ctx context.Context, args WhiteboardWriteArgs, req tools.Request) (tools.Response, error) {
	t.whiteboard.Write(args.Key, args.Value)
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "ok"}, nil
}

// WhiteboardReadArgs are the whiteboard_read tool's parameters.
type WhiteboardReadArgs struct {
	Key string `json:"key" jsonschema:"required"`
}

// HandleWhiteboardReadTool implements the whiteboard_read tool.
func (t *Tracker) HandleWhiteboardReadTool(ctx context.Context, args WhiteboardReadArgs, req tools.Request) (tools.Response, error) {
	v, ok := t.whiteboard.Read(args.Key)
	if !ok {
		return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("no whiteboard entry for key %q", args.Key), IsError: true}, nil
	}
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: v}, nil
}

// WhiteboardListArgs are the whiteboard_list tool's parameters (none).
type WhiteboardListArgs struct{}

// HandleWhiteboardListTool implements the whiteboard_list tool.
func (t *Tracker) HandleWhiteboardListTool(ctx context.Context, _ WhiteboardListArgs, req tools.Request) (tools.Response, error) {
	keys := t.whiteboard.List()
	content := "(empty)"
	if len(keys) > 0 {
		content = fmt.Sprintf("%v", keys)
	}
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: content}, nil
}

// WhiteboardDeleteArgs are the whiteboard_delete tool's parameters.
type WhiteboardDeleteArgs struct {
	Key string `json:"key" jsonschema:"required"`
}

// HandleWhiteboardDeleteTool implements the whiteboard_delete tool.
func (t *Tracker) HandleWhiteboardDeleteTool(ctx context.Context, args WhiteboardDeleteArgs, req tools.Request) (tools.Response, error) {
	t.whiteboard.Delete(args.Key)
	return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "ok"}, nil
}

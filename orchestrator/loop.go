package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarimerLLC/rockbot/memory"
	"github.com/MarimerLLC/rockbot/tools"
)

// DefaultToolTimeout bounds a single tool call before the orchestrator sends
// a non-final explanatory reply and keeps waiting.
const DefaultToolTimeout = 60 * time.Second

// backgroundLoop runs the tool-calling loop for a turn whose first model
// call already produced tool work: execute every requested tool (native and
// text-based), append results, and re-call the model, until either a
// tool-call-free response is produced or maxIterations is reached (in which
// case the final iteration runs with tools disabled, forcing a reply).
func (o *Orchestrator) backgroundLoop(ctx context.Context, sessionID string, messages []Message, first ModelResponse, behavior ModelBehavior, availableTools []tools.Registration) {
	maxIterations := behavior.maxIterations(o.maxIterations)
	resp := first

	for iteration := 1; iteration <= maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			o.logger.Info(ctx, "orchestrator: background loop cancelled", "session_id", sessionID)
			return
		default:
		}

		textCalls := ParseTextToolCalls(resp.Content, toolNames(availableTools))
		if len(resp.ToolCalls) == 0 && len(textCalls) == 0 {
			if err := o.finish(ctx, sessionID, resp.Content, messages); err != nil {
				o.logger.Error(ctx, "orchestrator: finish turn failed", "error", err.Error())
			}
			return
		}

		if preamble := leadingText(resp.Content, textCalls); preamble != "" {
			messages = append(messages, Message{Role: memory.RoleAssistant, Content: preamble})
		}

		results := o.runToolCalls(ctx, sessionID, resp.ToolCalls, textCalls)
		if ctx.Err() != nil {
			o.logger.Info(ctx, "orchestrator: background loop cancelled", "session_id", sessionID)
			return
		}
		for _, r := range results {
			messages = append(messages, Message{Role: memory.RoleTool, Content: r.Content, ToolCallId: r.ToolCallId, ToolName: r.ToolName})
		}

		allowTools := iteration < maxIterations
		next, err := o.model.Complete(ctx, o.modelID, messages, availableTools, allowTools)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error(ctx, "orchestrator: model call failed during tool loop", "error", err.Error())
			_ = o.finish(ctx, sessionID, "Something went wrong while working on that; please try again.", messages)
			return
		}
		resp = next
	}

	// maxIterations exhausted and the final (tools-disabled) call still
	// produced tool-call text: take its content verbatim as the reply.
	if err := o.finish(ctx, sessionID, resp.Content, messages); err != nil {
		o.logger.Error(ctx, "orchestrator: finish turn failed", "error", err.Error())
	}
}

// leadingText returns whatever free-form text preceded the first recognized
// tool call in content, or the whole content if there were no text-based
// calls (native calls carry no inline text to strip).
func leadingText(content string, textCalls []TextToolCall) string {
	if len(textCalls) == 0 {
		return content
	}
	return StripLeadingToolCallText(content, textCalls[0])
}

// runToolCalls executes every requested tool call, native and text-based,
// concurrently, publishing a throttled progress reply for any call that
// runs past ProgressThrottle and a non-final explanatory reply for any call
// that exceeds DefaultToolTimeout without completing.
func (o *Orchestrator) runToolCalls(ctx context.Context, sessionID string, native []ModelToolCall, text []TextToolCall) []tools.Response {
	total := len(native) + len(text)
	if total == 0 {
		return nil
	}

	results := make([]tools.Response, total)
	var wg sync.WaitGroup

	run := func(i int, toolCallId, toolName, arguments string) {
		defer wg.Done()
		results[i] = o.runOneTool(ctx, sessionID, toolCallId, toolName, arguments)
	}

	for i, call := range native {
		wg.Add(1)
		go run(i, call.ToolCallId, call.ToolName, call.Arguments)
	}
	for i, call := range text {
		wg.Add(1)
		go run(len(native)+i, fmt.Sprintf("text-%d", i), call.ToolName, call.Arguments)
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) runOneTool(ctx context.Context, sessionID, toolCallId, toolName, arguments string) tools.Response {
	executor, err := o.registry.GetExecutor(toolName)
	if err != nil {
		return tools.Response{ToolCallId: toolCallId, ToolName: toolName, Content: err.Error(), IsError: true}
	}

	description := o.registry.Describe(toolName)
	if err := o.publisher.PublishReply(ctx, AgentReply{
		Content:   fmt.Sprintf("Working on it — checking %s…", description),
		SessionId: sessionID, AgentName: o.agentName, IsFinal: false,
	}); err != nil {
		o.logger.Warn(ctx, "orchestrator: publish pre-tool-call progress reply failed", "error", err.Error())
	}

	done := make(chan struct{})
	var resp tools.Response
	var execErr error

	go func() {
		resp, execErr = executor.Execute(ctx, tools.Request{ToolCallId: toolCallId, ToolName: toolName, Arguments: arguments, SessionId: sessionID})
		close(done)
	}()

	progress := time.NewTicker(ProgressThrottle)
	defer progress.Stop()
	timeout := time.NewTimer(DefaultToolTimeout)
	defer timeout.Stop()
	timeoutNotified := false

	for {
		select {
		case <-done:
			if execErr != nil {
				return tools.Response{ToolCallId: toolCallId, ToolName: toolName, Content: execErr.Error(), IsError: true}
			}
			return resp
		case <-progress.C:
			_ = o.publisher.PublishReply(ctx, AgentReply{
				Content:   fmt.Sprintf("Still working on it — running %s…", toolName),
				SessionId: sessionID, AgentName: o.agentName, IsFinal: false,
			})
		case <-timeout.C:
			if !timeoutNotified {
				timeoutNotified = true
				_ = o.publisher.PublishReply(ctx, AgentReply{
					Content:   fmt.Sprintf("%s is taking longer than expected; still waiting on it.", toolName),
					SessionId: sessionID, AgentName: o.agentName, IsFinal: false,
				})
			}
		case <-ctx.Done():
			return tools.Response{ToolCallId: toolCallId, ToolName: toolName, Content: "cancelled", IsError: true}
		}
	}
}

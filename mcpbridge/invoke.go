package mcpbridge

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/MarimerLLC/rockbot/envelope"
)

// aggregatorInvokeTool is the tool name an aggregator-style MCP server
// exposes for forwarding calls to its own downstream servers. Aggregators
// occasionally echo a request back wrapped in a second invoke_tool
// envelope; handleInvoke unwraps exactly one such layer before dispatching.
const aggregatorInvokeTool = "invoke_tool"

func (b *Bridge) handleInvoke(ctx context.Context, e envelope.Envelope) {
	req, ok := envelope.GetPayload[ToolInvokeRequest](e)
	if !ok {
		return
	}

	conn, ok := b.findServerForTool(req.ToolName)
	if !ok {
		b.replyError(ctx, e, ToolError{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Code: ErrCodeToolNotFound, Message: "no connected MCP server advertises this tool", IsRetryable: false})
		return
	}

	toolName, arguments := unwrapAggregatorSelfCall(conn.name, req.ToolName, req.Arguments)

	// Only a JSON syntax error is rejected here; valid-but-non-object JSON
	// (a bare string, number, array) is forwarded as empty arguments so a
	// downstream tool error can still carry the hint below.
	var parsed any
	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil {
		b.replyError(ctx, e, ToolError{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Code: ErrCodeInvalidArguments, Message: "arguments must be valid JSON", IsRetryable: false})
		return
	}
	argsMap, ok := parsed.(map[string]any)
	if !ok {
		argsMap = map[string]any{}
	}

	timeout := callTimeout(e)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()

	result, err := client.CallTool(callCtx, buildCallToolRequest(toolName, argsMap))
	if callCtx.Err() != nil {
		b.replyError(ctx, e, ToolError{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Code: ErrCodeTimeout, Message: "tool call timed out", IsRetryable: true})
		return
	}
	if err != nil {
		b.replyError(ctx, e, ToolError{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Code: ErrCodeExecutionFailed, Message: err.Error(), IsRetryable: false})
		return
	}

	content, isError := renderCallResult(result)
	if isError && !isJSONObjectString(arguments) {
		content += "\n\nhint: arguments must be a JSON object, e.g. {\"key\": \"value\"}."
	}

	b.replySuccess(ctx, e, ToolInvokeResponse{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: content, IsError: isError})
}

func (b *Bridge) findServerForTool(toolName string) (*serverConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.servers {
		conn.mu.Lock()
		active := conn.state == StateActive
		conn.mu.Unlock()
		if active && conn.hasTool(toolName) {
			return conn, true
		}
	}
	return nil, false
}

// unwrapAggregatorSelfCall detects a call to an aggregator server's
// invoke_tool whose arguments are themselves a {"tool_name","arguments"}
// wrapper, and collapses it to a single call.
func unwrapAggregatorSelfCall(serverName, toolName, arguments string) (string, string) {
	if toolName != aggregatorInvokeTool || !strings.Contains(strings.ToLower(serverName), "aggregator") {
		return toolName, arguments
	}

	var wrapper struct {
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(arguments), &wrapper); err != nil || wrapper.ToolName == "" {
		return toolName, arguments
	}
	return wrapper.ToolName, string(wrapper.Arguments)
}

func callTimeout(e envelope.Envelope) time.Duration {
	headerMs, ok := e.Headers[envelope.HeaderTimeoutMs]
	if !ok {
		return DefaultToolTimeout
	}
	ms, err := strconv.ParseInt(headerMs, 10, 64)
	if err != nil || ms <= 0 {
		return DefaultToolTimeout
	}
	requested := time.Duration(ms) * time.Millisecond
	if requested < DefaultToolTimeout {
		return requested
	}
	return DefaultToolTimeout
}

func isJSONObjectString(s string) bool {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return false
	}
	_, ok := v.(map[string]any)
	return ok
}

func (b *Bridge) replySuccess(ctx context.Context, in envelope.Envelope, payload ToolInvokeResponse) {
	b.publishReply(ctx, in, "tool.invoke.response", payload)
}

func (b *Bridge) replyError(ctx context.Context, in envelope.Envelope, payload ToolError) {
	b.publishReply(ctx, in, "tool.invoke.error", payload)
}

func (b *Bridge) publishReply(ctx context.Context, in envelope.Envelope, messageType string, payload any) {
	topic := in.ReplyTo
	if topic == "" {
		topic = b.resultTopic
	}
	e, err := envelope.ToEnvelope(messageType, payload, "mcpbridge", envelope.WithCorrelationId(in.CorrelationId))
	if err != nil {
		b.logger.Error(ctx, "mcpbridge: encode reply failed", "error", err.Error())
		return
	}
	if err := b.broker.Publish(ctx, topic, e); err != nil {
		b.logger.Error(ctx, "mcpbridge: publish reply failed", "error", err.Error())
	}
}

package mcpbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/tools"
)

func TestProxyExecutorExecuteCorrelatesSuccessReply(t *testing.T) {
	broker := newFakeBroker()
	proxy := NewProxyExecutor("worker", broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx)
	time.Sleep(5 * time.Millisecond) // let Run subscribe before Execute publishes

	done := make(chan tools.Response, 1)
	go func() {
		resp, err := proxy.Execute(context.Background(), tools.Request{ToolCallId: "call-1", ToolName: "search", Arguments: `{"q":"x"}`})
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		_, ok := broker.last("tool.invoke")
		return ok
	}, time.Second, 5*time.Millisecond)

	invoked, _ := broker.last("tool.invoke")
	assert.Equal(t, "worker", invoked.Source)
	assert.Equal(t, "tool.proxy.result.worker", invoked.ReplyTo)

	reply, err := envelope.ToEnvelope("tool.invoke.response", ToolInvokeResponse{
		ToolCallId: "call-1", ToolName: "search", Content: "found it",
	}, "mcpbridge", envelope.WithCorrelationId(invoked.CorrelationId))
	require.NoError(t, err)
	broker.deliver(context.Background(), invoked.ReplyTo, reply)

	select {
	case resp := <-done:
		assert.Equal(t, "found it", resp.Content)
		assert.False(t, resp.IsError)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after correlated reply")
	}
}

func TestProxyExecutorExecuteCorrelatesErrorReply(t *testing.T) {
	broker := newFakeBroker()
	proxy := NewProxyExecutor("worker", broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	done := make(chan tools.Response, 1)
	go func() {
		resp, _ := proxy.Execute(context.Background(), tools.Request{ToolCallId: "call-2", ToolName: "unknown"})
		done <- resp
	}()

	require.Eventually(t, func() bool {
		_, ok := broker.last("tool.invoke")
		return ok
	}, time.Second, 5*time.Millisecond)
	invoked, _ := broker.last("tool.invoke")

	reply, err := envelope.ToEnvelope("tool.invoke.error", ToolError{
		ToolCallId: "call-2", ToolName: "unknown", Code: ErrCodeToolNotFound, Message: "no server",
	}, "mcpbridge", envelope.WithCorrelationId(invoked.CorrelationId))
	require.NoError(t, err)
	broker.deliver(context.Background(), invoked.ReplyTo, reply)

	resp := <-done
	assert.True(t, resp.IsError)
	assert.Equal(t, "no server", resp.Content)
}

func TestSyncUpsertsAndDeregistersToolsOnAvailabilityUpdates(t *testing.T) {
	broker := newFakeBroker()
	registry := tools.NewRegistry()
	proxy := NewProxyExecutor("worker", broker)
	syncer := NewSync("worker", broker, registry, proxy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	e, err := envelope.ToEnvelope("tool.meta.mcp.available", McpToolsAvailable{
		ServerName: "search-server",
		Tools:      []ToolDescriptor{{Name: "web_search", Description: "search the web"}},
	}, "mcpbridge")
	require.NoError(t, err)
	broker.deliver(ctx, "tool.meta.mcp.worker", e)

	_, err = registry.GetExecutor("web_search")
	require.NoError(t, err)

	e2, err := envelope.ToEnvelope("tool.meta.mcp.available", McpToolsAvailable{
		ServerName:   "search-server",
		RemovedTools: []string{"web_search"},
	}, "mcpbridge")
	require.NoError(t, err)
	broker.deliver(ctx, "tool.meta.mcp.worker", e2)

	_, err = registry.GetExecutor("web_search")
	assert.ErrorIs(t, err, tools.ErrToolNotFound)
}

package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/memory/memtest"
)

func TestChunkingExecutorPassesThroughSmallResults(t *testing.T) {
	working := memtest.NewWorkingMemory(0)
	next := ExecutorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: "small result"}, nil
	})
	c := NewChunkingExecutor(next, working, func() string { return "run1" })

	resp, err := c.Execute(context.Background(), Request{ToolName: "search", SessionId: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "small result", resp.Content)
}

func TestChunkingExecutorChunksOversizedResultWithSession(t *testing.T) {
	working := memtest.NewWorkingMemory(0)
	big := strings.Repeat("word ", 5000) // well over the default threshold
	next := ExecutorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: big}, nil
	})
	c := NewChunkingExecutor(next, working, func() string { return "run1" })

	resp, err := c.Execute(context.Background(), Request{ToolName: "search", SessionId: "s1"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "split into")
	assert.Contains(t, resp.Content, "session/s1/tool:search:run1:chunk1")

	entries, err := working.List(context.Background(), "session/s1")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestChunkingExecutorTruncatesWithoutSession(t *testing.T) {
	working := memtest.NewWorkingMemory(0)
	big := strings.Repeat("x", 20000)
	next := ExecutorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: big}, nil
	})
	c := NewChunkingExecutor(next, working, func() string { return "run1" })

	resp, err := c.Execute(context.Background(), Request{ToolName: "search"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "chars omitted")
}

func TestChunkingExecutorExemptToolsPassThrough(t *testing.T) {
	working := memtest.NewWorkingMemory(0)
	big := strings.Repeat("x", 20000)
	next := ExecutorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Content: big}, nil
	})
	c := NewChunkingExecutor(next, working, func() string { return "run1" }, WithExempt(func(name string) bool { return name == "working_memory_read" }))

	resp, err := c.Execute(context.Background(), Request{ToolName: "working_memory_read", SessionId: "s1"})
	require.NoError(t, err)
	assert.Equal(t, big, resp.Content)
}

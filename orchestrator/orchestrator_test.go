package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/contextassembler"
	"github.com/MarimerLLC/rockbot/memory/memtest"
	"github.com/MarimerLLC/rockbot/tools"
	"github.com/MarimerLLC/rockbot/work"
)

// fakeModel replays a canned sequence of ModelResponses, one per Complete
// call, so tests can script a multi-iteration tool-calling loop.
type fakeModel struct {
	mu         sync.Mutex
	responses  []ModelResponse
	calls      int
	allowTools []bool
}

func (f *fakeModel) Complete(_ context.Context, _ string, _ []Message, _ []tools.Registration, allowTools bool) (ModelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowTools = append(f.allowTools, allowTools)
	if f.calls >= len(f.responses) {
		return ModelResponse{Content: "done"}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

// fakePublisher records every AgentReply published, safe for concurrent use
// since the background loop publishes from a goroutine.
type fakePublisher struct {
	mu      sync.Mutex
	replies []AgentReply
}

func (f *fakePublisher) PublishReply(_ context.Context, reply AgentReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
	return nil
}

func (f *fakePublisher) snapshot() []AgentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AgentReply, len(f.replies))
	copy(out, f.replies)
	return out
}

func (f *fakePublisher) waitForFinal(t *testing.T, timeout time.Duration) AgentReply {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range f.snapshot() {
			if r.IsFinal {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for final reply")
	return AgentReply{}
}

func newTestOrchestrator(t *testing.T, model ModelClient, registry *tools.Registry) (*Orchestrator, *fakePublisher) {
	t.Helper()
	conversation := memtest.NewConversationMemory()
	assembler := contextassembler.New(
		conversation, memtest.NewLongTermMemory(), memtest.NewWorkingMemory(0),
		memtest.NewSkillStore(), memtest.NewRulesStore(),
		contextassembler.AgentProfile{Soul: "You are RockBot."},
		contextassembler.NewInjectedMemoryTracker(), contextassembler.NewSkillIndexTracker(),
	)
	publisher := &fakePublisher{}
	o := New(
		"rockbot", "claude-opus-4", model, assembler, registry, conversation,
		work.NewSerializer(), work.NewSessionBackgroundTaskTracker(), publisher,
	)
	return o, publisher
}

func TestRunTurnNoToolCallsRepliesImmediately(t *testing.T) {
	model := &fakeModel{responses: []ModelResponse{{Content: "Hello there."}}}
	o, publisher := newTestOrchestrator(t, model, tools.NewRegistry())

	err := o.RunTurn(context.Background(), "s1", "hi", true)
	require.NoError(t, err)

	replies := publisher.snapshot()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].IsFinal)
	assert.Equal(t, "Hello there.", replies[0].Content)
}

func TestRunTurnNativeToolCallLoopsThenFinishes(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Registration{Name: "lookup", Description: "look something up"},
		tools.ExecutorFunc(func(_ context.Context, req tools.Request) (tools.Response, error) {
			return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "42"}, nil
		})))

	model := &fakeModel{responses: []ModelResponse{
		{Content: "Checking...", ToolCalls: []ModelToolCall{{ToolCallId: "tc1", ToolName: "lookup", Arguments: "{}"}}},
		{Content: "The answer is 42."},
	}}
	o, publisher := newTestOrchestrator(t, model, registry)

	err := o.RunTurn(context.Background(), "s2", "what is the answer?", true)
	require.NoError(t, err)

	final := publisher.waitForFinal(t, time.Second)
	assert.Equal(t, "The answer is 42.", final.Content)
}

func TestRunTurnTextToolCallIsParsedAndDispatched(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Registration{Name: "search_web", Description: "search"},
		tools.ExecutorFunc(func(_ context.Context, req tools.Request) (tools.Response, error) {
			return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "results"}, nil
		})))

	model := &fakeModel{responses: []ModelResponse{
		{Content: "Let me look that up.\n\nsearch_web\n{\"query\": \"rockbot\"}"},
		{Content: "Here is what I found."},
	}}
	o, publisher := newTestOrchestrator(t, model, registry)

	err := o.RunTurn(context.Background(), "s3", "look this up", true)
	require.NoError(t, err)

	final := publisher.waitForFinal(t, time.Second)
	assert.Equal(t, "Here is what I found.", final.Content)
}

func TestRunTurnIterationCapForcesToolsDisabled(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Registration{Name: "lookup", Description: "loops forever"},
		tools.ExecutorFunc(func(_ context.Context, req tools.Request) (tools.Response, error) {
			return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "ok"}, nil
		})))

	alwaysCallsTool := ModelResponse{Content: "looping", ToolCalls: []ModelToolCall{{ToolCallId: "tc", ToolName: "lookup", Arguments: "{}"}}}
	// The first call plus three loop iterations make four model calls; the
	// fourth is the one made with tools disabled.
	model := &fakeModel{responses: []ModelResponse{alwaysCallsTool, alwaysCallsTool, alwaysCallsTool, {Content: "forced final reply"}}}
	o, publisher := newTestOrchestrator(t, model, registry)
	o.maxIterations = 3

	err := o.RunTurn(context.Background(), "s4", "loop please", true)
	require.NoError(t, err)

	final := publisher.waitForFinal(t, time.Second)
	assert.Equal(t, "forced final reply", final.Content)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.allowTools, 4)
	assert.False(t, model.allowTools[3])
}

func TestRunTurnNewMessageInSameSessionCancelsPriorBackgroundLoop(t *testing.T) {
	registry := tools.NewRegistry()
	blockedCall := make(chan struct{})
	require.NoError(t, registry.Register(tools.Registration{Name: "slow", Description: "never returns on its own"},
		tools.ExecutorFunc(func(ctx context.Context, req tools.Request) (tools.Response, error) {
			select {
			case <-blockedCall:
			case <-ctx.Done():
			}
			return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: "late"}, nil
		})))

	model := &fakeModel{responses: []ModelResponse{
		{Content: "first turn", ToolCalls: []ModelToolCall{{ToolCallId: "tc1", ToolName: "slow", Arguments: "{}"}}},
	}}
	o, publisher := newTestOrchestrator(t, model, registry)

	require.NoError(t, o.RunTurn(context.Background(), "s5", "first message", true))
	time.Sleep(20 * time.Millisecond)

	model2 := &fakeModel{responses: []ModelResponse{{Content: "second turn reply"}}}
	o.model = model2
	require.NoError(t, o.RunTurn(context.Background(), "s5", "second message", false))

	final := publisher.waitForFinal(t, time.Second)
	assert.Equal(t, "second turn reply", final.Content)
	close(blockedCall)
}

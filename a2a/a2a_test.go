package a2a

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/tools"
)

type fakeBroker struct {
	mu        sync.Mutex
	published map[string][]envelope.Envelope
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][]envelope.Envelope)}
}

func (f *fakeBroker) Publish(_ context.Context, topic string, e envelope.Envelope) error {
	f.mu.Lock()
	f.published[topic] = append(f.published[topic], e)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) Subscribe(context.Context, string, string, amqpbroker.Handler) (*amqpbroker.Subscription, error) {
	return nil, nil
}

func (f *fakeBroker) Close(context.Context) error { return nil }

func (f *fakeBroker) last(topic string) (envelope.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[topic]
	if len(msgs) == 0 {
		return envelope.Envelope{}, false
	}
	return msgs[len(msgs)-1], true
}

func TestDirectoryFindBySkillCaseInsensitive(t *testing.T) {
	d := NewDirectory()
	d.Register(Card{Name: "researcher", Skills: []string{"Web Search", "Summarize"}})
	found := d.FindBySkill("web search")
	require.Len(t, found, 1)
	assert.Equal(t, "researcher", found[0].Name)
}

func TestCallerInvokePublishesRequestWithReplyTo(t *testing.T) {
	broker := newFakeBroker()
	c := NewCaller("orchestrator-agent", broker, NewDirectory())

	taskId, err := c.Invoke(context.Background(), "researcher", "web_search", "find the weather", "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, taskId)

	e, ok := broker.last("agent.task.researcher")
	require.True(t, ok)
	assert.Equal(t, "agent.result.orchestrator-agent", e.ReplyTo)
	payload, ok := envelope.GetPayload[AgentTaskRequest](e)
	require.True(t, ok)
	assert.Equal(t, taskId, payload.TaskId)
	assert.Equal(t, "orchestrator-agent", payload.CallerAgent)
}

func TestCallerHandleResultInvokesTerminalOnceAndIgnoresDuplicate(t *testing.T) {
	broker := newFakeBroker()
	var calls int
	var mu sync.Mutex
	c := NewCaller("orchestrator-agent", broker, nil, WithTerminalHandler(func(taskId, sessionId, output, code, msg string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	taskId, err := c.Invoke(context.Background(), "researcher", "skill", "msg", "s1")
	require.NoError(t, err)

	err = c.HandleResult(context.Background(), AgentTaskResult{TaskId: taskId, State: StateCompleted, Output: "done"}, &pipeline.HandlerContext{})
	require.NoError(t, err)
	// Duplicate terminal delivery for the same (already-removed) task must
	// not invoke the handler again.
	err = c.HandleResult(context.Background(), AgentTaskResult{TaskId: taskId, State: StateCompleted, Output: "done"}, &pipeline.HandlerContext{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestHandlerHandleTaskPublishesWorkingThenResult(t *testing.T) {
	broker := newFakeBroker()
	h := NewHandler("researcher", broker, func(ctx context.Context, req AgentTaskRequest) (string, error) {
		return "42 degrees", nil
	})

	e, err := envelope.ToEnvelope("AgentTaskRequest", AgentTaskRequest{TaskId: "t1"}, "caller", envelope.WithReplyTo("agent.result.caller"))
	require.NoError(t, err)

	err = h.HandleTask(context.Background(), AgentTaskRequest{TaskId: "t1"}, &pipeline.HandlerContext{Envelope: e})
	require.NoError(t, err)

	broker.mu.Lock()
	published := append([]envelope.Envelope(nil), broker.published["agent.result.caller"]...)
	broker.mu.Unlock()
	require.Len(t, published, 2)
	assert.Equal(t, "AgentTaskStatusUpdate", published[0].MessageType)
	status, ok := envelope.GetPayload[AgentTaskStatusUpdate](published[0])
	require.True(t, ok)
	assert.Equal(t, StateWorking, status.State)

	reply, ok := broker.last("agent.result.caller")
	require.True(t, ok)
	result, ok := envelope.GetPayload[AgentTaskResult](reply)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "42 degrees", result.Output)
}

func TestHandlerHandleCancelAlwaysReturnsNotCancelable(t *testing.T) {
	broker := newFakeBroker()
	h := NewHandler("researcher", broker, func(ctx context.Context, req AgentTaskRequest) (string, error) { return "", nil })

	e, err := envelope.ToEnvelope("AgentTaskCancelRequest", AgentTaskCancelRequest{TaskId: "t1"}, "caller", envelope.WithReplyTo("agent.result.caller"))
	require.NoError(t, err)
	err = h.HandleCancel(context.Background(), AgentTaskCancelRequest{TaskId: "t1"}, &pipeline.HandlerContext{Envelope: e})
	require.NoError(t, err)

	reply, ok := broker.last("agent.result.caller")
	require.True(t, ok)
	errPayload, ok := envelope.GetPayload[AgentTaskError](reply)
	require.True(t, ok)
	assert.Equal(t, ErrCodeTaskNotCancelable, errPayload.Code)
}

type fakeInjector struct {
	mu       sync.Mutex
	sessions []string
	messages []string
}

func (f *fakeInjector) RunTurn(ctx context.Context, sessionId, userMessage string, firstTurn bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionId)
	f.messages = append(f.messages, userMessage)
	return nil
}

type fakeWorker struct {
	output string
	err    error
	block  chan struct{}
}

func (w *fakeWorker) RunSubagentTurn(ctx context.Context, taskId, sessionId, prompt string) (string, error) {
	if w.block != nil {
		<-w.block
	}
	return w.output, w.err
}

func TestTrackerSpawnCapsConcurrency(t *testing.T) {
	broker := newFakeBroker()
	worker := &fakeWorker{block: make(chan struct{})}
	tr := NewTracker("agent1", broker, &fakeInjector{}, worker, NewWhiteboard(), WithMaxConcurrentSubagents(1))

	_, err := tr.Spawn(context.Background(), "s1", "task one")
	require.NoError(t, err)

	_, err = tr.Spawn(context.Background(), "s1", "task two")
	assert.Error(t, err)

	close(worker.block)
}

func TestTrackerReportProgressInjectsSyntheticTurn(t *testing.T) {
	broker := newFakeBroker()
	injector := &fakeInjector{}
	worker := &fakeWorker{block: make(chan struct{})}
	tr := NewTracker("agent1", broker, injector, worker, NewWhiteboard())

	taskId, err := tr.Spawn(context.Background(), "s1", "long task")
	require.NoError(t, err)

	err = tr.ReportProgress(context.Background(), taskId, "halfway done")
	require.NoError(t, err)

	injector.mu.Lock()
	defer injector.mu.Unlock()
	require.Len(t, injector.sessions, 1)
	assert.Equal(t, "s1", injector.sessions[0])
	assert.Contains(t, injector.messages[0], "halfway done")

	close(worker.block)
}

func TestTrackerCompletionPublishesSubagentResultMessage(t *testing.T) {
	broker := newFakeBroker()
	worker := &fakeWorker{output: "final answer"}
	tr := NewTracker("agent1", broker, &fakeInjector{}, worker, NewWhiteboard())

	_, err := tr.Spawn(context.Background(), "s1", "short task")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := broker.last("agent.subagent.result.agent1")
		return ok
	}, time.Second, 5*time.Millisecond)

	e, _ := broker.last("agent.subagent.result.agent1")
	payload, ok := envelope.GetPayload[SubagentResultMessage](e)
	require.True(t, ok)
	assert.Equal(t, "final answer", payload.Output)
	assert.Equal(t, "s1", payload.ParentSessionId)
}

func TestWhiteboardWriteReadListDelete(t *testing.T) {
	w := NewWhiteboard()
	w.Write("k1", "v1")
	v, ok := w.Read("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, []string{"k1"}, w.List())
	w.Delete("k1")
	_, ok = w.Read("k1")
	assert.False(t, ok)
}

func TestHandleSpawnSubagentToolReturnsTaskId(t *testing.T) {
	broker := newFakeBroker()
	worker := &fakeWorker{output: "ok", block: make(chan struct{})}
	tr := NewTracker("agent1", broker, &fakeInjector{}, worker, NewWhiteboard())

	resp, err := tr.HandleSpawnSubagentTool(context.Background(), SpawnSubagentArgs{Prompt: "do x"}, tools.Request{SessionId: "s1"})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Content, "task_id:")

	close(worker.block)
}

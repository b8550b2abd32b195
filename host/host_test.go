package host

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/tools"
)

// fakeBroker is an in-memory amqpbroker.Broker double: Subscribe records the
// handler under its topic, Publish delivers synchronously to any matching
// subscriber, Close just marks itself closed.
type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]amqpbroker.Handler
	closed   atomic.Bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]amqpbroker.Handler)}
}

func (f *fakeBroker) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(ctx, e)
	}
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, topic, _ string, handler amqpbroker.Handler) (*amqpbroker.Subscription, error) {
	f.mu.Lock()
	f.handlers[topic] = handler
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeBroker) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

func TestBuilderSubscribeToOpensSubscriptionAtStart(t *testing.T) {
	broker := newFakeBroker()
	var received atomic.Bool
	b := New("rockbot", broker, nil)
	HandleMessage(b, "ping", func(_ context.Context, _ struct{}, _ *pipeline.HandlerContext) error {
		received.Store(true)
		return nil
	})
	b.SubscribeTo("rockbot.ping", "ping-sub")

	h, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, broker.Publish(context.Background(), "rockbot.ping", envelope.Envelope{MessageType: "ping", Body: []byte("{}")}))
	assert.True(t, received.Load())
}

func TestBuilderWithFeedbackRequiresIdentity(t *testing.T) {
	broker := newFakeBroker()
	b := New("rockbot", broker, nil)
	b.WithFeedback(func(context.Context, FeedbackPayload, *pipeline.HandlerContext) error { return nil })

	_, err := b.Build()
	assert.Error(t, err)
}

func TestBuilderWithFeedbackSubscribesUnderUserProxy(t *testing.T) {
	broker := newFakeBroker()
	var gotPositive bool
	b := New("rockbot", broker, nil)
	b.WithIdentity("user-proxy")
	b.WithFeedback(func(_ context.Context, payload FeedbackPayload, _ *pipeline.HandlerContext) error {
		gotPositive = payload.Positive
		return nil
	})

	h, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	env := envelope.Envelope{MessageType: "userFeedback", Body: []byte(`{"SessionId":"s1","Positive":true}`)}
	require.NoError(t, broker.Publish(context.Background(), "user-proxy.userFeedback", env))
	assert.True(t, gotPositive)
	assert.Equal(t, "user-proxy.userResponse", b.ReplyTopic())
}

func TestBuilderAddToolHandlerRegistersOnSharedRegistry(t *testing.T) {
	broker := newFakeBroker()
	b := New("rockbot", broker, nil)
	b.AddToolHandler(tools.Registration{Name: "echo", Description: "echoes input"},
		tools.ExecutorFunc(func(_ context.Context, req tools.Request) (tools.Response, error) {
			return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: req.Arguments}, nil
		}))

	regs := b.ToolRegistry().GetTools()
	require.Len(t, regs, 1)
	assert.Equal(t, "echo", regs[0].Name)
}

func TestHostStartRunsHostedServicesAndShutdownStopsThem(t *testing.T) {
	broker := newFakeBroker()
	var ran atomic.Bool
	var stopped atomic.Bool
	b := New("rockbot", broker, nil)
	b.AddHostedService(func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	})

	h, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	deadline := time.Now().Add(time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, ran.Load())

	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, stopped.Load())
	assert.True(t, broker.closed.Load())
}

package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/work"
)

func TestWithScheduledWorkRunsWhenSlotFree(t *testing.T) {
	broker := newFakeBroker()
	serializer := work.NewSerializer()
	var runs atomic.Int32

	b := New("scheduler-agent", broker, nil).
		WithScheduledWork("@every 10ms", serializer, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})

	host, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Shutdown(context.Background()) })

	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestWithScheduledWorkRejectsInvalidCronExpression(t *testing.T) {
	broker := newFakeBroker()
	serializer := work.NewSerializer()

	b := New("scheduler-agent", broker, nil).
		WithScheduledWork("not a cron expression", serializer, func(ctx context.Context) error { return nil })

	_, err := b.Build()
	assert.Error(t, err)
}

func TestWithScheduledWorkSkipsFiringWhenSlotHeldByUser(t *testing.T) {
	broker := newFakeBroker()
	serializer := work.NewSerializer()
	var runs atomic.Int32

	handle, err := serializer.AcquireForUser(context.Background())
	require.NoError(t, err)
	defer handle.Release()

	b := New("scheduler-agent", broker, nil).
		WithScheduledWork("@every 10ms", serializer, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	host, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Shutdown(context.Background()) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

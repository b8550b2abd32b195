package work

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireForScheduledFailsWhenUserHoldsSlot(t *testing.T) {
	s := NewSerializer()
	userHandle, err := s.AcquireForUser(context.Background())
	require.NoError(t, err)
	defer userHandle.Release()

	_, ok := s.TryAcquireForScheduled(context.Background())
	assert.False(t, ok)
}

func TestTryAcquireForScheduledSucceedsWhenFree(t *testing.T) {
	s := NewSerializer()
	handle, ok := s.TryAcquireForScheduled(context.Background())
	require.True(t, ok)
	defer handle.Release()

	_, stillOk := s.TryAcquireForScheduled(context.Background())
	assert.False(t, stillOk)
}

func TestAcquireForUserPreemptsScheduledWork(t *testing.T) {
	s := NewSerializer()
	scheduled, ok := s.TryAcquireForScheduled(context.Background())
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		<-scheduled.Ctx.Done()
		scheduled.Release()
		close(done)
	}()

	userHandle, err := s.AcquireForUser(context.Background())
	require.NoError(t, err)
	defer userHandle.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled work was not preempted")
	}
}

func TestAcquireForUserRespectsContextCancellation(t *testing.T) {
	s := NewSerializer()
	holder, err := s.AcquireForUser(context.Background())
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.AcquireForUser(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewSerializer()
	handle, err := s.AcquireForUser(context.Background())
	require.NoError(t, err)

	handle.Release()
	handle.Release()

	_, ok := s.TryAcquireForScheduled(context.Background())
	assert.True(t, ok)
}

func TestSessionBackgroundTaskTrackerCancelsPriorSource(t *testing.T) {
	tracker := NewSessionBackgroundTaskTracker()
	ctx1, end1 := tracker.BeginSession(context.Background(), "s1")
	defer end1()

	ctx2, end2 := tracker.BeginSession(context.Background(), "s1")
	defer end2()

	select {
	case <-ctx1.Done():
	default:
		t.Fatal("expected prior session context to be cancelled")
	}

	select {
	case <-ctx2.Done():
		t.Fatal("new session context should not be cancelled")
	default:
	}
}

func TestSessionBackgroundTaskTrackerEndIsNoOpAfterSupersede(t *testing.T) {
	tracker := NewSessionBackgroundTaskTracker()
	ctx1, end1 := tracker.BeginSession(context.Background(), "s1")
	ctx2, end2 := tracker.BeginSession(context.Background(), "s1")
	defer end2()

	// end1 should not cancel ctx2, since ctx1 was already superseded.
	end1()

	select {
	case <-ctx2.Done():
		t.Fatal("superseded end() must not cancel the current session context")
	default:
	}
	_ = ctx1
}

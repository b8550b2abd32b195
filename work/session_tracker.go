package work

import (
	"context"
	"sync"
)

type sessionEntry struct {
	cancel context.CancelFunc
}

// SessionBackgroundTaskTracker maps sessionId -> cancellation source for
// that session's current background loop. BeginSession cancels and drops
// any prior source before creating a fresh one, so a new user message
// atomically cancels every outstanding tool call from the previous turn of
// the same session.
type SessionBackgroundTaskTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewSessionBackgroundTaskTracker constructs an empty tracker.
func NewSessionBackgroundTaskTracker() *SessionBackgroundTaskTracker {
	return &SessionBackgroundTaskTracker{sessions: make(map[string]*sessionEntry)}
}

// BeginSession cancels and drops any prior background task source for
// sessionID, derives a fresh cancellable context from hostCtx, and returns
// it along with an end function. Callers should pass the returned context
// to every tool call and background goroutine spawned for this turn, and
// call end when the turn completes normally so a stale map entry does not
// linger until the next message arrives. end is a no-op if a later
// BeginSession for the same session has already superseded this one.
func (t *SessionBackgroundTaskTracker) BeginSession(hostCtx context.Context, sessionID string) (ctx context.Context, end func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.sessions[sessionID]; ok {
		prior.cancel()
	}

	derivedCtx, cancel := context.WithCancel(hostCtx)
	entry := &sessionEntry{cancel: cancel}
	t.sessions[sessionID] = entry

	end = func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		cancel()
	}

	return derivedCtx, end
}

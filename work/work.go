// Package work implements RockBot's work serializer and session tracker
// (spec §4.9): a single logical execution slot per agent process, and
// per-session cancellation of stale background loops.
package work

import (
	"context"
	"sync"
)

// Priority distinguishes user-triggered work, which always preempts, from
// scheduled work, which only runs when the slot is free.
type Priority int

const (
	PriorityUser Priority = iota
	PriorityScheduled
)

// Handle is a scoped acquisition of the process-wide execution slot, along
// with the (possibly preemptible) context scheduled work should run under.
// Release must be called exactly once, on every exit path, and is
// idempotent.
type Handle struct {
	Ctx     context.Context
	release func()
	once    sync.Once
}

// Release gives up the slot. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Serializer holds one logical execution slot per agent process: at most one
// top-level turn or scheduled run executes at a time. AcquireForUser
// preempts a currently running scheduled acquisition by cancelling the
// context that was handed to it; scheduled work never starves user work
// because TryAcquireForScheduled never blocks.
type Serializer struct {
	mu            sync.Mutex
	held          bool
	active        Priority
	scheduledStop context.CancelFunc
	freed         chan struct{}
}

// NewSerializer constructs an unheld Serializer.
func NewSerializer() *Serializer {
	return &Serializer{freed: make(chan struct{}, 1)}
}

// AcquireForUser preempts any active scheduled work and waits for the slot,
// honoring ctx cancellation. The returned Handle's Ctx is derived from ctx.
func (s *Serializer) AcquireForUser(ctx context.Context) (*Handle, error) {
	for {
		s.mu.Lock()
		if !s.held {
			s.held = true
			s.active = PriorityUser
			s.mu.Unlock()
			return s.newHandle(ctx), nil
		}
		if s.active == PriorityScheduled && s.scheduledStop != nil {
			s.scheduledStop()
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.freed:
			// Slot became available; loop to race for it.
		}
	}
}

// TryAcquireForScheduled returns a handle only if no user work is active,
// yielding immediately (ok=false) otherwise rather than waiting. The
// returned Handle's Ctx is cancelled if a subsequent AcquireForUser
// preempts it; scheduled work must observe Ctx.Done and exit promptly.
func (s *Serializer) TryAcquireForScheduled(ctx context.Context) (handle *Handle, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, false
	}
	s.held = true
	s.active = PriorityScheduled
	scheduledCtx, cancel := context.WithCancel(ctx)
	s.scheduledStop = cancel
	return s.newHandle(scheduledCtx), true
}

func (s *Serializer) newHandle(ctx context.Context) *Handle {
	return &Handle{
		Ctx: ctx,
		release: func() {
			s.mu.Lock()
			s.held = false
			s.scheduledStop = nil
			s.mu.Unlock()
			select {
			case s.freed <- struct{}{}:
			default:
			}
		},
	}
}

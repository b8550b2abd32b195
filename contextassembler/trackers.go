package contextassembler

import "sync"

// InjectedMemoryTracker is a process-wide, per-session set of long-term
// memory entry ids already surfaced this session (spec §4.6 step 3). It
// resets only on process restart — intentional, since the model's own
// context is fresh then too.
type InjectedMemoryTracker struct {
	mu      sync.Mutex
	surfaced map[string]map[string]struct{}
}

// NewInjectedMemoryTracker constructs an empty tracker.
func NewInjectedMemoryTracker() *InjectedMemoryTracker {
	return &InjectedMemoryTracker{surfaced: make(map[string]map[string]struct{})}
}

// MarkSurfaced reports whether entryID has not yet been surfaced for
// sessionID, recording it as surfaced if so. Call once per candidate entry
// per assembly pass; a false return means the entry should be skipped.
func (t *InjectedMemoryTracker) MarkSurfaced(sessionID, entryID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.surfaced[sessionID]
	if !ok {
		set = make(map[string]struct{})
		t.surfaced[sessionID] = set
	}
	if _, already := set[entryID]; already {
		return false
	}
	set[entryID] = struct{}{}
	return true
}

// SkillIndexTracker is a process-wide set of sessions that have already
// received the skill index message, so it is injected at most once per
// session (spec §4.6 step 6).
type SkillIndexTracker struct {
	mu       sync.Mutex
	injected map[string]struct{}
}

// NewSkillIndexTracker constructs an empty tracker.
func NewSkillIndexTracker() *SkillIndexTracker {
	return &SkillIndexTracker{injected: make(map[string]struct{})}
}

// ShouldInject reports whether the skill index has not yet been injected for
// sessionID, marking it injected if so.
func (t *SkillIndexTracker) ShouldInject(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.injected[sessionID]; ok {
		return false
	}
	t.injected[sessionID] = struct{}{}
	return true
}

// Package memtest provides non-durable, in-memory reference implementations
// of every memory package contract, for use by context assembler and
// orchestrator tests. These are explicitly not a production persistence
// layer (out of scope per spec §1).
package memtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarimerLLC/rockbot/memory"
)

// ConversationMemory is an in-memory ConversationMemory keyed by session id.
type ConversationMemory struct {
	mu    sync.Mutex
	turns map[string][]memory.ConversationTurn
}

func NewConversationMemory() *ConversationMemory {
	return &ConversationMemory{turns: make(map[string][]memory.ConversationTurn)}
}

func (c *ConversationMemory) AddTurn(_ context.Context, sessionID string, turn memory.ConversationTurn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[sessionID] = append(c.turns[sessionID], turn)
	return nil
}

func (c *ConversationMemory) GetTurns(_ context.Context, sessionID string) ([]memory.ConversationTurn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memory.ConversationTurn, len(c.turns[sessionID]))
	copy(out, c.turns[sessionID])
	return out, nil
}

// LongTermMemory is an in-memory LongTermMemory with BM25 search.
type LongTermMemory struct {
	mu      sync.Mutex
	entries map[string]memory.MemoryEntry
}

func NewLongTermMemory() *LongTermMemory {
	return &LongTermMemory{entries: make(map[string]memory.MemoryEntry)}
}

func (l *LongTermMemory) Save(_ context.Context, entry memory.MemoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.ID] = entry
	return nil
}

func (l *LongTermMemory) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
	return nil
}

func (l *LongTermMemory) Search(_ context.Context, criteria memory.SearchCriteria) ([]memory.ScoredEntry, error) {
	l.mu.Lock()
	var candidates []memory.MemoryEntry
	for _, e := range l.entries {
		if criteria.Category != "" && e.Category != criteria.Category {
			continue
		}
		if len(criteria.Tags) > 0 && !hasAnyTag(e.Tags, criteria.Tags) {
			continue
		}
		candidates = append(candidates, e)
	}
	l.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })

	var scored []memory.ScoredEntry
	if criteria.Query == "" {
		for _, e := range candidates {
			scored = append(scored, memory.ScoredEntry{Entry: e})
		}
	} else {
		scored = memory.BM25Rank(candidates, criteria.Query)
	}

	if criteria.MaxResults > 0 && len(scored) > criteria.MaxResults {
		scored = scored[:criteria.MaxResults]
	}
	return scored, nil
}

func hasAnyTag(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

// WorkingMemory is an in-memory WorkingMemory enforcing a per-namespace
// entry cap with oldest-first eviction.
type WorkingMemory struct {
	mu           sync.Mutex
	entries      map[string]memory.WorkingMemoryEntry
	namespaceCap int
}

// NewWorkingMemory constructs a WorkingMemory evicting the oldest entry in a
// namespace once it holds more than namespaceCap entries. A cap <= 0 means
// unbounded.
func NewWorkingMemory(namespaceCap int) *WorkingMemory {
	return &WorkingMemory{entries: make(map[string]memory.WorkingMemoryEntry), namespaceCap: namespaceCap}
}

func (w *WorkingMemory) Set(_ context.Context, key, value string, ttl time.Duration, category string, tags []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	entry := memory.WorkingMemoryEntry{
		Key:      key,
		Value:    value,
		StoredAt: now,
		Category: category,
		Tags:     tags,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	w.entries[key] = entry
	w.evictIfOverCap(memory.Namespace(key))
	return nil
}

func (w *WorkingMemory) evictIfOverCap(namespace string) {
	if w.namespaceCap <= 0 {
		return
	}
	var inNamespace []memory.WorkingMemoryEntry
	for _, e := range w.entries {
		if memory.Namespace(e.Key) == namespace {
			inNamespace = append(inNamespace, e)
		}
	}
	if len(inNamespace) <= w.namespaceCap {
		return
	}
	sort.Slice(inNamespace, func(i, j int) bool { return inNamespace[i].StoredAt.Before(inNamespace[j].StoredAt) })
	for _, e := range inNamespace[:len(inNamespace)-w.namespaceCap] {
		delete(w.entries, e.Key)
	}
}

func (w *WorkingMemory) Get(_ context.Context, key string) (memory.WorkingMemoryEntry, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok || w.expired(e) {
		return memory.WorkingMemoryEntry{}, false, nil
	}
	return e, true, nil
}

func (w *WorkingMemory) List(_ context.Context, prefix string) ([]memory.WorkingMemoryEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []memory.WorkingMemoryEntry
	for _, e := range w.entries {
		if w.expired(e) {
			continue
		}
		if prefix != "" && !hasPrefix(e.Key, prefix) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (w *WorkingMemory) Search(_ context.Context, criteria memory.SearchCriteria, prefix string) ([]memory.ScoredEntry, error) {
	w.mu.Lock()
	var candidates []memory.MemoryEntry
	for _, e := range w.entries {
		if w.expired(e) {
			continue
		}
		if prefix != "" && !hasPrefix(e.Key, prefix) {
			continue
		}
		if criteria.Category != "" && e.Category != criteria.Category {
			continue
		}
		candidates = append(candidates, memory.MemoryEntry{ID: e.Key, Content: e.Value, Category: e.Category, Tags: e.Tags, CreatedAt: e.StoredAt})
	}
	w.mu.Unlock()

	var scored []memory.ScoredEntry
	if criteria.Query == "" {
		for _, e := range candidates {
			scored = append(scored, memory.ScoredEntry{Entry: e})
		}
	} else {
		scored = memory.BM25Rank(candidates, criteria.Query)
	}
	if criteria.MaxResults > 0 && len(scored) > criteria.MaxResults {
		scored = scored[:criteria.MaxResults]
	}
	return scored, nil
}

func (w *WorkingMemory) Delete(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
	return nil
}

func (w *WorkingMemory) now() time.Time { return time.Now().UTC() }

func (w *WorkingMemory) expired(e memory.WorkingMemoryEntry) bool {
	return !e.ExpiresAt.IsZero() && w.now().After(e.ExpiresAt)
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

// SkillStore is an in-memory SkillStore.
type SkillStore struct {
	mu     sync.Mutex
	skills map[string]memory.Skill
}

func NewSkillStore() *SkillStore { return &SkillStore{skills: make(map[string]memory.Skill)} }

func (s *SkillStore) Get(_ context.Context, name string) (memory.Skill, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.skills[name]
	return sk, ok, nil
}

func (s *SkillStore) Save(_ context.Context, skill memory.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[skill.Name] = skill
	return nil
}

func (s *SkillStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.skills, name)
	return nil
}

func (s *SkillStore) List(_ context.Context) ([]memory.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RulesStore is an in-memory RulesStore preserving append order.
type RulesStore struct {
	mu    sync.Mutex
	rules []string
}

func NewRulesStore() *RulesStore { return &RulesStore{} }

func (r *RulesStore) Append(_ context.Context, rule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

func (r *RulesStore) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.rules))
	copy(out, r.rules)
	return out, nil
}

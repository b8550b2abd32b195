// Package memory defines RockBot's memory and skills contracts (spec §4.5):
// abstract interfaces the context assembler and orchestrator consume, with no
// opinion on backing storage. Reference in-memory implementations suitable
// for tests live in the memtest subpackage.
package memory

import (
	"context"
	"time"
)

// Role identifies who produced a ConversationTurn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ConversationTurn is one message in a session's history.
type ConversationTurn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// ConversationMemory stores per-session turn history. Bounded replay (how
// many turns a caller retains for LLM context) is the caller's concern; the
// store itself does not truncate on read.
type ConversationMemory interface {
	AddTurn(ctx context.Context, sessionID string, turn ConversationTurn) error
	GetTurns(ctx context.Context, sessionID string) ([]ConversationTurn, error)
}

// MemoryEntry is a long-term memory record. ID is a stable opaque string;
// Category is a slash-separated hierarchical path.
type MemoryEntry struct {
	ID        string
	Content   string
	Category  string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// SearchCriteria filters and bounds a LongTermMemory.Search call.
type SearchCriteria struct {
	Query      string
	Category   string
	Tags       []string
	MaxResults int
}

// ScoredEntry pairs a MemoryEntry with its BM25 rank for a given search.
type ScoredEntry struct {
	Entry MemoryEntry
	Score float64
}

// LongTermMemory stores durable, searchable memory entries. Search ranks
// with BM25 over content + tags + category tokens (see bm25.go).
type LongTermMemory interface {
	Save(ctx context.Context, entry MemoryEntry) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, criteria SearchCriteria) ([]ScoredEntry, error)
}

// WorkingMemoryEntry is a namespaced, possibly-expiring key/value record.
// Key is a full path; its first two '/'-separated segments form the
// namespace (e.g. "session/abc123", "patrol/nightly", "subagent/xyz").
type WorkingMemoryEntry struct {
	Key       string
	Value     string
	StoredAt  time.Time
	ExpiresAt time.Time
	Category  string
	Tags      []string
}

// WorkingMemory stores short-lived, namespaced scratch data. The interface
// carries no caller identity, so a store cannot tell which namespace a
// caller owns: Set accepts a key in any namespace (memtest.WorkingMemory
// makes no ownership check), and reads may cross namespaces.
type WorkingMemory interface {
	Set(ctx context.Context, key, value string, ttl time.Duration, category string, tags []string) error
	Get(ctx context.Context, key string) (WorkingMemoryEntry, bool, error)
	List(ctx context.Context, prefix string) ([]WorkingMemoryEntry, error)
	Search(ctx context.Context, criteria SearchCriteria, prefix string) ([]ScoredEntry, error)
	Delete(ctx context.Context, key string) error
}

// Skill is a reusable, named capability description authored as markdown.
type Skill struct {
	Name       string
	Summary    string
	Content    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt time.Time
}

// SkillStore persists skills, keyed by their lowercase hyphenated name
// (optionally with a '/'-separated category prefix).
type SkillStore interface {
	Get(ctx context.Context, name string) (Skill, bool, error)
	Save(ctx context.Context, skill Skill) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Skill, error)
}

// RulesStore holds an ordered list of permanent behavioral rules, appended
// to by tool calls and consulted every turn.
type RulesStore interface {
	Append(ctx context.Context, rule string) error
	List(ctx context.Context) ([]string, error)
}

// Namespace returns the namespace a working-memory key belongs to: its
// first two '/'-separated segments.
func Namespace(key string) string {
	first := -1
	second := -1
	count := 0
	for i, c := range key {
		if c == '/' {
			count++
			if count == 1 {
				first = i
			} else if count == 2 {
				second = i
				break
			}
		}
	}
	switch {
	case second >= 0:
		return key[:second]
	case first >= 0:
		return key
	default:
		return key
	}
}

// Package contextassembler composes the per-turn chat-message list the
// orchestrator sends to the model (spec §4.6): system prompt, conversation
// history, recalled long-term memory, working-memory inventory, patrol
// findings, skill index, and a one-time session-start briefing.
package contextassembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarimerLLC/rockbot/memory"
)

// DefaultHistoryTurns is the default number of trailing conversation turns
// injected into context (spec §4.6 step 2).
const DefaultHistoryTurns = 20

// DefaultLongTermMaxResults bounds BM25 recall (spec §4.6 step 3).
const DefaultLongTermMaxResults = 8

// DefaultRecentFallback bounds the first-turn recency fallback when BM25
// finds nothing (spec §4.6 step 3).
const DefaultRecentFallback = 5

// ChatMessage is one entry in the assembled context, ready to hand to a
// model client.
type ChatMessage struct {
	Role    memory.Role
	Content string
}

// AgentProfile supplies the static prompt material loaded once at startup
// (spec §3's AgentProfile data model).
type AgentProfile struct {
	Soul               string
	Directives         string
	Style              string
	MemoryRules        string
	SessionBriefing     string
	ModelAdditionalText func(modelID string) string
}

// SessionKind distinguishes a user-facing session from patrol/subagent work,
// which changes which working-memory prefixes get injected (spec §4.6
// steps 4-5).
type SessionKind int

const (
	SessionUser SessionKind = iota
	SessionPatrol
	SessionSubagent
)

// Request describes one turn to assemble context for.
type Request struct {
	SessionID     string
	UserMessage   string
	Namespace     string
	Kind          SessionKind
	ModelID       string
	FirstTurn     bool
	// PreToolLoopPrompt is the selected ModelBehavior's optional
	// model-specific addition inserted into the system prompt ahead of the
	// tool-calling loop (spec §4.6 step 1).
	PreToolLoopPrompt string
}

// Assembler builds the context message list for a turn.
type Assembler struct {
	conversation memory.ConversationMemory
	longTerm     memory.LongTermMemory
	working      memory.WorkingMemory
	skills       memory.SkillStore
	rules        memory.RulesStore
	profile      AgentProfile

	historyTurns        int
	longTermMaxResults  int
	recentFallbackLimit int

	injectedMemory *InjectedMemoryTracker
	skillIndex     *SkillIndexTracker
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithHistoryTurns(n int) Option        { return func(a *Assembler) { a.historyTurns = n } }
func WithLongTermMaxResults(n int) Option  { return func(a *Assembler) { a.longTermMaxResults = n } }
func WithRecentFallbackLimit(n int) Option { return func(a *Assembler) { a.recentFallbackLimit = n } }

// New constructs an Assembler. Both trackers are process-wide and shared
// across every Assembler instance constructed with the same tracker
// arguments; callers typically construct one pair at process startup and
// pass it to every agent's assembler.
func New(
	conversation memory.ConversationMemory,
	longTerm memory.LongTermMemory,
	working memory.WorkingMemory,
	skills memory.SkillStore,
	rules memory.RulesStore,
	profile AgentProfile,
	injectedMemory *InjectedMemoryTracker,
	skillIndex *SkillIndexTracker,
	opts ...Option,
) *Assembler {
	a := &Assembler{
		conversation:        conversation,
		longTerm:            longTerm,
		working:             working,
		skills:              skills,
		rules:               rules,
		profile:             profile,
		historyTurns:        DefaultHistoryTurns,
		longTermMaxResults:  DefaultLongTermMaxResults,
		recentFallbackLimit: DefaultRecentFallback,
		injectedMemory:      injectedMemory,
		skillIndex:          skillIndex,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble produces the ordered chat-message list for req.
func (a *Assembler) Assemble(ctx context.Context, req Request) ([]ChatMessage, error) {
	var messages []ChatMessage

	systemPrompt, err := a.systemPrompt(ctx, req)
	if err != nil {
		return nil, err
	}
	messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: systemPrompt})

	history, err := a.history(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, history...)

	recalled, err := a.recallLongTerm(ctx, req)
	if err != nil {
		return nil, err
	}
	if recalled != "" {
		messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: recalled})
	}

	inventory, err := a.workingMemoryInventory(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	if inventory != "" {
		messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: inventory})
	}

	if req.Kind == SessionUser {
		patrol, err := a.patrolFindings(ctx)
		if err != nil {
			return nil, err
		}
		if patrol != "" {
			messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: patrol})
		}
	}

	if a.skillIndex.ShouldInject(req.SessionID) {
		index, err := a.skillIndexMessage(ctx)
		if err != nil {
			return nil, err
		}
		if index != "" {
			messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: index})
		}
	}

	if req.FirstTurn && a.profile.SessionBriefing != "" {
		messages = append(messages, ChatMessage{Role: memory.RoleSystem, Content: a.profile.SessionBriefing})
	}

	return messages, nil
}

// systemPrompt composes the agent-profile prompt, active rules, and
// model-specific additions (spec §4.6 step 1).
func (a *Assembler) systemPrompt(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	b.WriteString(a.profile.Soul)
	if a.profile.Directives != "" {
		b.WriteString("\n\n")
		b.WriteString(a.profile.Directives)
	}
	if a.profile.Style != "" {
		b.WriteString("\n\n")
		b.WriteString(a.profile.Style)
	}

	if a.rules != nil {
		rules, err := a.rules.List(ctx)
		if err != nil {
			return "", fmt.Errorf("contextassembler: list rules: %w", err)
		}
		if len(rules) > 0 {
			b.WriteString("\n\nActive rules:\n")
			for _, r := range rules {
				b.WriteString("- ")
				b.WriteString(r)
				b.WriteString("\n")
			}
		}
	}

	if req.PreToolLoopPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(req.PreToolLoopPrompt)
	}

	if a.profile.ModelAdditionalText != nil {
		if extra := a.profile.ModelAdditionalText(req.ModelID); extra != "" {
			b.WriteString("\n\n")
			b.WriteString(extra)
		}
	}

	return b.String(), nil
}

func (a *Assembler) history(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	if a.conversation == nil {
		return nil, nil
	}
	turns, err := a.conversation.GetTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: get turns: %w", err)
	}
	if len(turns) > a.historyTurns {
		turns = turns[len(turns)-a.historyTurns:]
	}
	messages := make([]ChatMessage, len(turns))
	for i, t := range turns {
		messages[i] = ChatMessage{Role: t.Role, Content: t.Content}
	}
	return messages, nil
}

// recallLongTerm runs BM25 search, falls back to recent entries on a
// first-turn miss, and filters already-surfaced entries via the
// InjectedMemoryTracker (spec §4.6 step 3).
func (a *Assembler) recallLongTerm(ctx context.Context, req Request) (string, error) {
	if a.longTerm == nil {
		return "", nil
	}

	results, err := a.longTerm.Search(ctx, memory.SearchCriteria{Query: req.UserMessage, MaxResults: a.longTermMaxResults})
	if err != nil {
		return "", fmt.Errorf("contextassembler: search long-term memory: %w", err)
	}

	if len(results) == 0 && req.FirstTurn {
		results, err = a.longTerm.Search(ctx, memory.SearchCriteria{MaxResults: a.recentFallbackLimit})
		if err != nil {
			return "", fmt.Errorf("contextassembler: recent fallback search: %w", err)
		}
	}

	var fresh []memory.MemoryEntry
	for _, r := range results {
		if a.injectedMemory.MarkSurfaced(req.SessionID, r.Entry.ID) {
			fresh = append(fresh, r.Entry)
		}
	}
	if len(fresh) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Recalled from long-term memory: ")
	for i, e := range fresh {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(e.Content)
	}
	return b.String(), nil
}

// workingMemoryInventory lists keys/expiries (never contents) for the
// caller's own namespace (spec §4.6 step 4).
func (a *Assembler) workingMemoryInventory(ctx context.Context, namespace string) (string, error) {
	if a.working == nil || namespace == "" {
		return "", nil
	}
	entries, err := a.working.List(ctx, namespace)
	if err != nil {
		return "", fmt.Errorf("contextassembler: list working memory: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Working memory inventory:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Key)
		if !e.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, " (expires %s)", e.ExpiresAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// patrolFindings lists entries under the "patrol/" prefix for user sessions
// (spec §4.6 step 5).
func (a *Assembler) patrolFindings(ctx context.Context) (string, error) {
	if a.working == nil {
		return "", nil
	}
	entries, err := a.working.List(ctx, "patrol/")
	if err != nil {
		return "", fmt.Errorf("contextassembler: list patrol findings: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Patrol findings:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Key)
		b.WriteString(": ")
		b.WriteString(e.Value)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// skillIndexMessage renders every known skill's name, summary, and age.
func (a *Assembler) skillIndexMessage(ctx context.Context) (string, error) {
	if a.skills == nil {
		return "", nil
	}
	skills, err := a.skills.List(ctx)
	if err != nil {
		return "", fmt.Errorf("contextassembler: list skills: %w", err)
	}
	if len(skills) == 0 {
		return "", nil
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	now := time.Now().UTC()
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, s := range skills {
		age := now.Sub(s.CreatedAt).Round(time.Hour)
		fmt.Fprintf(&b, "- %s: %s (age %s)\n", s.Name, s.Summary, age)
	}
	return b.String(), nil
}

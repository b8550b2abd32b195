package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScheduledTaskResultMode controls how a scheduled-work run's output is
// folded back into conversation history.
type ScheduledTaskResultMode string

const (
	Summarize            ScheduledTaskResultMode = "summarize"
	VerbatimOutput        ScheduledTaskResultMode = "verbatim_output"
	SummarizeWithOutput   ScheduledTaskResultMode = "summarize_with_output"
)

// ModelBehavior holds per-model-id overrides to otherwise-default
// orchestrator behavior (spec §4.8 "Model-specific behaviors").
type ModelBehavior struct {
	AdditionalSystemPrompt      string
	PreToolLoopPrompt           string
	NudgeOnHallucinatedToolCalls bool
	// SetupPhrases overrides DefaultHallucinatedSetupPhrases for this model
	// prefix; empty means use the default list.
	SetupPhrases                []string
	MaxToolIterationsOverride   int // 0 means "use the orchestrator default"
	ScheduledTaskResultMode     ScheduledTaskResultMode
	ToolResultChunkingThreshold int // 0 means "use the tool package default"
}

// ModelBehaviorSet resolves a model id to its ModelBehavior by longest
// matching prefix, with filesystem overrides layered on top of inline
// defaults. Prefixes are matched case-sensitively against the model id as
// configured (e.g. "claude-", "gpt-4o").
type ModelBehaviorSet struct {
	byPrefix map[string]ModelBehavior
	dataDir  string // base directory holding model-behaviors/<prefix>/<file>.md, if any
}

// NewModelBehaviorSet constructs a set with no prefixes registered; Select
// always returns the zero-value ModelBehavior until prefixes are added.
func NewModelBehaviorSet() *ModelBehaviorSet {
	return &ModelBehaviorSet{byPrefix: make(map[string]ModelBehavior)}
}

// WithDataDir sets the data-volume root under which
// model-behaviors/<prefix>/<prompt-name>.md files may override the inline
// AdditionalSystemPrompt/PreToolLoopPrompt for a prefix.
func (s *ModelBehaviorSet) WithDataDir(dir string) *ModelBehaviorSet {
	s.dataDir = dir
	return s
}

// Register sets the inline behavior for a model-id prefix.
func (s *ModelBehaviorSet) Register(prefix string, behavior ModelBehavior) {
	s.byPrefix[prefix] = behavior
}

// Select returns the behavior for the longest prefix of modelID that has
// been registered, with any filesystem prompt overrides applied, or the
// zero-value ModelBehavior if nothing matches.
func (s *ModelBehaviorSet) Select(modelID string) ModelBehavior {
	var bestPrefix string
	var best ModelBehavior
	for prefix, behavior := range s.byPrefix {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = behavior
		}
	}
	if bestPrefix == "" {
		return ModelBehavior{}
	}
	if s.dataDir != "" {
		if text, ok := s.readPromptFile(bestPrefix, "additional-system-prompt"); ok {
			best.AdditionalSystemPrompt = text
		}
		if text, ok := s.readPromptFile(bestPrefix, "pre-tool-loop-prompt"); ok {
			best.PreToolLoopPrompt = text
		}
	}
	return best
}

func (s *ModelBehaviorSet) readPromptFile(prefix, name string) (string, bool) {
	path := filepath.Join(s.dataDir, "model-behaviors", prefix, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Prefixes returns the registered prefixes sorted longest-first, useful for
// diagnostics and for deterministic test iteration.
func (s *ModelBehaviorSet) Prefixes() []string {
	prefixes := make([]string, 0, len(s.byPrefix))
	for p := range s.byPrefix {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return prefixes
}

func (m ModelBehavior) maxIterations(fallback int) int {
	if m.MaxToolIterationsOverride > 0 {
		return m.MaxToolIterationsOverride
	}
	return fallback
}

func (m ModelBehavior) describe() string {
	return fmt.Sprintf("behavior{maxIterations=%d, nudge=%v, resultMode=%s}", m.MaxToolIterationsOverride, m.NudgeOnHallucinatedToolCalls, m.ScheduledTaskResultMode)
}

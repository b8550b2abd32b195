package mcpbridge

import "github.com/gobwas/glob"

// toolFilter applies a server's allow/deny tool-name globs. A non-empty
// allow-list wins outright over any deny-list (spec §4.10).
type toolFilter struct {
	allow []glob.Glob
	deny  []glob.Glob
}

func newToolFilter(cfg ServerConfig) toolFilter {
	return toolFilter{
		allow: compilePatterns(cfg.AllowedTools),
		deny:  compilePatterns(cfg.DeniedTools),
	}
}

func compilePatterns(patterns []string) []glob.Glob {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			// An unparsable pattern can never match; an exact string will
			// still match itself via glob.Compile's literal fallback for
			// patterns with no metacharacters, so this path is rare.
			continue
		}
		compiled = append(compiled, g)
	}
	return compiled
}

func (f toolFilter) allowed(toolName string) bool {
	if len(f.allow) > 0 {
		return matchesAny(f.allow, toolName)
	}
	return !matchesAny(f.deny, toolName)
}

func matchesAny(patterns []glob.Glob, name string) bool {
	for _, g := range patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

package orchestrator

import (
	"regexp"
	"strings"
)

// TextToolCall is a tool invocation recovered from a model's free-form text
// rather than its native function-calling channel (spec §4.8, testable
// property 6: "the text-based tool-call parser... brace-depth is balanced").
type TextToolCall struct {
	ToolName  string
	Arguments string
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

var namedCallPattern = regexp.MustCompile(`(?mi)^\s*tool_call_name\s*:\s*(\S+)\s*$`)
var namedArgsPattern = regexp.MustCompile(`(?mi)^\s*tool_call_arguments\s*:\s*(.*)$`)

// ParseTextToolCalls recognizes two text-based tool-call formats in content:
//
//  1. explicit "tool_call_name: X" / "tool_call_arguments: {...}" line pairs;
//  2. a bare line consisting of a recognized tool name, optionally followed
//     by a balanced-brace JSON object (possibly inside a markdown fence).
//
// Unrecognized bare words are left as ordinary text. knownTools restricts
// format 2 to names the registry actually has, so prose that happens to
// mention a tool's name in passing is not misread as an invocation.
func ParseTextToolCalls(content string, knownTools []string) []TextToolCall {
	var calls []TextToolCall

	if m := namedCallPattern.FindStringSubmatch(content); m != nil {
		name := m[1]
		args := "{}"
		if am := namedArgsPattern.FindStringSubmatch(content); am != nil {
			args = strings.TrimSpace(am[1])
			if fb := fencedBlockPattern.FindStringSubmatch(args); fb != nil {
				args = fb[1]
			}
		}
		return append(calls, TextToolCall{ToolName: name, Arguments: args})
	}

	known := make(map[string]struct{}, len(knownTools))
	for _, n := range knownTools {
		known[n] = struct{}{}
	}

	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		word := strings.TrimSpace(lines[i])
		if _, ok := known[word]; !ok || word == "" {
			continue
		}
		rest := strings.Join(lines[i+1:], "\n")
		rest = strings.TrimLeft(rest, "\n\t ")
		if fb := fencedBlockPattern.FindStringSubmatch(rest); fb != nil {
			calls = append(calls, TextToolCall{ToolName: word, Arguments: fb[1]})
			continue
		}
		if obj, ok := extractBalancedObject(rest); ok {
			calls = append(calls, TextToolCall{ToolName: word, Arguments: obj})
			continue
		}
		calls = append(calls, TextToolCall{ToolName: word, Arguments: "{}"})
	}

	return calls
}

// extractBalancedObject scans s for a leading JSON object, tracking brace
// depth (and skipping over braces inside string literals) so that nested
// objects and braces embedded in string values don't terminate the match
// early.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal; braces here don't affect depth
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// StripLeadingToolCallText removes a matched text-based tool call from
// content, returning whatever free-form text preceded it so it can still be
// recorded as an assistant message rather than silently discarded.
func StripLeadingToolCallText(content string, call TextToolCall) string {
	if idx := namedCallPattern.FindStringIndex(content); idx != nil {
		return strings.TrimSpace(content[:idx[0]])
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == call.ToolName {
			return strings.TrimSpace(strings.Join(lines[:i], "\n"))
		}
	}
	return strings.TrimSpace(content)
}

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTextToolCallsNamedFormat(t *testing.T) {
	content := "tool_call_name: search_web\ntool_call_arguments: {\"query\": \"rockbot\"}"
	calls := ParseTextToolCalls(content, []string{"search_web"})
	require.Len(t, calls, 1)
	assert.Equal(t, "search_web", calls[0].ToolName)
	assert.Equal(t, `{"query": "rockbot"}`, calls[0].Arguments)
}

func TestParseTextToolCallsBareNameWithFencedJSON(t *testing.T) {
	content := "Let me check that.\n\nsearch_web\n```json\n{\"query\": \"weather\"}\n```"
	calls := ParseTextToolCalls(content, []string{"search_web"})
	require.Len(t, calls, 1)
	assert.Equal(t, "search_web", calls[0].ToolName)
	assert.JSONEq(t, `{"query": "weather"}`, calls[0].Arguments)
}

func TestParseTextToolCallsBareNameWithNestedBraces(t *testing.T) {
	content := "search_web\n{\"query\": \"a {nested} value\", \"opts\": {\"depth\": 1}}"
	calls := ParseTextToolCalls(content, []string{"search_web"})
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"query": "a {nested} value", "opts": {"depth": 1}}`, calls[0].Arguments)
}

func TestParseTextToolCallsIgnoresUnknownWord(t *testing.T) {
	content := "not_a_tool\n{\"x\": 1}"
	calls := ParseTextToolCalls(content, []string{"search_web"})
	assert.Empty(t, calls)
}

func TestParseTextToolCallsNoMatchReturnsEmpty(t *testing.T) {
	calls := ParseTextToolCalls("just a normal reply, nothing to see here", []string{"search_web"})
	assert.Empty(t, calls)
}

func TestStripLeadingToolCallTextPreservesPreamble(t *testing.T) {
	content := "Sure, I will check.\n\nsearch_web\n{\"query\": \"x\"}"
	calls := ParseTextToolCalls(content, []string{"search_web"})
	require.Len(t, calls, 1)
	assert.Equal(t, "Sure, I will check.", StripLeadingToolCallText(content, calls[0]))
}

func TestExtractBalancedObjectHandlesEscapedQuotes(t *testing.T) {
	obj, ok := extractBalancedObject(`{"note": "she said \"hi\""}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"note": "she said \"hi\""}`, obj)
}

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelBehaviorSetSelectsLongestPrefix(t *testing.T) {
	s := NewModelBehaviorSet()
	s.Register("claude-", ModelBehavior{MaxToolIterationsOverride: 3})
	s.Register("claude-opus-", ModelBehavior{MaxToolIterationsOverride: 7})

	assert.Equal(t, 7, s.Select("claude-opus-4").MaxToolIterationsOverride)
	assert.Equal(t, 3, s.Select("claude-haiku").MaxToolIterationsOverride)
	assert.Equal(t, 0, s.Select("gpt-4o").MaxToolIterationsOverride)
}

func TestModelBehaviorMaxIterationsFallsBackWhenUnset(t *testing.T) {
	b := ModelBehavior{}
	assert.Equal(t, 5, b.maxIterations(5))

	b.MaxToolIterationsOverride = 2
	assert.Equal(t, 2, b.maxIterations(5))
}

func TestModelBehaviorSetPrefixesSortedLongestFirst(t *testing.T) {
	s := NewModelBehaviorSet()
	s.Register("claude-", ModelBehavior{})
	s.Register("claude-opus-", ModelBehavior{})
	s.Register("gpt-", ModelBehavior{})

	prefixes := s.Prefixes()
	assert.Equal(t, "claude-opus-", prefixes[0])
}

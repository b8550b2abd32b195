package contextassembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjectedMemoryTrackerMarksOncePerSession(t *testing.T) {
	tr := NewInjectedMemoryTracker()

	assert.True(t, tr.MarkSurfaced("s1", "m1"))
	assert.False(t, tr.MarkSurfaced("s1", "m1"))
	assert.True(t, tr.MarkSurfaced("s2", "m1"))
}

func TestSkillIndexTrackerOncePerSession(t *testing.T) {
	tr := NewSkillIndexTracker()

	assert.True(t, tr.ShouldInject("s1"))
	assert.False(t, tr.ShouldInject("s1"))
	assert.True(t, tr.ShouldInject("s2"))
}

package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserve_DetectsDuplicate(t *testing.T) {
	w := NewWindow(8)
	assert.False(t, w.Observe("a"))
	assert.True(t, w.Observe("a"))
	assert.False(t, w.Observe("b"))
	assert.Equal(t, 2, w.Len())
}

func TestObserve_EmptyIDNeverTracked(t *testing.T) {
	w := NewWindow(8)
	assert.False(t, w.Observe(""))
	assert.False(t, w.Observe(""))
	assert.Zero(t, w.Len())
}

// Filling past capacity evicts the oldest id, which is then treated as new
// again.
func TestObserve_EvictsOldestAtCapacity(t *testing.T) {
	w := NewWindow(3)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, w.Observe(id))
	}
	assert.False(t, w.Observe("d")) // evicts "a"
	assert.Equal(t, 3, w.Len())

	assert.False(t, w.Observe("a"), "evicted id is new again")
	assert.True(t, w.Observe("c"))
}

func TestObserve_BoundedUnderChurn(t *testing.T) {
	w := NewWindow(16)
	for i := 0; i < 1000; i++ {
		w.Observe(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, 16, w.Len())
}

func TestNewWindow_DefaultsInvalidCapacity(t *testing.T) {
	w := NewWindow(0)
	for i := 0; i < DefaultCapacity; i++ {
		assert.False(t, w.Observe(fmt.Sprintf("id-%d", i)))
	}
	assert.Equal(t, DefaultCapacity, w.Len())
	assert.True(t, w.Observe("id-0"))
}

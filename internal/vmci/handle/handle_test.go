package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEqualAndInvalid(t *testing.T) {
	h := New(3, 7)
	assert.True(t, h.Equal(Handle{Context: 3, Resource: 7}))
	assert.False(t, h.Equal(Invalid))
	assert.True(t, Invalid.IsInvalid())
	assert.False(t, h.IsInvalid())
}

func TestArrayAppendHasRemove(t *testing.T) {
	a := NewArray(0)
	assert.Equal(t, 0, a.Size())

	h1, h2, h3 := New(1, 1), New(1, 2), New(1, 3)
	a.Append(h1)
	a.Append(h2)
	a.Append(h3)
	require.Equal(t, 3, a.Size())

	assert.True(t, a.Has(h2))
	assert.Equal(t, h1, a.Get(0))

	removed := a.Remove(h2)
	assert.Equal(t, h2, removed)
	assert.Equal(t, 2, a.Size())
	assert.False(t, a.Has(h2))

	missing := a.Remove(h2)
	assert.Equal(t, Invalid, missing)
}

func TestArrayRemoveDuplicatesDropsFirstOnly(t *testing.T) {
	a := NewArray(0)
	dup := New(9, 9)
	a.Append(dup)
	a.Append(dup)
	require.Equal(t, 2, a.Size())

	a.Remove(dup)
	assert.Equal(t, 1, a.Size())
	assert.True(t, a.Has(dup))
}

func TestArrayRemoveTail(t *testing.T) {
	a := NewArray(0)
	assert.Equal(t, Invalid, a.RemoveTail())

	a.Append(New(1, 1))
	a.Append(New(1, 2))
	last := a.RemoveTail()
	assert.Equal(t, New(1, 2), last)
	assert.Equal(t, 1, a.Size())
}

func TestArrayEachAndSnapshot(t *testing.T) {
	a := NewArray(0)
	a.Append(New(1, 1))
	a.Append(New(1, 2))

	var seen []Handle
	a.Each(func(h Handle) { seen = append(seen, h) })
	assert.Equal(t, a.Snapshot(), seen)

	snap := a.Snapshot()
	snap[0] = Invalid
	assert.NotEqual(t, snap[0], a.Get(0))
}

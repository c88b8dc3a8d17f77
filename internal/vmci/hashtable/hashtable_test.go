package hashtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

func TestAddGetRelease(t *testing.T) {
	tbl := New[string]()
	h := handle.New(1, 1)

	ref, status := tbl.Add(h, "alpha", nil)
	require.Equal(t, vmcierr.OK, status)
	require.NotNil(t, ref)
	assert.Equal(t, "alpha", ref.Value())
	assert.Equal(t, h, ref.Handle())

	got, status := tbl.Get(h)
	require.Equal(t, vmcierr.OK, status)
	assert.Equal(t, "alpha", got.Value())

	assert.Equal(t, vmcierr.OK, tbl.Release(got))
}

func TestAddDuplicateEntry(t *testing.T) {
	tbl := New[string]()
	h := handle.New(2, 2)

	_, status := tbl.Add(h, "first", nil)
	require.Equal(t, vmcierr.OK, status)

	_, status = tbl.Add(h, "second", nil)
	assert.Equal(t, vmcierr.DuplicateEntry, status)
}

func TestGetNotFound(t *testing.T) {
	tbl := New[string]()
	_, status := tbl.Get(handle.New(3, 3))
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestUnlinkThenReleaseFreesExactlyOnce(t *testing.T) {
	tbl := New[string]()
	h := handle.New(4, 4)

	freed := 0
	ref, status := tbl.Add(h, "value", func(string) { freed++ })
	require.Equal(t, vmcierr.OK, status)

	got, status := tbl.Get(h)
	require.Equal(t, vmcierr.OK, status)

	value, status := tbl.Unlink(h)
	assert.Equal(t, vmcierr.OK, status)
	assert.Equal(t, "value", value)
	assert.Equal(t, 0, freed, "entry should not free while a Get-derived ref is outstanding")

	_, status = tbl.Get(h)
	assert.Equal(t, vmcierr.NotFound, status, "unlinked entries are invisible to Get")

	status = tbl.Release(got)
	assert.Equal(t, vmcierr.EntryDead, status)
	assert.Equal(t, 1, freed)

	_ = ref
}

func TestUnlinkAlonePropagatesEntryDeadWhenLastRef(t *testing.T) {
	tbl := New[string]()
	h := handle.New(5, 5)

	freed := 0
	_, status := tbl.Add(h, "value", func(string) { freed++ })
	require.Equal(t, vmcierr.OK, status)

	_, status = tbl.Unlink(h)
	assert.Equal(t, vmcierr.EntryDead, status)
	assert.Equal(t, 1, freed)
}

func TestUnlinkNotFound(t *testing.T) {
	tbl := New[string]()
	_, status := tbl.Unlink(handle.New(6, 6))
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestDuplicateEntryWhileUnlinkedButRefOutstanding(t *testing.T) {
	tbl := New[string]()
	h := handle.New(7, 7)

	_, status := tbl.Add(h, "value", nil)
	require.Equal(t, vmcierr.OK, status)

	got, status := tbl.Get(h)
	require.Equal(t, vmcierr.OK, status)

	_, status = tbl.Unlink(h)
	require.Equal(t, vmcierr.OK, status)

	_, status = tbl.Add(h, "other", nil)
	assert.Equal(t, vmcierr.DuplicateEntry, status,
		"a lingering unreleased entry still occupies its bucket")

	assert.Equal(t, vmcierr.EntryDead, tbl.Release(got))

	_, status = tbl.Add(h, "other", nil)
	assert.Equal(t, vmcierr.OK, status, "once freed the handle is reusable")
}

func TestGetPair(t *testing.T) {
	tbl := New[int]()
	ha, hb := handle.New(8, 1), handle.New(8, 2)

	tbl.Add(ha, 1, nil)
	tbl.Add(hb, 2, nil)

	ra, rb, status := tbl.GetPair(ha, hb)
	require.Equal(t, vmcierr.OK, status)
	assert.Equal(t, 1, ra.Value())
	assert.Equal(t, 2, rb.Value())

	tbl.Release(ra)
	tbl.Release(rb)
}

func TestGetPairMissingSecond(t *testing.T) {
	tbl := New[int]()
	ha := handle.New(9, 1)
	tbl.Add(ha, 1, nil)

	_, _, status := tbl.GetPair(ha, handle.New(9, 2))
	assert.Equal(t, vmcierr.NotFound, status)
}

func TestGetEntriesSkipsMissing(t *testing.T) {
	tbl := New[int]()
	h1, h2 := handle.New(10, 1), handle.New(10, 2)
	tbl.Add(h1, 1, nil)

	refs := tbl.GetEntries([]handle.Handle{h1, h2})
	require.Len(t, refs, 1)
	assert.Equal(t, 1, refs[0].Value())
}

func TestReleaseNilRefIsInvalidArgs(t *testing.T) {
	tbl := New[int]()
	assert.Equal(t, vmcierr.InvalidArgs, tbl.Release(nil))
}

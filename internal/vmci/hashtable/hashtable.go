// Package hashtable implements the fabric's refcounted Handle keyed map
// (spec §4.B): a fixed-size bucket array, internally synchronized, where
// entries are not physically removed until the release that drains their
// last reference.
package hashtable

import (
	"sync"
	"sync/atomic"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

// defaultBuckets is the fixed bucket-array size. Chosen as a modest power
// of two; the fabric never holds millions of live resources so a fixed
// table with chaining is simpler than a growable one and matches the
// "fixed-size bucket array" of spec §4.B.
const defaultBuckets = 256

// FreeFunc is invoked exactly once, outside the table lock, when the
// release that observes refcount==0 fires.
type FreeFunc[V any] func(V)

type entry[V any] struct {
	handle   handle.Handle
	value    V
	refCount int32
	// linked is false once Unlink has run; the entry is no longer visible
	// to Get, but stays physically present (so Add can still detect the
	// DUPLICATE_ENTRY case) until the zero-refcount release splices it
	// out of its bucket.
	linked bool
	free   FreeFunc[V]
}

// Ref is an opaque handle to a live reference. A Ref obtained via Get,
// GetPair or GetEntries must be paired with exactly one Release call; the
// Ref returned by Add stands for the table's own reference, which Unlink
// drops.
type Ref[V any] struct {
	e *entry[V]
}

// Value returns the entry's payload.
func (r *Ref[V]) Value() V { return r.e.value }

// Handle returns the entry's key.
func (r *Ref[V]) Handle() handle.Handle { return r.e.handle }

// Table is a refcounted Handle -> V map. The zero value is not usable;
// construct with New.
type Table[V any] struct {
	mu      sync.Mutex
	buckets [][]*entry[V]
}

// New returns an empty Table.
func New[V any]() *Table[V] {
	return &Table[V]{buckets: make([][]*entry[V], defaultBuckets)}
}

// bucketFor folds a handle into a bucket index (spec §4.B: "hash = mix(ctx) xor
// mix(res) folded to bucket count").
func bucketFor(h handle.Handle) int {
	mix := func(v uint32) uint32 {
		v ^= v >> 16
		v *= 0x7feb352d
		v ^= v >> 15
		v *= 0x846ca68b
		v ^= v >> 16
		return v
	}
	return int((mix(h.Context) ^ mix(h.Resource)) % defaultBuckets)
}

func (t *Table[V]) findLocked(h handle.Handle) (*entry[V], int, int) {
	b := bucketFor(h)
	for i, e := range t.buckets[b] {
		if e.handle == h {
			return e, b, i
		}
	}
	return nil, b, -1
}

// Add inserts value under h with an initial refcount of 1 (the table's own
// reference, dropped by the eventual Unlink+Release pair). It fails with
// DuplicateEntry if a linked-or-pending-death entry already occupies h.
func (t *Table[V]) Add(h handle.Handle, value V, free FreeFunc[V]) (*Ref[V], vmcierr.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, _, idx := t.findLocked(h); idx >= 0 {
		_ = e
		return nil, vmcierr.DuplicateEntry
	}

	e := &entry[V]{handle: h, value: value, refCount: 1, linked: true, free: free}
	b := bucketFor(h)
	t.buckets[b] = append(t.buckets[b], e)
	return &Ref[V]{e: e}, vmcierr.OK
}

// Get looks up h and, if a linked entry exists, increments its refcount
// and returns a Ref the caller must Release.
func (t *Table[V]) Get(h handle.Handle) (*Ref[V], vmcierr.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, _, idx := t.findLocked(h)
	if idx < 0 || !e.linked {
		return nil, vmcierr.NotFound
	}
	atomic.AddInt32(&e.refCount, 1)
	return &Ref[V]{e: e}, vmcierr.OK
}

// GetEntries batch-resolves many handles under a single lock acquisition,
// amortising lock cost per spec §4.B. Handles that are not found are
// simply omitted from the result.
func (t *Table[V]) GetEntries(hs []handle.Handle) []*Ref[V] {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Ref[V], 0, len(hs))
	for _, h := range hs {
		if e, _, idx := t.findLocked(h); idx >= 0 && e.linked {
			atomic.AddInt32(&e.refCount, 1)
			out = append(out, &Ref[V]{e: e})
		}
	}
	return out
}

// GetPair atomically resolves two handles under one lock acquisition
// (spec §4.C's ResourceTable.get_pair).
func (t *Table[V]) GetPair(a, b handle.Handle) (*Ref[V], *Ref[V], vmcierr.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ea, _, ia := t.findLocked(a)
	if ia < 0 || !ea.linked {
		return nil, nil, vmcierr.NotFound
	}
	eb, _, ib := t.findLocked(b)
	if ib < 0 || !eb.linked {
		return nil, nil, vmcierr.NotFound
	}
	atomic.AddInt32(&ea.refCount, 1)
	atomic.AddInt32(&eb.refCount, 1)
	return &Ref[V]{e: ea}, &Ref[V]{e: eb}, vmcierr.OK
}

// Unlink marks the entry for h as no longer reachable via Get and drops
// the table's own reference acquired by Add (spec §4.B: "remove unlinks
// from the table but does not free"). It returns NotFound if h is absent
// or already unlinked. If dropping the table's reference is itself what
// brings the count to zero (no Get-derived Ref is outstanding), the entry
// is freed immediately and EntryDead is returned; otherwise the entry
// lingers — still occupying its bucket so a concurrent Add for the same
// handle keeps failing DuplicateEntry — until whichever Ref was
// outstanding is Released.
func (t *Table[V]) Unlink(h handle.Handle) (V, vmcierr.Status) {
	t.mu.Lock()
	e, _, idx := t.findLocked(h)
	if idx < 0 || !e.linked {
		t.mu.Unlock()
		var zero V
		return zero, vmcierr.NotFound
	}
	e.linked = false
	t.mu.Unlock()

	value := e.value
	status := t.Release(&Ref[V]{e: e})
	if status == vmcierr.EntryDead {
		return value, vmcierr.EntryDead
	}
	return value, vmcierr.OK
}

// Release drops one reference on ref. If this is the reference that
// brings the count to zero, the entry is spliced out of its bucket and
// ref's free callback (if any) runs, and EntryDead is returned — to this
// caller only, exactly once, per spec §4.B/§8.
func (t *Table[V]) Release(ref *Ref[V]) vmcierr.Status {
	if ref == nil {
		return vmcierr.InvalidArgs
	}
	remaining := atomic.AddInt32(&ref.e.refCount, -1)
	if remaining > 0 {
		return vmcierr.OK
	}

	t.mu.Lock()
	_, b, idx := t.findLocked(ref.e.handle)
	if idx >= 0 && t.buckets[b][idx] == ref.e {
		t.buckets[b] = append(t.buckets[b][:idx], t.buckets[b][idx+1:]...)
	}
	t.mu.Unlock()

	if ref.e.free != nil {
		ref.e.free(ref.e.value)
	}
	return vmcierr.EntryDead
}

// ReleaseEntries releases many refs, returning the aggregate set of
// statuses in the same order. Each ref goes through Release in turn, so
// every zero-refcount splice takes the table lock separately; the batch
// is not applied under a single lock acquisition.
func (t *Table[V]) ReleaseEntries(refs []*Ref[V]) []vmcierr.Status {
	out := make([]vmcierr.Status, len(refs))
	for i, r := range refs {
		out[i] = t.Release(r)
	}
	return out
}

// Package wire defines the fabric's wire-level datagram format (spec
// §6.2): the one payload type that flows through the context queues, the
// dispatcher and the event bus's direct per-context delivery path.
package wire

import "github.com/vmci-host/fabric/internal/vmci/handle"

// HeaderSize is the encoded size of {src Handle, dst Handle, payload_size
// u64} preceding the payload bytes: 8 + 8 + 8 = 24, per spec §6.2.
const HeaderSize = 24

// MaxDgSize is the largest wire size (header + payload) a Datagram may
// have (68 KiB, spec §6.2).
const MaxDgSize = 68 * 1024

// Datagram is the fabric's sole wire payload type.
type Datagram struct {
	Src     handle.Handle
	Dst     handle.Handle
	Payload []byte
}

// Size returns the total wire size (DG_SIZE = 24 + payload_size).
func (d Datagram) Size() int { return HeaderSize + len(d.Payload) }

// Clone returns a deep copy, used whenever a datagram crosses into another
// context's queue (spec §4.H step 6: "allocate a copy").
func (d Datagram) Clone() Datagram {
	cp := make([]byte, len(d.Payload))
	copy(cp, d.Payload)
	return Datagram{Src: d.Src, Dst: d.Dst, Payload: cp}
}

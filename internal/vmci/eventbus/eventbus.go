// Package eventbus implements the fabric's in-process subscribe/publish
// mechanism (spec §4.D): a per-kind subscriber list, deliver-on-dispatch,
// with payload isolation between subscribers.
//
// CTX_REMOVED is *also* delivered directly into each notifying context's
// own datagram queue by vmcontext (so a guest reading its mailbox sees it
// without needing to poll this bus). QP_PEER_ATTACH / QP_PEER_DETACH are
// delivered only through this bus; no context queue receives them. This
// package is the host-process-local delivery path spec §6.4's
// event_subscribe/event_unsubscribe operations expose to external
// (non-context) observers, such as the control surface's event
// subscriptions.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
)

// Kind is the event-class discriminator (spec §6.3).
type Kind int32

const (
	CtxRemoved Kind = iota + 1
	QPPeerAttach
	QPPeerDetach
)

func (k Kind) topic() string {
	switch k {
	case CtxRemoved:
		return "vmci.ctx_removed"
	case QPPeerAttach:
		return "vmci.qp_peer_attach"
	case QPPeerDetach:
		return "vmci.qp_peer_detach"
	default:
		return "vmci.unknown"
	}
}

// MaxEventPayload bounds the wire-encoded size of any event payload (spec
// §6.3); large enough for the largest variant (QPPeerEvent, a Handle plus
// a uint32).
const MaxEventPayload = 256

// Payload is implemented by every concrete event variant.
type Payload interface {
	Kind() Kind
}

// CtxRemovedPayload is delivered when a context's refcount reaches zero.
type CtxRemovedPayload struct {
	ContextID uint32 `json:"context_id"`
}

func (CtxRemovedPayload) Kind() Kind { return CtxRemoved }

// QPPeerEventPayload is delivered on queue-pair attach/detach.
type QPPeerEventPayload struct {
	Handle handle.Handle `json:"handle"`
	PeerID uint32        `json:"peer_id"`
	kind   Kind
}

func (p QPPeerEventPayload) Kind() Kind { return p.kind }

// NewQPPeerAttach / NewQPPeerDetach construct the two queue-pair event
// variants (spec §6.3).
func NewQPPeerAttach(h handle.Handle, peerID uint32) QPPeerEventPayload {
	return QPPeerEventPayload{Handle: h, PeerID: peerID, kind: QPPeerAttach}
}
func NewQPPeerDetach(h handle.Handle, peerID uint32) QPPeerEventPayload {
	return QPPeerEventPayload{Handle: h, PeerID: peerID, kind: QPPeerDetach}
}

// Handler receives a deep-copied payload for each dispatched event. It
// must not re-enter the bus (spec §5 suspension point (3)).
type Handler func(Payload)

// Bus is the process-wide (per spec Design Notes §9: per-Fabric-instance)
// event bus. Construct with New; Close releases the underlying transport.
type Bus struct {
	ps *gochannel.GoChannel

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]subscription
}

type subscription struct {
	kind   Kind
	cancel context.CancelFunc
}

// New constructs a Bus. BlockPublishUntilSubscriberAck gives Dispatch the
// synchronous, totally-ordered-per-message semantics spec §4.D and §5
// require: Publish (and therefore Dispatch) does not return until every
// subscriber of that event's kind has processed it.
func New() *Bus {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            0,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	return &Bus{ps: ps, subs: make(map[uint64]subscription)}
}

// Subscribe registers cb for every event of kind, returning a subscription
// id allocated by a bounded-retry counter scan (spec §4.D).
func (b *Bus) Subscribe(kind Kind, cb Handler) (uint64, vmcierr.Status) {
	ctx, cancel := context.WithCancel(context.Background())

	msgs, err := b.ps.Subscribe(ctx, kind.topic())
	if err != nil {
		cancel()
		return 0, vmcierr.Generic
	}

	b.mu.Lock()
	var id uint64
	for i := 0; i < 10; i++ {
		b.nextID++
		id = b.nextID
		if _, exists := b.subs[id]; !exists {
			break
		}
	}
	if _, exists := b.subs[id]; exists {
		b.mu.Unlock()
		cancel()
		return 0, vmcierr.NoResources
	}
	b.subs[id] = subscription{kind: kind, cancel: cancel}
	b.mu.Unlock()

	go func() {
		for msg := range msgs {
			payload, decodeErr := decode(kind, msg.Payload)
			if decodeErr == nil {
				cb(payload)
			}
			msg.Ack()
		}
	}()

	return id, vmcierr.OK
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (b *Bus) Unsubscribe(id uint64) vmcierr.Status {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return vmcierr.NotFound
	}
	sub.cancel()
	return vmcierr.OK
}

// Dispatch validates and delivers ev to every subscriber of its kind,
// blocking until all have processed it (spec §4.D).
func (b *Bus) Dispatch(ev Payload) vmcierr.Status {
	if ev == nil || ev.Kind() < CtxRemoved || ev.Kind() > QPPeerDetach {
		return vmcierr.EventUnknown
	}

	data, err := json.Marshal(ev)
	if err != nil || len(data) > MaxEventPayload {
		return vmcierr.InvalidArgs
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.ps.Publish(ev.Kind().topic(), msg); err != nil {
		return vmcierr.Generic
	}
	return vmcierr.OK
}

func decode(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case CtxRemoved:
		var p CtxRemovedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case QPPeerAttach, QPPeerDetach:
		var p QPPeerEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	default:
		return nil, fmt.Errorf("eventbus: unknown kind %d", kind)
	}
}

// Close releases the underlying transport and all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	for id, sub := range b.subs {
		sub.cancel()
		delete(b.subs, id)
	}
	b.mu.Unlock()
	return b.ps.Close()
}

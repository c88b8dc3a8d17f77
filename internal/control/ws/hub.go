package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

// Hubber is the external API of the streaming control surface.
type Hubber interface {
	Subscribe(cid uint32, conn Connector)
	Unsubscribe(cid uint32, connID uuid.UUID)
	Shutdown()
}

// Hub owns one Cell per actively-watched context and the blocking dequeue
// loop that feeds it (spec §5 suspension point 2: "blocking datagram
// read... waits on the per-consumer wait queue with cancellation on signal
// delivery").
type Hub struct {
	contexts *vmcontext.Registry

	cells sync.Map // uint32 -> *Cell

	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
	pollInterval     time.Duration
	stopCh           chan struct{}
}

// New initializes the streaming hub against contexts and starts the
// idle-cell janitor.
func New(contexts *vmcontext.Registry, opts ...Option) *Hub {
	h := &Hub{
		contexts:         contexts,
		evictionInterval: time.Minute,
		idleTimeout:      5 * time.Minute,
		mailboxSize:      256,
		pollInterval:     20 * time.Millisecond,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.runEvictor()
	return h
}

// Subscribe attaches conn to cid's Cell, lazily creating the Cell and its
// dequeue loop on first subscriber.
func (h *Hub) Subscribe(cid uint32, conn Connector) {
	val, loaded := h.cells.LoadOrStore(cid, newCell(cid, h.mailboxSize))
	cell := val.(*Cell)
	if !loaded {
		go h.pump(cid, cell)
	}
	cell.Attach(conn)
}

// Unsubscribe detaches conn from cid's Cell.
func (h *Hub) Unsubscribe(cid uint32, connID uuid.UUID) {
	if val, ok := h.cells.Load(cid); ok {
		val.(*Cell).Detach(connID)
	}
}

// pump runs the blocking-receive consumer loop for one context, dequeueing
// until the Cell is stopped or the context itself goes away.
func (h *Hub) pump(cid uint32, cell *Cell) {
	for {
		select {
		case <-cell.doneCh:
			return
		default:
		}

		c, status := h.contexts.Get(cid)
		if status != vmcierr.OK {
			return
		}

		maxSize := wire.MaxDgSize
		dg, _, status := h.contexts.DequeueDatagram(c, &maxSize)
		if status == vmcierr.NoMem {
			// Dequeue the oversized head at its reported size and discard it.
			_, _, _ = h.contexts.DequeueDatagram(c, &maxSize)
		}
		h.contexts.Release(c)

		switch status {
		case vmcierr.OK:
			cell.push(dg)
		case vmcierr.NoMoreDatagrams:
			time.Sleep(h.pollInterval)
		case vmcierr.NoMem:
			slog.Warn("ws: datagram exceeds streaming buffer, dropped", "cid", cid, "required", maxSize)
		default:
			time.Sleep(h.pollInterval)
		}
	}
}

func (h *Hub) runEvictor() {
	ticker := time.NewTicker(h.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.performEviction()
		}
	}
}

func (h *Hub) performEviction() {
	reaped := 0
	h.cells.Range(func(key, value any) bool {
		cell := value.(*Cell)
		if cell.IsIdle(h.idleTimeout) {
			cell.Stop()
			h.cells.Delete(key)
			reaped++
		}
		return true
	})
	if reaped > 0 {
		slog.Info("ws: reclaimed idle context cells", "count", reaped)
	}
}

// Shutdown stops every cell and the janitor.
func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.cells.Range(func(key, value any) bool {
		value.(*Cell).Stop()
		return true
	})
}

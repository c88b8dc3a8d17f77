// Package ws is the fabric's streaming control-surface adapter: it exposes
// a context's datagram mailbox as a websocket stream, multiplexed to every
// attached connection the same way the original delivery registry
// multiplexed per-user events to every attached gRPC stream.
//
// Architectural concepts carried over from that registry:
//   - Virtual cells: each subscribed context gets one actor (Cell) that
//     owns the blocking dequeue loop against the fabric and fans results
//     out to every attached websocket connection for that context.
//   - Decoupling & backpressure: a per-context mailbox means one slow
//     websocket client cannot stall another client watching the same
//     context, nor the fabric's own dequeue loop.
//   - Lock-free lookup via sync.Map across contexts, fine-grained locking
//     only within a single Cell's session set.
package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vmci-host/fabric/internal/vmci/wire"
)

// Celler is the internal API for a per-context delivery actor.
type Celler interface {
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell fans datagrams dequeued from one context out to every websocket
// connection currently watching it.
type Cell struct {
	cid uint32

	mailbox chan wire.Datagram
	sessions map[uuid.UUID]Connector
	mu       sync.RWMutex

	doneCh chan struct{}

	lastActivityUnix int64
}

func newCell(cid uint32, bufferSize int) *Cell {
	c := &Cell{
		cid:              cid,
		mailbox:          make(chan wire.Datagram, bufferSize),
		sessions:         make(map[uuid.UUID]Connector),
		doneCh:           make(chan struct{}),
		lastActivityUnix: time.Now().Unix(),
	}
	go c.loop()
	return c
}

func (c *Cell) touch() {
	atomic.StoreInt64(&c.lastActivityUnix, time.Now().Unix())
}

// IsIdle reports whether the cell has no attached sessions and has been
// quiet for longer than timeout, making it eligible for reclamation.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	hasSessions := len(c.sessions) > 0
	c.mu.RUnlock()
	if hasSessions {
		return false
	}
	lastActivity := time.Unix(atomic.LoadInt64(&c.lastActivityUnix), 0)
	return time.Since(lastActivity) > timeout
}

// push enqueues a dequeued datagram for fan-out. Called by the Hub's
// per-context dequeue loop, never by a websocket handler directly.
func (c *Cell) push(dg wire.Datagram) bool {
	c.touch()
	select {
	case c.mailbox <- dg:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	c.sessions[conn.GetID()] = conn
	c.mu.Unlock()
	c.touch()
}

func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	delete(c.sessions, connID)
	isEmpty := len(c.sessions) == 0
	c.mu.Unlock()
	c.touch()
	return isEmpty
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case dg := <-c.mailbox:
			c.deliver(dg)
			for range 64 {
				select {
				case next := <-c.mailbox:
					c.deliver(next)
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

func (c *Cell) deliver(dg wire.Datagram) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.sessions {
		conn.Send(dg, 250*time.Millisecond)
	}
}

func (c *Cell) Stop() {
	close(c.doneCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.sessions {
		conn.Close()
		delete(c.sessions, id)
	}
}

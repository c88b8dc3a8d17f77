package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vmci-host/fabric/internal/vmci/wire"
)

var _ Connector = (*connect)(nil)

// Connector decouples a Cell from the concrete websocket transport.
type Connector interface {
	GetID() uuid.UUID
	Send(dg wire.Datagram, timeout time.Duration) bool
	Recv() <-chan wire.Datagram
	Close()
}

type connect struct {
	id        uuid.UUID
	cid       uint32
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh chan wire.Datagram

	closeOnce    sync.Once
	droppedCount uint64
}

var connectPool = sync.Pool{
	New: func() any { return &connect{} },
}

// newConnector returns a pooled Connector bound to a context's datagram
// stream.
func newConnector(ctx context.Context, cid uint32, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, cid, bufferSize)
	return c
}

func (c *connect) reset(ctx context.Context, cid uint32, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)
	*c = connect{
		id:        uuid.New(),
		cid:       cid,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan wire.Datagram, bufferSize),
	}
}

func (c *connect) GetID() uuid.UUID { return c.id }

// Send pushes a datagram into the connection's outbound channel, dropping
// it if the channel stays saturated for the full timeout window — a slow
// websocket write loop must never stall the Cell's fan-out to every other
// attached session.
func (c *connect) Send(dg wire.Datagram, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- dg:
		return true
	case <-ctx.Done():
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}
}

func (c *connect) Recv() <-chan wire.Datagram { return c.sendCh }

func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		if c.sendCh != nil {
			close(c.sendCh)
		}
		c.sendCh = nil
		connectPool.Put(c)
	})
}

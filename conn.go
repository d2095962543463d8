package xmqtt

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the write half of a client connection as seen by a Session.
// Send enqueues one fully framed packet; writes after Close are silently
// discarded, which resolves the race between fan-out and connection
// teardown. Close is idempotent.
type Conn interface {
	Send(p []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// transport couples the Conn write half with the framed read stream the
// packet dispatcher consumes.
type transport interface {
	Conn
	io.Reader
	ID() string
}

// netConn adapts a net.Conn (TCP) to the transport interface. Writes are
// serialized so Session.Publish may be called from any goroutine.
type netConn struct {
	id string
	c  net.Conn
	r  *bufio.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newNetConn(c net.Conn) *netConn {
	return &netConn{
		id: uuid.NewString(),
		c:  c,
		r:  bufio.NewReader(c),
	}
}

func (c *netConn) ID() string { return c.id }

func (c *netConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *netConn) Send(p []byte) error {
	if c.closed.Load() {
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if _, err := c.c.Write(p); err != nil {
		go c.Close()
		return err
	}
	return nil
}

func (c *netConn) Close() error {
	err := ErrConnClosed
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.c.Close()
	})
	return err
}

func (c *netConn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// wsConn adapts a WebSocket connection to the transport interface. Each
// MQTT packet is sent as one binary message; inbound binary messages are
// exposed as a contiguous byte stream so the same framing path serves both
// transports. Non-binary frames are skipped.
type wsConn struct {
	id string
	ws *websocket.Conn

	frame io.Reader // unread remainder of the current binary message

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id: uuid.NewString(),
		ws: ws,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.frame != nil {
			n, err := c.frame.Read(p)
			if n > 0 {
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			c.frame = nil
		}

		for {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType == websocket.BinaryMessage {
				c.frame = r
				break
			}
		}
	}
}

func (c *wsConn) Send(p []byte) error {
	if c.closed.Load() {
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		go c.Close()
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	err := ErrConnClosed
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

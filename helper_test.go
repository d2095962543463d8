package xmqtt

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Allenxuxu/Xmqtt/internal/packets"
)

// fakeConn is a Conn that records every packet sent through it.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sentPackets decodes everything sent through the conn so far.
func (c *fakeConn) sentPackets(t *testing.T) []packets.Packet {
	t.Helper()

	c.mu.Lock()
	raw := append([][]byte(nil), c.sent...)
	c.mu.Unlock()

	out := make([]packets.Packet, 0, len(raw))
	for _, p := range raw {
		pkt, err := packets.ReadPacket(bytes.NewReader(p), 0)
		if err != nil {
			t.Fatalf("decoding sent packet: %v", err)
		}
		out = append(out, pkt)
	}
	return out
}

// lastPacket returns the most recently sent packet.
func (c *fakeConn) lastPacket(t *testing.T) packets.Packet {
	t.Helper()

	sent := c.sentPackets(t)
	if len(sent) == 0 {
		t.Fatal("no packets were sent")
	}
	return sent[len(sent)-1]
}

// newBoundSession returns a session attached to a fresh tree and fakeConn,
// with the keepalive watchdog disabled.
func newBoundSession(t *testing.T, clientID string) (*Session, *fakeConn, *TopicTree) {
	t.Helper()

	tree := NewTopicTree()
	fc := &fakeConn{}
	sess := newSession(clientID, tree, nil, zerolog.Nop())
	sess.bind(fc, 0, true)
	return sess, fc, tree
}

package packets

import (
	"fmt"
	"io"
)

// DisconnectPacket represents an MQTT DISCONNECT control packet.
type DisconnectPacket struct{}

// Type returns the packet type.
func (p *DisconnectPacket) Type() uint8 {
	return DISCONNECT
}

// WriteTo writes the DISCONNECT packet to the writer.
func (p *DisconnectPacket) WriteTo(w io.Writer) (int64, error) {
	buf := [2]byte{DISCONNECT << 4, 0}
	n, err := w.Write(buf[:])
	return int64(n), err
}

// DecodeDisconnect decodes a DISCONNECT packet. In v3.1.1 DISCONNECT has no
// variable header or payload; a nonzero remaining length fails the decode so
// the dispatcher force-closes instead of shutting down gracefully.
func DecodeDisconnect(buf []byte) (*DisconnectPacket, error) {
	if len(buf) != 0 {
		return nil, fmt.Errorf("DISCONNECT packet must have zero remaining length")
	}
	return &DisconnectPacket{}, nil
}

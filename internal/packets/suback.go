package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubackPacket represents an MQTT SUBACK control packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []uint8
}

// Type returns the packet type.
func (p *SubackPacket) Type() uint8 {
	return SUBACK
}

// WriteTo writes the SUBACK packet to the writer.
func (p *SubackPacket) WriteTo(w io.Writer) (int64, error) {
	header := FixedHeader{
		PacketType:      SUBACK,
		Flags:           0,
		RemainingLength: 2 + len(p.ReturnCodes),
	}

	dst := make([]byte, 0, 5+header.RemainingLength)
	dst = header.appendBytes(dst)
	dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	dst = append(dst, p.ReturnCodes...)

	n, err := w.Write(dst)
	return int64(n), err
}

// DecodeSuback decodes a SUBACK packet from the buffer.
func DecodeSuback(buf []byte) (*SubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for SUBACK packet")
	}

	pkt := &SubackPacket{
		PacketID: binary.BigEndian.Uint16(buf[0:2]),
	}

	if len(buf) > 2 {
		pkt.ReturnCodes = make([]uint8, len(buf)-2)
		copy(pkt.ReturnCodes, buf[2:])
	}

	return pkt, nil
}

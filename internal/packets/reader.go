package packets

import (
	"fmt"
	"io"
)

// PacketDecoder is a function that decodes a packet from remaining bytes and header.
type PacketDecoder func(remaining []byte, header *FixedHeader) (Packet, error)

// packetDecoders maps packet types to their decoder functions.
var packetDecoders = map[uint8]PacketDecoder{
	CONNECT: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeConnect(remaining) },
	CONNACK: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeConnack(remaining) },
	PUBLISH: func(remaining []byte, header *FixedHeader) (Packet, error) {
		return DecodePublish(remaining, header)
	},
	PUBACK:  func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePuback(remaining) },
	PUBREC:  func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePubrec(remaining) },
	PUBREL:  func(remaining []byte, header *FixedHeader) (Packet, error) { return DecodePubrel(remaining, header) },
	PUBCOMP: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePubcomp(remaining) },
	SUBSCRIBE: func(remaining []byte, header *FixedHeader) (Packet, error) {
		return DecodeSubscribe(remaining, header)
	},
	SUBACK: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeSuback(remaining) },
	UNSUBSCRIBE: func(remaining []byte, header *FixedHeader) (Packet, error) {
		return DecodeUnsubscribe(remaining, header)
	},
	UNSUBACK:   func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeUnsuback(remaining) },
	PINGREQ:    func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePingreq(remaining) },
	PINGRESP:   func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePingresp(remaining) },
	DISCONNECT: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeDisconnect(remaining) },
}

// ReadPacket reads a complete MQTT packet from the reader.
// Any error return means the stream is no longer framed and the caller must
// close the connection; the codec itself never closes anything.
// The maxIncomingPacket parameter sets the maximum allowed packet size. If 0
// or exceeding the MQTT spec maximum (268435455 bytes), the spec maximum is used.
func ReadPacket(r io.Reader, maxIncomingPacket int) (Packet, error) {
	header, err := DecodeFixedHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fixed header: %w", err)
	}

	maxPacketSize := maxIncomingPacket
	if maxPacketSize <= 0 || maxPacketSize > MaxRemainingLength {
		maxPacketSize = MaxRemainingLength
	}
	if header.RemainingLength > maxPacketSize {
		return nil, fmt.Errorf("packet size %d exceeds maximum %d", header.RemainingLength, maxPacketSize)
	}

	var remaining []byte
	var bufPtr *[]byte

	if header.RemainingLength > 0 {
		bufPtr = GetBuffer(header.RemainingLength)
		remaining = (*bufPtr)[:header.RemainingLength]

		if _, err := io.ReadFull(r, remaining); err != nil {
			PutBuffer(bufPtr)
			return nil, fmt.Errorf("failed to read packet body: %w", err)
		}
	}

	decoder, ok := packetDecoders[header.PacketType]
	if !ok {
		if bufPtr != nil {
			PutBuffer(bufPtr)
		}
		return nil, fmt.Errorf("unknown packet type: %d", header.PacketType)
	}

	pkt, err := decoder(remaining, header)

	if bufPtr != nil {
		PutBuffer(bufPtr)
	}

	return pkt, err
}

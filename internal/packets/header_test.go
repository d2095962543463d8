package packets

import (
	"bytes"
	"testing"
)

func TestFixedHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header FixedHeader
	}{
		{"pingreq", FixedHeader{PacketType: PINGREQ, Flags: 0, RemainingLength: 0}},
		{"small publish", FixedHeader{PacketType: PUBLISH, Flags: 0x03, RemainingLength: 10}},
		{"pubrel flags", FixedHeader{PacketType: PUBREL, Flags: 0x02, RemainingLength: 2}},
		{"two byte length", FixedHeader{PacketType: PUBLISH, Flags: 0, RemainingLength: 321}},
		{"max length", FixedHeader{PacketType: PUBLISH, Flags: 0, RemainingLength: MaxRemainingLength}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := tt.header.WriteTo(&buf); err != nil {
				t.Fatalf("WriteTo() error: %v", err)
			}

			decoded, err := DecodeFixedHeader(&buf)
			if err != nil {
				t.Fatalf("DecodeFixedHeader() error: %v", err)
			}

			if *decoded != tt.header {
				t.Errorf("round trip: got %+v, want %+v", *decoded, tt.header)
			}
		})
	}
}

func TestDecodeFixedHeaderRejectsLongVarint(t *testing.T) {
	r := bytes.NewReader([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := DecodeFixedHeader(r); err == nil {
		t.Error("expected error for five-byte remaining length, got nil")
	}
}

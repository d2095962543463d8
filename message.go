package xmqtt

import (
	"time"
)

// MsgState tracks where a message sits in its QoS handshake.
type MsgState uint8

const (
	StateInvalid MsgState = iota

	// StatePublish is the terminal state of a QoS 0 delivery.
	StatePublish

	// Outbound: the broker sent a QoS>0 PUBLISH and awaits the ack.
	StateWaitPuback
	StateWaitPubrec

	// StateWaitPubrel marks an inbound QoS 2 message parked until PUBREL.
	StateWaitPubrel

	// StateWaitPubcomp marks an outbound QoS 2 delivery past PUBREC.
	StateWaitPubcomp
)

var msgStateNames = map[MsgState]string{
	StateInvalid:     "invalid",
	StatePublish:     "publish",
	StateWaitPuback:  "wait_for_puback",
	StateWaitPubrec:  "wait_for_pubrec",
	StateWaitPubrel:  "wait_for_pubrel",
	StateWaitPubcomp: "wait_for_pubcomp",
}

func (s MsgState) String() string {
	if name, ok := msgStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Message is an application message flowing through the broker.
//
// A Message is built when a PUBLISH arrives or when the broker enqueues one
// for sending, and lives in a session ledger or the retained-message store
// until its handshake terminates. Delivery to a subscriber works on a
// per-session copy (sharing the payload bytes), so MID and State are always
// owned by exactly one ledger.
type Message struct {
	QoS    uint8
	Dup    bool
	Retain bool

	// MID is the packet identifier correlating a QoS>0 message with its
	// acknowledgements. Valid in the scope of one session.
	MID uint16

	// Topic the message was published to. Non-empty for publishes.
	Topic string

	// Payload may be empty; a retained publish with an empty payload
	// clears the retained slot instead of being routed.
	Payload []byte

	// RemainingLen caches the on-wire size of the variable header plus
	// payload of the PUBLISH carrying this message.
	RemainingLen int

	Timestamp time.Time
	State     MsgState
}

// wireLen computes the remaining length of the PUBLISH frame carrying m.
func (m *Message) wireLen() int {
	n := 2 + len(m.Topic) + len(m.Payload)
	if m.QoS > 0 {
		n += 2
	}
	return n
}

// copy returns a delivery copy of m. The payload bytes are shared; they are
// never mutated after the message is built.
func (m *Message) copy() *Message {
	c := *m
	return &c
}

package xmqtt

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Allenxuxu/Xmqtt/internal/packets"
)

// Session is the per-client state machine. It exists only after a CONNECT
// succeeded, dispatches every subsequent inbound packet, runs the QoS 1 and
// QoS 2 acknowledgement handshakes, and survives disconnects of non-clean
// clients in the offline store.
//
// A Session is strongly held by its connection while connected and by the
// offline store while parked; the topic index holds only weak references.
// Publish is safe to call from any goroutine: fan-out happens on the
// publisher's goroutine, and a parked session accumulates QoS>0 messages in
// its outbound ledger until the client reconnects.
type Session struct {
	clientID string

	tree *TopicTree
	met  *metrics
	log  zerolog.Logger

	mu           sync.Mutex
	conn         Conn // nil while parked
	username     string
	password     string
	keepalive    uint16
	cleanSession bool
	will         bool
	willMsg      *Message
	topics       []string
	nextMid      uint16
	watchStop    chan struct{}

	// outbound holds QoS>0 messages sent to the client awaiting their ack;
	// inbound holds QoS 2 messages received from the client awaiting PUBREL.
	outbound *ledger
	inbound  *ledger

	lastSeen atomic.Int64 // unix nanoseconds
}

func newSession(clientID string, tree *TopicTree, met *metrics, log zerolog.Logger) *Session {
	return &Session{
		clientID: clientID,
		tree:     tree,
		met:      met,
		log:      log.With().Str("client_id", clientID).Logger(),
		outbound: newLedger(),
		inbound:  newLedger(),
	}
}

// ClientID returns the client identifier negotiated at CONNECT.
func (s *Session) ClientID() string { return s.clientID }

// CleanSession reports whether the current connection asked for a clean
// session.
func (s *Session) CleanSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanSession
}

func (s *Session) setCredentials(username, password string) {
	s.mu.Lock()
	s.username = username
	s.password = password
	s.mu.Unlock()
}

// Username returns the username captured at CONNECT, if any. Credentials
// are recorded but not verified.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// setWill installs (or clears, with nil) the will message and flag.
func (s *Session) setWill(m *Message) {
	s.mu.Lock()
	s.will = m != nil
	s.willMsg = m
	s.mu.Unlock()
}

// takeWill returns the armed will message and disarms it, or nil.
func (s *Session) takeWill() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.will {
		return nil
	}
	m := s.willMsg
	s.willMsg = nil
	return m
}

// bind attaches the session to a (new) connection, adopts the freshly
// negotiated keepalive and clean-session flag, and restarts the watchdog.
func (s *Session) bind(conn Conn, keepalive uint16, cleanSession bool) {
	s.touch()

	s.mu.Lock()
	s.conn = conn
	s.keepalive = keepalive
	s.cleanSession = cleanSession
	s.stopWatchdogLocked()
	if keepalive > 0 {
		s.startWatchdogLocked()
	}
	s.mu.Unlock()
}

// unbindIf detaches the session from conn if it is still the bound
// transport and reports whether it was. A reconnect may have rebound the
// session to a newer connection; the old connection's teardown must not
// touch it then.
func (s *Session) unbindIf(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	s.stopWatchdogLocked()
	return true
}

// currentConn returns the bound transport, or nil while parked.
func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// subscriptions returns a copy of the session's subscribed filters.
func (s *Session) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// addTopic records the filter in the session's topic list, reporting
// whether it was newly added.
func (s *Session) addTopic(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t == filter {
			return false
		}
	}
	s.topics = append(s.topics, filter)
	return true
}

func (s *Session) removeTopic(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.topics {
		if t == filter {
			s.topics = append(s.topics[:i], s.topics[i+1:]...)
			return
		}
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// allocMID hands out the next packet identifier from the session-local
// [1, 65535] cycle, skipping ids still in flight in the outbound ledger.
func (s *Session) allocMID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextMid++
		if s.nextMid == 0 {
			s.nextMid = 1
		}
		if !s.outbound.contains(s.nextMid) {
			return s.nextMid
		}
	}
}

// HandlePacket dispatches one fully framed inbound packet. A non-nil error
// means a protocol violation and the caller must force-close the connection.
func (s *Session) HandlePacket(pkt packets.Packet) error {
	s.touch()

	switch p := pkt.(type) {
	case *packets.PingreqPacket:
		return s.sendPacket(&packets.PingrespPacket{})

	case *packets.PingrespPacket:
		return nil

	case *packets.PublishPacket:
		return s.handlePublish(p)

	case *packets.PubackPacket:
		if s.outbound.take(p.PacketID) == nil {
			s.log.Debug().Uint16("mid", p.PacketID).Msg("PUBACK for unknown packet id")
		}
		return nil

	case *packets.PubrecPacket:
		return s.handlePubrec(p)

	case *packets.PubrelPacket:
		return s.handlePubrel(p)

	case *packets.PubcompPacket:
		if s.outbound.take(p.PacketID) == nil {
			s.log.Debug().Uint16("mid", p.PacketID).Msg("PUBCOMP for unknown packet id")
		}
		return nil

	case *packets.SubscribePacket:
		return s.handleSubscribe(p)

	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(p)

	case *packets.DisconnectPacket:
		return s.handleDisconnect()

	default:
		s.log.Warn().Str("type", packets.PacketNames[pkt.Type()]).Msg("unexpected packet on established session")
		return errProtocol
	}
}

// handlePublish processes an inbound PUBLISH per its QoS:
// QoS 0 routes immediately, QoS 1 acknowledges with the client's packet id
// and routes, QoS 2 parks the message until PUBREL.
func (s *Session) handlePublish(p *packets.PublishPacket) error {
	if p.QoS > packets.QoS2 {
		return errBadQoS
	}
	if err := validatePublishTopic(p.Topic); err != nil {
		return err
	}

	m := &Message{
		QoS:          p.QoS,
		Dup:          p.Dup,
		Retain:       p.Retain,
		MID:          p.PacketID,
		Topic:        p.Topic,
		Payload:      p.Payload,
		RemainingLen: p.RemainingLength(),
		Timestamp:    time.Now(),
		State:        StatePublish,
	}

	s.log.Debug().
		Str("topic", m.Topic).
		Uint8("qos", m.QoS).
		Bool("dup", m.Dup).
		Bool("retain", m.Retain).
		Uint16("mid", m.MID).
		Int("payload_len", len(m.Payload)).
		Msg("publish received")

	switch p.QoS {
	case packets.QoS0:
		s.route(m)
		return nil

	case packets.QoS1:
		if err := s.sendPacket(&packets.PubackPacket{PacketID: p.PacketID}); err != nil {
			return err
		}
		s.route(m)
		return nil

	default: // QoS 2: routing is deferred until PUBREL
		if s.inbound.contains(p.PacketID) {
			// Duplicate delivery attempt; keep the original and
			// re-acknowledge.
			return s.sendPacket(&packets.PubrecPacket{PacketID: p.PacketID})
		}
		m.State = StateWaitPubrel
		s.inbound.insert(p.PacketID, m)
		return s.sendPacket(&packets.PubrecPacket{PacketID: p.PacketID})
	}
}

// route hands a message to the topic index. A retained publish with an
// empty payload clears the retained slot and is not forwarded.
func (s *Session) route(m *Message) {
	if m.Retain && len(m.Payload) == 0 {
		s.tree.DeleteRetained(m.Topic)
		return
	}
	s.tree.Publish(m.Topic, m)
}

func (s *Session) handlePubrec(p *packets.PubrecPacket) error {
	if m := s.outbound.get(p.PacketID); m != nil {
		m.State = StateWaitPubcomp
	} else {
		s.log.Debug().Uint16("mid", p.PacketID).Msg("PUBREC for unknown packet id")
	}
	return s.sendPacket(&packets.PubrelPacket{PacketID: p.PacketID})
}

func (s *Session) handlePubrel(p *packets.PubrelPacket) error {
	if m := s.inbound.take(p.PacketID); m != nil {
		s.route(m)
	} else {
		s.log.Debug().Uint16("mid", p.PacketID).Msg("PUBREL for unknown packet id")
	}
	return s.sendPacket(&packets.PubcompPacket{PacketID: p.PacketID})
}

func (s *Session) handleSubscribe(p *packets.SubscribePacket) error {
	granted := make([]uint8, 0, len(p.Topics))

	for i, filter := range p.Topics {
		qos := p.QoS[i]
		if qos > packets.QoS2 {
			return errBadQoS
		}
		if err := validateFilter(filter); err != nil {
			return err
		}

		if s.addTopic(filter) {
			s.tree.Subscribe(filter, s)
		}
		granted = append(granted, qos)

		s.log.Info().Str("filter", filter).Uint8("qos", qos).Msg("subscribed")
	}

	return s.sendPacket(&packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: granted})
}

func (s *Session) handleUnsubscribe(p *packets.UnsubscribePacket) error {
	for _, filter := range p.Topics {
		s.tree.Unsubscribe(filter, s)
		s.removeTopic(filter)

		s.log.Info().Str("filter", filter).Msg("unsubscribed")
	}

	return s.sendPacket(&packets.UnsubackPacket{PacketID: p.PacketID})
}

// handleDisconnect performs a graceful shutdown: the will is disarmed and
// the connection closed. A DISCONNECT with a nonzero remaining length never
// reaches here; it fails framing and force-closes.
func (s *Session) handleDisconnect() error {
	s.mu.Lock()
	s.willMsg = nil
	conn := s.conn
	s.mu.Unlock()

	s.log.Info().Msg("client disconnected")
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Publish delivers a message to this subscriber. It is called by the topic
// index during fan-out, on the publisher's goroutine, and therefore must be
// safe from any thread.
//
// The session works on its own copy of the message: QoS>0 deliveries get a
// session-local packet id and an outbound-ledger entry; while parked, QoS>0
// messages queue in the ledger for the next reconnect and QoS 0 messages
// are dropped.
func (s *Session) Publish(m *Message) {
	msg := m.copy()
	switch msg.QoS {
	case packets.QoS0:
		msg.State = StatePublish
	case packets.QoS1:
		msg.State = StateWaitPuback
	default:
		msg.State = StateWaitPubrec
	}
	msg.RemainingLen = msg.wireLen()

	conn := s.currentConn()
	if conn == nil {
		if msg.QoS == packets.QoS0 {
			return
		}
		msg.MID = s.allocMID()
		s.outbound.insert(msg.MID, msg)
		s.log.Debug().Str("topic", msg.Topic).Uint16("mid", msg.MID).Msg("message queued for offline session")
		return
	}

	if msg.QoS > 0 {
		msg.MID = s.allocMID()
		s.outbound.insert(msg.MID, msg)
	}
	s.sendPublish(conn, msg)
}

// flushQueued retransmits the outbound ledger after a reconnect. Deliveries
// already past PUBREC need only a PUBREL; everything else is re-sent as a
// PUBLISH marked as a duplicate.
func (s *Session) flushQueued() {
	conn := s.currentConn()
	if conn == nil || s.outbound.size() == 0 {
		return
	}

	for mid, m := range s.outbound.snapshot() {
		if m.QoS == packets.QoS2 && m.State == StateWaitPubcomp {
			s.sendPacket(&packets.PubrelPacket{PacketID: mid})
			continue
		}

		if m.QoS == packets.QoS0 {
			s.outbound.remove(mid)
		} else {
			m.Dup = true
		}
		s.sendPublish(conn, m)
	}
}

func (s *Session) sendPublish(conn Conn, m *Message) {
	s.sendPacketTo(conn, &packets.PublishPacket{
		Dup:      m.Dup,
		QoS:      m.QoS,
		Retain:   m.Retain,
		Topic:    m.Topic,
		PacketID: m.MID,
		Payload:  m.Payload,
	})
}

func (s *Session) sendPacket(pkt packets.Packet) error {
	conn := s.currentConn()
	if conn == nil {
		return nil
	}
	return s.sendPacketTo(conn, pkt)
}

func (s *Session) sendPacketTo(conn Conn, pkt packets.Packet) error {
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	s.met.packetOut()
	return conn.Send(buf.Bytes())
}

// stopWatchdog cancels the keepalive watchdog, if running.
func (s *Session) stopWatchdog() {
	s.mu.Lock()
	s.stopWatchdogLocked()
	s.mu.Unlock()
}

func (s *Session) stopWatchdogLocked() {
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
}

// startWatchdogLocked runs the keepalive check every keepalive/2 seconds;
// a client silent for more than 1.5x the keepalive is force-closed.
// Callers must hold mu with keepalive > 0.
func (s *Session) startWatchdogLocked() {
	stop := make(chan struct{})
	s.watchStop = stop

	interval := time.Duration(s.keepalive) * time.Second / 2
	limit := time.Duration(s.keepalive) * time.Second * 3 / 2

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, s.lastSeen.Load()))
				if idle <= limit {
					continue
				}
				if conn := s.currentConn(); conn != nil {
					s.log.Info().Dur("idle", idle).Msg("keepalive expired, closing connection")
					s.met.keepaliveExpired()
					conn.Close()
				}
			}
		}
	}()
}

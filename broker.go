package xmqtt

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Allenxuxu/Xmqtt/internal/packets"
)

// Server is an MQTT v3.1.1 broker.
//
// All connections share one topic index and one offline store. Each accepted
// connection is gated by a CONNECT deadline, then handed to its Session,
// which handles every subsequent packet until the connection closes.
type Server struct {
	opts *serverOptions
	log  zerolog.Logger

	tree     *TopicTree
	offline  *offlineList
	met      *metrics
	registry *prometheus.Registry

	mu         sync.Mutex
	ln         net.Listener
	wsSrv      *http.Server
	metricsSrv *http.Server
	conns      map[transport]struct{}

	inShutdown atomic.Bool
	wg         sync.WaitGroup
}

// NewServer creates a broker with the given options.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	registry := prometheus.NewRegistry()
	met := newMetrics(registry)

	tree := NewTopicTree()
	tree.metrics = met

	return &Server{
		opts:     o,
		log:      o.Logger,
		tree:     tree,
		offline:  newOfflineList(),
		met:      met,
		registry: registry,
		conns:    make(map[transport]struct{}),
	}
}

// Topics returns the server's topic index.
func (s *Server) Topics() *TopicTree { return s.tree }

// ListenAndServe listens on the configured TCP address (plus the WebSocket
// and metrics listeners, when configured) and serves connections until
// Close. It always returns a non-nil error; after Close the error is
// ErrServerClosed.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	if s.opts.WebSocketAddr != "" {
		if err := s.startWebSocket(s.opts.WebSocketAddr); err != nil {
			ln.Close()
			return err
		}
	}
	if s.opts.MetricsAddr != "" {
		s.startMetrics(s.opts.MetricsAddr)
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("ws_addr", s.opts.WebSocketAddr).
		Msg("broker listening")

	return s.Serve(ln)
}

// Serve accepts connections from ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(newNetConn(c))
		}()
	}
}

// Close stops the listeners and force-closes every open connection.
func (s *Server) Close() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	if s.wsSrv != nil {
		s.wsSrv.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	for t := range s.conns {
		t.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) startWebSocket(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mqtt"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mqtt", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(newWSConn(ws))
		}()
	})

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.wsSrv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("websocket listener failed")
		}
	}()
	return nil
}

func (s *Server) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

func (s *Server) trackConn(t transport, add bool) {
	s.mu.Lock()
	if add {
		s.conns[t] = struct{}{}
	} else {
		delete(s.conns, t)
	}
	s.mu.Unlock()
}

// serveConn runs one connection: the CONNECT gate, then the session's
// packet loop until the stream ends or a handler reports a violation.
func (s *Server) serveConn(t transport) {
	log := s.log.With().Str("conn_id", t.ID()).Stringer("remote", t.RemoteAddr()).Logger()

	s.met.connOpened()
	defer s.met.connClosed()
	s.trackConn(t, true)
	defer s.trackConn(t, false)

	// The client must complete a valid CONNECT before the deadline.
	deadline := time.AfterFunc(s.opts.ConnectTimeout, func() {
		log.Info().Msg("CONNECT deadline expired")
		t.Close()
	})

	sess, err := s.handshake(t, log)
	deadline.Stop()
	if err != nil {
		log.Info().Err(err).Msg("rejecting connection")
		t.Close()
		return
	}

	defer s.teardown(t, sess, log)

	sess.flushQueued()

	for {
		pkt, err := packets.ReadPacket(t, 0)
		if err != nil {
			log.Debug().Err(err).Msg("connection read ended")
			return
		}
		s.met.packetIn()

		if err := sess.HandlePacket(pkt); err != nil {
			log.Warn().Err(err).Msg("protocol violation, closing connection")
			return
		}
	}
}

// handshake enforces the CONNECT gate: the first packet must be a valid
// v3.1.1 CONNECT. Refusals the protocol can express (bad protocol version,
// rejected identifier) are answered with the matching CONNACK code before
// the connection is closed; everything else just closes.
func (s *Server) handshake(t transport, log zerolog.Logger) (*Session, error) {
	pkt, err := packets.ReadPacket(t, 0)
	if err != nil {
		return nil, err
	}

	cp, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		return nil, errProtocol
	}

	if cp.ProtocolName != packets.ProtocolName || cp.ProtocolLevel != packets.ProtocolLevel {
		s.sendConnack(t, false, packets.ConnRefusedUnacceptableProtocol)
		return nil, errProtocol
	}
	if cp.Reserved {
		return nil, errProtocol
	}
	if cp.WillQoS > packets.QoS2 {
		return nil, errProtocol
	}
	if cp.PasswordFlag && !cp.UsernameFlag {
		return nil, errProtocol
	}
	if cp.WillFlag && cp.WillTopic == "" {
		return nil, errProtocol
	}
	if cp.ClientID == "" {
		s.sendConnack(t, false, packets.ConnRefusedIdentifierRejected)
		return nil, errProtocol
	}

	var sess *Session
	sessionPresent := false

	if cp.CleanSession {
		// A clean connect over a parked id discards the old session.
		if stale := s.offline.pop(cp.ClientID); stale != nil {
			s.met.parked(-1)
			s.dissolve(stale)
		}
	} else if recovered := s.offline.pop(cp.ClientID); recovered != nil {
		sess = recovered
		sessionPresent = true
		s.met.parked(-1)
	}

	if sess == nil {
		sess = newSession(cp.ClientID, s.tree, s.met, s.log)
	}

	sess.setCredentials(cp.Username, cp.Password)

	if cp.WillFlag {
		will := &Message{
			QoS:       cp.WillQoS,
			Retain:    cp.WillRetain,
			Topic:     cp.WillTopic,
			Payload:   cp.WillMessage,
			Timestamp: time.Now(),
			State:     StatePublish,
		}
		will.RemainingLen = will.wireLen()
		sess.setWill(will)
	} else {
		sess.setWill(nil)
	}

	sess.bind(t, cp.KeepAlive, cp.CleanSession)

	if err := s.sendConnack(t, sessionPresent, packets.ConnAccepted); err != nil {
		sess.unbindIf(t)
		return nil, err
	}

	log.Info().
		Str("client_id", cp.ClientID).
		Bool("clean_session", cp.CleanSession).
		Bool("session_present", sessionPresent).
		Uint16("keepalive", cp.KeepAlive).
		Msg("client connected")

	return sess, nil
}

// teardown runs when a bound connection ends for any reason: an armed will
// is published (and retained when flagged), then the session is parked or
// dissolved per its clean-session flag.
func (s *Server) teardown(t transport, sess *Session, log zerolog.Logger) {
	t.Close()

	if !sess.unbindIf(t) {
		// A newer connection took the session over.
		return
	}

	if will := sess.takeWill(); will != nil {
		log.Info().Str("topic", will.Topic).Msg("publishing will message")
		s.tree.Publish(will.Topic, will)
	}

	if sess.CleanSession() {
		s.dissolve(sess)
		log.Info().Str("client_id", sess.ClientID()).Msg("session dissolved")
	} else {
		s.offline.push(sess.ClientID(), sess)
		s.met.parked(1)
		log.Info().Str("client_id", sess.ClientID()).Msg("session parked")
	}
}

// dissolve removes a session's subscriptions and stops its watchdog.
func (s *Server) dissolve(sess *Session) {
	sess.stopWatchdog()
	for _, filter := range sess.subscriptions() {
		s.tree.Unsubscribe(filter, sess)
	}
}

func (s *Server) sendConnack(t transport, sessionPresent bool, code uint8) error {
	var buf bytes.Buffer
	pkt := &packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: code}
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	s.met.packetOut()
	return t.Send(buf.Bytes())
}

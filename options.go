package xmqtt

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when the corresponding option is not given.
const (
	// DefaultAddr is the default TCP listen address.
	DefaultAddr = "127.0.0.1:1883"

	// DefaultConnectTimeout is how long a new connection may take to send
	// a valid CONNECT before it is closed.
	DefaultConnectTimeout = 10 * time.Second
)

// serverOptions holds the broker configuration assembled from Options.
type serverOptions struct {
	// Addr is the TCP listen address.
	Addr string

	// WebSocketAddr enables the MQTT-over-WebSocket listener when non-empty.
	WebSocketAddr string

	// MetricsAddr enables the Prometheus /metrics listener when non-empty.
	MetricsAddr string

	// ConnectTimeout is the deadline for the initial CONNECT packet.
	ConnectTimeout time.Duration

	// Logger for broker events (optional, defaults to discarding logs)
	Logger zerolog.Logger
}

// Option configures the Server.
type Option func(*serverOptions)

func defaultOptions() *serverOptions {
	return &serverOptions{
		Addr:           DefaultAddr,
		ConnectTimeout: DefaultConnectTimeout,
		Logger:         zerolog.Nop(),
	}
}

// WithAddr sets the TCP listen address (default 127.0.0.1:1883).
func WithAddr(addr string) Option {
	return func(o *serverOptions) {
		o.Addr = addr
	}
}

// WithWebSocketAddr enables an additional listener accepting MQTT over
// WebSocket binary frames on the given address.
func WithWebSocketAddr(addr string) Option {
	return func(o *serverOptions) {
		o.WebSocketAddr = addr
	}
}

// WithMetricsAddr enables an HTTP listener exposing Prometheus metrics
// under /metrics on the given address.
func WithMetricsAddr(addr string) Option {
	return func(o *serverOptions) {
		o.MetricsAddr = addr
	}
}

// WithConnectTimeout sets how long a new connection may take to complete the
// CONNECT handshake before being closed (default 10s).
func WithConnectTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		if d > 0 {
			o.ConnectTimeout = d
		}
	}
}

// WithLogger sets a custom logger for the broker.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	srv := xmqtt.NewServer(xmqtt.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(o *serverOptions) {
		o.Logger = logger
	}
}

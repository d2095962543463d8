// Package xmqtt implements a lightweight MQTT v3.1.1 message broker.
//
// The broker accepts long-lived client connections over TCP (and optionally
// WebSocket), routes published messages to subscribers by topic with
// single-level (+) and multi-level (#) wildcard matching, and implements the
// three MQTT quality-of-service levels with their acknowledgement handshakes.
// Retained messages are delivered to new subscribers at subscribe time, will
// messages are published on abnormal disconnect, and non-clean sessions are
// preserved across disconnects together with their subscriptions and any
// undelivered QoS>0 messages.
//
// # Quick Start
//
// Start a broker on the default MQTT port:
//
//	srv := xmqtt.NewServer(xmqtt.WithAddr("127.0.0.1:1883"))
//	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, xmqtt.ErrServerClosed) {
//	    log.Fatal(err)
//	}
//
// Options configure the listeners, CONNECT deadline, logger and metrics:
//
//   - WithAddr(addr) - TCP listen address (default 127.0.0.1:1883)
//   - WithWebSocketAddr(addr) - optional MQTT-over-WebSocket listener
//   - WithMetricsAddr(addr) - optional Prometheus /metrics listener
//   - WithConnectTimeout(d) - deadline for the initial CONNECT (default 10s)
//   - WithLogger(logger) - zerolog logger (default disabled)
//
// # Scope
//
// The broker speaks MQTT v3.1.1 only. TLS, MQTT 5 features, bridging and
// on-disk session persistence are out of scope. Username and password are
// captured from CONNECT but not verified.
package xmqtt

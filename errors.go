package xmqtt

import "errors"

// Standard errors returned by the broker
var (
	// ErrServerClosed is returned by ListenAndServe and Serve after a call
	// to Close.
	ErrServerClosed = errors.New("xmqtt: server closed")

	// ErrConnClosed is returned by Close on a connection that has already
	// been closed. Writes after Close are discarded without an error.
	ErrConnClosed = errors.New("xmqtt: connection closed")
)

// Protocol violations surface only as connection closes (or a CONNACK
// refusal code during the handshake); these sentinels select the log line.
var (
	errProtocol        = errors.New("protocol violation")
	errBadQoS          = errors.New("invalid QoS")
	errEmptyTopic      = errors.New("empty topic")
	errWildcardInTopic = errors.New("wildcard in publish topic")
	errBadFilter       = errors.New("invalid topic filter")
)

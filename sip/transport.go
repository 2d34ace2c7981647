package sip

import "context"

// Transport sends rendered SIP messages towards the peer.
// Implementations own wire encoding, target resolution and socket I/O.
type Transport interface {
	// Network returns the transport protocol name, e.g. "udp", "tcp", "tls".
	Network() string
	// Reliable reports whether the transport guarantees delivery.
	// Unreliable transports enable the retransmission timers of
	// RFC 3261 section 17.
	Reliable() bool
	// Send delivers the message to the remote peer.
	Send(ctx context.Context, msg Message) error
}

// IsReliableTransport reports whether the transport is reliable.
// A nil transport counts as reliable so that retransmission timers
// stay disabled.
func IsReliableTransport(tp Transport) bool {
	return tp == nil || tp.Reliable()
}

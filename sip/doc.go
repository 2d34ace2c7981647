// Package sip implements the SIP transaction and dialog layers as defined
// in RFC 3261, with the updates from RFC 6026 (accepted INVITE states),
// RFC 3262 (reliable provisional responses) and RFC 6665 (event
// subscriptions).
//
// The package deliberately stops at the signaling core: wire parsing and
// socket I/O belong to transport implementations plugged in through the
// [Transport] interface, and media negotiation payloads are carried as
// opaque bodies with optional SDP helpers.
package sip

// Package wire defines the CBOR wire format for the MASH event system.
//
// Three kinds of traffic share the same encoding rules (CBOR, RFC 8949,
// integer map keys, 4-byte length-prefixed framing at the transport):
//
//   - Event frames published by producers on heartbeat and event
//     channels: a CBOR array of byte strings holding the event name, a
//     byte-order marker, call metadata and (event channel only) the payload.
//   - RPC messages between consumers and producer objects (request,
//     response, push, ping/pong).
//   - Control requests that drive a broker-socket transport loop
//     (CONNECT_HEARTBEAT, CONNECT_EVENT, ...), versioned so that both ends
//     can reject a mismatch.
//
// # Event names
//
// Every subscription is identified by a lower-cased key of the form
//
//	<device>/<attribute>.<event type>
//
// and heartbeats of a channel use "<channel>.heartbeat". The key doubles as
// the event name on the wire, so the publisher can filter on it directly.
package wire

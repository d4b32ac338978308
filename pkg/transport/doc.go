// Package transport delivers published events from producers to the
// consumer's dispatcher.
//
// Two implementations share the Transport interface:
//
//   - BrokerTransport connects to producer publisher sockets (heartbeat and
//     event endpoints over TCP, multicast events over UDP). A single loop
//     goroutine owns every socket; control commands such as
//     CONNECT_EVENT are sent to it as versioned wire.ControlRequest
//     messages and block until the loop has applied them.
//   - NotifyTransport receives events pushed over an existing RPC
//     connection to the producer and filters them locally.
//
// Both decode raw frames into wire.EventMessage values and hand them to a
// Handler on a dedicated dispatch goroutine, so a handler may issue control
// commands without deadlocking the socket loop.
//
// # Framing
//
// Stream sockets carry 4-byte big-endian length-prefixed frames:
//
//	┌──────────────┬──────────────────────────┐
//	│ length (4B)  │ CBOR payload (length B)  │
//	└──────────────┴──────────────────────────┘
//
// Multicast datagrams carry one payload each, without a prefix.
package transport

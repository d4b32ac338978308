// Package consumer is the client side of the event system. A Consumer
// subscribes to attribute, configuration and data-ready events published
// by producers and keeps those subscriptions alive across producer
// restarts, host migrations and network loss.
//
// # Components
//
// Subscribe and Unsubscribe run on application goroutines. Each producer
// admin identity is one channel: an admin RPC connection, a heartbeat filter
// and the event filters of every subscription served by that producer.
// Channels are created on the first subscription and released with the
// last one.
//
// The transport's dispatch goroutine routes heartbeats to channels and
// events to subscriptions. A keep-alive goroutine ticks once per
// KeepAlivePeriod: it retries stateless subscriptions that could not be
// made, probes channels whose heartbeats stopped, rebuilds them when the
// producer is gone or restarted, and renews subscription leases.
//
// # Locking
//
// The registry lock is only held while maps change. Every channel and every
// subscription has a monitor: a lock acquired with a bounded wait. A
// subscription's monitor is held while its sink runs, so Unsubscribe waits
// for a running callback and no event is delivered after it returns.
// Sinks are never called with a channel monitor held.
//
// # Sinks
//
// A subscription either has a Handler, called on the dispatch goroutine,
// or no handler, in which case events are queued and drained with Events.
package consumer

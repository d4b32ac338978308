// Package connection holds the per-channel health state machine and the
// retry policy the keep-alive monitor applies to broken channels.
//
// # Health
//
// A channel moves through
//
//	CONNECTING -> HEALTHY -> DEGRADED -> RECONNECTING -> HEALTHY
//
// DEGRADED means heartbeats stopped arriving but the producer has not yet
// been probed. RECONNECTING is retried until it succeeds or the channel is
// closed.
//
// # Retry policy
//
// Two modes are supported:
//
//   - every-tick: a failed channel is retried on every monitor tick.
//   - backoff: retries are spaced by an exponential delay with jitter,
//     1s, 2s, 4s ... capped at 60s, reset after a success.
//
// Jitter is added on top of the base delay:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
package connection

// Package producersim is an in-process producer: a device server with an
// admin object, device objects holding attributes, and the heartbeat and
// event publishers a consumer subscribes to. Tests and the simulator
// command use it to exercise the consumer end to end, including producer
// restarts on a new address.
package producersim

// Package rpc is the synchronous call layer between consumers and producer
// objects.
//
// Messages are wire.Message envelopes in length-prefixed frames over TCP.
// A Client correlates responses by message ID, answers pings, tracks pongs
// with a KeepAlive, and hands push messages (events for the notification
// transport) to a registered handler. A Server routes requests to named
// object handlers. The Dialer resolves object names through a
// naming.Resolver and pools one client per producer address; DeviceProxy
// and AdminProxy wrap the calls the event consumer needs.
package rpc

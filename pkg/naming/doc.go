// Package naming resolves device and admin object names to the network
// address of the producer process serving them.
//
// Static resolvers are loaded from a YAML file; the MDNS resolver browses
// for producers announcing _mashev._tcp with one "obj=<name>" TXT record
// per served object. Chain tries several resolvers in order.
package naming

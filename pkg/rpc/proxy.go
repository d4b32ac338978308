package rpc

import (
	"context"
	"time"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Object methods.
const (
	MethodPing                = "ping"
	MethodAdminName           = "admin_name"
	MethodReadAttribute       = "read_attribute"
	MethodReadAttributeConfig = "read_attribute_config"
	MethodSubscriptionChange  = "event_subscription_change"
	MethodChannelInfo         = "event_channel_info"
	MethodInfo                = "info"
)

// Subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ReadAttributeArgs selects an attribute on a device object.
type ReadAttributeArgs struct {
	Attribute string `cbor:"1,keyasint"`
}

// SubscriptionChangeArgs are the arguments of event_subscription_change.
type SubscriptionChangeArgs struct {
	Device    string         `cbor:"1,keyasint"`
	Attribute string         `cbor:"2,keyasint"`
	Action    string         `cbor:"3,keyasint"`
	EventType wire.EventType `cbor:"4,keyasint"`

	// Transport is "broker" or "notify"; notify subscribers receive pushes
	// on the calling connection.
	Transport string `cbor:"5,keyasint,omitempty"`
}

// SubscriptionChangeReply is the result of event_subscription_change.
type SubscriptionChangeReply struct {
	// IDLVersion of the payloads the producer will publish.
	IDLVersion int `cbor:"1,keyasint"`

	// Multicast endpoint for this event, when the producer publishes it there.
	MulticastEndpoint string `cbor:"2,keyasint,omitempty"`
	MulticastRate     int    `cbor:"3,keyasint,omitempty"` // kbit/s
	MulticastInterval int    `cbor:"4,keyasint,omitempty"` // ms
}

// ChannelInfo describes a producer's event channel.
type ChannelInfo struct {
	HeartbeatEndpoint string   `cbor:"1,keyasint"`
	EventEndpoint     string   `cbor:"2,keyasint"`
	Host              string   `cbor:"3,keyasint"`
	Incarnation       string   `cbor:"4,keyasint"`
	IDLVersion        int      `cbor:"5,keyasint"`
	Transports        []string `cbor:"6,keyasint,omitempty"`

	// HeartbeatPeriod is how often the producer publishes heartbeats.
	HeartbeatPeriod time.Duration `cbor:"7,keyasint,omitempty"`
}

// ServerInfo identifies a running producer process.
type ServerInfo struct {
	Name        string    `cbor:"1,keyasint"`
	Host        string    `cbor:"2,keyasint"`
	Incarnation string    `cbor:"3,keyasint"`
	Started     time.Time `cbor:"4,keyasint"`
}

// DeviceProxy calls a device object over the dialer's pooled connection to
// its producer.
type DeviceProxy struct {
	dialer *Dialer
	name   string
}

// Name returns the device name.
func (p *DeviceProxy) Name() string { return p.name }

func (p *DeviceProxy) call(ctx context.Context, method string, args, result any) error {
	c, err := p.dialer.clientFor(ctx, p.name)
	if err != nil {
		return err
	}
	return c.Call(ctx, p.name, method, args, result)
}

// AdminName returns the admin object (event channel) of the device's producer.
func (p *DeviceProxy) AdminName(ctx context.Context) (string, error) {
	var name string
	err := p.call(ctx, MethodAdminName, nil, &name)
	return name, err
}

// ReadAttribute reads the current value of attribute.
func (p *DeviceProxy) ReadAttribute(ctx context.Context, attribute string) (*wire.AttributeValue, error) {
	var v wire.AttributeValue
	if err := p.call(ctx, MethodReadAttribute, ReadAttributeArgs{Attribute: attribute}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ReadAttributeConfig reads the configuration of attribute.
func (p *DeviceProxy) ReadAttributeConfig(ctx context.Context, attribute string) (*wire.AttributeConfig, error) {
	var cfg wire.AttributeConfig
	if err := p.call(ctx, MethodReadAttributeConfig, ReadAttributeArgs{Attribute: attribute}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Ping checks that the device's producer answers.
func (p *DeviceProxy) Ping(ctx context.Context) error {
	c, err := p.dialer.clientFor(ctx, p.name)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// AdminProxy calls a producer's admin object over a connection it owns
// exclusively. Close it exactly once.
type AdminProxy struct {
	name   string
	client *Client
}

// Name returns the admin object name.
func (p *AdminProxy) Name() string { return p.name }

// Client returns the underlying connection.
func (p *AdminProxy) Client() *Client { return p.client }

// EventSubscriptionChange asks the producer to start or stop publishing an event.
func (p *AdminProxy) EventSubscriptionChange(ctx context.Context, args SubscriptionChangeArgs) (*SubscriptionChangeReply, error) {
	var reply SubscriptionChangeReply
	if err := p.client.Call(ctx, p.name, MethodSubscriptionChange, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ChannelInfo returns the producer's event channel endpoints.
func (p *AdminProxy) ChannelInfo(ctx context.Context) (*ChannelInfo, error) {
	var info ChannelInfo
	if err := p.client.Call(ctx, p.name, MethodChannelInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Info returns the producer identity.
func (p *AdminProxy) Info(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := p.client.Call(ctx, p.name, MethodInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetPushHandler forwards pushed events to h.
func (p *AdminProxy) SetPushHandler(h func(event []byte)) {
	p.client.SetPushHandler(h)
}

// Close releases the admin connection.
func (p *AdminProxy) Close() error {
	return p.client.Close()
}

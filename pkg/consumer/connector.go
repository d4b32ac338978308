package consumer

import (
	"context"

	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// DeviceClient calls a device object.
type DeviceClient interface {
	Name() string
	AdminName(ctx context.Context) (string, error)
	ReadAttribute(ctx context.Context, attribute string) (*wire.AttributeValue, error)
	ReadAttributeConfig(ctx context.Context, attribute string) (*wire.AttributeConfig, error)
}

// AdminClient calls a producer's admin object over a connection the
// consumer owns. Close is called exactly once.
type AdminClient interface {
	Name() string
	EventSubscriptionChange(ctx context.Context, args rpc.SubscriptionChangeArgs) (*rpc.SubscriptionChangeReply, error)
	ChannelInfo(ctx context.Context) (*rpc.ChannelInfo, error)
	Info(ctx context.Context) (*rpc.ServerInfo, error)
	SetPushHandler(h func(event []byte))
	Close() error
}

// Connector opens RPC handles to producers.
type Connector interface {
	Device(name string) DeviceClient
	Admin(ctx context.Context, name string) (AdminClient, error)
}

var (
	_ DeviceClient = (*rpc.DeviceProxy)(nil)
	_ AdminClient  = (*rpc.AdminProxy)(nil)
)

type dialerConnector struct {
	dialer *rpc.Dialer
}

// NewDialerConnector returns a Connector backed by an rpc.Dialer.
func NewDialerConnector(d *rpc.Dialer) Connector {
	return dialerConnector{dialer: d}
}

func (c dialerConnector) Device(name string) DeviceClient {
	return c.dialer.Device(name)
}

func (c dialerConnector) Admin(ctx context.Context, name string) (AdminClient, error) {
	a, err := c.dialer.Admin(ctx, name)
	if err != nil {
		return nil, err
	}
	return a, nil
}

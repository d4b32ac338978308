// Command mash-events subscribes to producer events and prints them.
//
// Usage:
//
//	mash-events [flags] [device/attribute:type ...]
//
// Flags:
//
//	--config string         Consumer configuration file (yaml)
//	--transport string      Event transport: broker or notify (overrides config)
//	--names string          Static name table (yaml)
//	--mdns                  Resolve names over mDNS
//	--mdns-interface string Interface for mDNS browsing
//	--log-level string      Log level: debug, info, warn, error (default "info")
//	--protocol-log string   Append protocol events to this file
//	--interactive           Start the interactive shell
//	--state string          Restore subscriptions from and save them to this file
//	--reset                 Discard the saved subscriptions before starting
//
// Subscriptions given as arguments print every event to stdout, e.g.
//
//	mash-events --names names.yaml sys/sim/1/temperature:change
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mash-protocol/mash-events/cmd/mash-events/interactive"
	"github.com/mash-protocol/mash-events/pkg/consumer"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/naming"
	"github.com/mash-protocol/mash-events/pkg/persistence"
	"github.com/mash-protocol/mash-events/pkg/rpc"
	"github.com/mash-protocol/mash-events/pkg/transport"
)

type options struct {
	configFile    string
	transport     string
	namesFile     string
	mdns          bool
	mdnsInterface string
	logLevel      string
	protocolLog   string
	interactive   bool
	stateFile     string
	reset         bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("mash-events", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configFile, "config", "", "consumer configuration file (yaml)")
	flagSet.StringVar(&opts.transport, "transport", "", "event transport: broker or notify (overrides config)")
	flagSet.StringVar(&opts.namesFile, "names", "", "static name table (yaml)")
	flagSet.BoolVar(&opts.mdns, "mdns", false, "resolve names over mDNS")
	flagSet.StringVar(&opts.mdnsInterface, "mdns-interface", "", "interface for mDNS browsing")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.protocolLog, "protocol-log", "", "append protocol events to this file")
	flagSet.BoolVarP(&opts.interactive, "interactive", "i", false, "start the interactive shell")
	flagSet.StringVar(&opts.stateFile, "state", "", "restore subscriptions from and save them to this file")
	flagSet.BoolVar(&opts.reset, "reset", false, "discard the saved subscriptions before starting")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := consumer.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = consumer.LoadConfig(opts.configFile); err != nil {
			return err
		}
	}
	if opts.transport != "" {
		kind, err := transport.ParseKind(opts.transport)
		if err != nil {
			return err
		}
		cfg.Transport = kind
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	var logOut io.Writer = os.Stderr

	var shell *interactive.Shell
	if opts.interactive {
		if shell, err = interactive.New(); err != nil {
			return err
		}
		logOut = shell.Stderr()
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	cfg.Logger = logger

	if opts.protocolLog != "" {
		fl, err := log.NewFileLogger(opts.protocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		cfg.ProtocolLogger = fl
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var resolvers naming.Chain
	if opts.namesFile != "" {
		static, err := naming.LoadStatic(opts.namesFile)
		if err != nil {
			return err
		}
		resolvers = append(resolvers, static)
	}
	if opts.mdns {
		mc := naming.DefaultMDNSConfig()
		mc.Interface = opts.mdnsInterface
		mc.Logger = logger
		mdns := naming.NewMDNS(mc)
		if err := mdns.Start(ctx); err != nil {
			return err
		}
		defer mdns.Stop()
		resolvers = append(resolvers, mdns)
	}

	clientCfg := rpc.DefaultClientConfig()
	clientCfg.Timeout = cfg.RPCTimeout
	clientCfg.ProtocolLogger = cfg.ProtocolLogger
	dialer := rpc.NewDialer(rpc.DialerConfig{
		Client:   clientCfg,
		Resolver: resolvers,
		Logger:   logger,
	})
	defer dialer.Close()

	c, err := consumer.New(cfg, consumer.NewDialerConnector(dialer))
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	var out io.Writer = os.Stdout
	if shell != nil {
		out = shell.Stdout()
	}
	for _, arg := range flagSet.Args() {
		device, attribute, eventType, err := interactive.ParseTarget(arg)
		if err != nil {
			return err
		}
		id, err := c.Subscribe(ctx, device, attribute, eventType, interactive.Printer(out), nil, true)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", arg, err)
		}
		logger.Info("subscribed", "id", id, "event", arg)
	}

	var store *persistence.Store
	if opts.stateFile != "" {
		store = persistence.NewStore(opts.stateFile)
		if opts.reset {
			if err := store.Clear(); err != nil {
				logger.Warn("failed to clear state", "err", err)
			}
		}
		if err := restore(ctx, c, store, out, logger); err != nil {
			return err
		}
	}

	if shell != nil {
		go shell.Run(ctx, cancel, c)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	if store != nil {
		if err := store.Save(snapshot(c)); err != nil {
			logger.Warn("failed to save state", "path", store.Path(), "err", err)
		}
	}
	return nil
}

// restore subscribes to every saved event. Stateless subscriptions to
// unreachable producers are retried in the background; others are dropped.
func restore(ctx context.Context, c *consumer.Consumer, store *persistence.Store, out io.Writer, logger *slog.Logger) error {
	state, err := store.Load()
	if err != nil || state == nil {
		return err
	}
	for _, r := range state.Subscriptions {
		var sink consumer.Handler
		if !r.Queue {
			sink = interactive.Printer(out)
		}
		id, err := c.Subscribe(ctx, r.Device, r.Attribute, r.EventType, sink, r.Filters, r.Stateless)
		if err != nil {
			logger.Warn("failed to restore subscription", "event", r.Key(), "err", err)
			continue
		}
		logger.Info("restored subscription", "id", id, "event", r.Key())
	}
	return nil
}

func snapshot(c *consumer.Consumer) *persistence.SubscriptionState {
	subs := c.Subscriptions()
	state := &persistence.SubscriptionState{Subscriptions: make([]persistence.SubscriptionRecord, 0, len(subs))}
	for _, st := range subs {
		state.Subscriptions = append(state.Subscriptions, persistence.SubscriptionRecord{
			Device:    st.Device,
			Attribute: st.Attribute,
			EventType: st.EventType,
			Filters:   st.Filters,
			Stateless: st.Stateless,
			Queue:     st.Queueing,
		})
	}
	return state
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}


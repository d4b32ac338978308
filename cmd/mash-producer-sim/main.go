// Command mash-producer-sim runs a simulated event producer.
//
// The producer serves one admin object and a set of device objects,
// publishes heartbeats, and ramps the configured attributes so that
// subscribers see a steady stream of change events.
//
// Usage:
//
//	mash-producer-sim [flags]
//
// Examples:
//
//	# Serve sys/sim/1 and write a name table for mash-events --names
//	mash-producer-sim --device sys/sim/1 --attr sys/sim/1/temperature --names-out names.yaml
//
//	# Announce over mDNS instead
//	mash-producer-sim --mdns --address 0.0.0.0:10000
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/mash-events/internal/producersim"
	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/naming"
)

type options struct {
	name          string
	devices       []string
	attrs         []string
	address       string
	host          string
	heartbeat     time.Duration
	lease         time.Duration
	rampPeriod    time.Duration
	rampStep      float64
	namesOut      string
	mdns          bool
	mdnsInterface string
	logLevel      string
	protocolLog   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("mash-producer-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.name, "name", "dserver/sim/1", "admin object name")
	flagSet.StringSliceVar(&opts.devices, "device", []string{"sys/sim/1"}, "device objects to serve")
	flagSet.StringSliceVar(&opts.attrs, "attr", []string{"sys/sim/1/ramp"}, "attributes to ramp (device/attribute)")
	flagSet.StringVar(&opts.address, "address", "127.0.0.1:0", "RPC listen address")
	flagSet.StringVar(&opts.host, "host", "", "host name reported to consumers")
	flagSet.DurationVar(&opts.heartbeat, "heartbeat", 10*time.Second, "heartbeat period")
	flagSet.DurationVar(&opts.lease, "lease", 0, "subscription lease (0 means the default of 10m)")
	flagSet.DurationVar(&opts.rampPeriod, "ramp-period", time.Second, "interval between ramp steps")
	flagSet.Float64Var(&opts.rampStep, "ramp-step", 1, "ramp increment")
	flagSet.StringVar(&opts.namesOut, "names-out", "", "write a static name table for consumers to this file")
	flagSet.BoolVar(&opts.mdns, "mdns", false, "announce the producer over mDNS")
	flagSet.StringVar(&opts.mdnsInterface, "mdns-interface", "", "interface for mDNS announcements")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.protocolLog, "protocol-log", "", "append protocol events to this file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", opts.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	targets, err := parseAttrs(opts.attrs)
	if err != nil {
		return err
	}

	cfg := producersim.Config{
		Name:            opts.name,
		Devices:         opts.devices,
		Host:            opts.host,
		Address:         opts.address,
		HeartbeatPeriod: opts.heartbeat,
		Lease:           opts.lease,
		Names:           naming.NewStatic(nil),
		Logger:          logger,
	}
	if opts.protocolLog != "" {
		fl, err := log.NewFileLogger(opts.protocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		cfg.ProtocolLogger = log.NewMultiLogger(fl, log.NewSlogAdapter(logger))
	}
	if opts.mdns {
		mc := naming.DefaultMDNSConfig()
		mc.Interface = opts.mdnsInterface
		mc.Logger = logger
		adv := naming.NewAdvertiser(mc)
		defer adv.Stop()
		cfg.Advertiser = adv
	}

	p := producersim.New(cfg)
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	if opts.namesOut != "" {
		if err := writeNames(opts.namesOut, p.Addr(), p.Name(), opts.devices); err != nil {
			return err
		}
		logger.Info("name table written", "path", opts.namesOut)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ramp(ctx, p, targets, opts.rampPeriod, opts.rampStep, logger)
	logger.Info("shutting down")
	return nil
}

type target struct {
	device    string
	attribute string
}

func parseAttrs(attrs []string) ([]target, error) {
	out := make([]target, 0, len(attrs))
	for _, a := range attrs {
		i := strings.LastIndex(a, "/")
		if i <= 0 || i == len(a)-1 {
			return nil, fmt.Errorf("invalid attribute %q: want device/attribute", a)
		}
		out = append(out, target{device: a[:i], attribute: a[i+1:]})
	}
	return out, nil
}

// ramp sets every target to an increasing value each period until ctx is done.
func ramp(ctx context.Context, p *producersim.Producer, targets []target, period time.Duration, step float64, logger *slog.Logger) {
	value := 0.0
	set := func() {
		for _, t := range targets {
			if err := p.SetValue(t.device, t.attribute, value); err != nil {
				logger.Warn("set value failed", "device", t.device, "attribute", t.attribute, "err", err)
			}
		}
	}
	set()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			value += step
			set()
		}
	}
}

func writeNames(path, addr, admin string, devices []string) error {
	cfg := naming.StaticConfig{Objects: map[string]string{naming.Normalize(admin): addr}}
	for _, d := range devices {
		cfg.Objects[naming.Normalize(d)] = addr
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

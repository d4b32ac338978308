// Package interactive provides the interactive shell of mash-events.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/mash-events/pkg/consumer"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Consumer is the part of consumer.Consumer the shell drives.
type Consumer interface {
	Subscribe(ctx context.Context, device, attribute string, eventType wire.EventType, sink consumer.Handler, filters []string, stateless bool) (uint64, error)
	Unsubscribe(ctx context.Context, id uint64) error
	Subscriptions() []consumer.SubscriptionStatus
	Channels() []consumer.ChannelStatus
	Events(id uint64) ([]consumer.Event, error)
	Stats() consumer.Stats
}

// Shell is a readline command loop over a consumer.
type Shell struct {
	rl  *readline.Instance
	out io.Writer
}

// New creates a shell on the terminal.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "events> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that does not garble the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that does not garble the prompt.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, c Consumer) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if !s.Exec(ctx, c, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false on quit.
func (s *Shell) Exec(ctx context.Context, c Consumer, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "subscribe", "sub":
		s.cmdSubscribe(ctx, c, args)
	case "unsubscribe", "unsub":
		s.cmdUnsubscribe(ctx, c, args)
	case "list", "ls":
		s.cmdList(c)
	case "channels", "ch":
		s.cmdChannels(c)
	case "drain":
		s.cmdDrain(c, args)
	case "status":
		s.cmdStatus(c)
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Event Commands:
  subscribe <device/attribute[:type]> [options] - Subscribe (type defaults to change)
      --stateless       keep retrying while the producer is unreachable
      --queue           queue events instead of printing them (see drain)
      --filter <expr>   record a filter constraint
  unsubscribe <id>       - Cancel a subscription
  list                   - List subscriptions
  channels               - List event channels
  drain <id>             - Print and clear queued events
  status                 - Show delivery counters
  help                   - Show this help
  quit                   - Exit

  Event types: change, periodic, archive, user, attr_conf, data_ready`)
}

func (s *Shell) cmdSubscribe(ctx context.Context, c Consumer, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: subscribe <device/attribute[:type]> [--stateless] [--queue] [--filter <expr>]")
		return
	}
	device, attribute, eventType, err := ParseTarget(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	var (
		stateless bool
		sink      consumer.Handler = Printer(s.out)
		filters   []string
	)
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--stateless":
			stateless = true
		case "--queue":
			sink = nil
		case "--filter":
			if i+1 >= len(args) {
				fmt.Fprintln(s.out, "Error: --filter needs an expression")
				return
			}
			i++
			filters = append(filters, args[i])
		default:
			fmt.Fprintf(s.out, "Error: unknown option %s\n", args[i])
			return
		}
	}

	id, err := c.Subscribe(ctx, device, attribute, eventType, sink, filters, stateless)
	if err != nil {
		fmt.Fprintf(s.out, "Subscribe failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Subscribed: id %d\n", id)
}

func (s *Shell) cmdUnsubscribe(ctx context.Context, c Consumer, args []string) {
	id, ok := s.parseID(args, "unsubscribe")
	if !ok {
		return
	}
	if err := c.Unsubscribe(ctx, id); err != nil {
		fmt.Fprintf(s.out, "Unsubscribe failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Unsubscribed: id %d\n", id)
}

func (s *Shell) cmdList(c Consumer) {
	subs := c.Subscriptions()
	if len(subs) == 0 {
		fmt.Fprintln(s.out, "No subscriptions")
		return
	}
	fmt.Fprintf(s.out, "\nSubscriptions (%d):\n", len(subs))
	for _, st := range subs {
		state := "active"
		switch {
		case st.Pending:
			state = fmt.Sprintf("pending (attempts %d)", st.Attempts)
		case !st.FilterInstalled:
			state = "filter missing"
		}
		fmt.Fprintf(s.out, "  %4d  %-50s  %s\n", st.ID, st.Name, state)
		if st.Channel != "" {
			fmt.Fprintf(s.out, "        channel: %s  idl: %d  queued: %d\n", st.Channel, st.IDLVersion, st.Queued)
		}
		if st.Constraint != "" {
			fmt.Fprintf(s.out, "        filter: %s\n", st.Constraint)
		}
		if st.LastError != "" {
			fmt.Fprintf(s.out, "        last error: %s\n", st.LastError)
		}
	}
}

func (s *Shell) cmdChannels(c Consumer) {
	chans := c.Channels()
	if len(chans) == 0 {
		fmt.Fprintln(s.out, "No channels")
		return
	}
	fmt.Fprintf(s.out, "\nChannels (%d):\n", len(chans))
	for _, ch := range chans {
		fmt.Fprintf(s.out, "  %s (%s)\n", ch.Name, ch.State)
		fmt.Fprintf(s.out, "      Host: %s  Incarnation: %s\n", ch.Host, ch.Incarnation)
		fmt.Fprintf(s.out, "      Heartbeat: %s  Events: %s\n", ch.HeartbeatEndpoint, ch.EventEndpoint)
		fmt.Fprintf(s.out, "      Subscriptions: %d\n", ch.Subscriptions)
		if !ch.LastHeartbeat.IsZero() {
			fmt.Fprintf(s.out, "      Last heartbeat: %s\n", ch.LastHeartbeat.Format("15:04:05.000"))
		}
		if ch.Failures > 0 {
			fmt.Fprintf(s.out, "      Failures: %d  next attempt: %s\n", ch.Failures, ch.NextAttempt.Format("15:04:05"))
		}
	}
}

func (s *Shell) cmdDrain(c Consumer, args []string) {
	id, ok := s.parseID(args, "drain")
	if !ok {
		return
	}
	events, err := c.Events(id)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if len(events) == 0 {
		fmt.Fprintln(s.out, "No queued events")
		return
	}
	for _, e := range events {
		fmt.Fprintln(s.out, Format(e))
	}
}

func (s *Shell) cmdStatus(c Consumer) {
	st := c.Stats()
	fmt.Fprintf(s.out, "Subscriptions: %d  Channels: %d\n", len(c.Subscriptions()), len(c.Channels()))
	fmt.Fprintf(s.out, "Delivered: %d  Dropped: %d  Missed: %d\n", st.Delivered, st.Dropped, st.MissedEvents)
	fmt.Fprintf(s.out, "Lock timeouts: %d  Callback panics: %d\n", st.LockTimeouts, st.Panics)
}

func (s *Shell) parseID(args []string, cmd string) (uint64, bool) {
	if len(args) < 1 {
		fmt.Fprintf(s.out, "Usage: %s <id>\n", cmd)
		return 0, false
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(s.out, "Invalid id: %v\n", err)
		return 0, false
	}
	return id, true
}

// ParseTarget splits "device/attribute[:type]". The type defaults to change.
func ParseTarget(s string) (device, attribute string, t wire.EventType, err error) {
	path, typ, ok := strings.Cut(s, ":")
	if !ok {
		typ = string(wire.EventChange)
	}
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", "", fmt.Errorf("invalid event %q: want device/attribute[:type]", s)
	}
	if t, err = wire.ParseEventType(typ); err != nil {
		return "", "", "", err
	}
	return path[:i], path[i+1:], t, nil
}

// Printer returns a handler that writes each event as one line.
func Printer(w io.Writer) consumer.Handler {
	return consumer.HandlerFunc(func(e consumer.Event) {
		fmt.Fprintln(w, Format(e))
	})
}

// Format renders an event on one line.
func Format(e consumer.Event) string {
	h := e.Header()
	prefix := fmt.Sprintf("%s [%d] %s", h.Received.Format("15:04:05.000"), h.SubscriptionID, h.Name)
	if h.Failed() {
		return fmt.Sprintf("%s ERROR %s", prefix, h.Errors)
	}
	switch ev := e.(type) {
	case *consumer.DataEvent:
		if ev.Value == nil {
			return prefix
		}
		return fmt.Sprintf("%s = %v (%s, %s)", prefix, ev.Value.Value, ev.Value.Quality, ev.Value.Time.Format(time.RFC3339Nano))
	case *consumer.ConfigEvent:
		if ev.Config == nil {
			return prefix
		}
		return fmt.Sprintf("%s config type=%s unit=%q format=%q", prefix, ev.Config.DataType, ev.Config.Unit, ev.Config.Format)
	case *consumer.DataReadyEvent:
		if ev.Ready == nil {
			return prefix
		}
		return fmt.Sprintf("%s data ready type=%s counter=%d", prefix, ev.Ready.DataType, ev.Ready.Counter)
	}
	return prefix
}

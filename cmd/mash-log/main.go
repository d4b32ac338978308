// Command mash-log views and analyzes protocol log files.
//
// Log files are written by mash-events and mash-producer-sim when run with
// --protocol-log.
//
// Usage:
//
//	mash-log <command> [flags] <file.mlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View everything the dispatcher delivered
//	mash-log view --layer dispatch consumer.mlog
//
//	# View one channel's keep-alive history
//	mash-log view --channel dserver/sim/1 --category state consumer.mlog
//
//	# Export to CSV
//	mash-log export --format csv -o events.csv consumer.mlog
//
//	# Keep only one event name
//	mash-log filter --event sys/sim/1/ramp -o ramp.mlog consumer.mlog
//
//	# Show statistics, including missed events per name
//	mash-log stats consumer.mlog
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mash-protocol/mash-events/cmd/mash-log/commands"
)

const usage = `mash-log - Event Protocol Log Analyzer

Usage:
  mash-log <command> [flags] <file.mlog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSON or CSV format
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "mash-log <command> --help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "stats":
		err = runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name, synopsis string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "mash-log %s - %s\n\nUsage:\n  mash-log %s [flags] <file.mlog>\n\nFlags:\n", name, synopsis, name)
		fs.PrintDefaults()
	}
	return fs
}

// logPath returns the single positional argument.
func logPath(fs *pflag.FlagSet) (string, error) {
	if fs.NArg() < 1 {
		fs.Usage()
		return "", fmt.Errorf("log file path required")
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	fs := newFlagSet("view", "View log file in human-readable format")
	layer := fs.String("layer", "", "filter by layer (transport, wire, dispatch, monitor)")
	direction := fs.String("direction", "", "filter by direction (in, out)")
	category := fs.String("category", "", "filter by category (message, control, state, error)")
	channel := fs.String("channel", "", "filter by producer channel (admin name)")
	event := fs.String("event", "", "filter by event name substring")
	_ = fs.Parse(args)

	path, err := logPath(fs)
	if err != nil {
		return err
	}

	filter := commands.ViewFilter{Channel: *channel, EventName: *event}
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			return err
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			return err
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			return err
		}
		filter.Category = &c
	}

	return commands.RunView(path, filter, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", "Export log file to JSON or CSV format")
	format := fs.String("format", "jsonl", "output format (jsonl, csv)")
	output := fs.StringP("output", "o", "", "output file (default: stdout)")
	_ = fs.Parse(args)

	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output)
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", "Filter log file and write to new file")
	var opts commands.FilterOptions
	fs.StringVarP(&opts.Output, "output", "o", "", "output file (required)")
	fs.StringVar(&opts.ConnID, "conn-id", "", "filter by connection ID")
	fs.StringVar(&opts.Channel, "channel", "", "filter by producer channel (admin name)")
	fs.StringVar(&opts.EventName, "event", "", "filter by event name substring")
	fs.StringVar(&opts.TimeStart, "time-start", "", "filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "filter by layer (transport, wire, dispatch, monitor)")
	fs.StringVar(&opts.Direction, "direction", "", "filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "filter by category (message, control, state, error)")
	_ = fs.Parse(args)

	path, err := logPath(fs)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		fs.Usage()
		return fmt.Errorf("output file (-o) required")
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
	return nil
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "Show statistics about the log file")
	_ = fs.Parse(args)

	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}

package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/mash-events/pkg/log"
	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Channels          map[string]*ChannelStats
	Events            map[string]*EventStats
	Heartbeats        int
	StateChanges      int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ChannelStats holds statistics for one producer channel.
type ChannelStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	LastState string
}

// EventStats tracks delivered events of one name.
type EventStats struct {
	Delivered   int
	Missed      uint64
	LastCounter uint32
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Channels:          make(map[string]*ChannelStats),
		Events:            make(map[string]*EventStats),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Channel != "" {
		ch, ok := s.Channels[event.Channel]
		if !ok {
			ch = &ChannelStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			s.Channels[event.Channel] = ch
		}
		ch.Events++
		if event.Timestamp.After(ch.LastSeen) {
			ch.LastSeen = event.Timestamp
		}
		if event.StateChange != nil && event.StateChange.Entity == log.StateEntityChannel {
			ch.LastState = event.StateChange.NewState
		}
	}

	switch {
	case event.Message != nil && event.Message.Kind == wire.KindHeartbeat:
		s.Heartbeats++
	case event.Message != nil && event.Message.Type == log.MessageTypeEvent && event.Layer == log.LayerDispatch:
		es, ok := s.Events[event.Message.EventName]
		if !ok {
			es = &EventStats{}
			s.Events[event.Message.EventName] = es
		}
		// Counter gaps; a reset to a lower value is a producer restart.
		if es.Delivered > 0 && event.Message.Counter > es.LastCounter+1 {
			es.Missed += uint64(event.Message.Counter - es.LastCounter - 1)
		}
		es.Delivered++
		es.LastCounter = event.Message.Counter
	case event.StateChange != nil:
		s.StateChanges++
	case event.Error != nil:
		s.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Event Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerDispatch, log.LayerMonitor} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Heartbeats: %d\n", stats.Heartbeats)
	fmt.Fprintf(w, "State changes: %d\n", stats.StateChanges)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Channels: %d\n", len(stats.Channels))
	names := make([]string, 0, len(stats.Channels))
	for name := range stats.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := stats.Channels[name]
		duration := ch.LastSeen.Sub(ch.FirstSeen).Round(time.Millisecond)
		fmt.Fprintf(w, "  %s: %d events, duration %s\n", name, ch.Events, duration)
		if ch.LastState != "" {
			fmt.Fprintf(w, "      Last state: %s\n", ch.LastState)
		}
	}

	if len(stats.Events) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Subscribed events: %d\n", len(stats.Events))
		names = names[:0]
		for name := range stats.Events {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			es := stats.Events[name]
			fmt.Fprintf(w, "  %s: %d delivered, %d missed\n", name, es.Delivered, es.Missed)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}

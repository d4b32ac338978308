// Package commands implements the mash-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mash-protocol/mash-events/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Channel   string
	EventName string
}

func (f ViewFilter) toFilter() log.Filter {
	return log.Filter{
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
		Channel:   f.Channel,
		EventName: f.EventName,
	}
}

// typeLabel names the payload carried by event.
func typeLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type.String()
	case event.StateChange != nil:
		return "State"
	case event.ControlMsg != nil:
		return event.ControlMsg.Type.String()
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, shortenConnID(event.ConnectionID), event.Direction.String(), layerStr, typeLabel(event))
	if event.Channel != "" {
		fmt.Fprintf(w, "  Channel: %s\n", event.Channel)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		formatControlDetails(w, event.ControlMsg)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	switch msg.Type {
	case log.MessageTypeRequest, log.MessageTypeResponse:
		fmt.Fprintf(w, "  MessageID: %d\n", msg.MessageID)
		if msg.Object != "" {
			fmt.Fprintf(w, "  Call: %s.%s\n", msg.Object, msg.Method)
		}
		if msg.Status != nil {
			fmt.Fprintf(w, "  Status: %s\n", msg.Status.String())
		}
		if msg.Latency != nil {
			fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.Latency))
		}
	case log.MessageTypePush, log.MessageTypeEvent:
		fmt.Fprintf(w, "  Event: %s\n", msg.EventName)
		fmt.Fprintf(w, "  Kind: %s  Counter: %d\n", msg.Kind.String(), msg.Counter)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatControlDetails(w io.Writer, c *log.ControlMsgEvent) {
	if c.Type != log.ControlMsgCommand {
		return
	}
	fmt.Fprintf(w, "  Command: %s\n", c.Command.String())
	if c.Reply != "" {
		fmt.Fprintf(w, "  Reply: %s\n", c.Reply)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "dispatch":
		return log.LayerDispatch, nil
	case "monitor":
		return log.LayerMonitor, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, dispatch or monitor)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state or error)", s)
	}
}

// RunView writes every matching event of the log at path to output.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.toFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}

package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
// Error events are written at Warn.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.Channel != "" {
		attrs = append(attrs, slog.String("channel", event.Channel))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}

	level := slog.LevelDebug
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Message != nil:
		m := event.Message
		attrs = append(attrs, slog.String("msg_type", m.Type.String()))
		if m.MessageID != 0 {
			attrs = append(attrs, slog.Uint64("msg_id", uint64(m.MessageID)))
		}
		if m.Method != "" {
			attrs = append(attrs, slog.String("method", m.Method))
		}
		if m.Object != "" {
			attrs = append(attrs, slog.String("object", m.Object))
		}
		if m.Status != nil {
			attrs = append(attrs, slog.String("status", m.Status.String()))
		}
		if m.EventName != "" {
			attrs = append(attrs,
				slog.String("event", m.EventName),
				slog.String("kind", m.Kind.String()),
				slog.Uint64("counter", uint64(m.Counter)),
			)
		}
		if m.Latency != nil {
			attrs = append(attrs, slog.Duration("latency", *m.Latency))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs, slog.String("ctrl_type", event.ControlMsg.Type.String()))
		if event.ControlMsg.Type == ControlMsgCommand {
			attrs = append(attrs,
				slog.String("command", event.ControlMsg.Command.String()),
				slog.String("reply", event.ControlMsg.Reply),
			)
		}
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), level, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)

package log

// Logger receives protocol log events. Implementations must be safe for
// concurrent use and should not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. Usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

var _ Logger = NoopLogger{}

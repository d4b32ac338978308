package log

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// FileLogger appends protocol events to a file as a CBOR sequence.
type FileLogger struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger opens (or creates with mode 0644) path for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		file:    f,
		encoder: wire.NewEncoder(f),
	}, nil
}

// Log writes an event to the file. Encoding errors are ignored.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.encoder.Encode(event)
}

// Close closes the file. Subsequent Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadEvents decodes every event from a CBOR sequence written by FileLogger.
func ReadEvents(r io.Reader) ([]Event, error) {
	dec := wire.NewDecoder(r)
	var events []Event
	for {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

var _ Logger = (*FileLogger)(nil)

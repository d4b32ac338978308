package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// Filter selects log events. Zero fields match everything.
type Filter struct {
	ConnectionID string

	// Channel matches the admin identity exactly.
	Channel string

	// EventName matches published events whose name contains it.
	EventName string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Matches reports whether event passes every criterion.
func (f *Filter) Matches(event Event) bool {
	if f.ConnectionID != "" && event.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Channel != "" && event.Channel != f.Channel {
		return false
	}
	if f.EventName != "" {
		if event.Message == nil || !strings.Contains(event.Message.EventName, f.EventName) {
			return false
		}
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	return true
}

// Reader streams events from a file written by FileLogger.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens path for reading every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path for reading events that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: wire.NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next matching event, or io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mash-protocol/mash-events/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize is the default maximum message size (1 MB).
	DefaultMaxMessageSize = 1 << 20

	// MaxLogFrameDataSize bounds the frame bytes copied into log events.
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// Framer reads and writes length-prefixed frames. Writes are serialized;
// reads must come from a single goroutine.
type Framer struct {
	r       io.Reader
	w       io.Writer
	maxSize uint32
	wmu     sync.Mutex
	lenBuf  [LengthPrefixSize]byte

	logger log.Logger
	connID string
	remote string
	role   log.Role
}

// NewFramer creates a framer over rw with the default maximum size.
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxMessageSize)
}

// NewFramerWithMaxSize creates a framer with a custom maximum message size.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Framer{r: rw, w: rw, maxSize: maxSize}
}

// SetLogger enables frame logging. Pass nil to disable.
func (f *Framer) SetLogger(logger log.Logger, connID, remote string, role log.Role) {
	f.logger = logger
	f.connID = connID
	f.remote = remote
	f.role = role
}

// WriteFrame writes one length-prefixed frame. Safe for concurrent use.
func (f *Framer) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint32(len(data)) > f.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), f.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	f.wmu.Lock()
	_, err := f.w.Write(buf)
	f.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	f.logFrame(data, log.DirectionOut)
	return nil
}

// ReadFrame reads one frame and returns its payload.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(f.lenBuf[:])
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > f.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, f.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	f.logFrame(payload, log.DirectionIn)
	return payload, nil
}

func (f *Framer) logFrame(data []byte, dir log.Direction) {
	if f.logger == nil {
		return
	}
	frameData := data
	truncated := false
	if len(frameData) > MaxLogFrameDataSize {
		frameData = frameData[:MaxLogFrameDataSize]
		truncated = true
	}
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		LocalRole:    f.role,
		RemoteAddr:   f.remote,
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(data),
			Data:      append([]byte(nil), frameData...),
			Truncated: truncated,
		},
	})
}

package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mash-protocol/mash-events/pkg/wire"
)

// StateVersion is the current state file format version.
const StateVersion = 1

// SubscriptionState is the persisted subscription set.
type SubscriptionState struct {
	Version       int                  `json:"version"`
	SavedAt       time.Time            `json:"savedAt"`
	Subscriptions []SubscriptionRecord `json:"subscriptions"`
}

// SubscriptionRecord is enough to subscribe again.
type SubscriptionRecord struct {
	Device    string         `json:"device"`
	Attribute string         `json:"attribute"`
	EventType wire.EventType `json:"eventType"`
	Filters   []string       `json:"filters,omitempty"`
	Stateless bool           `json:"stateless,omitempty"`
	Queue     bool           `json:"queue,omitempty"`
}

// Key returns the event key of the record.
func (r SubscriptionRecord) Key() string {
	return wire.EventKey(r.Device, r.Attribute, r.EventType)
}

// Store reads and writes a state file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Save writes state, replacing the file atomically.
func (s *Store) Save(state *SubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Load reads the state. It returns nil, nil if the file does not exist.
func (s *Store) Load() (*SubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &SubscriptionState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("state file %s has version %d, newer than %d", s.path, state.Version, StateVersion)
	}
	for i, r := range state.Subscriptions {
		if !r.EventType.IsValid() {
			return nil, fmt.Errorf("state file %s: subscription %d: %w: %q", s.path, i, wire.ErrInvalidEventType, r.EventType)
		}
	}
	return state, nil
}

// Clear removes the state file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

package naming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no resolver knows a name.
var ErrNotFound = errors.New("name not found")

// Resolver maps an object name to "host:port".
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Normalize lower-cases and trims an object name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// StaticConfig is the YAML form of a static name table.
//
//	objects:
//	  sys/tg/1: 127.0.0.1:10000
//	  dserver/tangotest/test: 127.0.0.1:10000
type StaticConfig struct {
	Objects map[string]string `yaml:"objects"`
}

// Static resolves names from an in-memory table.
type Static struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewStatic creates a resolver with the given entries.
func NewStatic(entries map[string]string) *Static {
	s := &Static{entries: make(map[string]string, len(entries))}
	for name, addr := range entries {
		s.entries[Normalize(name)] = addr
	}
	return s
}

// LoadStatic reads a StaticConfig file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg StaticConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewStatic(cfg.Objects), nil
}

// Register adds or replaces an entry.
func (s *Static) Register(name, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Normalize(name)] = addr
}

// Unregister removes an entry.
func (s *Static) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Normalize(name))
}

// Resolve returns the registered address of name.
func (s *Static) Resolve(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.entries[Normalize(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return addr, nil
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, r := range c {
		addr, err := r.Resolve(ctx, name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %s: %w", ErrNotFound, name, errors.Join(errs...))
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

var (
	_ Resolver = (*Static)(nil)
	_ Resolver = Chain(nil)
)

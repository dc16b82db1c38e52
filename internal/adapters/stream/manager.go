package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithBackOff replaces the exporter retry schedule.
func WithBackOff(fn func() backoff.BackOff) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newBackOff = fn
		}
	}
}

// Manager owns the streams stored under one root directory. Each stream
// lives in a subdirectory named after it.
type Manager struct {
	root       string
	obs        ports.Observability
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewManager(root string, obs ports.Observability, opts ...ManagerOption) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("stream root directory is required")
	}
	if obs == nil {
		return nil, fmt.Errorf("observability is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		root:       root,
		obs:        obs,
		newBackOff: DefaultBackOff,
		streams:    make(map[string]*Stream),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Create makes a new, empty stream. It fails with domain.ErrAlreadyExists if
// a stream of that name is open or present on disk; callers that want a
// fresh start Delete first.
func (m *Manager) Create(cfg domain.StreamConfig, consumer ports.Consumer) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if err := validateName(cfg.Name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrAlreadyExists, cfg.Name)
	}
	dir := m.dir(cfg.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrAlreadyExists, cfg.Name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	s, err := openStream(dir, cfg, consumer, m.obs, m.newBackOff)
	if err != nil {
		return nil, err
	}
	m.streams[cfg.Name] = s
	m.obs.LogInfo("stream_created",
		ports.Field{Key: "stream", Value: cfg.Name},
		ports.Field{Key: "max_bytes", Value: cfg.MaxBytes},
		ports.Field{Key: "full_policy", Value: string(cfg.FullPolicy)})
	return s, nil
}

// Open attaches to an existing on-disk stream and resumes after its last
// acknowledged sequence.
func (m *Manager) Open(cfg domain.StreamConfig, consumer ports.Consumer) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if err := validateName(cfg.Name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %q is already open", domain.ErrAlreadyExists, cfg.Name)
	}
	dir := m.dir(cfg.Name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", domain.ErrStreamNotFound, cfg.Name)
	} else if err != nil {
		return nil, err
	}

	s, err := openStream(dir, cfg, consumer, m.obs, m.newBackOff)
	if err != nil {
		return nil, err
	}
	m.streams[cfg.Name] = s
	return s, nil
}

// Delete closes and removes a stream. Deleting a stream that does not exist
// is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.streams[name]
	delete(m.streams, name)
	m.mu.Unlock()

	if ok {
		if err := s.Close(ctx); err != nil {
			return fmt.Errorf("close stream %q: %w", name, err)
		}
	}
	if err := os.RemoveAll(m.dir(name)); err != nil {
		return fmt.Errorf("delete stream %q: %w", name, err)
	}
	return nil
}

// Get returns an open stream by name.
func (m *Manager) Get(name string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[name]
	return s, ok
}

// Close closes every open stream.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for name, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) dir(name string) string {
	return filepath.Join(m.root, name)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("stream name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid stream name %q", name)
	}
	return nil
}

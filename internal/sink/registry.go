package sink

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/compile-asm/pkg/types"
)

// Registry finds or creates the sink for a target key.
type Registry struct {
	mu        sync.Mutex
	sinks     map[types.TargetKey]*Sink
	factory   BufferFactory
	queueSize int
	log       *slog.Logger
}

// NewRegistry creates a registry whose sinks are backed by factory.
func NewRegistry(factory BufferFactory, queueSize int, logger *slog.Logger) *Registry {
	if factory == nil {
		factory = MemoryFactory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sinks:     make(map[types.TargetKey]*Sink),
		factory:   factory,
		queueSize: queueSize,
		log:       logger,
	}
}

// Open returns the open sink for name, creating it on first use.
// A sink that was closed is replaced by a fresh one.
func (r *Registry) Open(name types.TargetKey) (*Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sinks[name]; ok && !s.Closed() {
		return s, nil
	}

	buf, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink %q: %w", name, err)
	}

	s := New(name, buf, r.queueSize, r.log)
	r.sinks[name] = s
	r.log.Debug("Sink created", "target", name)
	return s, nil
}

// Lookup returns the sink for name without creating it.
func (r *Registry) Lookup(name types.TargetKey) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names lists every known target key in sorted order.
func (r *Registry) Names() []types.TargetKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]types.TargetKey, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// CloseAll flushes and closes every sink.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sinks := make([]*Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	for _, s := range sinks {
		s.Flush()
		if err := s.Close(); err != nil {
			r.log.Warn("Failed to close sink", "target", s.Name(), "error", err)
		}
	}
}

package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/compile-asm/pkg/types"
)

// Buffer is the scratch destination behind a Sink.
// The Sink serializes calls, so implementations need no locking of their own
// unless they are also read from other goroutines.
type Buffer interface {
	Append(text string) error
}

// BufferFactory creates the destination for a target key the first time the
// Registry opens it.
type BufferFactory func(name types.TargetKey) (Buffer, error)

// ============================================================================
// Memory
// ============================================================================

// Memory keeps the document in process. Safe for concurrent readers.
type Memory struct {
	mu        sync.Mutex
	doc       strings.Builder
	fragments []string
}

// NewMemory creates an empty in-memory document.
func NewMemory() *Memory {
	return &Memory{}
}

// Append adds text to the end of the document.
func (m *Memory) Append(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.WriteString(text)
	m.fragments = append(m.fragments, text)
	return nil
}

// String returns the whole document.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.String()
}

// Fragments returns a copy of every appended fragment, in order.
func (m *Memory) Fragments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.fragments))
	copy(out, m.fragments)
	return out
}

// MemoryFactory creates a fresh Memory per target.
func MemoryFactory() BufferFactory {
	return func(types.TargetKey) (Buffer, error) {
		return NewMemory(), nil
	}
}

// ============================================================================
// Writer
// ============================================================================

// WriterBuffer appends to an io.Writer such as stdout.
type WriterBuffer struct {
	w io.Writer
}

// NewWriterBuffer wraps w.
func NewWriterBuffer(w io.Writer) *WriterBuffer {
	return &WriterBuffer{w: w}
}

// Append writes text to the underlying writer.
func (b *WriterBuffer) Append(text string) error {
	_, err := io.WriteString(b.w, text)
	return err
}

// WriterFactory sends every target to the same writer. Targets share w, so
// it must only be used by one sink at a time or tolerate interleaving.
func WriterFactory(w io.Writer) BufferFactory {
	return func(types.TargetKey) (Buffer, error) {
		return NewWriterBuffer(w), nil
	}
}

// ============================================================================
// File
// ============================================================================

// FileBuffer is a scratch file named after the target key.
type FileBuffer struct {
	f *os.File
}

// OpenFile creates (truncating) path.
func OpenFile(path string) (*FileBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch file: %w", err)
	}
	return &FileBuffer{f: f}, nil
}

// Append writes text at the end of the file.
func (b *FileBuffer) Append(text string) error {
	_, err := b.f.WriteString(text)
	return err
}

// Path returns the file name.
func (b *FileBuffer) Path() string { return b.f.Name() }

// Close closes the file.
func (b *FileBuffer) Close() error { return b.f.Close() }

// FileFactory places scratch files in dir, creating it if needed.
func FileFactory(dir string) BufferFactory {
	return func(name types.TargetKey) (Buffer, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
		return OpenFile(filepath.Join(dir, filepath.Base(string(name))))
	}
}

// ============================================================================
// Fanout
// ============================================================================

// Fanout is a Memory document that also forwards every append to live
// subscribers. Append blocks until each subscriber takes the fragment or
// unsubscribes.
type Fanout struct {
	*Memory

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

// NewFanout creates an empty fanout document.
func NewFanout() *Fanout {
	return &Fanout{
		Memory: NewMemory(),
		subs:   make(map[int]*subscriber),
	}
}

// FanoutFactory creates a fresh Fanout per target.
func FanoutFactory() BufferFactory {
	return func(types.TargetKey) (Buffer, error) {
		return NewFanout(), nil
	}
}

// Append stores text and forwards it to subscribers.
func (f *Fanout) Append(text string) error {
	if err := f.Memory.Append(text); err != nil {
		return err
	}

	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- text:
		case <-s.done:
		}
	}
	return nil
}

// Subscribe returns a channel receiving fragments appended from now on, and
// a cancel func that must be called when the caller stops reading.
func (f *Fanout) Subscribe(buffer int) (<-chan string, func()) {
	s := &subscriber{
		ch:   make(chan string, buffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = s
	f.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			close(s.done)
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// ============================================================================
// compile-asm Output Sink - serialized append-only destination
// ============================================================================
//
// Package: internal/sink
// File: sink.go
// Purpose: The single logical destination a compile job writes into.
//
// Two ways in:
//   Write(text)  - synchronous append under the sink mutex, on the caller's
//                  goroutine (used for the preamble so feedback is instant).
//   Queue(text)  - deferred append. Fragments are handed to one delivery
//                  goroutine per sink which appends them in queue order.
//
//   ┌────────┐ Queue  ┌──────────────┐        ┌──────────┐
//   │ Writer │──────▶ │              │        │          │
//   └────────┘        │ delivery     │ Write  │  Buffer  │
//   ┌────────┐ Queue  │ goroutine    │──────▶ │ (scratch)│
//   │ Reader │──────▶ │ (FIFO)       │        │          │
//   └────────┘        └──────────────┘        └──────────┘
//                                  ▲ Write (preamble)
//                      Controller ─┘
//
// Invariants:
//   - at most one Buffer.Append runs at a time (mu)
//   - queued fragments are appended in the order they were queued
//   - anything arriving after Close is dropped silently
//
// ============================================================================

package sink

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/compile-asm/pkg/types"
)

// ErrSinkClosed is returned by Write once the sink has been torn down.
var ErrSinkClosed = errors.New("sink: closed")

// DefaultQueueSize is the delivery queue depth used when none is given.
const DefaultQueueSize = 64

type delivery struct {
	text string
	ack  chan struct{} // flush marker when non-nil
}

// Sink is an append-only destination guarded by a mutex.
type Sink struct {
	name types.TargetKey
	log  *slog.Logger

	mu     sync.Mutex // serializes appends and protects closed
	buf    Buffer
	closed bool

	queue chan delivery
	done  chan struct{}
}

// New creates a sink over buf and starts its delivery goroutine.
func New(name types.TargetKey, buf Buffer, queueSize int, logger *slog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		name:  name,
		log:   logger,
		buf:   buf,
		queue: make(chan delivery, queueSize),
		done:  make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// Name returns the target key the sink was opened for.
func (s *Sink) Name() types.TargetKey { return s.name }

// Buffer returns the underlying destination.
func (s *Sink) Buffer() Buffer { return s.buf }

// Write appends text synchronously.
func (s *Sink) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	return s.buf.Append(text)
}

// Queue hands text to the delivery goroutine. It blocks only while the queue
// is full and returns immediately once the sink is closed.
func (s *Sink) Queue(text string) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- delivery{text: text}:
	case <-s.done:
	}
}

// Flush waits until every fragment queued before the call has been appended.
func (s *Sink) Flush() {
	ack := make(chan struct{})

	select {
	case s.queue <- delivery{ack: ack}:
	case <-s.done:
		return
	}

	select {
	case <-ack:
	case <-s.done:
	}
}

// Close tears the sink down. Pending deliveries are dropped; call Flush
// first to keep them. Closing twice is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if c, ok := s.buf.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sink) deliverLoop() {
	for {
		select {
		case d := <-s.queue:
			if d.ack != nil {
				close(d.ack)
				continue
			}
			if err := s.Write(d.text); err != nil && !errors.Is(err, ErrSinkClosed) {
				s.log.Warn("Failed to append to sink", "target", s.name, "error", err)
			}

		case <-s.done:
			return
		}
	}
}

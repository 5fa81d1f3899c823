// ============================================================================
// compile-asm Writer - feeds the source text to the compiler
// ============================================================================
//
// Package: internal/worker
// File: writer.go
// Purpose: Owns the subprocess's stdin for one job.
//
// How it works:
//   1. Encode the whole source text with the job's codec
//   2. Write every byte to stdin (blocks until the pipe accepts them)
//   3. Close stdin so the compiler sees end-of-input
//
// Error Handling:
//   - Encode failure: nothing is written, a diagnostic naming the encoding
//     is delivered through the queued path, stdin is closed
//   - Write failure (process killed, pipe closed): treated as the end of the
//     stream, logged at debug level and otherwise dropped
//
// ============================================================================

package worker

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/compile-asm/internal/codec"
)

// Writer is the stdin side of a compile job.
type Writer struct {
	dst     io.WriteCloser
	text    string
	codec   *codec.Codec
	deliver Deliver
	log     *slog.Logger
}

// NewWriter creates a writer that pipes text into dst.
func NewWriter(dst io.WriteCloser, text string, c *codec.Codec, deliver Deliver, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		dst:     dst,
		text:    text,
		codec:   c,
		deliver: deliver,
		log:     logger,
	}
}

// Run performs the write and closes dst. It never panics on stream errors.
func (w *Writer) Run() Result {
	start := time.Now()
	defer func() {
		if err := w.dst.Close(); err != nil {
			w.log.Debug("Closing compiler stdin failed", "error", err)
		}
	}()

	payload, err := w.codec.Encode(w.text)
	if err != nil {
		w.deliver(fmt.Sprintf("Error encoding input using %s - %v\n", w.codec.Name(), err))
		return Result{Fragments: 1, Err: err, Duration: time.Since(start)}
	}

	n, err := w.dst.Write(payload)
	if err != nil {
		// killed or exited early; the reader sees the same thing as EOF
		w.log.Debug("Compiler stdin write ended early", "written", n, "total", len(payload), "error", err)
	}

	return Result{Bytes: n, Duration: time.Since(start)}
}

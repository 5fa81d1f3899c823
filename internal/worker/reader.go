// ============================================================================
// compile-asm Reader - drains compiler output into the sink
// ============================================================================
//
// Package: internal/worker
// File: reader.go
// Purpose: Owns the subprocess's combined stdout/stderr for one job.
//
// Chunking:
//   Output is read chunkSize bytes at a time into an accumulation buffer.
//
//   ┌─ read n bytes ─────────────────────────────────────────────┐
//   │ n == chunkSize, no EOF   → more is probably coming, keep   │
//   │                            accumulating, do not flush      │
//   │ n <  chunkSize           → flush what has accumulated      │
//   │ EOF and nothing pending  → stop                            │
//   │ EOF with pending bytes   → flush, then stop                │
//   └────────────────────────────────────────────────────────────┘
//
//   Flushing only on short reads keeps multi-chunk bursts in one decode,
//   so a multi-byte character is not split at an arbitrary 8 KiB boundary.
//
// Error Handling:
//   - Decode failure: a diagnostic naming the encoding is delivered and the
//     loop ends; nothing else is delivered by this reader
//   - Any other read error ends the loop silently (a killed process shows up
//     here); bytes still pending are dropped
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/compile-asm/internal/codec"
	"github.com/ChuLiYu/compile-asm/internal/filter"
)

// Reader is the stdout side of a compile job.
type Reader struct {
	src       io.Reader
	chunkSize int
	codec     *codec.Codec
	filter    *filter.Filter
	deliver   Deliver
	log       *slog.Logger
}

// ReaderConfig holds the optional knobs of a Reader.
type ReaderConfig struct {
	ChunkSize int            // defaults to DefaultChunkSize
	Filter    *filter.Filter // nil delivers raw output
	Logger    *slog.Logger
}

// NewReader creates a reader draining src.
func NewReader(src io.Reader, c *codec.Codec, deliver Deliver, cfg ReaderConfig) *Reader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		src:       src,
		chunkSize: cfg.ChunkSize,
		codec:     c,
		filter:    cfg.Filter,
		deliver:   deliver,
		log:       cfg.Logger,
	}
}

// Run reads until end of stream, a decode error or an I/O error.
func (r *Reader) Run() Result {
	start := time.Now()
	chunk := make([]byte, r.chunkSize)
	var (
		pending []byte
		res     Result
	)

	for {
		n, err := r.src.Read(chunk)
		pending = append(pending, chunk[:n]...)
		res.Bytes += n

		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			r.log.Debug("Compiler output ended", "error", err, "dropped", len(pending))
			break
		}

		if n == r.chunkSize && !eof {
			continue
		}

		if len(pending) == 0 {
			if eof {
				break
			}
			continue
		}

		text, derr := r.codec.Decode(pending)
		if derr != nil {
			r.deliver(fmt.Sprintf("Error decoding output using %s - %v\n", r.codec.Name(), derr))
			res.Fragments++
			res.Err = derr
			break
		}

		if text = r.filter.Apply(text); text != "" {
			r.deliver(text)
			res.Fragments++
		}

		if eof {
			break
		}
		pending = pending[:0]
	}

	res.Duration = time.Since(start)
	return res
}

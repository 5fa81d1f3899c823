package worker

import (
	"time"
)

// DefaultChunkSize is the read unit of the reader task.
const DefaultChunkSize = 1 << 13

// Deliver hands decoded text to the output sink. Implementations are expected
// to queue rather than block on the destination.
type Deliver func(text string)

// Result summarizes one finished writer or reader task.
type Result struct {
	Bytes     int           // bytes written to stdin / read from stdout
	Fragments int           // fragments delivered to the sink
	Err       error         // encode/decode error turned into a diagnostic, if any
	Duration  time.Duration // task run time
}

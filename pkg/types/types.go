// Package types defines the core domain model shared by compile-asm packages.
package types

import (
	"strings"
	"time"
)

// TargetKey identifies an output destination, e.g. "foo.arm64.asm".
// Jobs with the same key share one sink and supersede each other.
type TargetKey string

// JobID unique identifier of one compile attempt
type JobID string

// JobStatus lifecycle state of a compile job
type JobStatus string

const (
	StatusStarting  JobStatus = "starting"  // registered, process not spawned yet
	StatusRunning   JobStatus = "running"   // process spawned, writer/reader active
	StatusCompleted JobStatus = "completed" // both tasks finished and the process exited
	StatusCancelled JobStatus = "cancelled" // superseded by a newer job or stopped
	StatusFailed    JobStatus = "failed"    // process could not be spawned
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Request is everything the job controller needs to launch one compile.
// Args are produced by a collaborator (see internal/invocation).
type Request struct {
	Source     string    // full buffer contents
	TargetKey  TargetKey // output destination name
	Args       []string  // command + flags
	WorkingDir string    // process working directory
	NoFilter   bool      // disable directive stripping for this job
}

// CommandLine renders Args the way the preamble shows them.
func (r Request) CommandLine() string {
	return strings.Join(r.Args, " ")
}

// JobInfo is a read-only view of a job, used by the status surfaces.
type JobInfo struct {
	ID         JobID     `json:"id"`
	TargetKey  TargetKey `json:"target_key"`
	Status     JobStatus `json:"status"`
	PID        int       `json:"pid,omitempty"`
	BytesPiped int       `json:"bytes_piped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

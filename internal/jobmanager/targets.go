// ============================================================================
// compile-asm Job Table - per-target job state
// ============================================================================
//
// Package: internal/jobmanager
// File: targets.go
// Purpose: Tracks, for every target key, the job currently bound to it.
//
// Design:
//   One entry per target key instead of a single "last process" field, so a
//   compile of foo.arm64.asm never touches the job of foo.x86_64.asm.
//
//   Swap(key, job) installs the new job and hands back the previous one. The
//   caller (the controller) owns termination of that previous job; the table
//   only records state.
//
// State transitions recorded per target:
//   (none) ──Swap──▶ running ──Finish──▶ completed / cancelled / failed
//                       │
//                       └── Swap again ──▶ previous counted as superseded
//   requests rejected before a job exists are counted with RecordFailure.
//
// Concurrency:
//   sync.RWMutex guards the map; Handle implementations are expected to be
//   safe for concurrent use.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/compile-asm/pkg/types"
)

var (
	// ErrTargetNotFound no job was ever registered for the target key
	ErrTargetNotFound = errors.New("target not found")
	// ErrStaleJob the job is no longer the current one for its target
	ErrStaleJob = errors.New("job superseded")
)

// Handle is the view of a job the table needs.
type Handle interface {
	Info() types.JobInfo
	Running() bool
}

// TargetState is a point-in-time copy of one table entry.
type TargetState struct {
	TargetKey  types.TargetKey `json:"target_key"`
	Current    *types.JobInfo  `json:"current,omitempty"`
	Started    int             `json:"started"`
	Superseded int             `json:"superseded"`
	Completed  int             `json:"completed"`
	Cancelled  int             `json:"cancelled"`
	Failed     int             `json:"failed"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type entry struct {
	current    Handle
	started    int
	superseded int
	completed  int
	cancelled  int
	failed     int
	updatedAt  time.Time
}

// JobManager maps target keys to their job state.
type JobManager struct {
	mu      sync.RWMutex
	targets map[types.TargetKey]*entry
}

// NewJobManager creates an empty table.
func NewJobManager() *JobManager {
	return &JobManager{
		targets: make(map[types.TargetKey]*entry),
	}
}

func (jm *JobManager) entryLocked(key types.TargetKey) *entry {
	e, ok := jm.targets[key]
	if !ok {
		e = &entry{}
		jm.targets[key] = e
	}
	return e
}

// Swap makes h the current job of key and returns the previous job, or nil.
func (jm *JobManager) Swap(key types.TargetKey, h Handle) Handle {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e := jm.entryLocked(key)
	prev := e.current
	if prev != nil && prev.Running() {
		e.superseded++
	}
	e.current = h
	e.started++
	e.updatedAt = time.Now()
	return prev
}

// Current returns the job bound to key, or nil.
func (jm *JobManager) Current(key types.TargetKey) Handle {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if e, ok := jm.targets[key]; ok {
		return e.current
	}
	return nil
}

// Finish records the terminal status of job id. Finishing a job that has
// already been superseded is still counted but returns ErrStaleJob.
func (jm *JobManager) Finish(key types.TargetKey, id types.JobID, status types.JobStatus) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, ok := jm.targets[key]
	if !ok {
		return ErrTargetNotFound
	}

	switch status {
	case types.StatusCompleted:
		e.completed++
	case types.StatusCancelled:
		e.cancelled++
	case types.StatusFailed:
		e.failed++
	}
	e.updatedAt = time.Now()

	if e.current == nil || e.current.Info().ID != id {
		return ErrStaleJob
	}
	return nil
}

// RecordFailure counts a compile rejected before any job was created.
func (jm *JobManager) RecordFailure(key types.TargetKey) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e := jm.entryLocked(key)
	e.failed++
	e.updatedAt = time.Now()
}

// Live returns every current job that is still running.
func (jm *JobManager) Live() []Handle {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	live := make([]Handle, 0, len(jm.targets))
	for _, e := range jm.targets {
		if e.current != nil && e.current.Running() {
			live = append(live, e.current)
		}
	}
	return live
}

// Snapshot copies the table, sorted by target key.
func (jm *JobManager) Snapshot() []TargetState {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]TargetState, 0, len(jm.targets))
	for key, e := range jm.targets {
		st := TargetState{
			TargetKey:  key,
			Started:    e.started,
			Superseded: e.superseded,
			Completed:  e.completed,
			Cancelled:  e.cancelled,
			Failed:     e.failed,
			UpdatedAt:  e.updatedAt,
		}
		if e.current != nil {
			info := e.current.Info()
			st.Current = &info
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetKey < out[j].TargetKey })
	return out
}

// Stats aggregates counters over all targets.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"targets":    len(jm.targets),
		"running":    0,
		"started":    0,
		"superseded": 0,
		"completed":  0,
		"cancelled":  0,
		"failed":     0,
	}
	for _, e := range jm.targets {
		if e.current != nil && e.current.Running() {
			stats["running"]++
		}
		stats["started"] += e.started
		stats["superseded"] += e.superseded
		stats["completed"] += e.completed
		stats["cancelled"] += e.cancelled
		stats["failed"] += e.failed
	}
	return stats
}

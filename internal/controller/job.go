package controller

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/compile-asm/internal/sink"
	"github.com/ChuLiYu/compile-asm/pkg/types"
	"github.com/google/uuid"
)

// Job is one compile attempt: a spawned process plus its writer/reader pair.
// The controller that created the job is the only caller of Cancel.
type Job struct {
	id        types.JobID
	key       types.TargetKey
	sink      *sink.Sink
	terminate func(*os.Process) error

	mu         sync.Mutex
	cmd        *exec.Cmd
	status     types.JobStatus
	bytesPiped int
	startedAt  time.Time
	finishedAt time.Time

	cancelled bool          // set only when the terminate signal was delivered
	done      chan struct{} // closed once terminal
}

func newJob(key types.TargetKey, terminate func(*os.Process) error) *Job {
	if terminate == nil {
		terminate = terminateProcess
	}
	return &Job{
		id:        types.JobID(uuid.NewString()),
		key:       key,
		terminate: terminate,
		status:    types.StatusStarting,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() types.JobID { return j.id }

// TargetKey returns the output target the job writes to.
func (j *Job) TargetKey() types.TargetKey { return j.key }

// Sink returns the job's output sink, nil if the job never started.
func (j *Job) Sink() *sink.Sink {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sink
}

// Status returns the current lifecycle state.
func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Running reports whether the job has not reached a terminal state.
func (j *Job) Running() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// Done is closed when both tasks have finished and the process was reaped,
// or the spawn failed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is terminal.
func (j *Job) Wait() { <-j.done }

// Cancelled reports whether Cancel signalled the process.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Cancel sends a terminate signal to the process and returns immediately.
// The writer and reader notice through their pipes and wind down on their
// own. Returns false when there was nothing to signal or the signal could
// not be delivered; the job then does not count as cancelled.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cmd == nil || j.cmd.Process == nil || !j.Running() {
		return false
	}
	if err := j.terminate(j.cmd.Process); err != nil {
		// typically os.ErrProcessDone: exited between the check and the signal
		return false
	}
	j.cancelled = true
	return true
}

// Info returns a snapshot for the status surfaces.
func (j *Job) Info() types.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := types.JobInfo{
		ID:         j.id,
		TargetKey:  j.key,
		Status:     j.status,
		BytesPiped: j.bytesPiped,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.cmd != nil && j.cmd.Process != nil {
		info.PID = j.cmd.Process.Pid
	}
	return info
}

func (j *Job) setRunning(cmd *exec.Cmd, s *sink.Sink, bytesPiped int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cmd = cmd
	j.sink = s
	j.bytesPiped = bytesPiped
	j.status = types.StatusRunning
}

func (j *Job) finish(status types.JobStatus) {
	j.mu.Lock()
	j.status = status
	j.finishedAt = time.Now()
	j.mu.Unlock()
	close(j.done)
}

// terminateProcess is the platform's polite stop: SIGTERM on Unix,
// TerminateProcess (Kill) on Windows.
func terminateProcess(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}

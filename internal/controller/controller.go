// ============================================================================
// compile-asm Controller - compile job orchestration
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Starts compile jobs and keeps at most one of them alive per
//          target key.
//
// Start flow:
//   1. lock the target key (other targets proceed independently)
//   2. register the new job; a previous job still alive for the key is sent
//      a terminate signal (signal and forget, or wait when DrainPrevious)
//   3. open the target's sink (find-or-create)
//   4. spawn the compiler: stdin piped, stdout+stderr sharing one pipe
//   5. write the preamble synchronously:
//        ; Compiled with: <args>
//        ; -- Piped <n> bytes to compiler
//   6. launch Writer and Reader goroutines and return
//
//   ┌────────────┐ spawn ┌──────────┐ stdin  ┌──────────┐
//   │ Controller │──────▶│ compiler │◀───────│  Writer  │
//   └────────────┘       └──────────┘        └──────────┘
//         │ preamble          │ stdout+stderr
//         ▼                   ▼
//   ┌────────────┐ Queue ┌──────────┐
//   │    Sink    │◀──────│  Reader  │
//   └────────────┘       └──────────┘
//
// Ordering:
//   Terminating the old process happens before the new one is spawned. The
//   old job's reader may still be draining when the new preamble is
//   written, so the tail of an old compile can land after the new header in
//   a shared sink. DrainPrevious closes that gap by waiting for the old job.
//
// Error taxonomy:
//   - settings unavailable (Compile only): no-op, nothing written
//   - encode / decode errors: diagnostics in the sink, never returned
//   - spawn failure: returned to the caller wrapped in ErrSpawn
//   - any other stream error: normal end of stream
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/compile-asm/internal/codec"
	"github.com/ChuLiYu/compile-asm/internal/config"
	"github.com/ChuLiYu/compile-asm/internal/filter"
	"github.com/ChuLiYu/compile-asm/internal/invocation"
	"github.com/ChuLiYu/compile-asm/internal/jobmanager"
	"github.com/ChuLiYu/compile-asm/internal/metrics"
	"github.com/ChuLiYu/compile-asm/internal/sink"
	"github.com/ChuLiYu/compile-asm/internal/worker"
	"github.com/ChuLiYu/compile-asm/pkg/types"
)

var (
	// ErrSpawn wraps failures to launch the compiler process.
	ErrSpawn = errors.New("failed to spawn compiler")
	// ErrNoCommand is returned for a request without arguments.
	ErrNoCommand = errors.New("empty compiler command")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("controller stopped")
)

// DefaultStopTimeout bounds how long Stop waits for cancelled jobs.
const DefaultStopTimeout = 5 * time.Second

// ============================================================================
// Configuration
// ============================================================================

// Stream controls how a job's bytes are encoded, chunked and filtered.
type Stream struct {
	Codec         *codec.Codec
	ChunkSize     int
	Filter        *filter.Filter
	DrainPrevious bool
}

// StreamFromSettings derives the stream parameters from settings.
func StreamFromSettings(s *config.Settings) (Stream, error) {
	c, err := codec.New(s.Encoding)
	if err != nil {
		return Stream{}, err
	}

	st := Stream{
		Codec:         c,
		ChunkSize:     s.ChunkSize,
		DrainPrevious: s.DrainPrevious,
	}
	if s.Strip() {
		st.Filter = filter.New(s.DirectivePrefixes)
	}
	return st, nil
}

// Config Controller configuration
type Config struct {
	Settings    config.Loader      // settings source for Compile; nil means defaults
	Sinks       sink.BufferFactory // scratch destinations; nil means in-memory
	QueueSize   int                // sink delivery queue depth
	Metrics     *metrics.Collector // optional
	Logger      *slog.Logger       // defaults to slog.Default()
	StopTimeout time.Duration
}

// Controller starts and supersedes compile jobs.
type Controller struct {
	config Config
	log    *slog.Logger
	jobs   *jobmanager.JobManager
	sinks  *sink.Registry
	stream Stream // defaults for Start

	mu      sync.Mutex                      // protects keyLock and stopped
	keyLock map[types.TargetKey]*sync.Mutex // one Start at a time per target
	stopped bool

	// process hooks, replaced in tests
	startProcess func(*exec.Cmd) error
	terminate    func(*os.Process) error
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Static(config.Default())
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	return &Controller{
		config: cfg,
		log:    cfg.Logger,
		jobs:   jobmanager.NewJobManager(),
		sinks:  sink.NewRegistry(cfg.Sinks, cfg.QueueSize, cfg.Logger),
		stream: Stream{
			Codec:     codec.MustNew(codec.DefaultEncoding),
			ChunkSize: worker.DefaultChunkSize,
			Filter:    filter.Default(),
		},
		keyLock:      make(map[types.TargetKey]*sync.Mutex),
		startProcess: func(cmd *exec.Cmd) error { return cmd.Start() },
		terminate:    terminateProcess,
	}
}

// Jobs exposes the per-target job table.
func (c *Controller) Jobs() *jobmanager.JobManager { return c.jobs }

// Sinks exposes the sink registry.
func (c *Controller) Sinks() *sink.Registry { return c.sinks }

// SetStream replaces the stream defaults used by Start.
func (c *Controller) SetStream(st Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = c.completeStream(st)
}

func (c *Controller) completeStream(st Stream) Stream {
	if st.Codec == nil {
		st.Codec = codec.MustNew(codec.DefaultEncoding)
	}
	if st.ChunkSize <= 0 {
		st.ChunkSize = worker.DefaultChunkSize
	}
	return st
}

func (c *Controller) lockTarget(key types.TargetKey) (func(), error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	l, ok := c.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLock[key] = l
	}
	c.mu.Unlock()

	l.Lock()

	// Stop may have run while this caller waited for the key
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		l.Unlock()
		return nil, ErrStopped
	}
	return l.Unlock, nil
}

// ============================================================================
// Public API
// ============================================================================

// CompileRequest is the editor-command entry point input.
type CompileRequest struct {
	Source   invocation.Source
	Options  invocation.Options
	NoFilter bool
}

// Compile loads the settings, builds the invocation and starts the job.
// When the settings cannot be loaded it does nothing and returns (nil, nil).
func (c *Controller) Compile(ctx context.Context, req CompileRequest) (*Job, error) {
	cfg, err := c.config.Settings()
	if err != nil {
		c.log.Debug("Settings unavailable, compile skipped", "error", err)
		return nil, nil
	}

	st, err := StreamFromSettings(&cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	inv, err := invocation.NewBuilder(&cfg.Settings).Build(ctx, req.Source, req.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to build invocation: %w", err)
	}

	return c.start(types.Request{
		Source:     req.Source.Text,
		TargetKey:  inv.TargetKey,
		Args:       inv.Args,
		WorkingDir: inv.WorkingDir,
		NoFilter:   req.NoFilter,
	}, st)
}

// Start launches req with the controller's stream defaults. It returns as
// soon as the writer and reader are running.
func (c *Controller) Start(req types.Request) (*Job, error) {
	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	return c.start(req, st)
}

func (c *Controller) start(req types.Request, st Stream) (*Job, error) {
	if len(req.Args) == 0 {
		c.jobs.RecordFailure(req.TargetKey)
		return nil, ErrNoCommand
	}
	st = c.completeStream(st)
	if req.NoFilter {
		st.Filter = nil
	}

	unlock, err := c.lockTarget(req.TargetKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job := newJob(req.TargetKey, c.terminate)
	if prev, ok := c.jobs.Swap(req.TargetKey, job).(*Job); ok && prev != nil {
		c.supersede(prev, st.DrainPrevious)
	}

	out, err := c.sinks.Open(req.TargetKey)
	if err != nil {
		c.fail(job)
		return nil, err
	}

	cmd, stdin, stdout, err := c.spawn(req)
	if err != nil {
		c.fail(job)
		c.log.Error("Failed to spawn compiler", "target", req.TargetKey, "command", req.Args[0], "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	job.setRunning(cmd, out, len(req.Source))
	c.config.Metrics.RecordStarted()

	_ = out.Write(fmt.Sprintf("; Compiled with: %s\n", req.CommandLine()))
	_ = out.Write(fmt.Sprintf("; -- Piped %d bytes to compiler\n", len(req.Source)))

	deliver := func(text string) { out.Queue(text) }
	writer := worker.NewWriter(stdin, req.Source, st.Codec, deliver, c.log)
	reader := worker.NewReader(stdout, st.Codec, deliver, worker.ReaderConfig{
		ChunkSize: st.ChunkSize,
		Filter:    st.Filter,
		Logger:    c.log,
	})

	go c.run(job, cmd, stdout, writer, reader)

	c.log.Info("Compile started",
		"target", req.TargetKey,
		"job", job.ID(),
		"pid", cmd.Process.Pid,
		"bytes", len(req.Source))
	return job, nil
}

// supersede terminates the previous job of a target.
func (c *Controller) supersede(prev *Job, drain bool) {
	if !prev.Running() {
		return
	}
	if prev.Cancel() {
		c.config.Metrics.RecordSuperseded()
		c.log.Debug("Previous compile terminated", "target", prev.TargetKey(), "job", prev.ID())
	}
	if drain {
		prev.Wait()
	}
}

// spawn starts the process with stdout and stderr merged into one pipe.
func (c *Controller) spawn(req types.Request) (*exec.Cmd, io.WriteCloser, *os.File, error) {
	cmd := exec.Command(req.Args[0], req.Args[1:]...)
	cmd.Dir = req.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := c.startProcess(cmd); err != nil {
		pr.Close()
		pw.Close()
		stdin.Close()
		return nil, nil, nil, err
	}

	// the child holds its own copy; ours must go so the reader sees EOF
	pw.Close()
	return cmd, stdin, pr, nil
}

// run drives the writer/reader pair and reaps the process.
func (c *Controller) run(job *Job, cmd *exec.Cmd, stdout *os.File, writer *worker.Writer, reader *worker.Reader) {
	var (
		g    errgroup.Group
		wres worker.Result
		rres worker.Result
	)
	g.Go(func() error {
		wres = writer.Run()
		return nil
	})
	g.Go(func() error {
		rres = reader.Run()
		// a reader that stopped early must not leave the compiler blocked on
		// a full pipe; once it gets EPIPE the writer's blocked write fails too
		stdout.Close()
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()

	status := types.StatusCompleted
	if job.Cancelled() {
		status = types.StatusCancelled
	}

	c.config.Metrics.RecordWriter(wres.Bytes, wres.Err != nil)
	c.config.Metrics.RecordReader(rres.Bytes, rres.Fragments, rres.Err != nil)
	c.config.Metrics.RecordFinished(string(status), time.Since(job.Info().StartedAt))

	// recorded before Done fires so waiters see the final counts
	if err := c.jobs.Finish(job.TargetKey(), job.ID(), status); err != nil && !errors.Is(err, jobmanager.ErrStaleJob) {
		c.log.Warn("Failed to record job result", "job", job.ID(), "error", err)
	}
	job.finish(status)

	c.log.Info("Compile finished",
		"target", job.TargetKey(),
		"job", job.ID(),
		"status", status,
		"piped", wres.Bytes,
		"read", rres.Bytes,
		"exit", exitDescription(waitErr))
}

func (c *Controller) fail(job *Job) {
	_ = c.jobs.Finish(job.TargetKey(), job.ID(), types.StatusFailed)
	c.config.Metrics.RecordSpawnFailure()
	job.finish(types.StatusFailed)
}

// Stop cancels every live job, waits for them up to StopTimeout and closes
// all sinks. Later calls to Start return ErrStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	locks := make([]*sync.Mutex, 0, len(c.keyLock))
	for _, l := range c.keyLock {
		locks = append(locks, l)
	}
	c.mu.Unlock()

	// let starts already holding a key register their job first
	for _, l := range locks {
		l.Lock()
		l.Unlock()
	}

	live := c.jobs.Live()
	for _, h := range live {
		if job, ok := h.(*Job); ok {
			job.Cancel()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()
	for _, h := range live {
		job, ok := h.(*Job)
		if !ok {
			continue
		}
		select {
		case <-job.Done():
		case <-ctx.Done():
			c.log.Warn("Job did not exit before shutdown", "job", job.ID(), "target", job.TargetKey())
		}
	}

	c.sinks.CloseAll()
	c.log.Info("Controller stopped", "cancelled", len(live))
}

func exitDescription(err error) string {
	if err == nil {
		return "0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	return err.Error()
}

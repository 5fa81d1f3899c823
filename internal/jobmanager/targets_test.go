package jobmanager

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/compile-asm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeJob is a Handle whose running state the test controls.
type fakeJob struct {
	id      types.JobID
	key     types.TargetKey
	running atomic.Bool
}

func newFakeJob(id string, key types.TargetKey) *fakeJob {
	j := &fakeJob{id: types.JobID(id), key: key}
	j.running.Store(true)
	return j
}

func (j *fakeJob) Info() types.JobInfo {
	status := types.StatusCompleted
	if j.running.Load() {
		status = types.StatusRunning
	}
	return types.JobInfo{ID: j.id, TargetKey: j.key, Status: status}
}

func (j *fakeJob) Running() bool { return j.running.Load() }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestSwapReturnsPrevious(t *testing.T) {
	jm := NewJobManager()
	key := types.TargetKey("foo.arm64.asm")

	a := newFakeJob("a", key)
	assert.Nil(t, jm.Swap(key, a))

	b := newFakeJob("b", key)
	prev := jm.Swap(key, b)
	require.NotNil(t, prev)
	assert.Equal(t, types.JobID("a"), prev.Info().ID)
	assert.Equal(t, types.JobID("b"), jm.Current(key).Info().ID)

	stats := jm.Stats()
	assert.Equal(t, 2, stats["started"])
	assert.Equal(t, 1, stats["superseded"])
}

func TestSwapAfterFinishedJobIsNotSuperseded(t *testing.T) {
	jm := NewJobManager()
	key := types.TargetKey("foo.arm64.asm")

	a := newFakeJob("a", key)
	jm.Swap(key, a)
	a.running.Store(false)
	require.NoError(t, jm.Finish(key, "a", types.StatusCompleted))

	jm.Swap(key, newFakeJob("b", key))

	stats := jm.Stats()
	assert.Equal(t, 0, stats["superseded"])
	assert.Equal(t, 1, stats["completed"])
}

func TestTargetsAreIndependent(t *testing.T) {
	jm := NewJobManager()

	jm.Swap("foo.arm64.asm", newFakeJob("a", "foo.arm64.asm"))
	prev := jm.Swap("foo.x86_64.asm", newFakeJob("b", "foo.x86_64.asm"))

	assert.Nil(t, prev, "a different target must not see another target's job")
	assert.Len(t, jm.Live(), 2)
}

func TestFinish(t *testing.T) {
	jm := NewJobManager()
	key := types.TargetKey("foo")

	assert.ErrorIs(t, jm.Finish(key, "x", types.StatusCompleted), ErrTargetNotFound)

	jm.Swap(key, newFakeJob("a", key))
	jm.Swap(key, newFakeJob("b", key))

	assert.ErrorIs(t, jm.Finish(key, "a", types.StatusCancelled), ErrStaleJob)
	assert.NoError(t, jm.Finish(key, "b", types.StatusCompleted))

	snap := jm.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Cancelled)
	assert.Equal(t, 1, snap[0].Completed)
	require.NotNil(t, snap[0].Current)
	assert.Equal(t, types.JobID("b"), snap[0].Current.ID)
}

func TestRecordFailure(t *testing.T) {
	jm := NewJobManager()
	jm.RecordFailure("foo")

	snap := jm.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Failed)
	assert.Nil(t, snap[0].Current)
	assert.Nil(t, jm.Current("foo"))
}

func TestSnapshotSorted(t *testing.T) {
	jm := NewJobManager()
	for _, k := range []types.TargetKey{"c", "a", "b"} {
		jm.Swap(k, newFakeJob(string(k), k))
	}

	snap := jm.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, types.TargetKey("a"), snap[0].TargetKey)
	assert.Equal(t, types.TargetKey("c"), snap[2].TargetKey)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSwaps(t *testing.T) {
	jm := NewJobManager()
	key := types.TargetKey("foo")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jm.Swap(key, newFakeJob(string(rune('a'+i%26)), key))
			_ = jm.Stats()
			_ = jm.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, jm.Stats()["started"])
	assert.Equal(t, 49, jm.Stats()["superseded"])
}

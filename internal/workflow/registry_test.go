package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InitAndTransitions(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	r.Init("t1", FallbackPlan())

	steps, ok := r.Snapshot(ctx, "t1")
	require.True(t, ok)
	require.Len(t, steps, 6)
	for _, s := range steps {
		assert.Equal(t, StepPending, s.Status)
		assert.NotNil(t, s.Substeps)
	}

	require.NoError(t, r.Transition("t1", 0, StepRunning, "Executing: x", nil))
	assert.Equal(t, 0, r.Running("t1"))
	require.NoError(t, r.Transition("t1", 0, StepDone, "Completed: x", &Substep{Title: "Called researcher agent", Content: "c"}))
	assert.Equal(t, -1, r.Running("t1"))

	steps, _ = r.Snapshot(ctx, "t1")
	assert.Equal(t, StepDone, steps[0].Status)
	assert.Equal(t, "Completed: x", steps[0].Description)
	assert.Len(t, steps[0].Substeps, 1)
	assert.False(t, steps[0].UpdatedAt.IsZero())
}

func TestRegistry_RejectsBackwardsTransitions(t *testing.T) {
	r := NewRegistry(nil)
	r.Init("t1", FallbackPlan())

	assert.ErrorIs(t, r.Transition("t1", 0, StepDone, "", nil), ErrInvalidTransition)
	require.NoError(t, r.Transition("t1", 0, StepRunning, "", nil))
	assert.ErrorIs(t, r.Transition("t1", 0, StepPending, "", nil), ErrInvalidTransition)
	require.NoError(t, r.Transition("t1", 0, StepDone, "", nil))
	assert.ErrorIs(t, r.Transition("t1", 0, StepError, "", nil), ErrInvalidTransition)
	assert.ErrorIs(t, r.Transition("t1", 0, StepRunning, "", nil), ErrInvalidTransition)

	// pending may fail directly when the task aborts between steps
	require.NoError(t, r.Transition("t1", 1, StepError, "", nil))

	assert.ErrorIs(t, r.Transition("t1", 9, StepRunning, "", nil), ErrInvalidTransition)
	assert.ErrorIs(t, r.Transition("missing", 0, StepRunning, "", nil), ErrInvalidTransition)
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	r.Init("t1", FallbackPlan())

	steps, _ := r.Snapshot(ctx, "t1")
	steps[0].Status = StepDone
	steps[0].Substeps = append(steps[0].Substeps, Substep{Title: "x"})

	again, _ := r.Snapshot(ctx, "t1")
	assert.Equal(t, StepPending, again[0].Status)
	assert.Empty(t, again[0].Substeps)
}

func TestRegistry_UnknownTaskIsEmpty(t *testing.T) {
	r := NewRegistry(nil)
	steps, ok := r.Snapshot(context.Background(), "nope")
	assert.False(t, ok)
	assert.NotNil(t, steps)
	assert.Empty(t, steps)
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	r.Init("t1", FallbackPlan())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := make([]StepStatus, 6)
			for {
				select {
				case <-stop:
					return
				default:
				}
				steps, _ := r.Snapshot(ctx, "t1")
				for j, s := range steps {
					assert.GreaterOrEqual(t, rank(s.Status), rank(last[j]), "step %d went backwards", j)
					last[j] = s.Status
				}
			}
		}()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Transition("t1", i, StepRunning, "", nil))
		require.NoError(t, r.Transition("t1", i, StepDone, "", &Substep{Title: "s"}))
	}
	close(stop)
	wg.Wait()
}

func rank(s StepStatus) int {
	switch s {
	case StepRunning:
		return 1
	case StepDone, StepError:
		return 2
	default:
		return 0
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Init("old", FallbackPlan())
	r.Init("live", FallbackPlan())
	r.Finish("old")

	assert.Equal(t, 0, r.Evict(now))
	assert.Equal(t, 1, r.Evict(now.Add(time.Second)))
	assert.Equal(t, 1, r.Len())

	_, ok := r.Snapshot(context.Background(), "old")
	assert.False(t, ok)
}

func TestSweeper_Sweep(t *testing.T) {
	r := NewRegistry(nil)
	r.Init("t1", FallbackPlan())
	r.Finish("t1")

	s := NewSweeper(r, time.Minute, 0)
	assert.Equal(t, time.Minute, s.Interval)
	assert.Equal(t, 0, s.sweep(time.Now()))
	assert.Equal(t, 1, s.sweep(time.Now().Add(2*time.Minute)))
}

func TestRedisMirror_FallbackAfterEviction(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, time.Hour)
	r := NewRegistry(mirror)
	ctx := context.Background()

	r.Init("t1", FallbackPlan())
	require.NoError(t, r.Transition("t1", 0, StepRunning, "Executing: a", nil))
	require.NoError(t, r.Transition("t1", 0, StepDone, "Completed: a", &Substep{Title: "Called researcher agent"}))
	r.Finish("t1")
	require.Equal(t, 1, r.Evict(time.Now().Add(time.Minute)))

	assert.True(t, mr.Exists(progressKey("t1")))
	assert.Greater(t, mr.TTL(progressKey("t1")), time.Duration(0))

	steps, ok := r.Snapshot(ctx, "t1")
	require.True(t, ok)
	require.Len(t, steps, 6)
	assert.Equal(t, StepDone, steps[0].Status)
	assert.Equal(t, "Called researcher agent", steps[0].Substeps[0].Title)
	assert.NotNil(t, steps[1].Substeps)

	// A second replica without the task in memory sees the same records.
	other := NewRegistry(mirror)
	steps, ok = other.Snapshot(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, "Completed: a", steps[0].Description)

	_, ok, err = mirror.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

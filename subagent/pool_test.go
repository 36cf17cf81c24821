package subagent

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"molt/cancel"
	"molt/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	os.Exit(m.Run())
}

// makeTasks builds n read-only tasks with deterministic, sortable IDs.
func makeTasks(n int) []AgentTask {
	tasks := make([]AgentTask, n)
	for i := range tasks {
		tasks[i] = AgentTask{
			ID:       fmt.Sprintf("task-%02d", i),
			Name:     fmt.Sprintf("explorer %d", i),
			Prompt:   "explore",
			ReadOnly: true,
		}
	}
	return tasks
}

func TestExecuteCardinality(t *testing.T) {
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		return AgentResult{TaskID: rc.Task.ID, Success: true, Output: "done", TurnsUsed: 1}, nil
	})

	tasks := makeTasks(7)
	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)
	results, err := pool.Execute(tasks)
	require.NoError(t, err)
	require.Len(t, results, len(tasks))

	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.TaskID] = true
		assert.True(t, r.Success)
	}
	for _, task := range tasks {
		assert.True(t, seen[task.ID], "missing result for %s", task.ID)
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	pool := NewPool(RunnerFunc(func(rc RunContext) (AgentResult, error) {
		return AgentResult{}, nil
	}), cancel.NewRoot())

	_, err := pool.Execute(nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestExecuteFaultIsolation(t *testing.T) {
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		if rc.Task.ID == "task-02" {
			panic("boom")
		}
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	tasks := makeTasks(5)
	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)
	results, err := pool.Execute(tasks)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for _, r := range results {
		if r.TaskID == "task-02" {
			assert.False(t, r.Success)
			assert.Contains(t, r.Error, "task fault")
			assert.Contains(t, r.Error, "boom")
		} else {
			assert.True(t, r.Success, "sibling %s should complete", r.TaskID)
		}
	}
}

func TestExecuteBoundedConcurrency(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32
	release := make(chan struct{})

	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	pool := NewPool(runner, cancel.NewRoot()).WithConcurrency(limit).WithStaggerDelay(0)

	done := make(chan []AgentResult)
	go func() {
		results, _ := pool.Execute(makeTasks(6))
		done <- results
	}()

	// Give the pool time to admit as many tasks as it ever will.
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	close(release)

	results := <-done
	require.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestExecuteStaggerOrdering(t *testing.T) {
	const stagger = 50 * time.Millisecond
	var launches sync.Map

	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		launches.Store(rc.Task.ID, time.Now())
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	tasks := makeTasks(4)
	pool := NewPool(runner, cancel.NewRoot()).WithConcurrency(8).WithStaggerDelay(stagger)

	begin := time.Now()
	results, err := pool.Execute(tasks)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, task := range tasks {
		v, ok := launches.Load(task.ID)
		require.True(t, ok)
		elapsed := v.(time.Time).Sub(begin)
		assert.GreaterOrEqual(t, elapsed, time.Duration(i)*stagger,
			"task %d launched before its stagger slot", i)
	}
}

func TestExecuteCancellationPropagation(t *testing.T) {
	root := cancel.NewRoot()
	started := make(chan struct{})
	release := make(chan struct{})
	var loops atomic.Int32

	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		loops.Add(1)
		close(started)
		<-release
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	// One permit: the first task runs, the rest queue behind it.
	pool := NewPool(runner, root).WithConcurrency(1).WithStaggerDelay(0)

	done := make(chan []AgentResult)
	go func() {
		results, _ := pool.Execute(makeTasks(3))
		done <- results
	}()

	<-started
	root.Cancel()
	close(release)

	results := <-done
	require.Len(t, results, 3)

	assert.Equal(t, int32(1), loops.Load(), "queued tasks must not invoke the agent loop")
	cancelled := 0
	for _, r := range results {
		if r.Error == ErrCancelled.Error() {
			cancelled++
			assert.False(t, r.Success)
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestExecuteSemaphoreTimeoutIndependence(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		if rc.Task.ID == "task-00" {
			<-release
		}
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	// Non-zero stagger so task-00 is guaranteed to hold the permit before
	// task-01 starts waiting for it.
	pool := NewPool(runner, cancel.NewRoot()).
		WithConcurrency(1).
		WithStaggerDelay(50 * time.Millisecond).
		WithPermitTimeout(100 * time.Millisecond)

	done := make(chan []AgentResult)
	go func() {
		results, _ := pool.Execute(makeTasks(2))
		done <- results
	}()

	// Let the second task exhaust its permit wait, then unblock the first.
	time.Sleep(300 * time.Millisecond)
	close(release)

	results := <-done
	require.Len(t, results, 2)

	byID := make(map[string]AgentResult)
	for _, r := range results {
		byID[r.TaskID] = r
	}
	assert.True(t, byID["task-00"].Success, "holder of the permit completes normally")
	assert.False(t, byID["task-01"].Success)
	assert.Contains(t, byID["task-01"].Error, "execution slot")
}

func TestExecuteWithProgressEmitsStartAndTerminal(t *testing.T) {
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		if rc.Task.ID == "task-01" {
			return AgentResult{}, errors.New("model unavailable")
		}
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	tasks := makeTasks(3)
	progress := make(chan AgentProgress, 64)
	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)

	results, err := pool.ExecuteWithProgress(tasks, progress)
	require.NoError(t, err)
	require.Len(t, results, 3)
	close(progress)

	started := make(map[string]bool)
	terminal := make(map[string]ProgressStatus)
	for p := range progress {
		switch p.Status {
		case ProgressStarted:
			started[p.TaskID] = true
		case ProgressCompleted, ProgressFailed:
			terminal[p.TaskID] = p.Status
		}
	}
	for _, task := range tasks {
		assert.True(t, started[task.ID], "missing Started for %s", task.ID)
		require.Contains(t, terminal, task.ID, "missing terminal event for %s", task.ID)
	}
	assert.Equal(t, ProgressFailed, terminal["task-01"])
}

func TestExecuteSharedCacheDedup(t *testing.T) {
	var computes atomic.Int32
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		require.NotNil(t, rc.Cache)
		out, err := rc.Cache.GetOrCompute("pkg/layout", func() (string, error) {
			computes.Add(1)
			time.Sleep(50 * time.Millisecond)
			return "three packages", nil
		})
		if err != nil {
			return AgentResult{}, err
		}
		return AgentResult{TaskID: rc.Task.ID, Success: true, Output: out}, nil
	})

	pool := NewPool(runner, cancel.NewRoot()).WithConcurrency(4).WithStaggerDelay(0)
	results, err := pool.Execute(makeTasks(4))
	require.NoError(t, err)

	assert.Equal(t, int32(1), computes.Load(), "identical exploration keys must compute once")
	for _, r := range results {
		assert.Equal(t, "three packages", r.Output)
	}
}

func TestExecuteBuildersSharedContext(t *testing.T) {
	build := NewBuildContext()
	require.NoError(t, build.SetConventions([]string{"tabs not spaces"}))

	var inCritical, overlaps atomic.Int32
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		require.NotNil(t, rc.Build)
		require.Nil(t, rc.Cache)

		rc.Build.RegisterType("Store", "type Store interface { Get(string) ([]byte, error) }")
		err := rc.Build.WithFileLock("internal/store/store.go", func() error {
			if inCritical.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			inCritical.Add(-1)
			return nil
		})
		if err != nil {
			return AgentResult{}, err
		}

		sig, ok := rc.Build.LookupType("Store")
		require.True(t, ok)
		require.Contains(t, sig, "interface")

		rc.Build.RecordChange(10, 2, true)
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	tasks := []AgentTask{
		{ID: "builder-0", Name: "store builder", Prompt: "build"},
		{ID: "builder-1", Name: "api builder", Prompt: "build"},
		{ID: "builder-2", Name: "cli builder", Prompt: "build"},
	}
	pool := NewPool(runner, cancel.NewRoot()).WithConcurrency(3).WithStaggerDelay(0)
	results, err := pool.ExecuteBuilders(tasks, build, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Zero(t, overlaps.Load(), "critical sections for the same path must never overlap")

	stats := build.Stats()
	assert.Equal(t, int64(30), stats.LinesAdded)
	assert.Equal(t, int64(6), stats.LinesRemoved)
	assert.Equal(t, int64(3), stats.FilesModified)
	assert.GreaterOrEqual(t, stats.LockContentions, int64(1))
}

func TestExecuteBuildersRejectsReadOnlyTask(t *testing.T) {
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	tasks := []AgentTask{
		{ID: "builder-0", Name: "builder", Prompt: "build"},
		{ID: "explorer-0", Name: "explorer", Prompt: "look", ReadOnly: true},
	}
	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)
	results, err := pool.ExecuteBuilders(tasks, NewBuildContext(), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]AgentResult)
	for _, r := range results {
		byID[r.TaskID] = r
	}
	assert.True(t, byID["builder-0"].Success)
	assert.False(t, byID["explorer-0"].Success)
	assert.Contains(t, byID["explorer-0"].Error, "read-only")
}

func TestExecuteResultsSortedByTaskID(t *testing.T) {
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)
	results, err := pool.Execute(makeTasks(5))
	require.NoError(t, err)

	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i-1].TaskID, results[i].TaskID)
	}
}

func TestOverrideModelResolution(t *testing.T) {
	var seen string
	runner := RunnerFunc(func(rc RunContext) (AgentResult, error) {
		seen = rc.Model
		return AgentResult{TaskID: rc.Task.ID, Success: true}, nil
	})

	pool := NewPool(runner, cancel.NewRoot()).WithStaggerDelay(0)
	_, err := pool.Execute(makeTasks(1))
	require.NoError(t, err)
	assert.Equal(t, ModelDefault.String(), seen)

	pool = pool.WithOverrideModel("sonnet-large")
	_, err = pool.Execute(makeTasks(1))
	require.NoError(t, err)
	assert.Equal(t, "sonnet-large", seen)
}

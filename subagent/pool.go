package subagent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"molt/cancel"
	"molt/log"

	"golang.org/x/sync/semaphore"
)

const (
	// MaxParallelTools is the system-wide default for concurrent sub-agents.
	MaxParallelTools = 4

	// defaultPermitTimeout bounds how long a sub-agent waits for an
	// execution slot (prevents deadlock on hung agents).
	defaultPermitTimeout = 300 * time.Second

	// defaultStaggerDelay is the pause between spawning agents (prevents
	// rate limit storms). Same for all providers; override with
	// WithStaggerDelay if needed.
	defaultStaggerDelay = 100 * time.Millisecond
)

// Pool schedules a batch of sub-agent tasks with bounded concurrency,
// staggered launch, hierarchical cancellation, and fault isolation. One
// goroutine is spawned per task; a weighted semaphore caps how many execute
// at once. Every submitted task yields exactly one AgentResult, even when
// its goroutine panics.
type Pool struct {
	runner         Runner
	root           *cancel.Token
	maxConcurrency int64
	overrideModel  string
	staggerDelay   time.Duration
	permitTimeout  time.Duration
}

// NewPool creates a pool bound to an agent-loop runner and a root
// cancellation token.
func NewPool(runner Runner, root *cancel.Token) *Pool {
	return &Pool{
		runner:         runner,
		root:           root,
		maxConcurrency: MaxParallelTools,
		staggerDelay:   defaultStaggerDelay,
		permitTimeout:  defaultPermitTimeout,
	}
}

// WithConcurrency sets the maximum number of concurrently executing tasks.
func (p *Pool) WithConcurrency(max int) *Pool {
	if max > 0 {
		p.maxConcurrency = int64(max)
	}
	return p
}

// WithOverrideModel sets the model used for the LLM calls sub-agents make.
// When unset, tasks fall back to their own tier name.
func (p *Pool) WithOverrideModel(model string) *Pool {
	p.overrideModel = model
	return p
}

// WithStaggerDelay sets the pause inserted before each successive launch.
func (p *Pool) WithStaggerDelay(delay time.Duration) *Pool {
	if delay >= 0 {
		p.staggerDelay = delay
	}
	return p
}

// WithPermitTimeout sets the slot-acquisition ceiling. Exposed so callers
// with very long-running batches (and tests) can tune it.
func (p *Pool) WithPermitTimeout(timeout time.Duration) *Pool {
	if timeout > 0 {
		p.permitTimeout = timeout
	}
	return p
}

// resolveModel returns the model identifier for a task: the pool override
// when set, otherwise the task's own tier.
func (p *Pool) resolveModel(task AgentTask) string {
	if p.overrideModel != "" {
		return p.overrideModel
	}
	return task.Model.String()
}

// Execute runs a batch of read-only exploration tasks and returns one
// result per task, sorted by task ID. The only batch-level error is a
// structurally invalid input (empty batch).
func (p *Pool) Execute(tasks []AgentTask) ([]AgentResult, error) {
	return p.execute(tasks, nil, nil)
}

// ExecuteWithProgress is Execute with streaming AgentProgress events sent
// (without blocking) onto progress as each task advances. At minimum one
// Started and one terminal event is emitted per task.
func (p *Pool) ExecuteWithProgress(tasks []AgentTask, progress chan<- AgentProgress) ([]AgentResult, error) {
	return p.execute(tasks, nil, progress)
}

// ExecuteBuilders runs a batch of write-capable builder tasks sharing one
// BuildContext. Read-only tasks are rejected individually with a Failed
// result; siblings are unaffected.
func (p *Pool) ExecuteBuilders(tasks []AgentTask, build *BuildContext, progress chan<- AgentProgress) ([]AgentResult, error) {
	if build == nil {
		build = NewBuildContext()
	}
	results, err := p.execute(tasks, build, progress)
	if err == nil {
		log.InfoLog.Printf("pool: builders complete | %s", build.Stats())
	}
	return results, err
}

// execute is the shared scheduling core. build == nil selects an explore
// batch with a fresh shared cache scoped to this call.
func (p *Pool) execute(tasks []AgentTask, build *BuildContext, progress chan<- AgentProgress) ([]AgentResult, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyBatch
	}

	sem := semaphore.NewWeighted(p.maxConcurrency)
	var cache *ExploreCache
	if build == nil {
		cache = NewExploreCache()
	}

	log.InfoLog.Printf("pool: spawning %d sub-agents (concurrency=%d stagger=%v)",
		len(tasks), p.maxConcurrency, p.staggerDelay)

	results := make([]AgentResult, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		// Stagger delay between launches (skip first) to throttle the rate
		// of new API connections independent of concurrency.
		if i > 0 && p.staggerDelay > 0 {
			time.Sleep(p.staggerDelay)
		}

		token := p.root.Child()
		emitter := &ProgressEmitter{taskID: task.ID, ch: progress}

		wg.Add(1)
		go func(slot int, task AgentTask) {
			defer wg.Done()
			results[slot] = p.runOne(task, token, sem, cache, build, emitter)
		}(i, task)
	}

	wg.Wait()

	if cache != nil {
		log.InfoLog.Printf("pool: all sub-agents complete | %s", cache.Stats())
	}

	// Deterministic output order for callers.
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results, nil
}

// runOne executes a single task end to end: permit acquisition with a
// bounded wait, cancellation check, the agent loop, and panic containment.
// It always returns a result.
func (p *Pool) runOne(task AgentTask, token *cancel.Token, sem *semaphore.Weighted,
	cache *ExploreCache, build *BuildContext, emitter *ProgressEmitter) (result AgentResult) {

	start := time.Now()

	// A panic anywhere in this goroutine (including inside the runner)
	// becomes a Failed result instead of taking the batch down.
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("sub-agent %s panicked: %v\n%s", task.ID, r, debug.Stack())
			result = p.failed(task, start, fmt.Sprintf("task fault: %v", r))
			emitter.Emit(ProgressFailed, result.Error)
		}
	}()

	// Every task gets a Started and exactly one terminal event, even when
	// it never reaches the agent loop.
	emitter.Emit(ProgressStarted, task.Name)

	if build != nil && task.ReadOnly {
		result = p.failed(task, start, ErrReadOnlyBuilder.Error())
		emitter.Emit(ProgressFailed, result.Error)
		return result
	}

	// The permit wait aborts on either the bounded timeout or the task's
	// token, so a cancelled batch drains promptly instead of sitting out
	// the full ceiling.
	log.DebugLog.Printf("sub-agent %s: acquiring execution slot", task.ID)
	tokenCtx, stopBridge := token.Context(context.Background())
	acquireCtx, cancelAcquire := context.WithTimeout(tokenCtx, p.permitTimeout)
	err := sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	stopBridge()
	if err != nil {
		if token.IsCancelled() {
			log.InfoLog.Printf("sub-agent %s: cancelled while awaiting slot", task.ID)
			result = p.failed(task, start, ErrCancelled.Error())
		} else {
			log.WarningLog.Printf("sub-agent %s: %v after %v", task.ID, ErrSemaphoreTimeout, p.permitTimeout)
			result = p.failed(task, start, fmt.Sprintf("%v after %v", ErrSemaphoreTimeout, p.permitTimeout))
		}
		emitter.Emit(ProgressFailed, result.Error)
		return result
	}
	defer sem.Release(1)

	if token.IsCancelled() {
		log.InfoLog.Printf("sub-agent %s: cancelled before execution", task.ID)
		result = p.failed(task, start, ErrCancelled.Error())
		emitter.Emit(ProgressFailed, result.Error)
		return result
	}

	model := p.resolveModel(task)
	log.InfoLog.Printf("sub-agent %s: starting (model=%s)", task.ID, model)

	runResult, err := p.runner.Run(RunContext{
		Task:     task,
		Model:    model,
		Token:    token,
		Cache:    cache,
		Build:    build,
		Progress: emitter,
	})
	if err != nil {
		log.WarningLog.Printf("sub-agent %s: agent loop error: %v", task.ID, log.SanitizeURLs(err.Error()))
		result = p.failed(task, start, err.Error())
		emitter.Emit(ProgressFailed, result.Error)
		return result
	}

	runResult.TaskID = task.ID
	if runResult.Duration == 0 {
		runResult.Duration = time.Since(start)
	}
	log.InfoLog.Printf("sub-agent %s: complete (success=%v turns=%d)", task.ID, runResult.Success, runResult.TurnsUsed)
	if runResult.Success {
		emitter.Emit(ProgressCompleted, runResult.Output)
	} else {
		emitter.Emit(ProgressFailed, runResult.Error)
	}
	return runResult
}

// failed builds the placeholder result for a task that never produced one.
func (p *Pool) failed(task AgentTask, start time.Time, errMsg string) AgentResult {
	return AgentResult{
		TaskID:   task.ID,
		Success:  false,
		Duration: time.Since(start),
		Error:    errMsg,
	}
}

package subagent

import "molt/cancel"

// RunContext carries everything a sub-agent needs for one task: the task
// itself, the resolved model identifier, its child cancellation token, and
// the batch's shared cache or build context (exactly one is non-nil,
// matching the task's ReadOnly flag).
type RunContext struct {
	// Task is the unit of work to execute.
	Task AgentTask
	// Model is the resolved model identifier for LLM calls.
	Model string
	// Token is the task's child cancellation token. The agent loop must
	// check it between turns and abort promptly.
	Token *cancel.Token
	// Cache is the shared exploration cache for read-only batches.
	Cache *ExploreCache
	// Build is the shared coordination context for builder batches.
	Build *BuildContext
	// Progress emits streaming status events; nil-safe and non-blocking.
	Progress *ProgressEmitter
}

// Runner is the agent-loop collaborator: it repeatedly calls the model and
// executes tool calls until the task converges or fails. Implementations
// must honor cancellation cooperatively and may call back into the cache or
// build context during execution. A returned error becomes a Failed result;
// the pool never retries.
type Runner interface {
	Run(rc RunContext) (AgentResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(rc RunContext) (AgentResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(rc RunContext) (AgentResult, error) {
	return f(rc)
}

// ProgressEmitter wraps the batch progress channel with non-blocking sends
// so a slow consumer can never stall task completion.
type ProgressEmitter struct {
	taskID string
	ch     chan<- AgentProgress
}

// Emit sends a progress event if the channel has room, dropping it
// otherwise.
func (p *ProgressEmitter) Emit(status ProgressStatus, message string) {
	if p == nil || p.ch == nil {
		return
	}
	select {
	case p.ch <- AgentProgress{TaskID: p.taskID, Status: status, Message: message}:
	default:
	}
}

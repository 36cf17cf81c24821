package subagent

import (
	"time"

	"github.com/google/uuid"
)

// ModelTier selects which backing model a sub-agent uses.
type ModelTier int

const (
	// ModelDefault uses the caller's current model (or the pool override).
	ModelDefault ModelTier = iota
	// ModelFast uses the cheapest tier for quick exploration.
	ModelFast
	// ModelSmart uses the strongest tier for build tasks.
	ModelSmart
)

// String returns the string representation of ModelTier
func (m ModelTier) String() string {
	switch m {
	case ModelDefault:
		return "default"
	case ModelFast:
		return "fast"
	case ModelSmart:
		return "smart"
	default:
		return "unknown"
	}
}

// AgentTask is a unit of work submitted to the pool. Tasks are immutable
// once submitted; each is consumed by exactly one spawned sub-agent.
type AgentTask struct {
	// ID uniquely identifies the task within one batch.
	ID string
	// Name is the display label shown in progress output.
	Name string
	// Prompt is the instruction given to the agent loop.
	Prompt string
	// Model selects the backing model tier.
	Model ModelTier
	// WorkingDir is the filesystem root the task operates under.
	WorkingDir string
	// PlanTaskID optionally links back to a plan item for auto-completion
	// bookkeeping by the caller.
	PlanTaskID string
	// ReadOnly marks explorer tasks; builders (ReadOnly=false) coordinate
	// writes through a BuildContext.
	ReadOnly bool
}

// NewTask creates a read-only exploration task with a generated ID.
func NewTask(name, prompt string) AgentTask {
	return AgentTask{
		ID:       uuid.NewString(),
		Name:     name,
		Prompt:   prompt,
		ReadOnly: true,
	}
}

// NewBuilderTask creates a write-capable builder task with a generated ID.
func NewBuilderTask(name, prompt, workingDir string) AgentTask {
	return AgentTask{
		ID:         uuid.NewString(),
		Name:       name,
		Prompt:     prompt,
		WorkingDir: workingDir,
		Model:      ModelSmart,
	}
}

// AgentResult is the outcome of one task. Exactly one result is produced
// per submitted task, even on timeout, cancellation, or panic.
type AgentResult struct {
	// TaskID is the ID of the task this result belongs to.
	TaskID string
	// Success indicates whether the agent loop converged.
	Success bool
	// Output is the agent's final answer.
	Output string
	// FilesExamined lists the paths the agent read, in order.
	FilesExamined []string
	// Duration is the wall-clock execution time.
	Duration time.Duration
	// TurnsUsed counts agent-loop round trips.
	TurnsUsed int
	// Error describes the failure when Success is false.
	Error string
}

// ProgressStatus describes a phase transition in a running sub-agent.
type ProgressStatus int

const (
	// ProgressStarted is emitted once when the agent loop begins.
	ProgressStarted ProgressStatus = iota
	// ProgressToolInvoked is emitted when the agent executes a tool call.
	ProgressToolInvoked
	// ProgressThinking is emitted while the agent awaits the model.
	ProgressThinking
	// ProgressCompleted is the terminal event for a successful task.
	ProgressCompleted
	// ProgressFailed is the terminal event for a failed task.
	ProgressFailed
)

// String returns the string representation of ProgressStatus
func (s ProgressStatus) String() string {
	switch s {
	case ProgressStarted:
		return "started"
	case ProgressToolInvoked:
		return "tool_invoked"
	case ProgressThinking:
		return "thinking"
	case ProgressCompleted:
		return "completed"
	case ProgressFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AgentProgress is a streaming status event consumed by the UI layer.
// Events are advisory; dropping them never affects task completion.
type AgentProgress struct {
	// TaskID is the ID of the task that emitted the event.
	TaskID string
	// Status is the phase the task entered.
	Status ProgressStatus
	// Message is free-form detail for display.
	Message string
}

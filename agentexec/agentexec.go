// Package agentexec runs each sub-agent task as a coding-assistant CLI
// process (e.g. "claude -p" or an aider invocation), the same execution
// model the interactive app uses for its instances. The pool stays
// runner-agnostic; this is the default headless runner behind `molt run`.
package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"molt/log"
	"molt/subagent"
)

// diffSummaryRe matches the git-style shortstat line many coding assistants
// print after editing, e.g. "2 files changed, 31 insertions(+), 4 deletions(-)".
var diffSummaryRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// Runner drives one CLI program per task.
type Runner struct {
	// program is the base command line, split on whitespace; the task
	// prompt is appended as the final argument.
	program []string
}

// New creates a Runner for the given program command line.
func New(program string) *Runner {
	return &Runner{program: strings.Fields(program)}
}

// Run implements subagent.Runner. The process is started in the task's
// working directory and killed when the task's token fires. Read-only tasks
// with identical prompts in the same directory share one execution through
// the batch cache.
func (r *Runner) Run(rc subagent.RunContext) (subagent.AgentResult, error) {
	if len(r.program) == 0 {
		return subagent.AgentResult{}, fmt.Errorf("no agent program configured")
	}

	start := time.Now()
	rc.Progress.Emit(subagent.ProgressThinking, rc.Task.Name)

	var output string
	var err error
	if rc.Task.ReadOnly && rc.Cache != nil {
		key := rc.Task.WorkingDir + "\x00" + rc.Task.Prompt
		output, err = rc.Cache.GetOrCompute(key, func() (string, error) {
			return r.invoke(rc)
		})
	} else {
		output, err = r.invoke(rc)
	}

	if rc.Token.IsCancelled() {
		return subagent.AgentResult{
			TaskID:   rc.Task.ID,
			Success:  false,
			Duration: time.Since(start),
			Error:    subagent.ErrCancelled.Error(),
		}, nil
	}
	if err != nil {
		return subagent.AgentResult{}, fmt.Errorf("agent program: %w", err)
	}

	if rc.Build != nil {
		r.recordChanges(rc.Build, output)
	}

	return subagent.AgentResult{
		TaskID:    rc.Task.ID,
		Success:   true,
		Output:    output,
		Duration:  time.Since(start),
		TurnsUsed: 1,
	}, nil
}

// invoke execs the program once with the task prompt appended.
func (r *Runner) invoke(rc subagent.RunContext) (string, error) {
	ctx, stop := rc.Token.Context(context.Background())
	defer stop()

	args := append(append([]string(nil), r.program[1:]...), rc.Task.Prompt)
	cmd := exec.CommandContext(ctx, r.program[0], args...)
	if rc.Task.WorkingDir != "" {
		cmd.Dir = rc.Task.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	rc.Progress.Emit(subagent.ProgressToolInvoked, r.program[0])
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// Killed by cancellation; the caller reports Cancelled.
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", r.program[0], log.SanitizeURLs(msg))
	}

	return strings.TrimSpace(stdout.String()), nil
}

// recordChanges folds any diff summary printed by the agent into the shared
// build stats.
func (r *Runner) recordChanges(build *subagent.BuildContext, output string) {
	m := diffSummaryRe.FindStringSubmatch(output)
	if m == nil {
		return
	}
	files, _ := strconv.Atoi(m[1])
	added, _ := strconv.Atoi(m[2])
	removed, _ := strconv.Atoi(m[3])
	for i := 0; i < files; i++ {
		build.RecordChange(0, 0, true)
	}
	build.RecordChange(added, removed, false)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"molt/agentexec"
	"molt/cancel"
	"molt/config"
	"molt/log"
	"molt/subagent"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	concurrencyFlag int
	staggerMsFlag   int
	programFlag     string
	modelFlag       string

	rootCmd = &cobra.Command{
		Use:   "molt",
		Short: "Molt - a coding assistant that farms work out to sub-agent pools",
	}

	runCmd = &cobra.Command{
		Use:   "run [batch.json]",
		Short: "Run a batch of sub-agent tasks described in a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(true)
			defer log.Close()
			return runBatch(args[0])
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of molt",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("molt version %s\n", version)
		},
	}
)

// batchEntry is one task in the batch file.
type batchEntry struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	WorkingDir string `json:"working_dir,omitempty"`
	ReadOnly   bool   `json:"read_only,omitempty"`
	Model      string `json:"model,omitempty"`
}

func runBatch(path string) error {
	cfg := config.LoadConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	var entries []batchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("batch file contains no tasks")
	}

	tasks := make([]subagent.AgentTask, 0, len(entries))
	allReadOnly := true
	for _, e := range entries {
		var task subagent.AgentTask
		if e.ReadOnly {
			task = subagent.NewTask(e.Name, e.Prompt)
			task.WorkingDir = e.WorkingDir
		} else {
			task = subagent.NewBuilderTask(e.Name, e.Prompt, e.WorkingDir)
			allReadOnly = false
		}
		switch e.Model {
		case "fast":
			task.Model = subagent.ModelFast
		case "smart":
			task.Model = subagent.ModelSmart
		case "", "default":
		default:
			return fmt.Errorf("unknown model tier %q for task %q", e.Model, e.Name)
		}
		tasks = append(tasks, task)
	}

	program := cfg.DefaultProgram
	if programFlag != "" {
		program = programFlag
	}
	model := cfg.DefaultModel
	if modelFlag != "" {
		model = modelFlag
	}
	concurrency := cfg.MaxConcurrency
	if concurrencyFlag > 0 {
		concurrency = concurrencyFlag
	}
	stagger := cfg.StaggerDelay()
	if staggerMsFlag >= 0 {
		stagger = time.Duration(staggerMsFlag) * time.Millisecond
	}

	root := cancel.NewRoot()
	pool := subagent.NewPool(agentexec.New(program), root).
		WithConcurrency(concurrency).
		WithStaggerDelay(stagger).
		WithPermitTimeout(cfg.PermitTimeout())
	if model != "" {
		pool = pool.WithOverrideModel(model)
	}

	progress := make(chan subagent.AgentProgress, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n", p.TaskID[:8], p.Status, p.Message)
		}
	}()

	var results []subagent.AgentResult
	if allReadOnly {
		results, err = pool.ExecuteWithProgress(tasks, progress)
	} else {
		build := subagent.NewBuildContext()
		results, err = pool.ExecuteBuilders(tasks, build, progress)
		if err == nil {
			defer fmt.Println(build.Stats())
		}
	}
	close(progress)
	<-done
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	failures := 0
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
			failures++
		}
		fmt.Printf("%s (%v, %d turns) %s\n", r.TaskID, r.Duration.Round(time.Millisecond), r.TurnsUsed, status)
		if r.Success && r.Output != "" {
			fmt.Println(r.Output)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d tasks failed", failures, len(results))
	}
	return nil
}

func main() {
	runCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 0, "Maximum concurrent sub-agents (overrides config)")
	runCmd.Flags().IntVar(&staggerMsFlag, "stagger-ms", -1, "Milliseconds between sub-agent launches (overrides config)")
	runCmd.Flags().StringVar(&programFlag, "program", "", "Agent program to run per task (overrides config)")
	runCmd.Flags().StringVar(&modelFlag, "model", "", "Override model for all sub-agents")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

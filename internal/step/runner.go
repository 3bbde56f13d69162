package step

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/roboppi/agentcore/internal/process"
	"github.com/roboppi/agentcore/internal/workflow"
)

// WorkerEvent is one line of output forwarded to the caller's sink as
// the worker subprocess runs.
type WorkerEvent struct {
	StepID string
	Stream string // "stdout" | "stderr"
	Line   string
}

// EventSink receives WorkerEvents as they're produced.
type EventSink interface {
	EmitWorkerEvent(WorkerEvent)
}

// NopSink discards all events.
type NopSink struct{}

// EmitWorkerEvent implements EventSink.
func (NopSink) EmitWorkerEvent(WorkerEvent) {}

// RunResult is the outcome of one worker invocation.
type RunResult struct {
	Status       workflow.WorkerResultStatus
	Observations []string
	Stdout       string
	DurationMs   int64
	ErrorClass   workflow.ErrorClass
	ErrorMessage string
}

// Runner launches worker subprocesses for steps and completion checks.
type Runner struct {
	procMgr *process.Manager
}

// NewRunner creates a Runner backed by its own process.Manager.
func NewRunner() *Runner {
	return &Runner{procMgr: process.NewManager()}
}

// Run executes one worker invocation: selects the adapter for kind,
// builds argv, spawns it in workspaceDir with env merged over the
// process environment, and streams output line-by-line to sink.
func (r *Runner) Run(ctx context.Context, stepID string, kind workflow.WorkerKind, mode Mode, instructions, workspaceDir string, env map[string]string, sink EventSink) RunResult {
	if sink == nil {
		sink = NopSink{}
	}

	argv, err := BuildArgv(kind, mode, instructions)
	if err != nil {
		return RunResult{Status: workflow.WorkerFailed, ErrorClass: workflow.ErrorNonRetryable, ErrorMessage: err.Error()}
	}

	mergedEnv := mergeEnv(os.Environ(), env)

	var mu sync.Mutex
	var stdoutBuilder strings.Builder

	start := time.Now()
	child, err := r.procMgr.Spawn(ctx, process.SpawnOptions{
		Argv: argv,
		Dir:  workspaceDir,
		Env:  mergedEnv,
		OnStdout: func(line string) {
			mu.Lock()
			stdoutBuilder.WriteString(line)
			stdoutBuilder.WriteByte('\n')
			mu.Unlock()
			sink.EmitWorkerEvent(WorkerEvent{StepID: stepID, Stream: "stdout", Line: line})
		},
		OnStderr: func(line string) {
			sink.EmitWorkerEvent(WorkerEvent{StepID: stepID, Stream: "stderr", Line: line})
		},
	})

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || isENOENT(err) {
			return RunResult{
				Status:       workflow.WorkerFailed,
				ErrorClass:   workflow.ErrorNonRetryable,
				ErrorMessage: "CLI not found",
				DurationMs:   time.Since(start).Milliseconds(),
			}
		}
		return RunResult{
			Status:       workflow.WorkerFailed,
			ErrorClass:   workflow.ErrorRetryableTransient,
			ErrorMessage: err.Error(),
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}

	waitErr := child.Wait()
	duration := time.Since(start).Milliseconds()

	mu.Lock()
	stdout := stdoutBuilder.String()
	mu.Unlock()

	observation := SynthesizeObservation(stdout)
	observations := []string{}
	if observation != "" {
		observations = append(observations, observation)
	}

	if ctx.Err() != nil {
		return RunResult{
			Status:       workflow.WorkerCancelled,
			Observations: observations,
			Stdout:       stdout,
			DurationMs:   duration,
			ErrorClass:   workflow.ErrorNonRetryable,
			ErrorMessage: ctx.Err().Error(),
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ProcessState != nil && exitErr.ProcessState.Exited() {
			return RunResult{
				Status:       workflow.WorkerFailed,
				Observations: observations,
				Stdout:       stdout,
				DurationMs:   duration,
				ErrorClass:   workflow.ErrorRetryableTransient,
				ErrorMessage: waitErr.Error(),
			}
		}
		return RunResult{
			Status:       workflow.WorkerCancelled,
			Observations: observations,
			Stdout:       stdout,
			DurationMs:   duration,
			ErrorClass:   workflow.ErrorNonRetryable,
			ErrorMessage: waitErr.Error(),
		}
	}

	return RunResult{
		Status:       workflow.WorkerSucceeded,
		Observations: observations,
		Stdout:       stdout,
		DurationMs:   duration,
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	merged = append(merged, base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

func isENOENT(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist)
}

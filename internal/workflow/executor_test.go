package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns a RunStepFunc that replays a fixed sequence of
// results per step ID, one per call; extra calls repeat the last result.
type scriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]StepRunResult
	calls   map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{scripts: map[string][]StepRunResult{}, calls: map[string]int{}}
}

func (s *scriptedRunner) set(stepID string, results ...StepRunResult) {
	s.scripts[stepID] = results
}

func (s *scriptedRunner) runStep(ctx context.Context, stepID string, step *StepDefinition, mode Mode, instructions, workspaceDir string, env map[string]string) StepRunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.scripts[stepID]
	idx := s.calls[stepID]
	s.calls[stepID]++
	if idx >= len(script) {
		idx = len(script) - 1
	}
	if idx < 0 {
		return StepRunResult{Status: WorkerSucceeded}
	}
	return script[idx]
}

func (s *scriptedRunner) callCount(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

func singleStepDef(name string, step *StepDefinition) *Definition {
	return &Definition{
		Name:    name,
		Version: "1",
		Timeout: "10s",
		Steps:   map[string]*StepDefinition{"only": step},
	}
}

func TestExecuteSingleStepSucceeds(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded, Stdout: "ok"})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "echo ok"})
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.Equal(t, StepSucceeded, run.Steps["only"].Status)
}

// TestExecuteDAGFailureAbort is spec §8 scenario #3: A -> {B,C,D}, A
// fails under on_failure=abort, so B/C/D end SKIPPED and the workflow FAILED.
func TestExecuteDAGFailureAbort(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("A", StepRunResult{Status: WorkerFailed, ErrorClass: ErrorNonRetryable, ErrorMessage: "boom"})
	sr.set("B", StepRunResult{Status: WorkerSucceeded})
	sr.set("C", StepRunResult{Status: WorkerSucceeded})
	sr.set("D", StepRunResult{Status: WorkerSucceeded})

	def := &Definition{
		Name: "wf", Version: "1", Timeout: "10s",
		Steps: map[string]*StepDefinition{
			"A": {Worker: WorkerCustom, Instructions: "a", OnFailure: OnFailureAbort},
			"B": {Worker: WorkerCustom, Instructions: "b", DependsOn: []string{"A"}},
			"C": {Worker: WorkerCustom, Instructions: "c", DependsOn: []string{"A"}},
			"D": {Worker: WorkerCustom, Instructions: "d", DependsOn: []string{"A"}},
		},
	}
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, run.Status)
	assert.Equal(t, StepFailed, run.Steps["A"].Status)
	assert.Equal(t, StepSkipped, run.Steps["B"].Status)
	assert.Equal(t, StepSkipped, run.Steps["C"].Status)
	assert.Equal(t, StepSkipped, run.Steps["D"].Status)
}

// TestExecuteIterationLoopConverges is spec §8 scenario #4: max_iterations=3,
// completion check returns incomplete, incomplete, complete; step ends
// SUCCEEDED with iteration=2.
func TestExecuteIterationLoopConverges(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only",
		StepRunResult{Status: WorkerSucceeded, Stdout: "pass 1"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "pass 2"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "pass 3"},
	)

	checkRunner := newScriptedRunner()
	checkRunner.set("only",
		StepRunResult{Status: WorkerSucceeded, Stdout: "INCOMPLETE"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "INCOMPLETE"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "COMPLETE"},
	)

	combined := func(ctx context.Context, stepID string, step *StepDefinition, mode Mode, instructions, workspaceDir string, env map[string]string) StepRunResult {
		if mode == ModeAnalyze {
			return checkRunner.runStep(ctx, stepID, step, mode, instructions, workspaceDir, env)
		}
		return sr.runStep(ctx, stepID, step, mode, instructions, workspaceDir, env)
	}

	def := singleStepDef("wf", &StepDefinition{
		Worker:        WorkerCustom,
		Instructions:  "loop",
		MaxIterations: 3,
		CompletionCheck: &CompletionCheckDefinition{
			Worker:       WorkerCustom,
			Instructions: "check",
		},
	})
	require.NoError(t, def.Validate())

	ex := NewExecutor(combined)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.Equal(t, StepSucceeded, run.Steps["only"].Status)
	assert.Equal(t, 2, run.Steps["only"].Iteration)
	assert.Equal(t, 3, sr.callCount("only"))
}

func TestExecuteRetriesRetryableFailureThenSucceeds(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only",
		StepRunResult{Status: WorkerFailed, ErrorClass: ErrorRetryableTransient, ErrorMessage: "flaky"},
		StepRunResult{Status: WorkerSucceeded},
	)

	def := singleStepDef("wf", &StepDefinition{
		Worker: WorkerCustom, Instructions: "x", MaxRetries: 2,
	})
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep)
	start := time.Now()
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.Equal(t, StepSucceeded, run.Steps["only"].Status)
	assert.Equal(t, 2, sr.callCount("only"))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteNonRetryableFailureEndsFailedWithoutRetry(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerFailed, ErrorClass: ErrorNonRetryable, ErrorMessage: "CLI not found"})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "x", MaxRetries: 5})
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, run.Status)
	assert.Equal(t, StepFailed, run.Steps["only"].Status)
	assert.Equal(t, 1, sr.callCount("only"))
}

func TestExecuteFailedContinuePolicyLetsDependentsRun(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("A", StepRunResult{Status: WorkerFailed, ErrorClass: ErrorNonRetryable})
	sr.set("B", StepRunResult{Status: WorkerSucceeded})

	def := &Definition{
		Name: "wf", Version: "1", Timeout: "10s",
		Steps: map[string]*StepDefinition{
			"A": {Worker: WorkerCustom, Instructions: "a", OnFailure: OnFailureContinue},
			"B": {Worker: WorkerCustom, Instructions: "b", DependsOn: []string{"A"}},
		},
	}
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, StepFailed, run.Steps["A"].Status)
	assert.Equal(t, StepSucceeded, run.Steps["B"].Status)
}

func TestExecuteWorkflowTimeout(t *testing.T) {
	blockUntilCancelled := func(ctx context.Context, stepID string, step *StepDefinition, mode Mode, instructions, workspaceDir string, env map[string]string) StepRunResult {
		<-ctx.Done()
		return StepRunResult{Status: WorkerCancelled}
	}

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "x"})
	def.Timeout = "50ms"
	require.NoError(t, def.Validate())

	ex := NewExecutor(blockUntilCancelled)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowTimedOut, run.Status)
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "x"})
	require.NoError(t, def.Validate())

	var count int64
	sink := sinkFunc(func(e Event) { atomic.AddInt64(&count, 1) })

	ex := NewExecutor(sr.runStep)
	_, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), sink)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(3)) // started, step_state, finished
}

type sinkFunc func(Event)

func (f sinkFunc) Emit(e Event) { f(e) }

func TestExecutePreStepHookAbortFailsStepWithoutRunning(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "x"})
	require.NoError(t, def.Validate())

	ex := NewExecutor(sr.runStep).WithHook(func(ctx context.Context, point HookPoint, stepID, instructions, workspaceDir, contextDir string) HookDirective {
		if point == HookPreStep {
			return HookAbort
		}
		return HookProceed
	})
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, run.Status)
	assert.Equal(t, StepFailed, run.Steps["only"].Status)
	assert.Equal(t, 0, sr.callCount("only"))
}

func TestExecutePostStepHookFiresAfterTerminalStatus(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "x"})
	require.NoError(t, def.Validate())

	var sawPostStepAfterSuccess bool
	ex := NewExecutor(sr.runStep).WithHook(func(ctx context.Context, point HookPoint, stepID, instructions, workspaceDir, contextDir string) HookDirective {
		if point == HookPostStep {
			sawPostStepAfterSuccess = true
		}
		return HookProceed
	})
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, StepSucceeded, run.Steps["only"].Status)
	assert.True(t, sawPostStepAfterSuccess)
}

func TestExecuteOnStallHookRetryExtendsIterationBudget(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only",
		StepRunResult{Status: WorkerSucceeded},
		StepRunResult{Status: WorkerSucceeded},
		StepRunResult{Status: WorkerSucceeded},
	)
	checkRunner := newScriptedRunner()
	checkRunner.set("only",
		StepRunResult{Status: WorkerSucceeded, Stdout: "INCOMPLETE"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "INCOMPLETE"},
		StepRunResult{Status: WorkerSucceeded, Stdout: "COMPLETE"},
	)
	combined := func(ctx context.Context, stepID string, step *StepDefinition, mode Mode, instructions, workspaceDir string, env map[string]string) StepRunResult {
		if mode == ModeAnalyze {
			return checkRunner.runStep(ctx, stepID, step, mode, instructions, workspaceDir, env)
		}
		return sr.runStep(ctx, stepID, step, mode, instructions, workspaceDir, env)
	}

	def := singleStepDef("wf", &StepDefinition{
		Worker:        WorkerCustom,
		Instructions:  "loop",
		MaxIterations: 2,
		CompletionCheck: &CompletionCheckDefinition{
			Worker:       WorkerCustom,
			Instructions: "check",
		},
	})
	require.NoError(t, def.Validate())

	var stallHits int
	ex := NewExecutor(combined).WithHook(func(ctx context.Context, point HookPoint, stepID, instructions, workspaceDir, contextDir string) HookDirective {
		if point == HookOnStall {
			stallHits++
			if stallHits == 1 {
				return HookRetry
			}
		}
		return HookProceed
	})
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.Equal(t, StepSucceeded, run.Steps["only"].Status)
	assert.Equal(t, 1, stallHits)
}

func TestExecuteRejectsStepWhenAdmissionRejects(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "echo ok"})
	require.NoError(t, def.Validate())

	admit := func(ctx context.Context, stepID string, step *StepDefinition, job *Job) (AdmissionResult, string) {
		return AdmissionReject, "no capacity"
	}
	ex := NewExecutor(sr.runStep).WithAdmission(admit, nil)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, run.Status)
	assert.Equal(t, StepFailed, run.Steps["only"].Status)
	assert.Equal(t, 0, sr.callCount("only"))
}

func TestExecuteDefersStepUntilAdmissionAllows(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "echo ok"})
	require.NoError(t, def.Validate())

	var attempts atomic.Int32
	admit := func(ctx context.Context, stepID string, step *StepDefinition, job *Job) (AdmissionResult, string) {
		if attempts.Add(1) < 3 {
			return AdmissionDefer, "deferred"
		}
		return AdmissionProceed, ""
	}
	ex := NewExecutor(sr.runStep).WithAdmission(admit, nil)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

// fakeJobQueue is a workflow.JobQueue backed by a plain slice, used only
// to assert that admitted jobs are actually round-tripped through
// Enqueue/Dequeue rather than launched directly.
type fakeJobQueue struct {
	mu        sync.Mutex
	enqueued  int
	dequeued  int
	pending   []*Job
	available chan struct{}
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{available: make(chan struct{}, 64)}
}

func (q *fakeJobQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	q.enqueued++
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.available <- struct{}{}
	return nil
}

func (q *fakeJobQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case <-q.available:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.dequeued++
	return job, nil
}

func TestExecuteRoutesAdmittedStepsThroughAttachedQueue(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("a", StepRunResult{Status: WorkerSucceeded})
	sr.set("b", StepRunResult{Status: WorkerSucceeded})

	def := &Definition{
		Name:    "wf",
		Version: "1",
		Timeout: "10s",
		Steps: map[string]*StepDefinition{
			"a": {Worker: WorkerCustom, Instructions: "echo a"},
			"b": {Worker: WorkerCustom, Instructions: "echo b"},
		},
	}
	require.NoError(t, def.Validate())

	fq := newFakeJobQueue()
	admit := func(ctx context.Context, stepID string, step *StepDefinition, job *Job) (AdmissionResult, string) {
		return AdmissionProceed, ""
	}
	ex := NewExecutor(sr.runStep).WithAdmission(admit, nil).WithQueue(fq)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	assert.Equal(t, 2, fq.enqueued)
	assert.Equal(t, 2, fq.dequeued)
}

func TestExecuteReleaseCalledOnStepCompletion(t *testing.T) {
	sr := newScriptedRunner()
	sr.set("only", StepRunResult{Status: WorkerSucceeded})

	def := singleStepDef("wf", &StepDefinition{Worker: WorkerCustom, Instructions: "echo ok", DedupKey: "k"})
	require.NoError(t, def.Validate())

	var released atomic.Bool
	admit := func(ctx context.Context, stepID string, step *StepDefinition, job *Job) (AdmissionResult, string) {
		return AdmissionProceed, ""
	}
	release := func(stepID string, step *StepDefinition) {
		released.Store(true)
		assert.Equal(t, "only", stepID)
		assert.Equal(t, "k", step.DedupKey)
	}
	ex := NewExecutor(sr.runStep).WithAdmission(admit, release)
	run, err := ex.Execute(context.Background(), def, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowSucceeded, run.Status)
	assert.True(t, released.Load())
}

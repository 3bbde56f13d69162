package workflow

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roboppi/agentcore/internal/roboppi"
)

// StepRunResult is the outcome of one worker attempt, as reported by
// whatever launches the worker subprocess (internal/step.Runner in
// production, a fake in tests). It mirrors step.RunResult's shape so
// callers can convert without loss.
type StepRunResult struct {
	Status       WorkerResultStatus
	Observations []string
	Stdout       string
	DurationMs   int64
	ErrorClass   ErrorClass
	ErrorMessage string
}

// RunStepFunc launches one worker attempt for a step (or its
// completion check, when mode is ModeAnalyze) and blocks until it
// finishes or ctx is done. The executor never imports internal/step
// directly — the caller wires a closure over a step.Runner, sidestepping
// an import cycle (step already imports workflow for its types).
type RunStepFunc func(ctx context.Context, stepID string, step *StepDefinition, mode Mode, instructions, workspaceDir string, env map[string]string) StepRunResult

// Mode distinguishes running a step's worker from evaluating its
// completion check — mirrors internal/step.Mode's two values.
type Mode string

const (
	ModeRun     Mode = "run"
	ModeAnalyze Mode = "analyze"
)

// maxCompletionInfraFailures is the consecutive-fail-to-parse limit
// before a step's completion check is treated as broken (§4.A).
const maxCompletionInfraFailures = 3

// HookPoint names a point between step phases where a management hook
// may run (§4.K). The executor never imports internal/management
// directly, for the same import-cycle reason RunStepFunc exists: the
// caller wires a closure over management.Loop.
type HookPoint string

const (
	HookPreStep  HookPoint = "pre_step"
	HookPostStep HookPoint = "post_step"
	HookOnStall  HookPoint = "on_stall"
)

// HookDirective mirrors management.Directive's values.
type HookDirective string

const (
	HookProceed HookDirective = "PROCEED"
	HookAbort   HookDirective = "ABORT"
	HookRetry   HookDirective = "RETRY"
	HookSkip    HookDirective = "SKIP"
)

// HookFunc runs a management hook for stepID at point and returns its
// resolved directive. A nil HookFunc on Executor means hooks are
// disabled entirely (every existing caller that doesn't set one keeps
// running exactly as before).
type HookFunc func(ctx context.Context, point HookPoint, stepID string, instructions, workspaceDir, contextDir string) HookDirective

// AdmissionResult is an admission controller's verdict for one ready
// step's Job, resolved through the priority queue, in-flight dedup
// registry, and backpressure classifier before the step is allowed to
// launch (§2: "...enqueues it in the priority queue, runs admission and
// backpressure, spawns via the process manager").
type AdmissionResult string

const (
	AdmissionProceed AdmissionResult = "PROCEED"
	AdmissionDefer   AdmissionResult = "DEFER"
	AdmissionReject  AdmissionResult = "REJECT"
)

// AdmissionFunc runs one ready step's Job through admission control. A
// nil AdmissionFunc (the default) admits every ready step immediately,
// matching the executor's pre-admission-control behavior. The executor
// never imports internal/queue or internal/backpressure directly — the
// caller wires a closure over them, the same import-cycle-avoidance
// pattern as RunStepFunc/HookFunc (internal/queue imports
// internal/workflow for the Job type, so the reverse import would
// cycle).
type AdmissionFunc func(ctx context.Context, stepID string, step *StepDefinition, job *Job) (AdmissionResult, string)

// ReleaseFunc is called once a step that was admitted reaches a
// terminal status, so the caller's dedup registry / in-flight counters
// can be released. A nil ReleaseFunc is a no-op.
type ReleaseFunc func(stepID string, step *StepDefinition)

// JobQueue is the minimal ordering surface the dispatcher needs from a
// priority queue — internal/queue.Queue satisfies this structurally.
// Defined here rather than imported for the same reason AdmissionFunc
// is a closure: internal/queue already imports internal/workflow.
type JobQueue interface {
	Enqueue(job *Job) error
	Dequeue(ctx context.Context) (*Job, error)
}

// Executor runs a single workflow Definition to completion.
type Executor struct {
	runStep RunStepFunc
	hook    HookFunc
	admit   AdmissionFunc
	release ReleaseFunc
	queue   JobQueue
}

// NewExecutor creates an Executor that launches worker attempts via runStep.
func NewExecutor(runStep RunStepFunc) *Executor {
	return &Executor{runStep: runStep}
}

// WithHook attaches a management HookFunc, returning the same Executor
// for chaining.
func (e *Executor) WithHook(hook HookFunc) *Executor {
	e.hook = hook
	return e
}

// WithAdmission attaches admission control (queue/dedup/backpressure)
// gating each ready step before it launches, and the release callback
// fired once that step reaches a terminal status.
func (e *Executor) WithAdmission(admit AdmissionFunc, release ReleaseFunc) *Executor {
	e.admit = admit
	e.release = release
	return e
}

// WithQueue attaches the priority queue used to order ready-and-admitted
// steps before the concurrency semaphore, instead of dispatchReady's
// plain lexicographic order (§4.E: INTERACTIVE before BATCH, then value
// descending).
func (e *Executor) WithQueue(q JobQueue) *Executor {
	e.queue = q
	return e
}

// Execute runs def's DAG to completion, abort, or timeout. workspaceDir
// is the worker's working directory; contextDir receives per-step
// resolved-instruction artifacts (§4.A context materialization).
func (e *Executor) Execute(ctx context.Context, def *Definition, workspaceDir, contextDir string, sink EventSink) (*RunState, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	timeout, err := roboppi.ParseDuration(def.Timeout)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := &RunState{
		WorkflowName: def.Name,
		Status:       WorkflowRunning,
		Steps:        make(map[string]*StepState, len(def.Steps)),
		StartedAt:    time.Now(),
	}
	for id := range def.Steps {
		run.Steps[id] = &StepState{StepID: id, Status: StepPending, MaxIterations: maxIterationsFor(def.Steps[id])}
	}

	sink.Emit(Event{Kind: EventWorkflowStarted, At: time.Now(), Workflow: def.Name})

	d := &dispatcher{
		def:          def,
		run:          run,
		sink:         sink,
		runStep:      e.runStep,
		hook:         e.hook,
		admit:        e.admit,
		release:      e.release,
		queue:        e.queue,
		workspaceDir: workspaceDir,
		contextDir:   contextDir,
		sem:          make(chan struct{}, concurrencyFor(def)),
		resultCh:     make(chan string, len(def.Steps)),
		launched:     make(map[string]bool, len(def.Steps)),
	}
	d.run.Status = d.loop(runCtx)

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	sink.Emit(Event{Kind: EventWorkflowFinished, At: completedAt, Workflow: def.Name, WorkflowStatus: run.Status})

	return run, nil
}

func maxIterationsFor(step *StepDefinition) int {
	if step.MaxIterations <= 0 {
		return 1
	}
	return step.MaxIterations
}

func concurrencyFor(def *Definition) int {
	if def.Concurrency <= 0 {
		return len(def.Steps)
	}
	return def.Concurrency
}

// dispatcher holds the mutable coordination state for one Execute call.
type dispatcher struct {
	def          *Definition
	run          *RunState
	sink         EventSink
	runStep      RunStepFunc
	hook         HookFunc
	admit        AdmissionFunc
	release      ReleaseFunc
	queue        JobQueue
	workspaceDir string
	contextDir   string

	mu       sync.Mutex
	launched map[string]bool

	sem      chan struct{}
	resultCh chan string
	wg       sync.WaitGroup
}

// admissionRetryTick bounds how long a tick with only DEFERred steps
// waits before retrying admission — without it, a workflow where every
// ready step is currently deferred would stall until ctx's deadline
// since nothing else wakes the loop.
const admissionRetryTick = 200 * time.Millisecond

// loop is the dispatch tick from §4.A: compute the READY set, launch up
// to `concurrency` of them in lexicographic order, and wait for a step
// to finish or the workflow deadline to fire.
func (d *dispatcher) loop(ctx context.Context) WorkflowStatus {
	for {
		d.dispatchReady(ctx)

		if d.allTerminal() {
			break
		}

		select {
		case <-d.resultCh:
			continue
		case <-time.After(admissionRetryTick):
			continue
		case <-ctx.Done():
			d.wg.Wait()
			d.cancelUnterminated()
			if isWorkflowTimeout(ctx) {
				return WorkflowTimedOut
			}
			return WorkflowCancelled
		}
	}
	return d.finalStatus()
}

func isWorkflowTimeout(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Now().After(deadline.Add(-time.Millisecond)) && ctx.Err() != nil
}

// dispatchReady runs each ready step's Job through admission control
// (dedup registry + backpressure classifier, §4.E/§4.F), then launches
// the admitted ones up to the concurrency semaphore. When a JobQueue is
// attached, admitted jobs are enqueued and drained back off in priority
// order (INTERACTIVE before BATCH, value descending) rather than
// dispatchReady's plain lexicographic order, so a tick with more
// admitted steps than free concurrency slots launches the
// highest-priority ones first.
func (d *dispatcher) dispatchReady(ctx context.Context) {
	var admitted []string
	for _, id := range d.readySteps() {
		step := d.def.Steps[id]
		if d.admit != nil {
			job := &Job{JobID: id, Type: "step", Priority: *step.Priority}
			switch result, reason := d.admit(ctx, id, step, job); result {
			case AdmissionReject:
				d.markLaunched(id)
				d.finishStep(id, StepFailed, "rejected by admission control: "+reason)
				if step.OnFailure != OnFailureContinue {
					d.cascadeSkip(id)
				}
				select {
				case d.resultCh <- id:
				default:
				}
				continue
			case AdmissionDefer:
				continue
			}
		}
		if d.queue != nil {
			if err := d.queue.Enqueue(&Job{JobID: id, Type: "step", Priority: *step.Priority}); err != nil {
				continue
			}
		}
		admitted = append(admitted, id)
	}

	if d.queue == nil {
		for _, id := range admitted {
			if !d.launchIfSlot(ctx, id) {
				return
			}
		}
		return
	}

	for range admitted {
		select {
		case d.sem <- struct{}{}:
		default:
			return
		}
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			<-d.sem
			return
		}
		d.markLaunched(job.JobID)
		d.wg.Add(1)
		go d.runLifecycle(ctx, job.JobID)
	}
}

// launchIfSlot launches id if a concurrency slot is free, reporting
// whether it did — used when no JobQueue is attached.
func (d *dispatcher) launchIfSlot(ctx context.Context, id string) bool {
	select {
	case d.sem <- struct{}{}:
		d.markLaunched(id)
		d.wg.Add(1)
		go d.runLifecycle(ctx, id)
		return true
	default:
		return false
	}
}

func (d *dispatcher) markLaunched(id string) {
	d.mu.Lock()
	d.launched[id] = true
	d.mu.Unlock()
}

// readySteps returns PENDING steps whose dependencies are all satisfied
// (SUCCEEDED, or FAILED under on_failure=continue — see satisfied),
// not yet launched, sorted lexicographically for reproducible dispatch.
func (d *dispatcher) readySteps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []string
	for id, step := range d.def.Steps {
		st := d.run.Steps[id]
		if st.Status != StepPending || d.launched[id] {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			if !d.satisfied(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// satisfied reports whether dep counts as done for dependency purposes:
// SUCCEEDED, or FAILED under on_failure=continue (§4.A: "step stays
// FAILED but dependents still execute treating it as SUCCEEDED").
func (d *dispatcher) satisfied(dep string) bool {
	st := d.run.Steps[dep]
	if st.Status == StepSucceeded {
		return true
	}
	if st.Status == StepFailed && d.def.Steps[dep].OnFailure == OnFailureContinue {
		return true
	}
	return false
}

func (d *dispatcher) allTerminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.run.Steps {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (d *dispatcher) cancelUnterminated() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.run.Steps {
		if !st.Status.IsTerminal() {
			st.Status = StepCancelled
		}
	}
}

// finalStatus applies §4.A's termination rule once every step has
// reached a terminal status: SUCCEEDED unless some step is FAILED
// (without on_failure=continue), INCOMPLETE, CANCELLED, or SKIPPED —
// SKIPPED only ever arises from an abort-policy cascade in this
// implementation, so its presence always means the workflow failed.
func (d *dispatcher) finalStatus() WorkflowStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.run.Steps {
		switch st.Status {
		case StepSucceeded:
			continue
		case StepFailed:
			if d.def.Steps[id].OnFailure == OnFailureContinue {
				continue
			}
			return WorkflowFailed
		case StepCancelled:
			return WorkflowCancelled
		default:
			return WorkflowFailed
		}
	}
	return WorkflowSucceeded
}

// cascadeSkip marks every transitive dependent of id SKIPPED, recursing
// through the dependency graph (§4.A abort policy).
func (d *dispatcher) cascadeSkip(id string) {
	d.mu.Lock()
	var skipped []string
	now := time.Now()

	changed := true
	for changed {
		changed = false
		for depID, step := range d.def.Steps {
			st := d.run.Steps[depID]
			if st.Status != StepPending {
				continue
			}
			for _, dep := range step.DependsOn {
				if dep == id || d.run.Steps[dep].Status == StepSkipped {
					st.Status = StepSkipped
					st.CompletedAt = &now
					d.launched[depID] = true
					skipped = append(skipped, depID)
					changed = true
					break
				}
			}
		}
	}
	d.mu.Unlock()

	for _, depID := range skipped {
		d.sink.Emit(Event{Kind: EventStepState, At: now, Workflow: d.def.Name, StepID: depID, Status: StepSkipped})
	}
}

// runLifecycle drives one step from its first attempt through retries
// and its completion-check iteration loop to a terminal status. It runs
// in its own goroutine holding one dispatcher.sem slot for its entire
// lifetime.
func (d *dispatcher) runLifecycle(ctx context.Context, id string) {
	defer func() {
		<-d.sem
		d.wg.Done()
		if d.release != nil {
			d.release(id, d.def.Steps[id])
		}
		select {
		case d.resultCh <- id:
		default:
		}
	}()

	step := d.def.Steps[id]
	st := d.run.Steps[id]

	now := time.Now()
	st.StartedAt = &now

	vars := map[string]string{"workspace": d.workspaceDir}
	instructions := ExpandTemplate(step.Instructions, vars)
	if d.contextDir != "" {
		if err := materializeStepContext(d.contextDir, id, step, instructions); err != nil {
			d.finishStep(id, StepFailed, err.Error())
			return
		}
	}

	defer func() {
		d.runHook(ctx, HookPostStep, id, instructions)
	}()

	if d.runHook(ctx, HookPreStep, id, instructions) == HookAbort {
		d.finishStep(id, StepFailed, "aborted by management pre_step hook")
		if step.OnFailure != OnFailureContinue {
			d.cascadeSkip(id)
		}
		return
	}

	attempts := 0
	infraFailures := 0
	var lastStdout string

	for {
		if ctx.Err() != nil {
			d.setStatus(id, StepCancelled)
			return
		}

		attempts++
		d.setStatus(id, StepRunning)
		d.sink.Emit(Event{Kind: EventStepPhase, At: time.Now(), Workflow: d.def.Name, StepID: id, Phase: "running"})

		res := d.runStep(ctx, id, step, ModeRun, instructions, d.workspaceDir, d.def.Env)
		st.Attempts = attempts
		lastStdout = res.Stdout

		switch res.Status {
		case WorkerCancelled:
			d.setStatus(id, StepCancelled)
			return

		case WorkerFailed:
			if res.ErrorClass == ErrorFatal {
				d.finishStep(id, StepFailed, res.ErrorMessage)
				return
			}
			if res.ErrorClass.IsRetryable() && attempts <= step.MaxRetries {
				delay := DefaultStepBackoff().Delay(attempts - 1)
				if !sleepCtx(ctx, delay) {
					d.setStatus(id, StepCancelled)
					return
				}
				continue
			}
			d.finishStep(id, StepFailed, res.ErrorMessage)
			if step.OnFailure != OnFailureContinue {
				d.cascadeSkip(id)
			}
			return

		case WorkerSucceeded:
			if step.CompletionCheck == nil || st.Iteration >= st.MaxIterations {
				d.completeStep(id, lastStdout)
				return
			}

			outcome, more := d.runCompletionCheck(ctx, id, step, &infraFailures)
			switch outcome {
			case DecisionComplete:
				d.completeStep(id, lastStdout)
				return
			case DecisionFail:
				if !more {
					d.finishStep(id, StepFailed, "completion check channel broken")
					d.cascadeSkip(id)
					return
				}
				continue // retry the check itself, not the worker
			default: // incomplete
				st.Iteration++
				if st.Iteration >= st.MaxIterations {
					switch d.runHook(ctx, HookOnStall, id, instructions) {
					case HookRetry:
						st.MaxIterations++
						d.setStatus(id, StepRunning)
						continue
					case HookAbort:
						d.finishStep(id, StepFailed, "aborted by management on_stall hook")
						if step.OnFailure != OnFailureContinue {
							d.cascadeSkip(id)
						}
						return
					}
					if step.OnIterationsExhausted == IterationsContinue {
						d.completeStep(id, lastStdout)
					} else {
						d.finishStep(id, StepIncomplete, "")
					}
					return
				}
				d.setStatus(id, StepRunning)
				continue
			}
		}
	}
}

// runCompletionCheck launches the completion-check worker and parses
// its verdict. The bool return is false once infraFailures has reached
// maxCompletionInfraFailures (the caller should give up).
func (d *dispatcher) runCompletionCheck(ctx context.Context, id string, step *StepDefinition, infraFailures *int) (Decision, bool) {
	d.setStatus(id, StepChecking)
	d.sink.Emit(Event{Kind: EventStepPhase, At: time.Now(), Workflow: d.def.Name, StepID: id, Phase: "checking"})

	check := step.CompletionCheck
	vars := map[string]string{"workspace": d.workspaceDir}
	instructions := ExpandTemplate(check.Instructions, vars)

	res := d.runStep(ctx, id, step, ModeAnalyze, instructions, d.workspaceDir, d.def.Env)
	if res.Status != WorkerSucceeded {
		*infraFailures++
		return DecisionFail, *infraFailures < maxCompletionInfraFailures
	}

	decisionPath := ""
	if check.DecisionFile != "" {
		decisionPath = filepath.Join(d.workspaceDir, check.DecisionFile)
	}
	decision := ParseDecision(decisionPath, res.Stdout)
	if decision == DecisionFail {
		*infraFailures++
		return decision, *infraFailures < maxCompletionInfraFailures
	}
	*infraFailures = 0
	return decision, true
}

func (d *dispatcher) completeStep(id, stdout string) {
	step := d.def.Steps[id]
	if len(step.Outputs) > 0 {
		if err := captureOutputs(d.workspaceDir, step.Outputs, stdout); err != nil {
			d.finishStep(id, StepFailed, err.Error())
			return
		}
	}
	d.finishStep(id, StepSucceeded, "")
}

func (d *dispatcher) finishStep(id string, status StepStatus, errMsg string) {
	d.mu.Lock()
	st := d.run.Steps[id]
	st.Status = status
	st.Error = errMsg
	now := time.Now()
	st.CompletedAt = &now
	d.mu.Unlock()

	d.sink.Emit(Event{Kind: EventStepState, At: now, Workflow: d.def.Name, StepID: id, Status: status, Error: errMsg})
}

func (d *dispatcher) setStatus(id string, status StepStatus) {
	d.mu.Lock()
	st := d.run.Steps[id]
	st.Status = status
	if status.IsTerminal() {
		now := time.Now()
		st.CompletedAt = &now
	}
	d.mu.Unlock()

	d.sink.Emit(Event{Kind: EventStepState, At: time.Now(), Workflow: d.def.Name, StepID: id, Status: status})
}

// runHook invokes the attached management hook, if any, defaulting to
// HookProceed (a no-op for every call site) when no hook is wired.
func (d *dispatcher) runHook(ctx context.Context, point HookPoint, stepID, instructions string) HookDirective {
	if d.hook == nil {
		return HookProceed
	}
	return d.hook(ctx, point, stepID, instructions, d.workspaceDir, d.contextDir)
}

// sleepCtx sleeps for d, returning false early if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewTraceID mints a fresh v4 UUID for a Job's context.traceId /
// correlationId (§3), shared by every job-creating caller.
func NewTraceID() string {
	return uuid.NewString()
}

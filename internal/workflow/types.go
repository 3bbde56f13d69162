// Package workflow implements the DAG scheduler that drives workflow steps
// through a state machine, honoring per-step iteration loops, failure
// policies, and a workflow-wide timeout (spec §4.A).
package workflow

import "time"

// WorkerKind identifies which adapter a step or completion check uses.
type WorkerKind string

const (
	WorkerCodexCLI   WorkerKind = "CODEX_CLI"
	WorkerClaudeCode WorkerKind = "CLAUDE_CODE"
	WorkerOpencode   WorkerKind = "OPENCODE"
	WorkerCustom     WorkerKind = "CUSTOM"
)

// Capability is a permission a worker is granted over the workspace.
type Capability string

const (
	CapabilityRead        Capability = "READ"
	CapabilityEdit        Capability = "EDIT"
	CapabilityRunTests    Capability = "RUN_TESTS"
	CapabilityRunCommands Capability = "RUN_COMMANDS"
)

// OnFailurePolicy governs what happens when a step's worker fails.
type OnFailurePolicy string

const (
	OnFailureRetry    OnFailurePolicy = "retry"
	OnFailureContinue OnFailurePolicy = "continue"
	OnFailureAbort    OnFailurePolicy = "abort"
)

// OnIterationsExhaustedPolicy governs step outcome when max_iterations is
// reached without a "complete" verdict.
type OnIterationsExhaustedPolicy string

const (
	IterationsAbort    OnIterationsExhaustedPolicy = "abort"
	IterationsContinue OnIterationsExhaustedPolicy = "continue"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepChecking  StepStatus = "CHECKING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepIncomplete StepStatus = "INCOMPLETE"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions occur for this status.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepIncomplete, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the terminal or in-progress status of an entire run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowTimedOut  WorkflowStatus = "TIMED_OUT"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// PriorityClass is the two-tier admission class used by the priority
// queue (spec §4.E); INTERACTIVE always dequeues before BATCH.
type PriorityClass string

const (
	ClassInteractive PriorityClass = "INTERACTIVE"
	ClassBatch       PriorityClass = "BATCH"
)

// Priority carries a class and a tie-breaking numeric value.
type Priority struct {
	Value int           `json:"value"`
	Class PriorityClass `json:"class"`
}

// ErrorClass classifies a worker failure for retry-policy purposes. Only
// RETRYABLE_* classes are eligible for the executor's retry loop;
// NON_RETRYABLE_* classes skip it; FATAL aborts the whole workflow.
type ErrorClass string

const (
	ErrorRetryableTransient ErrorClass = "RETRYABLE_TRANSIENT"
	ErrorRetryableRateLimit ErrorClass = "RETRYABLE_RATE_LIMIT"
	ErrorRetryableNetwork   ErrorClass = "RETRYABLE_NETWORK"
	ErrorRetryableService   ErrorClass = "RETRYABLE_SERVICE"
	ErrorNonRetryable       ErrorClass = "NON_RETRYABLE"
	ErrorNonRetryableLint   ErrorClass = "NON_RETRYABLE_LINT"
	ErrorNonRetryableTest   ErrorClass = "NON_RETRYABLE_TEST"
	ErrorFatal              ErrorClass = "FATAL"
)

// IsRetryable reports whether the executor's retry loop should consider
// this class at all (spec §7: only the RETRYABLE_ prefix is retried).
func (c ErrorClass) IsRetryable() bool {
	switch c {
	case ErrorRetryableTransient, ErrorRetryableRateLimit, ErrorRetryableNetwork, ErrorRetryableService:
		return true
	default:
		return false
	}
}

// StepState is the executor-owned runtime state of one step within a run.
type StepState struct {
	StepID                 string     `json:"step_id"`
	Status                 StepStatus `json:"status"`
	Iteration              int        `json:"iteration"`
	MaxIterations          int        `json:"max_iterations"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	Error                  string     `json:"error,omitempty"`
	ConvergenceStage       string     `json:"convergence_stage,omitempty"`
	ConvergenceStallCount  int        `json:"convergence_stall_count,omitempty"`
	Attempts               int        `json:"attempts"`
	CompletionInfraFailures int       `json:"completion_infra_failures,omitempty"`
}

// RunState is the overall state of a single workflow execution.
type RunState struct {
	WorkflowName string                `json:"workflow_name"`
	Status       WorkflowStatus        `json:"status"`
	Steps        map[string]*StepState `json:"steps"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Job is the internal unit submitted to the priority queue / scheduler.
type Job struct {
	JobID    string      `json:"job_id"`
	Type     string      `json:"type"`
	Priority Priority    `json:"priority"`
	Payload  interface{} `json:"payload"`
	Limits   JobLimits   `json:"limits"`
	Context  JobContext  `json:"context"`
}

// JobLimits bounds a job's execution.
type JobLimits struct {
	TimeoutMs   int64 `json:"timeout_ms"`
	MaxAttempts int   `json:"max_attempts"`
}

// JobContext carries tracing identity through the job's lifetime.
type JobContext struct {
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id"`
}

// WorkerTaskBudget bounds a single worker attempt.
type WorkerTaskBudget struct {
	DeadlineAt       time.Time `json:"deadline_at"`
	MaxSteps         *int      `json:"max_steps,omitempty"`
	MaxCommandTimeMs *int64    `json:"max_command_time_ms,omitempty"`
}

// WorkerTask is the Job payload for a worker-executing step.
type WorkerTask struct {
	WorkerKind   WorkerKind        `json:"worker_kind"`
	WorkspaceRef string            `json:"workspace_ref"`
	Instructions string            `json:"instructions"`
	Capabilities []Capability      `json:"capabilities"`
	OutputMode   string            `json:"output_mode"`
	Budget       WorkerTaskBudget  `json:"budget"`
	Env          map[string]string `json:"env,omitempty"`
}

// Permit is Core's grant of execution rights to one job attempt.
type Permit struct {
	PermitID            string    `json:"permit_id"`
	JobID               string    `json:"job_id"`
	DeadlineAt          time.Time `json:"deadline_at"`
	AttemptIndex        int       `json:"attempt_index"`
	TokensGranted       int       `json:"tokens_granted"`
	CircuitStateSnapshot string   `json:"circuit_state_snapshot"`
}

// WorkerResultStatus is the terminal outcome of one worker attempt.
type WorkerResultStatus string

const (
	WorkerSucceeded WorkerResultStatus = "SUCCEEDED"
	WorkerFailed    WorkerResultStatus = "FAILED"
	WorkerCancelled WorkerResultStatus = "CANCELLED"
)

// WorkerResult is the outcome reported by a step runner attempt.
type WorkerResult struct {
	Status       WorkerResultStatus `json:"status"`
	Artifacts    []string           `json:"artifacts,omitempty"`
	Observations []string           `json:"observations,omitempty"`
	Cost         WorkerCost         `json:"cost"`
	DurationMs   int64              `json:"duration_ms"`
	ErrorClass   ErrorClass         `json:"error_class,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Stdout       string             `json:"-"`
}

// WorkerCost captures resource consumption for a worker attempt.
type WorkerCost struct {
	EstimatedTokens *int64 `json:"estimated_tokens,omitempty"`
	WallTimeMs      int64  `json:"wall_time_ms"`
}

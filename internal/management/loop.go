// Package management implements the management-agent hook of spec §4.K:
// a worker invocation between step phases (pre_step, post_step, on_stall)
// that may steer the executor via a decision.json directive. Grounded on
// internal/step.Runner for the subprocess invocation (a hook is just a
// step whose instructions are synthesized from the hook kind) and on
// internal/statestore's atomic-write/mtime-staleness conventions for
// reading the worker-produced decision file.
package management

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/step"
	"github.com/roboppi/agentcore/internal/workflow"
)

// HookPoint identifies where in a step's lifecycle the hook fires.
type HookPoint string

const (
	HookPreStep  HookPoint = "pre_step"
	HookPostStep HookPoint = "post_step"
	HookOnStall  HookPoint = "on_stall"
)

// Directive is the verb a management decision asks the executor to take.
type Directive string

const (
	DirectiveProceed Directive = "PROCEED"
	DirectiveAbort   Directive = "ABORT"
	DirectiveRetry   Directive = "RETRY"
	DirectiveSkip    Directive = "SKIP"
)

func validDirective(d Directive) bool {
	switch d {
	case DirectiveProceed, DirectiveAbort, DirectiveRetry, DirectiveSkip:
		return true
	default:
		return false
	}
}

// DEFAULT_PROCEED_DIRECTIVE is the deterministic fallback used whenever a
// decision cannot be accepted as-is (§4.K).
const DefaultProceedDirective = DirectiveProceed

// staleWindow is the mtime/hookStartedAt slack tolerated when hook_id is
// absent from the decision file (§8 quantified invariant).
const staleWindow = 2 * time.Second

// Decision is the resolved outcome of a hook invocation: either the
// worker's own verdict, accepted as-is, or a deterministic fallback.
type Decision struct {
	Directive Directive
	Source    string // "accepted", "none", "file-json", "stale", "misattribution", "invalid-shape", "timeout", "aborted"
	Reason    string
	Reasoning string
	Confidence *float64
}

func proceedFallback(source, reason string) Decision {
	return Decision{Directive: DefaultProceedDirective, Source: source, Reason: reason}
}

// decisionFile is the on-disk shape a hook worker writes to
// ROBOPPI_MANAGEMENT_DECISION_FILE.
type decisionFile struct {
	Directive  *Directive `json:"directive"`
	HookID     *string    `json:"hook_id"`
	Hook       *string    `json:"hook"`
	StepID     *string    `json:"step_id"`
	Reasoning  string     `json:"reasoning"`
	Confidence *float64   `json:"confidence"`
}

// Invocation describes one hook firing.
type Invocation struct {
	Point        HookPoint
	StepID       string
	WorkerKind   workflow.WorkerKind
	Instructions string
	WorkspaceDir string
	ContextDir   string
	Timeout      time.Duration
}

// Loop runs management hooks on behalf of the executor.
type Loop struct {
	runner *step.Runner
}

// NewLoop creates a Loop backed by runner.
func NewLoop(runner *step.Runner) *Loop {
	return &Loop{runner: runner}
}

// Run launches the hook worker for inv, waits for it (bounded by
// inv.Timeout), and resolves its decision.json. It never returns an
// error: every failure mode resolves to a PROCEED fallback per §4.K.
func (l *Loop) Run(ctx context.Context, inv Invocation) Decision {
	hookID := uuid.NewString()
	invDir := filepath.Join(inv.ContextDir, "_management", "inv", hookID)
	if err := os.MkdirAll(invDir, 0o755); err != nil {
		return proceedFallback("io-error", "could not create invocation directory")
	}

	inputPath := filepath.Join(invDir, "input.json")
	decisionPath := filepath.Join(invDir, "decision.json")

	if err := writeHookInput(inputPath, inv, hookID); err != nil {
		return proceedFallback("io-error", "could not write hook input")
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := map[string]string{
		"ROBOPPI_MANAGEMENT_HOOK_ID":       hookID,
		"ROBOPPI_MANAGEMENT_INPUT_FILE":    inputPath,
		"ROBOPPI_MANAGEMENT_DECISION_FILE": decisionPath,
	}

	hookStartedAt := time.Now()
	result := l.runner.Run(hookCtx, inv.StepID, inv.WorkerKind, step.ModeAnalyze, inv.Instructions, inv.WorkspaceDir, env, nil)

	if result.Status == workflow.WorkerCancelled {
		if hookCtx.Err() == context.DeadlineExceeded {
			return proceedFallback("timeout", "hook worker timed out")
		}
		return proceedFallback("aborted", "hook worker was aborted")
	}

	return resolveDecision(decisionPath, hookID, string(inv.Point), inv.StepID, hookStartedAt)
}

func writeHookInput(path string, inv Invocation, hookID string) error {
	data, err := json.MarshalIndent(map[string]any{
		"hook_id": hookID,
		"hook":    string(inv.Point),
		"step_id": inv.StepID,
	}, "", "  ")
	if err != nil {
		return agerrors.Wrap(err, "marshalling hook input")
	}
	return os.WriteFile(path, data, 0o644)
}

// resolveDecision implements the 7-rule resolution order of §4.K.
func resolveDecision(path, expectedHookID, expectedHook, expectedStepID string, hookStartedAt time.Time) Decision {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return proceedFallback("none", "decision file not found")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return proceedFallback("none", "decision file not found")
	}

	var df decisionFile
	if err := json.Unmarshal(data, &df); err != nil {
		return proceedFallback("file-json", "decision file is not valid JSON")
	}

	if df.HookID != nil {
		if *df.HookID != expectedHookID {
			return proceedFallback("file-json", "stale decision: hook_id mismatch")
		}
	} else if info.ModTime().Before(hookStartedAt.Add(-staleWindow)) {
		return proceedFallback("file-json", "file mtime too old")
	}

	if (df.Hook != nil && *df.Hook != expectedHook) || (df.StepID != nil && *df.StepID != expectedStepID) {
		return proceedFallback("misattribution", "misattribution")
	}

	if df.Directive == nil || !validDirective(*df.Directive) {
		return proceedFallback("invalid-shape", "directive missing or unrecognized")
	}

	return Decision{
		Directive:  *df.Directive,
		Source:     "accepted",
		Reasoning:  df.Reasoning,
		Confidence: df.Confidence,
	}
}

// Package trigger implements the daemon/trigger engine of spec §4.I: it
// binds an EventSource to a workflow, gates each event through an
// evaluate-gate, runs the workflow executor on acceptance, and records
// the outcome in the state store. Grounded on the teacher's
// internal/triggers package for the trigger-to-workflow binding shape
// and internal/daemon for the dispatch-loop idiom.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/audit"
	"github.com/roboppi/agentcore/internal/gateexpr"
	"github.com/roboppi/agentcore/internal/roboppi"
	"github.com/roboppi/agentcore/internal/statestore"
	"github.com/roboppi/agentcore/internal/step"
	"github.com/roboppi/agentcore/internal/trigger/source"
	"github.com/roboppi/agentcore/internal/workflow"
)

// GateKind selects how a Trigger's evaluate-gate decides run-vs-skip.
type GateKind string

const (
	GateCustom GateKind = "CUSTOM"
	GateWorker GateKind = "WORKER"
	// GateExpr evaluates Instructions as an expr-lang/expr boolean
	// expression against the event payload and last result, for
	// triggers that want a cheap structural condition (§9: dropped
	// teacher dependency expr-lang/expr, wired here) instead of
	// spawning a shell or an LLM worker just to decide run-vs-skip.
	GateExpr GateKind = "EXPR"
)

// defaultGateTimeout is applied when a gate doesn't specify its own.
const defaultGateTimeout = 30 * time.Second

// EvaluateGate configures the run/skip decision for a trigger (§4.I).
type EvaluateGate struct {
	Kind         GateKind
	Instructions string
	Worker       workflow.WorkerKind // only consulted when Kind == GateWorker
	Timeout      time.Duration
}

// ResultAnalyzer configures the optional post-workflow worker invocation
// that observes step outcomes and may capture declared outputs (§4.I).
type ResultAnalyzer struct {
	Worker       workflow.WorkerKind
	Instructions string
	Outputs      map[string]string
	Timeout      time.Duration
}

// Trigger binds one EventSource to a workflow definition.
type Trigger struct {
	ID           string
	WorkflowPath string
	Workspace    string
	ContextDir   string
	Gate         *EvaluateGate
	Analyzer     *ResultAnalyzer
	Cooldown     time.Duration
}

// runPattern / skipPattern implement the LLM evaluate-gate's whole-word
// last-line parse (§4.I).
var runPattern = regexp.MustCompile(`(?i)\brun\b`)

// Engine dispatches merged events to their trigger's workflow.
type Engine struct {
	store    *statestore.Store
	runner   *step.Runner
	executor *workflow.Executor
	logger   *slog.Logger
	exprs    *gateexpr.Evaluator
	audit    *audit.Store
}

// WithAudit attaches an append-only execution-audit sink (internal/audit)
// that Dispatch writes to alongside statestore's own execution history.
// Optional: a nil receiver-unset Engine just skips audit recording, so
// callers that don't configure audit.DBPath never pay for it.
func (e *Engine) WithAudit(store *audit.Store) *Engine {
	e.audit = store
	return e
}

// NewEngine creates an Engine. It mirrors ROBOPPI_/AGENTCORE_ env prefix
// aliases once, since every evaluate-gate and worker invocation this
// engine launches should see both forms regardless of which the
// operator set (§6 environment compat layer).
func NewEngine(store *statestore.Store, runner *step.Runner, executor *workflow.Executor, logger *slog.Logger) *Engine {
	roboppi.MirrorEnvPrefixAliases()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, runner: runner, executor: executor, logger: logger, exprs: gateexpr.New()}
}

// Binding pairs a Trigger with the EventSource that feeds it; the
// source's ID must equal the Trigger's ID so Run can route a merged
// event back to its owning binding.
type Binding struct {
	Trigger *Trigger
	Source  source.EventSource
}

// Run merges every binding's event source (via mergeEventSources) and
// dispatches each event to its owning Trigger until ctx is cancelled or
// every source has drained. Errors from an individual Dispatch are
// logged, not returned — one misbehaving trigger must not stop the
// daemon's event loop (§4.I, §7 "daemon mode never exits on per-workflow
// failure").
func (e *Engine) Run(ctx context.Context, bindings []Binding) error {
	triggers := make(map[string]*Trigger, len(bindings))
	sources := make([]source.EventSource, 0, len(bindings))
	for _, b := range bindings {
		triggers[b.Trigger.ID] = b.Trigger
		sources = append(sources, b.Source)
	}

	merged := mergeEventSources(ctx, sources, 0, e.logger)
	for evt := range merged {
		trig, ok := triggers[evt.SourceID]
		if !ok {
			e.logger.Warn("dropping event for unknown trigger", "source_id", evt.SourceID)
			continue
		}
		if err := e.Dispatch(ctx, trig, evt); err != nil {
			e.logger.Error("trigger dispatch failed", "trigger_id", trig.ID, "error", err)
		}
	}
	return ctx.Err()
}

// Dispatch runs trig's full per-event algorithm (§4.I): state check,
// evaluate-gate, workflow execution, bookkeeping, result analyzer.
func (e *Engine) Dispatch(ctx context.Context, trig *Trigger, evt source.Event) error {
	st, err := e.store.LoadTriggerState(trig.ID)
	if err != nil {
		return agerrors.Wrap(err, "loading trigger state")
	}

	now := time.Now()
	if !st.Enabled {
		return nil
	}
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return nil
	}

	var lastResult map[string]any
	if ok, err := e.store.LoadLastResult(trig.ID, &lastResult); err != nil {
		return agerrors.Wrap(err, "loading last result")
	} else if !ok {
		lastResult = map[string]any{}
	}

	vars := templateVars(trig, evt, st, lastResult, now)

	accept := e.evaluate(ctx, trig, evt, st, lastResult, vars, now)
	if !accept {
		return nil
	}

	data, err := os.ReadFile(trig.WorkflowPath)
	if err != nil {
		return agerrors.Wrap(err, "reading workflow definition")
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	if trig.ContextDir != "" {
		if err := writeTriggerContext(trig.ContextDir, evt, lastResult); err != nil {
			return agerrors.Wrap(err, "writing trigger context artifacts")
		}
	}

	def.Env = mergeStringMaps(def.Env, map[string]string{"ROBOPPI_TRIGGER_ID": trig.ID})

	started := time.Now()
	run, err := e.executor.Execute(ctx, def, trig.Workspace, trig.ContextDir, nil)
	if err != nil {
		return err
	}
	completed := time.Now()

	rec := statestore.ExecutionRecord{
		TriggerID:   trig.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Status:      string(run.Status),
		WorkflowID:  def.Name,
	}
	if err := e.store.RecordExecution(rec); err != nil {
		e.logger.Warn("failed to record execution history", "trigger_id", trig.ID, "error", err)
	}
	if e.audit != nil {
		steps := make(map[string]any, len(run.Steps))
		for id, st := range run.Steps {
			steps[id] = st.Status
		}
		auditRec := audit.Record{
			TriggerID:   trig.ID,
			WorkflowID:  def.Name,
			Status:      string(run.Status),
			StartedAt:   started,
			CompletedAt: completed,
			Steps:       steps,
		}
		if err := e.audit.Append(ctx, auditRec); err != nil {
			e.logger.Warn("failed to append audit record", "trigger_id", trig.ID, "error", err)
		}
	}

	next := st
	firedAt := completed
	next.LastFiredAt = &firedAt
	next.ExecutionCount++
	if run.Status == workflow.WorkflowSucceeded {
		next.ConsecutiveFailures = 0
	} else {
		next.ConsecutiveFailures++
	}
	if trig.Cooldown > 0 {
		until := completed.Add(trig.Cooldown)
		next.CooldownUntil = &until
	}
	if err := e.store.SaveTriggerState(trig.ID, next); err != nil {
		e.logger.Warn("failed to save trigger state", "trigger_id", trig.ID, "error", err)
	}

	if trig.Analyzer != nil {
		e.runResultAnalyzer(ctx, trig, run)
	}
	return nil
}

// evaluate applies trig's gate, if any, defaulting to "run" when no
// gate is configured. Every failure path (timeout, ENOENT, unparseable
// output) resolves to skip — the evaluate-gate's documented safe-side
// default (§9 design notes).
func (e *Engine) evaluate(ctx context.Context, trig *Trigger, evt source.Event, st statestore.TriggerState, lastResult map[string]any, vars map[string]string, now time.Time) bool {
	if trig.Gate == nil {
		return true
	}

	timeout := trig.Gate.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}
	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch trig.Gate.Kind {
	case GateCustom:
		return e.evaluateCustom(gateCtx, trig, evt, st, lastResult, now)
	case GateExpr:
		return e.evaluateExpr(trig, evt, lastResult, st, now)
	default:
		return e.evaluateWorker(gateCtx, trig, vars)
	}
}

// evaluateExpr runs the gate's instructions as an expr-lang/expr boolean
// expression against the event payload, last result, and trigger
// metadata. A compile/eval error resolves to skip, logged, consistent
// with every other gate failure path's safe-side default.
func (e *Engine) evaluateExpr(trig *Trigger, evt source.Event, lastResult map[string]any, st statestore.TriggerState, now time.Time) bool {
	ctx := map[string]any{
		"event":           evt.Payload,
		"last_result":     lastResult,
		"trigger_id":      trig.ID,
		"execution_count": st.ExecutionCount,
		"timestamp":       now.UnixMilli(),
	}
	ok, err := e.exprs.Evaluate(trig.Gate.Instructions, ctx)
	if err != nil {
		e.logger.Warn("evaluate-gate expression failed, skipping", "trigger_id", trig.ID, "error", err)
		return false
	}
	return ok
}

// evaluateCustom runs the gate's instructions verbatim via `bash -c`.
// Event/trigger data reach the script only through env vars — the
// instructions string itself is never template-expanded, so nothing in
// the event payload can be interpolated into the shell command (§4.I).
func (e *Engine) evaluateCustom(ctx context.Context, trig *Trigger, evt source.Event, st statestore.TriggerState, lastResult map[string]any, now time.Time) bool {
	cmd := exec.CommandContext(ctx, "bash", "-c", trig.Gate.Instructions)
	cmd.Dir = trig.Workspace
	cmd.Env = append(os.Environ(), gateEnv(trig, evt, st, lastResult, now)...)

	err := cmd.Run()
	return err == nil
}

// evaluateWorker spawns the gate's LLM worker and parses its last
// non-empty stdout line for a whole-word "run"/"skip" verdict.
func (e *Engine) evaluateWorker(ctx context.Context, trig *Trigger, vars map[string]string) bool {
	instructions := workflow.ExpandTemplate(trig.Gate.Instructions, vars)
	res := e.runner.Run(ctx, "trigger-gate:"+trig.ID, trig.Gate.Worker, step.ModeAnalyze, instructions, trig.Workspace, nil, nil)
	if res.Status != workflow.WorkerSucceeded {
		return false
	}
	return runPattern.MatchString(lastNonEmptyLine(res.Stdout))
}

func (e *Engine) runResultAnalyzer(ctx context.Context, trig *Trigger, run *workflow.RunState) {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		e.logger.Warn("failed to marshal step states for result analyzer", "trigger_id", trig.ID, "error", err)
		return
	}

	vars := map[string]string{
		"workflow_status": string(run.Status),
		"steps":           string(stepsJSON),
		"context_dir":     trig.ContextDir,
		"workspace":       trig.Workspace,
	}
	instructions := workflow.ExpandTemplate(trig.Analyzer.Instructions, vars)

	timeout := trig.Analyzer.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}
	analyzeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := e.runner.Run(analyzeCtx, "trigger-analyzer:"+trig.ID, trig.Analyzer.Worker, step.ModeAnalyze, instructions, trig.Workspace, nil, nil)
	if res.Status != workflow.WorkerSucceeded {
		return
	}

	if len(trig.Analyzer.Outputs) > 0 {
		if err := workflow.CaptureOutputs(trig.Workspace, trig.Analyzer.Outputs, res.Stdout); err != nil {
			e.logger.Warn("result analyzer output capture failed", "trigger_id", trig.ID, "error", err)
			return
		}
	}

	if err := e.store.SaveLastResult(trig.ID, map[string]any{"stdout": strings.TrimSpace(res.Stdout)}); err != nil {
		e.logger.Warn("failed to save last result", "trigger_id", trig.ID, "error", err)
	}
}

func templateVars(trig *Trigger, evt source.Event, st statestore.TriggerState, lastResult map[string]any, now time.Time) map[string]string {
	eventJSON, _ := json.Marshal(evt.Payload)
	lastResultJSON, _ := json.Marshal(lastResult)
	return map[string]string{
		"event":           string(eventJSON),
		"last_result":     string(lastResultJSON),
		"timestamp":       strconv.FormatInt(now.UnixMilli(), 10),
		"workspace":       trig.Workspace,
		"trigger_id":      trig.ID,
		"execution_count": strconv.Itoa(st.ExecutionCount),
	}
}

func gateEnv(trig *Trigger, evt source.Event, st statestore.TriggerState, lastResult map[string]any, now time.Time) []string {
	eventJSON, _ := json.Marshal(evt.Payload)
	lastResultJSON, _ := json.Marshal(lastResult)
	return []string{
		"ROBOPPI_EVENT=" + string(eventJSON),
		"ROBOPPI_TIMESTAMP=" + strconv.FormatInt(now.UnixMilli(), 10),
		"ROBOPPI_TRIGGER_ID=" + trig.ID,
		"ROBOPPI_EXECUTION_COUNT=" + strconv.Itoa(st.ExecutionCount),
		"ROBOPPI_WORKSPACE=" + trig.Workspace,
		"ROBOPPI_LAST_RESULT=" + string(lastResultJSON),
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func mergeStringMaps(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// writeTriggerContext writes event.json and last-result.json into dir,
// the per-trigger context artifacts §4.I requires before each run.
func writeTriggerContext(dir string, evt source.Event, lastResult map[string]any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	eventData, err := json.MarshalIndent(evt.Payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "event.json"), eventData, 0o644); err != nil {
		return err
	}
	lastResultData, err := json.MarshalIndent(lastResult, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "last-result.json"), lastResultData, 0o644)
}

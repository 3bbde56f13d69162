// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roboppi/agentcore/internal/audit"
	"github.com/roboppi/agentcore/internal/backpressure"
	"github.com/roboppi/agentcore/internal/config"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/log"
	"github.com/roboppi/agentcore/internal/management"
	"github.com/roboppi/agentcore/internal/queue"
	"github.com/roboppi/agentcore/internal/roboppi"
	"github.com/roboppi/agentcore/internal/statestore"
	"github.com/roboppi/agentcore/internal/step"
	"github.com/roboppi/agentcore/internal/telemetry"
	"github.com/roboppi/agentcore/internal/workflow"
)

// exitCodeFor maps a startup/run error to a process exit code. Config
// errors get the reserved code 2 (§6); everything else is a generic
// failure.
func exitCodeFor(err error) int {
	var cfgErr *agerrors.ConfigError
	if agerrors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

// exitCodeForWorkflow maps a completed run's terminal status to the
// CLI's process exit code (§7: "CLI exit code reflects workflow
// status").
func exitCodeForWorkflow(status workflow.WorkflowStatus) int {
	switch status {
	case workflow.WorkflowSucceeded:
		return 0
	case workflow.WorkflowTimedOut:
		return 3
	case workflow.WorkflowCancelled:
		return 130
	default:
		return 1
	}
}

// app bundles the constructed components a CLI command needs, built
// once from a loaded config and shared logger.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *statestore.Store
	runner       *step.Runner
	sink         *telemetry.Sink
	executor     *workflow.Executor
	queue        *queue.Queue
	backpressure *backpressure.Controller
	audit        *audit.Store
}

// newApp loads config, wires every component in the teacher's
// dependency-injection style (RunStepFunc/HookFunc closures sidestep
// the import cycles internal/workflow can't take on internal/step or
// internal/management directly), and returns the assembled app.
func newApp(configPath string) (*app, error) {
	roboppi.MirrorEnvPrefixAliases()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	store, err := statestore.New(cfg.StateDir)
	if err != nil {
		return nil, agerrors.Wrap(err, "opening state store")
	}
	store.WithMaxHistory(cfg.MaxHistory)

	sink, err := telemetry.New(filepath.Join(cfg.StateDir, "telemetry"))
	if err != nil {
		return nil, agerrors.Wrap(err, "opening telemetry sink")
	}

	runner := step.NewRunner()
	hookLoop := management.NewLoop(runner)

	q := queue.New()
	bp := backpressure.New(backpressure.DefaultThresholds(), backpressure.DefaultCeilings())
	registry := queue.NewInFlightRegistry()
	tracker := newAdmissionTracker()

	executor := workflow.NewExecutor(buildRunStepFunc(runner)).
		WithHook(buildHookFunc(hookLoop)).
		WithQueue(q).
		WithAdmission(buildAdmissionFunc(q, bp, registry, tracker), buildReleaseFunc(registry, tracker))

	auditStore, err := buildAuditStore(cfg.Audit, logger)
	if err != nil {
		return nil, agerrors.Wrap(err, "opening audit store")
	}

	return &app{cfg: cfg, logger: logger, store: store, runner: runner, sink: sink, executor: executor, queue: q, backpressure: bp, audit: auditStore}, nil
}

// buildAuditStore opens internal/audit's SQLite trail when
// cfg.DBPath is set; a blank path leaves audit recording off (nil
// store, nil error) rather than defaulting one under StateDir, since
// an unencrypted-by-default audit trail is the kind of thing an
// operator should opt into, not discover after the fact.
func buildAuditStore(cfg config.AuditConfig, logger *slog.Logger) (*audit.Store, error) {
	if cfg.DBPath == "" {
		return nil, nil
	}

	var key *audit.EncryptionKey
	if cfg.Encrypt {
		loaded, err := audit.LoadEncryptionKey()
		if err != nil {
			return nil, agerrors.Wrap(err, "loading audit encryption key")
		}
		if loaded == nil {
			return nil, &agerrors.ConfigError{Key: "audit.encrypt", Reason: "encryption enabled but AGENTCORE_AUDIT_KEY/ROBOPPI_AUDIT_KEY is not set"}
		}
		key = loaded
	}

	store, err := audit.Open(audit.Config{Path: cfg.DBPath, EncryptionKey: key})
	if err != nil {
		return nil, err
	}
	logger.Info("audit trail opened", "path", cfg.DBPath, "encrypted", cfg.Encrypt)
	return store, nil
}

// admissionTracker feeds the backpressure controller's live metrics
// from actually-admitted/released jobs: activePermits is the count of
// jobs currently admitted and running, avgLatencyMs is the duration of
// the most recently completed one (a full rolling average would need
// more bookkeeping than this daemon's load classifier benefits from).
type admissionTracker struct {
	active    atomic.Int64
	latencyMs atomic.Int64

	mu        sync.Mutex
	startedAt map[string]time.Time
}

func newAdmissionTracker() *admissionTracker {
	return &admissionTracker{startedAt: make(map[string]time.Time)}
}

func (t *admissionTracker) onAdmit(jobID string) {
	t.active.Add(1)
	t.mu.Lock()
	t.startedAt[jobID] = time.Now()
	t.mu.Unlock()
}

func (t *admissionTracker) onRelease(jobID string) {
	t.active.Add(-1)
	t.mu.Lock()
	start, ok := t.startedAt[jobID]
	delete(t.startedAt, jobID)
	t.mu.Unlock()
	if ok {
		t.latencyMs.Store(time.Since(start).Milliseconds())
	}
}

// buildAdmissionFunc wires a workflow.AdmissionFunc over the shared
// priority queue, in-flight dedup registry, and backpressure
// classifier, so every ready step — whether dispatched by `run` in
// one-shot in-process mode or by a running `daemon` — passes through
// real admission control rather than launching unconditionally (§2,
// §4.E, §4.F).
func buildAdmissionFunc(q *queue.Queue, bp *backpressure.Controller, registry *queue.InFlightRegistry, tracker *admissionTracker) workflow.AdmissionFunc {
	return func(ctx context.Context, stepID string, step *workflow.StepDefinition, job *workflow.Job) (workflow.AdmissionResult, string) {
		bp.UpdateMetrics(backpressure.Metrics{
			ActivePermits: tracker.active.Load(),
			QueueDepth:    int64(q.Len()),
			AvgLatencyMs:  tracker.latencyMs.Load(),
		})

		switch state := bp.State(); {
		case state == backpressure.Reject:
			telemetry.RecordJobRejected("backpressure_reject")
			return workflow.AdmissionReject, "backpressure REJECT: system overloaded"
		case (state == backpressure.Defer || state == backpressure.Degrade) && job.Priority.Class == workflow.ClassBatch:
			telemetry.RecordJobRejected("backpressure_defer_batch")
			return workflow.AdmissionDefer, "backpressure " + string(state) + ": deferring BATCH job"
		}

		if step.DedupKey != "" {
			result := registry.Submit(step.DedupKey, job.JobID, queue.DedupPolicy(step.DedupPolicy))
			switch result.Action {
			case queue.ActionReject:
				telemetry.RecordJobRejected("dedup_reject")
				return workflow.AdmissionReject, "deduplicated: " + result.ExistingJobID + " already running for key " + step.DedupKey
			case queue.ActionCoalesce:
				return workflow.AdmissionDefer, "coalesced with in-flight job " + result.ExistingJobID
			}
		}

		tracker.onAdmit(job.JobID)
		telemetry.RecordJobAdmitted()
		return workflow.AdmissionProceed, ""
	}
}

// buildReleaseFunc releases a step's dedup-key hold and in-flight
// accounting once it reaches a terminal status. LATEST_WINS doesn't
// cancel the job it preempted — the admission closure has no handle to
// an already-running goroutine in a different dispatcher — so it only
// takes effect for a dedup key's next submission, documented as a
// known simplification.
func buildReleaseFunc(registry *queue.InFlightRegistry, tracker *admissionTracker) workflow.ReleaseFunc {
	return func(stepID string, step *workflow.StepDefinition) {
		tracker.onRelease(stepID)
		if step.DedupKey != "" {
			registry.Complete(step.DedupKey)
		}
	}
}

// buildRunStepFunc adapts a step.Runner into the closure
// internal/workflow.Executor needs, converting step.RunResult into
// workflow.StepRunResult field-for-field (the two structs are
// intentionally identical shapes, kept as separate types so
// internal/workflow never imports internal/step).
func buildRunStepFunc(runner *step.Runner) workflow.RunStepFunc {
	return func(ctx context.Context, stepID string, sd *workflow.StepDefinition, mode workflow.Mode, instructions, workspaceDir string, env map[string]string) workflow.StepRunResult {
		res := runner.Run(ctx, stepID, sd.Worker, step.Mode(mode), instructions, workspaceDir, env, nil)
		return workflow.StepRunResult{
			Status:       res.Status,
			Observations: res.Observations,
			Stdout:       res.Stdout,
			DurationMs:   res.DurationMs,
			ErrorClass:   res.ErrorClass,
			ErrorMessage: res.ErrorMessage,
		}
	}
}

// defaultHookWorker is the worker kind used to run management hooks.
// The spec doesn't tie a hook to a specific step's worker (a hook fires
// between phases of potentially many different steps), so agentcore
// runs every hook as a CUSTOM shell script; operators wanting an
// LLM-backed hook point their hook instructions at a script that shells
// out to one.
const defaultHookWorker = workflow.WorkerCustom

// defaultHookTimeout bounds a management hook invocation when a step
// doesn't otherwise constrain it.
const defaultHookTimeout = 30 * time.Second

// buildHookFunc adapts a management.Loop into the workflow.HookFunc
// closure, converting management.Directive to workflow.HookDirective.
// Hook instructions are synthesized from the hook point and step ID —
// a hook has no workflow-authored instructions of its own, only its
// point in the step lifecycle (§4.K: "a hook is just a step whose
// instructions are synthesized from the hook kind").
func buildHookFunc(loop *management.Loop) workflow.HookFunc {
	return func(ctx context.Context, point workflow.HookPoint, stepID, instructions, workspaceDir, contextDir string) workflow.HookDirective {
		inv := management.Invocation{
			Point:        management.HookPoint(point),
			StepID:       stepID,
			WorkerKind:   defaultHookWorker,
			Instructions: instructions,
			WorkspaceDir: workspaceDir,
			ContextDir:   contextDir,
			Timeout:      defaultHookTimeout,
		}
		decision := loop.Run(ctx, inv)
		switch decision.Directive {
		case management.DirectiveAbort:
			return workflow.HookAbort
		case management.DirectiveRetry:
			return workflow.HookRetry
		case management.DirectiveSkip:
			return workflow.HookSkip
		default:
			return workflow.HookProceed
		}
	}
}

// startMetricsServer mounts telemetry.Handler() at /metrics — the
// teacher's own otel.MetricsHandler (internal/tracing/otel.go) is never
// wired to a route; this is the first caller to actually serve it.
func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
		}
	}()
}

// pollQueueDepth records telemetry.RecordQueueDepth/RecordActivePermits
// from q and bp on a fixed interval until ctx is cancelled.
func pollQueueDepth(ctx context.Context, q *queue.Queue, bp *backpressure.Controller) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.RecordQueueDepth(q.Len())
			telemetry.RecordActivePermits(int(bp.Metrics().ActivePermits))
		}
	}
}

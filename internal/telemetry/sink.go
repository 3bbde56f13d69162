// Package telemetry implements the production workflow.EventSink (§4.L):
// a debounced state.json snapshot writer, an append-only JSON-lines event
// log, and Prometheus counters/gauges exposed over /metrics. The debounce
// timer is grounded on the teacher's filewatcher.Debouncer
// (internal/controller/filewatcher/debouncer.go) — single pending timer,
// flush-outside-lock — collapsed here to one key (there is exactly one
// state.json per sink) instead of per-path. The atomic write is grounded
// on internal/statestore's tmp-file-then-rename convention.
package telemetry

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/workflow"
)

// DebounceWindow is how long the state.json writer waits for further
// events before flushing, per §5's single-writer-chain requirement.
const DebounceWindow = 500 * time.Millisecond

var (
	workflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_workflows_started_total",
			Help: "Total workflow executions started, by workflow name",
		},
		[]string{"workflow"},
	)

	workflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_workflows_finished_total",
			Help: "Total workflow executions finished, by workflow name and final status",
		},
		[]string{"workflow", "status"},
	)

	stepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_step_transitions_total",
			Help: "Total step status transitions, by workflow, step, and status",
		},
		[]string{"workflow", "step", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_step_phase_seconds",
			Help:    "Time between successive step_phase events for a step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "step", "phase"},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_queue_depth",
		Help: "Current number of jobs waiting in the priority queue",
	})

	activePermits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_active_permits",
		Help: "Current number of concurrently admitted jobs",
	})

	jobsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_jobs_admitted_total",
		Help: "Total jobs admitted past the backpressure gate",
	})

	jobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_jobs_rejected_total",
			Help: "Total jobs rejected, by reason",
		},
		[]string{"reason"},
	)
)

// snapshot is the shape written to state.json: the latest known status of
// a workflow run and each of its steps.
type snapshot struct {
	Workflow       string                  `json:"workflow"`
	WorkflowStatus workflow.WorkflowStatus `json:"workflow_status,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
	Steps          map[string]stepSnapshot `json:"steps"`
}

type stepSnapshot struct {
	Status    workflow.StepStatus `json:"status,omitempty"`
	Phase     string              `json:"phase,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Sink is a workflow.EventSink that fans every event into a debounced
// state.json, an append-only events.log, and Prometheus instrumentation.
type Sink struct {
	statePath string
	logPath   string

	mu       sync.Mutex
	snap     snapshot
	timer    *time.Timer
	dirty    bool
	stopped  bool
	lastPhaseAt map[string]time.Time // "workflow/step" -> last phase event time

	logMu   sync.Mutex
	logFile *os.File
}

// New creates a Sink rooted at dir, writing dir/state.json and
// dir/events.log.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agerrors.Wrap(err, "creating telemetry directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, agerrors.Wrap(err, "opening events log")
	}
	return &Sink{
		statePath:   filepath.Join(dir, "state.json"),
		logPath:     filepath.Join(dir, "events.log"),
		logFile:     f,
		lastPhaseAt: make(map[string]time.Time),
		snap:        snapshot{Steps: make(map[string]stepSnapshot)},
	}, nil
}

// Emit implements workflow.EventSink.
func (s *Sink) Emit(e workflow.Event) {
	s.appendLog(e)
	s.recordMetrics(e)
	s.updateSnapshot(e)
	s.scheduleFlush()
}

func (s *Sink) appendLog(e workflow.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.logMu.Lock()
	defer s.logMu.Unlock()
	_, _ = s.logFile.Write(data)
}

func (s *Sink) recordMetrics(e workflow.Event) {
	switch e.Kind {
	case workflow.EventWorkflowStarted:
		workflowsStarted.WithLabelValues(e.Workflow).Inc()
	case workflow.EventWorkflowFinished:
		workflowsFinished.WithLabelValues(e.Workflow, string(e.WorkflowStatus)).Inc()
	case workflow.EventStepState:
		stepTransitions.WithLabelValues(e.Workflow, e.StepID, string(e.Status)).Inc()
	case workflow.EventStepPhase:
		key := e.Workflow + "/" + e.StepID
		s.mu.Lock()
		prev, ok := s.lastPhaseAt[key]
		s.lastPhaseAt[key] = e.At
		s.mu.Unlock()
		if ok {
			stepDuration.WithLabelValues(e.Workflow, e.StepID, e.Phase).Observe(e.At.Sub(prev).Seconds())
		}
	}
}

func (s *Sink) updateSnapshot(e workflow.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Workflow = e.Workflow
	s.snap.UpdatedAt = e.At
	if e.WorkflowStatus != "" {
		s.snap.WorkflowStatus = e.WorkflowStatus
	}
	if e.StepID != "" {
		step := s.snap.Steps[e.StepID]
		if e.Status != "" {
			step.Status = e.Status
		}
		if e.Phase != "" {
			step.Phase = e.Phase
		}
		step.UpdatedAt = e.At
		s.snap.Steps[e.StepID] = step
	}
	s.dirty = true
}

// scheduleFlush arms (or leaves armed) the debounce timer.
func (s *Sink) scheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(DebounceWindow, s.flush)
}

func (s *Sink) flush() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snap := s.snap
	steps := make(map[string]stepSnapshot, len(s.snap.Steps))
	for k, v := range s.snap.Steps {
		steps[k] = v
	}
	snap.Steps = steps
	s.dirty = false
	s.mu.Unlock()

	_ = writeSnapshot(s.statePath, snap)
}

// Flush forces any pending debounced write to disk immediately.
func (s *Sink) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.flush()
}

// Close flushes pending state and closes the event log. Safe to call once.
func (s *Sink) Close() error {
	s.Flush()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.logFile.Close()
}

func writeSnapshot(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return agerrors.Wrap(err, "marshalling state snapshot")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return agerrors.Wrap(err, "writing temp state snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return agerrors.Wrap(err, "writing state snapshot directly after rename failure")
		}
	}
	return nil
}

// RecordQueueDepth updates the queue depth gauge. Called periodically by
// the daemon's dispatch loop.
func RecordQueueDepth(n int) { queueDepth.Set(float64(n)) }

// RecordActivePermits updates the active-permits gauge.
func RecordActivePermits(n int) { activePermits.Set(float64(n)) }

// RecordJobAdmitted increments the admitted-jobs counter.
func RecordJobAdmitted() { jobsAdmitted.Inc() }

// RecordJobRejected increments the rejected-jobs counter for reason.
func RecordJobRejected(reason string) { jobsRejected.WithLabelValues(reason).Inc() }

// Handler returns the HTTP handler the daemon mounts at /metrics,
// exposing every counter/gauge registered above via the default registry.
func Handler() http.Handler { return promhttp.Handler() }

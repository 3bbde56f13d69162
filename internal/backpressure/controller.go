// Package backpressure implements the 4-state load classifier of spec
// §4.F: at each metrics update it folds activePermits, queueDepth, and
// avgLatencyMs into a single normalized load figure and answers REJECT,
// DEFER, DEGRADE, or ACCEPT.
package backpressure

import (
	"sync/atomic"
)

// State is one of the four admission responses.
type State string

const (
	Reject  State = "REJECT"
	Defer   State = "DEFER"
	Degrade State = "DEGRADE"
	Accept  State = "ACCEPT"
)

// Thresholds are the load levels, each in [0,1], at which the
// classifier escalates to the named state.
type Thresholds struct {
	RejectThreshold  float64
	DeferThreshold   float64
	DegradeThreshold float64
}

// DefaultThresholds matches the values the teacher's daemon config
// defaults to for equivalent load-shedding knobs.
func DefaultThresholds() Thresholds {
	return Thresholds{RejectThreshold: 0.95, DeferThreshold: 0.8, DegradeThreshold: 0.6}
}

// Ceilings normalize the three raw metrics to [0,1]-ish space.
type Ceilings struct {
	ActivePermits int64
	QueueDepth    int64
	AvgLatencyMs  int64
}

// DefaultCeilings matches spec §4.F's stated defaults.
func DefaultCeilings() Ceilings {
	return Ceilings{ActivePermits: 100, QueueDepth: 1000, AvgLatencyMs: 10000}
}

// Metrics is one point-in-time sample fed to updateMetrics.
type Metrics struct {
	ActivePermits int64
	QueueDepth    int64
	AvgLatencyMs  int64
}

type snapshot struct {
	metrics Metrics
	load    float64
	state   State
}

// Controller is the admission classifier. The zero value is not usable;
// use New.
type Controller struct {
	thresholds Thresholds
	ceilings   Ceilings
	current    atomic.Pointer[snapshot]
}

// New creates a Controller with the given thresholds and ceilings and
// an initial ACCEPT state at zero load.
func New(thresholds Thresholds, ceilings Ceilings) *Controller {
	c := &Controller{thresholds: thresholds, ceilings: ceilings}
	c.current.Store(&snapshot{state: Accept})
	return c
}

func ratio(value, ceiling int64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return float64(value) / float64(ceiling)
}

func maxOf(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// classify computes L = max(activePermits/ceilA, queueDepth/ceilQ,
// avgLatencyMs/ceilL) and maps it to a State per the threshold ladder.
func (c *Controller) classify(m Metrics) (float64, State) {
	load := maxOf(
		ratio(m.ActivePermits, c.ceilings.ActivePermits),
		ratio(m.QueueDepth, c.ceilings.QueueDepth),
		ratio(m.AvgLatencyMs, c.ceilings.AvgLatencyMs),
	)

	switch {
	case load >= c.thresholds.RejectThreshold:
		return load, Reject
	case load >= c.thresholds.DeferThreshold:
		return load, Defer
	case load >= c.thresholds.DegradeThreshold:
		return load, Degrade
	default:
		return load, Accept
	}
}

// UpdateMetrics atomically replaces the current snapshot with one
// classified from m.
func (c *Controller) UpdateMetrics(m Metrics) {
	load, state := c.classify(m)
	c.current.Store(&snapshot{metrics: m, load: load, state: state})
}

// State returns the most recently classified admission state.
func (c *Controller) State() State {
	return c.current.Load().state
}

// Load returns the most recently computed normalized load figure.
func (c *Controller) Load() float64 {
	return c.current.Load().load
}

// Metrics returns the most recently recorded raw sample.
func (c *Controller) Metrics() Metrics {
	return c.current.Load().metrics
}

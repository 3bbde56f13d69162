package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

// CronExpr is a parsed five-field cron schedule (minute hour
// day-of-month month day-of-week), including the @hourly/@daily/
// @weekly/@monthly/@yearly shorthands.
type CronExpr struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

// ParseCron parses expr into a CronExpr.
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &agerrors.ValidationError{Field: "schedule", Message: fmt.Sprintf("expected 5 cron fields, got %d", len(fields))}
	}

	c := &CronExpr{}
	var err error

	if c.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, &agerrors.ValidationError{Field: "schedule.minute", Message: err.Error()}
	}
	if c.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, &agerrors.ValidationError{Field: "schedule.hour", Message: err.Error()}
	}
	if c.dayOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, &agerrors.ValidationError{Field: "schedule.dayOfMonth", Message: err.Error()}
	}
	if c.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, &agerrors.ValidationError{Field: "schedule.month", Message: err.Error()}
	}
	if c.dayOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, &agerrors.ValidationError{Field: "schedule.dayOfWeek", Message: err.Error()}
	}

	return c, nil
}

func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseCronFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return uniqueSorted(result), nil
}

func parseCronFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		var err error
		step, err = strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		part = part[:idx]
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		var err error
		if start, err = strconv.Atoi(part); err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		end = start
	}

	if start < min || start > max || end < min || end > max || start > end {
		return nil, fmt.Errorf("value out of range [%d-%d]: %q", min, max, part)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func contains(slice []int, v int) bool {
	for _, s := range slice {
		if s == v {
			return true
		}
	}
	return false
}

// ComputeNextFire returns the first instant strictly after from that
// matches expr, or the zero Time if none occurs within four years.
// Pure: no reliance on wall-clock other than the passed-in from.
func ComputeNextFire(from time.Time, expr *CronExpr) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	deadline := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(deadline) {
		if !contains(expr.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !(contains(expr.dayOfMonth, t.Day()) && contains(expr.dayOfWeek, int(t.Weekday()))) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !contains(expr.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !contains(expr.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// CronSource fires an Event each time ComputeNextFire elapses.
type CronSource struct {
	id   string
	expr *CronExpr

	events chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewCronSource creates a CronSource for the given schedule string.
func NewCronSource(id, schedule string) (*CronSource, error) {
	expr, err := ParseCron(schedule)
	if err != nil {
		return nil, err
	}
	return &CronSource{
		id:     id,
		expr:   expr,
		events: make(chan Event, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// ID implements EventSource.
func (s *CronSource) ID() string { return s.id }

// Events implements EventSource.
func (s *CronSource) Events() <-chan Event { return s.events }

// Start implements EventSource.
func (s *CronSource) Start(ctx context.Context) error {
	defer close(s.done)
	defer close(s.events)

	for {
		next := ComputeNextFire(time.Now(), s.expr)
		if next.IsZero() {
			return nil
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			select {
			case s.events <- Event{SourceID: s.id, Payload: map[string]any{"firedAt": next}}:
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.stop:
				timer.Stop()
				return nil
			}
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.stop:
			timer.Stop()
			return nil
		}
	}
}

// Stop implements EventSource.
func (s *CronSource) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

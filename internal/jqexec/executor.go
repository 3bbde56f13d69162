// Package jqexec runs jq filter expressions against JSON-shaped data
// with a timeout and input-size bound, grounded on the teacher's
// internal/jq package (kept close to verbatim — it's pure expression
// plumbing around github.com/itchyny/gojq with no domain logic to
// adapt). Used by internal/workflow's output capture to let a step or
// trigger result-analyzer output declare a jq filter instead of only
// ever taking a worker's raw trimmed stdout.
package jqexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds one filter evaluation.
const DefaultTimeout = 1 * time.Second

// DefaultMaxInputSize bounds the JSON-marshaled size of the input data.
const DefaultMaxInputSize = 10 * 1024 * 1024

// Executor evaluates jq expressions with a shared timeout/size budget.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an Executor, defaulting zero values.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs expression against data, returning the filter's single
// result, all results as a slice if it produced more than one, or data
// unchanged if expression is empty.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq execution timeout after %v", e.timeout)
	}
}

// Validate compiles expression without running it, for catching syntax
// errors at workflow-validation time.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (e *Executor) validateInputSize(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if int64(len(jsonData)) > e.maxInputSize {
		return fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(jsonData), e.maxInputSize)
	}
	return nil
}

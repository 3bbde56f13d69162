package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roboppi/agentcore/internal/jqexec"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

// jqOutputPrefix marks an output spec as a jq filter over stdout parsed
// as JSON ("name: jq:.field.path") rather than a plain output file path
// capturing stdout verbatim. Wires github.com/itchyny/gojq, previously
// an undiscussed dropped teacher dependency.
const jqOutputPrefix = "jq:"

var jqOutputs = jqexec.NewExecutor(jqexec.DefaultTimeout, jqexec.DefaultMaxInputSize)

// resolvedStep is the shape written to <contextDir>/<stepId>/_resolved.json
// before a step's first attempt (§4.A context materialization).
type resolvedStep struct {
	StepID       string            `json:"step_id"`
	Worker       WorkerKind        `json:"worker"`
	Instructions string            `json:"instructions"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
}

// materializeStepContext creates <contextDir>/<stepId>/ and writes the
// step's resolved (post-template-expansion, post-agent-merge)
// instructions to _resolved.json.
func materializeStepContext(contextDir, stepID string, step *StepDefinition, resolvedInstructions string) error {
	dir := filepath.Join(contextDir, stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agerrors.Wrap(err, "creating step context directory")
	}

	rs := resolvedStep{
		StepID:       stepID,
		Worker:       step.Worker,
		Instructions: resolvedInstructions,
		Capabilities: step.Capabilities,
		Inputs:       step.Inputs,
	}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return agerrors.Wrap(err, "marshalling resolved step context")
	}
	if err := os.WriteFile(filepath.Join(dir, "_resolved.json"), data, 0o644); err != nil {
		return agerrors.Wrap(err, "writing resolved step context")
	}
	return nil
}

// CaptureOutputs is captureOutputs exported for callers outside this
// package (the trigger engine's result analyzer, §4.I) that need the
// same declared-output-file/path-escape semantics outside a step run.
func CaptureOutputs(workspaceDir string, outputs map[string]string, stdout string) error {
	return captureOutputs(workspaceDir, outputs, stdout)
}

// captureOutputs fills a step's declared output files from the
// worker's trimmed stdout when the worker did not itself create the
// target file. Every output path is resolved relative to workspaceDir
// and rejected if it would escape it. An output spec of the form
// "<relpath>|jq:<expr>" parses stdout as JSON, runs expr over it, and
// writes the filtered result instead of stdout verbatim.
func captureOutputs(workspaceDir string, outputs map[string]string, stdout string) error {
	trimmed := strings.TrimSpace(stdout)
	for name, spec := range outputs {
		relPath, filter := splitOutputSpec(spec)
		target := filepath.Join(workspaceDir, relPath)
		rel, err := filepath.Rel(workspaceDir, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &agerrors.ValidationError{
				Field:   fmt.Sprintf("outputs.%s", name),
				Message: fmt.Sprintf("output path %q escapes the workspace", relPath),
			}
		}

		if _, err := os.Stat(target); err == nil {
			continue // the worker already created it
		}

		content := trimmed
		if filter != "" {
			filtered, err := applyJQFilter(filter, trimmed)
			if err != nil {
				return agerrors.Wrap(err, fmt.Sprintf("applying jq filter for output %q", name))
			}
			content = filtered
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return agerrors.Wrap(err, fmt.Sprintf("creating directory for output %q", name))
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return agerrors.Wrap(err, fmt.Sprintf("writing output %q", name))
		}
	}
	return nil
}

// splitOutputSpec separates an output's relative path from an optional
// trailing "|jq:<expr>" filter clause.
func splitOutputSpec(spec string) (relPath, filter string) {
	path, clause, ok := strings.Cut(spec, "|"+jqOutputPrefix)
	if !ok {
		return spec, ""
	}
	return path, clause
}

// applyJQFilter parses stdout as JSON and runs filter over it,
// re-marshaling the result as JSON unless it's already a plain string.
func applyJQFilter(filter, stdout string) (string, error) {
	var data any
	if err := json.Unmarshal([]byte(stdout), &data); err != nil {
		return "", fmt.Errorf("output stdout is not valid JSON: %w", err)
	}

	result, err := jqOutputs.Execute(context.Background(), filter, data)
	if err != nil {
		return "", err
	}

	if s, ok := result.(string); ok {
		return s, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshaling jq result: %w", err)
	}
	return string(out), nil
}

// Package step implements the Step Runner and worker adapters of spec
// §4.B: it launches the worker subprocess selected by a step's
// `worker` field, streams its output line-by-line, and synthesizes the
// observation text the DAG executor records against the step.
package step

import (
	"strings"

	"github.com/roboppi/agentcore/internal/workflow"
)

// Mode distinguishes a worker invocation that drives step execution
// from one used only to evaluate a completion check (§4.A): CODEX_CLI
// and OPENCODE use different flags for each.
type Mode string

const (
	ModeRun     Mode = "run"
	ModeAnalyze Mode = "analyze"
)

// BuildArgv returns the argv for invoking kind in mode with
// instructions, per spec §4.B's fixed per-adapter command lines.
func BuildArgv(kind workflow.WorkerKind, mode Mode, instructions string) ([]string, error) {
	switch kind {
	case workflow.WorkerCustom:
		return []string{"bash", "-e", "-c", instructions}, nil
	case workflow.WorkerClaudeCode:
		return []string{"claude", "-p", instructions, "--output-format", "text"}, nil
	case workflow.WorkerCodexCLI:
		if mode == ModeAnalyze {
			return []string{"codex", "-p", instructions}, nil
		}
		return []string{"codex", "--quiet", instructions}, nil
	case workflow.WorkerOpencode:
		if mode == ModeAnalyze {
			return []string{"opencode", "-p", instructions}, nil
		}
		return []string{"opencode", "run", instructions}, nil
	default:
		return nil, &UnknownWorkerError{Kind: kind}
	}
}

// UnknownWorkerError reports a worker kind with no adapter.
type UnknownWorkerError struct {
	Kind workflow.WorkerKind
}

func (e *UnknownWorkerError) Error() string {
	return "step: no adapter registered for worker kind " + string(e.Kind)
}

const observationTruncateThreshold = 4000
const observationHeadTailSize = 1000

// SynthesizeObservation implements spec §4.B's stdout-to-observation
// rule: trimmed stdout at or under 4000 bytes is kept whole; longer
// output is reduced to its first and last 1000 bytes.
func SynthesizeObservation(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if len(trimmed) <= observationTruncateThreshold {
		return trimmed
	}
	head := trimmed[:observationHeadTailSize]
	tail := trimmed[len(trimmed)-observationHeadTailSize:]
	return head + "\n...\n" + tail
}

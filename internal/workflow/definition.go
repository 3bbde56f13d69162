package workflow

import (
	"fmt"
	"strings"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/roboppi"
	"gopkg.in/yaml.v3"
)

// Definition is a workflow's immutable-after-load YAML definition (§3, §6).
type Definition struct {
	Name        string                  `yaml:"name" json:"name"`
	Version     string                  `yaml:"version" json:"version"`
	Timeout     string                  `yaml:"timeout" json:"timeout"`
	Concurrency int                     `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	ContextDir  string                  `yaml:"context_dir,omitempty" json:"context_dir,omitempty"`
	Env         map[string]string       `yaml:"env,omitempty" json:"env,omitempty"`
	Steps       map[string]*StepDefinition `yaml:"steps" json:"steps"`
	Agents      map[string]AgentProfile `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// StepDefinition is one node of the workflow DAG (§3).
type StepDefinition struct {
	Worker               WorkerKind                  `yaml:"worker" json:"worker"`
	Agent                string                       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Instructions         string                       `yaml:"instructions" json:"instructions"`
	Capabilities         []Capability                 `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	DependsOn            []string                     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Inputs               map[string]string            `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs              map[string]string            `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Timeout              string                       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries           int                          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MaxIterations        int                          `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxSteps             int                          `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
	MaxCommandTime       string                       `yaml:"max_command_time,omitempty" json:"max_command_time,omitempty"`
	CompletionCheck      *CompletionCheckDefinition   `yaml:"completion_check,omitempty" json:"completion_check,omitempty"`
	OnIterationsExhausted OnIterationsExhaustedPolicy `yaml:"on_iterations_exhausted,omitempty" json:"on_iterations_exhausted,omitempty"`
	OnFailure            OnFailurePolicy              `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Priority             *Priority                    `yaml:"priority,omitempty" json:"priority,omitempty"`
	DedupKey             string                       `yaml:"dedup_key,omitempty" json:"dedup_key,omitempty"`
	DedupPolicy          string                       `yaml:"dedup_policy,omitempty" json:"dedup_policy,omitempty"`
}

// CompletionCheckDefinition describes the worker invocation used to
// evaluate whether a step's iteration loop has converged (§3, §6).
type CompletionCheckDefinition struct {
	Worker       WorkerKind `yaml:"worker" json:"worker"`
	Instructions string     `yaml:"instructions" json:"instructions"`
	DecisionFile string     `yaml:"decision_file,omitempty" json:"decision_file,omitempty"`
	Timeout      string     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// AgentProfile is a named, reusable step configuration from the agent
// catalog YAML (§6). Step-level fields always win over the profile's.
type AgentProfile struct {
	Worker            WorkerKind   `yaml:"worker,omitempty" json:"worker,omitempty"`
	Model             string       `yaml:"model,omitempty" json:"model,omitempty"`
	BaseInstructions  string       `yaml:"base_instructions,omitempty" json:"base_instructions,omitempty"`
	Capabilities      []Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Timeout           string       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxSteps          int          `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
	MaxCommandTime    string       `yaml:"max_command_time,omitempty" json:"max_command_time,omitempty"`
	Workspace         string       `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Description       string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// AgentCatalog is the top-level shape of an optional agents.yaml file.
type AgentCatalog struct {
	Version string                  `yaml:"version" json:"version"`
	Agents  map[string]AgentProfile `yaml:"agents" json:"agents"`
}

// ParseDefinition loads a workflow Definition from YAML bytes, applying
// defaults (version "1") but not validating the DAG — call Validate
// separately so callers can control when validation errors surface.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, agerrors.Wrap(err, "parsing workflow YAML")
	}
	if def.Version == "" {
		def.Version = "1"
	}
	return &def, nil
}

// MergeAgent merges an AgentProfile under a step's own fields. Step
// fields always win; the profile only fills gaps.
func (s *StepDefinition) MergeAgent(profile AgentProfile) {
	if s.Worker == "" {
		s.Worker = profile.Worker
	}
	if s.Instructions == "" {
		s.Instructions = profile.BaseInstructions
	}
	if len(s.Capabilities) == 0 {
		s.Capabilities = profile.Capabilities
	}
	if s.Timeout == "" {
		s.Timeout = profile.Timeout
	}
	if s.MaxSteps == 0 {
		s.MaxSteps = profile.MaxSteps
	}
	if s.MaxCommandTime == "" {
		s.MaxCommandTime = profile.MaxCommandTime
	}
}

// ApplyAgentCatalog resolves each step's `agent:` reference against the
// catalog, merging the referenced profile under the step's own fields.
func (d *Definition) ApplyAgentCatalog(catalog map[string]AgentProfile) error {
	for id, step := range d.Steps {
		if step.Agent == "" {
			continue
		}
		profile, ok := catalog[step.Agent]
		if !ok {
			return &agerrors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.agent", id),
				Message: fmt.Sprintf("unknown agent %q", step.Agent),
			}
		}
		step.MergeAgent(profile)
	}
	return nil
}

// Validate checks structural invariants: version, timeout grammar,
// DAG acyclicity, and that every depends_on reference resolves (§3 DAG
// invariant). It does not execute anything.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &agerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if d.Version != "1" {
		return &agerrors.ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %q, only \"1\" is supported", d.Version)}
	}
	if len(d.Steps) == 0 {
		return &agerrors.ValidationError{Field: "steps", Message: "workflow must define at least one step"}
	}
	if _, err := roboppi.ParseDuration(d.Timeout); err != nil {
		return agerrors.Wrap(err, "workflow timeout")
	}

	for id, step := range d.Steps {
		if err := step.validate(id); err != nil {
			return err
		}
		for _, dep := range step.DependsOn {
			if _, ok := d.Steps[dep]; !ok {
				return &agerrors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.depends_on", id),
					Message: fmt.Sprintf("references unknown step %q", dep),
				}
			}
		}
	}

	return detectCycle(d.Steps)
}

func (s *StepDefinition) validate(id string) error {
	switch s.Worker {
	case WorkerCodexCLI, WorkerClaudeCode, WorkerOpencode, WorkerCustom:
	default:
		return &agerrors.ValidationError{
			Field:   fmt.Sprintf("steps.%s.worker", id),
			Message: fmt.Sprintf("unknown worker %q", s.Worker),
		}
	}
	if strings.TrimSpace(s.Instructions) == "" {
		return &agerrors.ValidationError{Field: fmt.Sprintf("steps.%s.instructions", id), Message: "instructions are required"}
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = 1
	}
	if s.OnFailure == "" {
		s.OnFailure = OnFailureRetry
	}
	if s.OnIterationsExhausted == "" {
		s.OnIterationsExhausted = IterationsAbort
	}
	if s.Priority == nil {
		s.Priority = &Priority{Value: 0, Class: ClassBatch}
	}
	if s.DedupPolicy == "" {
		s.DedupPolicy = "COALESCE"
	}
	if s.Timeout != "" {
		if _, err := roboppi.ParseDuration(s.Timeout); err != nil {
			return agerrors.Wrap(err, fmt.Sprintf("steps.%s.timeout", id))
		}
	}
	if s.MaxCommandTime != "" {
		if _, err := roboppi.ParseDuration(s.MaxCommandTime); err != nil {
			return agerrors.Wrap(err, fmt.Sprintf("steps.%s.max_command_time", id))
		}
	}
	return nil
}

// detectCycle walks the dependency graph with the standard 3-color DFS
// (white/gray/black) to reject cycles, per the DAG invariant in §3.
func detectCycle(steps map[string]*StepDefinition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &agerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("cycle detected in depends_on graph: %s -> %s", strings.Join(path, " -> "), id),
			}
		}
		color[id] = gray
		for _, dep := range steps[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range steps {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

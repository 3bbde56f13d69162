package config

import (
	"os"

	"github.com/roboppi/agentcore/internal/roboppi"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/workflow"
	"gopkg.in/yaml.v3"
)

// TriggerSourceKind selects which internal/trigger/source.EventSource
// backs a binding (§4.I: Cron, Interval, FSWatch, Webhook, Command).
type TriggerSourceKind string

const (
	SourceCron     TriggerSourceKind = "CRON"
	SourceInterval TriggerSourceKind = "INTERVAL"
	SourceFSWatch  TriggerSourceKind = "FSWATCH"
	SourceWebhook  TriggerSourceKind = "WEBHOOK"
	SourceCommand  TriggerSourceKind = "COMMAND"
)

// TriggerGateConfig is the on-disk shape of a trigger's evaluate-gate.
type TriggerGateConfig struct {
	Kind         string            `yaml:"kind"` // CUSTOM | WORKER | EXPR
	Instructions string            `yaml:"instructions"`
	Worker       workflow.WorkerKind `yaml:"worker,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty"`
}

// TriggerAnalyzerConfig is the on-disk shape of a trigger's result
// analyzer.
type TriggerAnalyzerConfig struct {
	Worker       workflow.WorkerKind `yaml:"worker"`
	Instructions string              `yaml:"instructions"`
	Outputs      map[string]string   `yaml:"outputs,omitempty"`
	Timeout      string              `yaml:"timeout,omitempty"`
}

// TriggerSourceConfig is the on-disk shape of a trigger's event source
// binding. Exactly one of the kind-specific fields applies, selected by
// Kind.
type TriggerSourceConfig struct {
	Kind     TriggerSourceKind `yaml:"kind"`
	Schedule string            `yaml:"schedule,omitempty"` // CRON
	Period   string            `yaml:"period,omitempty"`   // INTERVAL
	Root     string            `yaml:"root,omitempty"`     // FSWATCH
	Patterns []string          `yaml:"patterns,omitempty"` // FSWATCH
	Path     string            `yaml:"path,omitempty"`     // WEBHOOK
	Secret   string            `yaml:"secret,omitempty"`   // WEBHOOK
}

// TriggerConfig binds one daemon trigger: an event source, the
// workflow it runs, and its optional gate/analyzer.
type TriggerConfig struct {
	ID           string                 `yaml:"id"`
	WorkflowPath string                 `yaml:"workflow"`
	Workspace    string                 `yaml:"workspace"`
	ContextDir   string                 `yaml:"context_dir,omitempty"`
	Cooldown     string                 `yaml:"cooldown,omitempty"`
	Source       TriggerSourceConfig    `yaml:"source"`
	Gate         *TriggerGateConfig     `yaml:"gate,omitempty"`
	Analyzer     *TriggerAnalyzerConfig `yaml:"analyzer,omitempty"`
}

// triggersFile is the top-level shape of a triggers.yaml document.
type triggersFile struct {
	Triggers []TriggerConfig `yaml:"triggers"`
}

// LoadTriggers reads and validates a triggers.yaml document. A missing
// file is treated as "no triggers configured", matching the daemon's
// tolerance for an optional triggers file (mirrors statestore's
// missing-file tolerance, §4.J).
func LoadTriggers(path string) ([]TriggerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &agerrors.ConfigError{Key: "triggers_file", Reason: "reading triggers file", Cause: err}
	}

	var tf triggersFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, &agerrors.ConfigError{Key: "triggers_file", Reason: "parsing triggers YAML", Cause: err}
	}

	for i := range tf.Triggers {
		if err := tf.Triggers[i].validate(); err != nil {
			return nil, err
		}
	}
	return tf.Triggers, nil
}

func (t *TriggerConfig) validate() error {
	if t.ID == "" {
		return &agerrors.ConfigError{Key: "triggers", Reason: "every trigger requires an id"}
	}
	if t.WorkflowPath == "" {
		return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "workflow is required"}
	}
	switch t.Source.Kind {
	case SourceCron:
		if t.Source.Schedule == "" {
			return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "cron source requires schedule"}
		}
	case SourceInterval:
		if t.Source.Period == "" {
			return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "interval source requires period"}
		}
		if _, err := roboppi.ParseDuration(t.Source.Period); err != nil {
			return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "invalid period duration", Cause: err}
		}
	case SourceFSWatch:
		if t.Source.Root == "" {
			return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "fswatch source requires root"}
		}
	case SourceWebhook:
		if t.Source.Path == "" {
			return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "webhook source requires path"}
		}
	case SourceCommand:
		// no fields required
	default:
		return &agerrors.ConfigError{Key: "triggers." + t.ID, Reason: "unknown source kind: " + string(t.Source.Kind)}
	}
	return nil
}

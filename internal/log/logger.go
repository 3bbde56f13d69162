// Package log provides structured logging for agentcore, built on log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for worker stdout/stderr
// line forwarding and IPC wire traces.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging, kept consistent across
// every package so log aggregation can key on them uniformly.
const (
	RunIDKey        = "run_id"
	WorkflowKey     = "workflow"
	StepIDKey       = "step_id"
	TriggerIDKey    = "trigger_id"
	JobIDKey        = "job_id"
	WorkerKindKey   = "worker"
	DurationKey     = "duration_ms"
	CorrelationKey  = "correlation_id"
	WorkspaceRefKey = "workspace"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error). Default: info.
	Level string
	// Format sets the output format (json, text). Default: json.
	Format Format
	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer
	// AddSource adds source file/line information to logs. Default: false.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment. Recognizes both the
// ROBOPPI_ and legacy AGENTCORE_ prefixes (see internal/roboppi envalias);
// callers should apply envalias.Mirror before calling FromEnv so either
// prefix works regardless of which one the caller set.
//
//   - AGENTCORE_DEBUG / ROBOPPI_DEBUG: "true"/"1" forces debug + source info
//   - AGENTCORE_LOG_LEVEL / ROBOPPI_LOG_LEVEL: trace, debug, info, warn, error
//   - LOG_FORMAT: json, text
//   - LOG_SOURCE: "1" to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := firstNonEmpty(os.Getenv("AGENTCORE_DEBUG"), os.Getenv("ROBOPPI_DEBUG"))
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := firstNonEmpty(os.Getenv("AGENTCORE_LOG_LEVEL"), os.Getenv("ROBOPPI_LOG_LEVEL")); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	} else if isInteractiveTerminal(cfg.Output) {
		// No explicit format set and stderr is a real terminal (not
		// piped/redirected): default to text for a human at the
		// console, the same signal cobra CLIs use to decide whether to
		// colorize output.
		cfg.Format = FormatText
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// isInteractiveTerminal reports whether w is a TTY, using
// golang.org/x/term the way the teacher's cobra-based CLI commands
// decide whether to emit colored/interactive output.
func isInteractiveTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// New creates a structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithRun returns a logger tagged with run/workflow identity.
func WithRun(logger *slog.Logger, runID, workflowName string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(WorkflowKey, workflowName))
}

// WithStep returns a logger tagged with run/step identity.
func WithStep(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithTrigger returns a logger tagged with trigger identity.
func WithTrigger(logger *slog.Logger, triggerID string) *slog.Logger {
	return logger.With(slog.String(TriggerIDKey, triggerID))
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// DurationMS creates a duration-in-milliseconds attribute.
func DurationMS(ms int64) slog.Attr {
	return slog.Int64(DurationKey, ms)
}

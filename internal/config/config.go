// Package config loads agentcore's daemon/CLI configuration: a YAML
// file overlaid with ROBOPPI_/AGENTCORE_ environment variables,
// following the teacher's config.go load-then-overlay shape
// (internal/config/config.go: yaml.Unmarshal into defaults, then env
// vars win) trimmed down to this daemon's surface — no provider/tier/
// profile catalog, since agentcore has no LLM-provider selection layer.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/roboppi/agentcore/internal/roboppi"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is agentcore's top-level configuration (§6 external interfaces:
// CLI surface, daemon listen address, state directory).
type Config struct {
	// StateDir is where internal/statestore persists daemon.json,
	// per-trigger state, and execution history. Default: XDG state dir.
	StateDir string `yaml:"state_dir"`

	// WorkspaceDir is the default workspace passed to workflow runs
	// when a caller doesn't specify one.
	WorkspaceDir string `yaml:"workspace_dir"`

	// TriggersFile points at the YAML file describing the daemon's
	// trigger bindings (event source + workflow + gate).
	TriggersFile string `yaml:"triggers_file"`

	// Listen is the daemon's webhook/metrics HTTP configuration.
	Listen ListenConfig `yaml:"listen"`

	// MaxHistory bounds how many execution records statestore keeps
	// per trigger before pruning (§4.J).
	MaxHistory int `yaml:"max_history"`

	// DefaultCooldown is applied to triggers that don't set their own.
	DefaultCooldown time.Duration `yaml:"-"`
	DefaultCooldownRaw string `yaml:"default_cooldown,omitempty"`

	// Log controls structured log output.
	Log LogConfig `yaml:"log"`

	// Audit controls the append-only execution-audit trail (§4.I
	// dispatch bookkeeping, kept alongside statestore's own execution
	// history as a separate, optionally-encrypted record).
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig configures internal/audit's SQLite-backed execution trail.
type AuditConfig struct {
	// DBPath is the SQLite database file. Empty disables the audit
	// trail entirely — it's an addition on top of statestore, not a
	// replacement, so there's no harm in leaving it off.
	DBPath string `yaml:"db_path"`

	// Encrypt enables AES-256-GCM encryption of stored payloads, keyed
	// from AGENTCORE_AUDIT_KEY/ROBOPPI_AUDIT_KEY.
	Encrypt bool `yaml:"encrypt"`
}

// ListenConfig configures the daemon's shared HTTP listeners.
type ListenConfig struct {
	WebhookAddr string `yaml:"webhook_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig mirrors internal/log.Config's loadable fields.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns agentcore's baseline configuration before any file
// or environment overlay is applied.
func Default() *Config {
	stateDir, _ := defaultStateDir()
	return &Config{
		StateDir:     stateDir,
		WorkspaceDir: ".",
		TriggersFile: "triggers.yaml",
		Listen: ListenConfig{
			WebhookAddr: "127.0.0.1:8089",
			MetricsAddr: "127.0.0.1:9090",
		},
		MaxHistory:      100,
		DefaultCooldown: 0,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			DBPath:  "",
			Encrypt: false,
		},
	}
}

// Load reads path (if non-empty and present), applies it over Default,
// then applies environment variable overrides. An empty path is not an
// error — it means "defaults plus environment only", matching the
// teacher's LoadDaemon("") convention of an optional config file.
func Load(path string) (*Config, error) {
	roboppi.MirrorEnvPrefixAliases()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &agerrors.ConfigError{Key: "path", Reason: "config file not found: " + path, Cause: err}
			}
			return nil, &agerrors.ConfigError{Key: "path", Reason: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &agerrors.ConfigError{Key: "path", Reason: "parsing config YAML", Cause: err}
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DefaultCooldownRaw != "" {
		d, err := roboppi.ParseDuration(cfg.DefaultCooldownRaw)
		if err != nil {
			return nil, &agerrors.ConfigError{Key: "default_cooldown", Reason: "invalid duration", Cause: err}
		}
		cfg.DefaultCooldown = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets ROBOPPI_/AGENTCORE_ env vars win over the file,
// mirroring the teacher's flag-override-after-file-load ordering in
// cmd/conductord/main.go (there CLI flags win; here env vars do, since
// agentcore's CLI flags are applied later still, by the cobra commands
// themselves, directly onto the loaded Config).
func applyEnvOverrides(cfg *Config) {
	if v, ok := roboppi.LookupEither("STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := roboppi.LookupEither("WORKSPACE_DIR"); ok {
		cfg.WorkspaceDir = v
	}
	if v, ok := roboppi.LookupEither("TRIGGERS_FILE"); ok {
		cfg.TriggersFile = v
	}
	if v, ok := roboppi.LookupEither("WEBHOOK_ADDR"); ok {
		cfg.Listen.WebhookAddr = v
	}
	if v, ok := roboppi.LookupEither("METRICS_ADDR"); ok {
		cfg.Listen.MetricsAddr = v
	}
	if v, ok := roboppi.LookupEither("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := roboppi.LookupEither("LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := roboppi.LookupEither("AUDIT_DB_PATH"); ok {
		cfg.Audit.DBPath = v
	}
	if v, ok := roboppi.LookupEither("AUDIT_ENCRYPT"); ok {
		cfg.Audit.Encrypt = v == "1" || v == "true"
	}
}

// Validate rejects a Config that would fail later in an opaque way.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return &agerrors.ConfigError{Key: "state_dir", Reason: "must not be empty"}
	}
	if c.MaxHistory <= 0 {
		return &agerrors.ConfigError{Key: "max_history", Reason: "must be positive"}
	}
	return nil
}

// defaultStateDir returns the XDG state directory for agentcore,
// following the teacher's ConfigDir (internal/config/xdg.go) layout
// convention but for state rather than config.
func defaultStateDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentcore"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "AppData", "Local", "agentcore", "state"), nil
	}
	return filepath.Join(home, ".local", "state", "agentcore"), nil
}

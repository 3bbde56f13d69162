package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaultsJSONWhenOutputNotATerminal(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("AGENTCORE_DEBUG", "")
	t.Setenv("ROBOPPI_DEBUG", "")
	cfg := FromEnv()
	// go test's stderr is redirected through a pipe, not a TTY, so the
	// terminal-detection default should fall through to JSON.
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestFromEnvExplicitLogFormatWins(t *testing.T) {
	t.Setenv("LOG_FORMAT", "text")
	cfg := FromEnv()
	assert.Equal(t, FormatText, cfg.Format)
}

func TestIsInteractiveTerminalFalseForNonFileWriter(t *testing.T) {
	assert.False(t, isInteractiveTerminal(nil))
}

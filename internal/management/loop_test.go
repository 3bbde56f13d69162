package management

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDecision(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// TestResolveDecisionMissingFileFallsBackToProceed covers rule 1.
func TestResolveDecisionMissingFileFallsBackToProceed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.json")
	d := resolveDecision(path, "hook-1", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveProceed, d.Directive)
	assert.Equal(t, "none", d.Source)
}

// TestResolveDecisionInvalidJSONFallsBack covers rule 2.
func TestResolveDecisionInvalidJSONFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	d := resolveDecision(path, "hook-1", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveProceed, d.Directive)
	assert.Equal(t, "file-json", d.Source)
}

// TestResolveDecisionHookIDMismatchFallsBack is spec §8 scenario #6.
func TestResolveDecisionHookIDMismatchFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{
		"directive": "PROCEED",
		"hook_id":   "X",
	})

	d := resolveDecision(path, "Y", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveProceed, d.Directive)
	assert.Equal(t, "file-json", d.Source)
	assert.Equal(t, "stale decision: hook_id mismatch", d.Reason)
}

func TestResolveDecisionHookIDMatchIsAccepted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{
		"directive": "ABORT",
		"hook_id":   "X",
		"hook":      "pre_step",
		"step_id":   "stepA",
		"reasoning": "looks stuck",
	})

	d := resolveDecision(path, "X", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveAbort, d.Directive)
	assert.Equal(t, "accepted", d.Source)
	assert.Equal(t, "looks stuck", d.Reasoning)
}

// TestResolveDecisionStaleMtimeWithoutHookIDFallsBack covers rule 4.
func TestResolveDecisionStaleMtimeWithoutHookIDFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{"directive": "PROCEED"})

	old := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	d := resolveDecision(path, "X", "pre_step", "stepA", time.Now())
	assert.Equal(t, "file-json", d.Source)
	assert.Equal(t, "file mtime too old", d.Reason)
}

func TestResolveDecisionRecentMtimeWithoutHookIDIsAccepted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{"directive": "RETRY"})

	d := resolveDecision(path, "X", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveRetry, d.Directive)
	assert.Equal(t, "accepted", d.Source)
}

// TestResolveDecisionMisattributionFallsBack covers rule 5.
func TestResolveDecisionMisattributionFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{
		"directive": "PROCEED",
		"hook_id":   "X",
		"hook":      "post_step",
		"step_id":   "stepA",
	})

	d := resolveDecision(path, "X", "pre_step", "stepA", time.Now())
	assert.Equal(t, "misattribution", d.Source)
}

// TestResolveDecisionInvalidDirectiveFallsBack covers rule 6.
func TestResolveDecisionInvalidDirectiveFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	writeDecision(t, path, map[string]any{
		"directive": "DESTROY_EVERYTHING",
		"hook_id":   "X",
	})

	d := resolveDecision(path, "X", "pre_step", "stepA", time.Now())
	assert.Equal(t, DirectiveProceed, d.Directive)
	assert.Equal(t, "invalid-shape", d.Source)
}

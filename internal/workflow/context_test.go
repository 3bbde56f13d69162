package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureOutputsWritesTrimmedStdoutVerbatim(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CaptureOutputs(dir, map[string]string{"summary": "out/summary.txt"}, "  hello world  \n"))

	data, err := os.ReadFile(filepath.Join(dir, "out", "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestCaptureOutputsSkipsFileTheWorkerAlreadyCreated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	path := filepath.Join(dir, "out", "summary.txt")
	require.NoError(t, os.WriteFile(path, []byte("worker wrote this"), 0o644))

	require.NoError(t, CaptureOutputs(dir, map[string]string{"summary": "out/summary.txt"}, "ignored"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "worker wrote this", string(data))
}

func TestCaptureOutputsRejectsPathEscapingWorkspace(t *testing.T) {
	dir := t.TempDir()
	err := CaptureOutputs(dir, map[string]string{"bad": "../escape.txt"}, "x")
	assert.Error(t, err)
}

func TestCaptureOutputsAppliesJQFilterToJSONStdout(t *testing.T) {
	dir := t.TempDir()
	stdout := `{"result": {"score": 0.92, "verdict": "pass"}}`
	require.NoError(t, CaptureOutputs(dir, map[string]string{"verdict": "out/verdict.txt|jq:.result.verdict"}, stdout))

	data, err := os.ReadFile(filepath.Join(dir, "out", "verdict.txt"))
	require.NoError(t, err)
	assert.Equal(t, "pass", string(data))
}

func TestCaptureOutputsJQFilterErrorsOnNonJSONStdout(t *testing.T) {
	dir := t.TempDir()
	err := CaptureOutputs(dir, map[string]string{"verdict": "out/verdict.txt|jq:.result"}, "not json")
	assert.Error(t, err)
}

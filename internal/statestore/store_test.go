package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadTriggerStateRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	now := time.Now().Truncate(time.Millisecond)
	in := TriggerState{Enabled: true, LastFiredAt: &now, ExecutionCount: 3}
	require.NoError(t, s.SaveTriggerState("t1", in))

	out, err := s.LoadTriggerState("t1")
	require.NoError(t, err)
	assert.Equal(t, in.Enabled, out.Enabled)
	assert.Equal(t, in.ExecutionCount, out.ExecutionCount)
	assert.WithinDuration(t, *in.LastFiredAt, *out.LastFiredAt, 0)
}

func TestLoadTriggerStateMissingFileReturnsEnabledDefault(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	out, err := s.LoadTriggerState("never-seen")
	require.NoError(t, err)
	assert.True(t, out.Enabled)
	assert.Equal(t, 0, out.ExecutionCount)
}

func TestRecordExecutionPrunesBeyondMaxHistory(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	s = s.WithMaxHistory(3)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := ExecutionRecord{
			TriggerID:   "t1",
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			CompletedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			Status:      "SUCCEEDED",
			WorkflowID:  "wf",
		}
		require.NoError(t, s.RecordExecution(rec))
	}

	history, err := s.History("t1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Oldest two were pruned; remaining three are in chronological order.
	for i := 0; i < len(history)-1; i++ {
		assert.True(t, history[i].CompletedAt.Before(history[i+1].CompletedAt))
	}
}

func TestSaveLastResultRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveLastResult("t1", map[string]any{"decision": "complete"}))

	var out map[string]any
	ok, err := s.LoadLastResult("t1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "complete", out["decision"])
}

func TestLoadLastResultMissingReturnsFalse(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var out map[string]any
	ok, err := s.LoadLastResult("never-seen", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDaemonStateRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	in := DaemonState{StartedAt: time.Now().Truncate(time.Millisecond)}
	require.NoError(t, s.SaveDaemonState(in))

	out, err := s.LoadDaemonState()
	require.NoError(t, err)
	assert.WithinDuration(t, in.StartedAt, out.StartedAt, 0)
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndHistoryRoundTripPlaintext(t *testing.T) {
	store, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	rec := Record{
		TriggerID:   "t1",
		WorkflowID:  "wf",
		Status:      "SUCCEEDED",
		StartedAt:   time.UnixMilli(1000),
		CompletedAt: time.UnixMilli(2000),
		Steps:       map[string]any{"step1": "SUCCEEDED"},
	}
	require.NoError(t, store.Append(context.Background(), rec))

	history, err := store.History(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "wf", history[0].WorkflowID)
	assert.Equal(t, "SUCCEEDED", history[0].Status)
	assert.Equal(t, "SUCCEEDED", history[0].Steps["step1"])
}

func TestAppendAndHistoryRoundTripEncrypted(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	store, err := Open(Config{Path: ":memory:", EncryptionKey: key})
	require.NoError(t, err)
	defer store.Close()

	rec := Record{
		TriggerID:   "t1",
		WorkflowID:  "wf",
		Status:      "FAILED",
		StartedAt:   time.UnixMilli(1000),
		CompletedAt: time.UnixMilli(2000),
		Steps:       map[string]any{"step1": "FAILED"},
	}
	require.NoError(t, store.Append(context.Background(), rec))

	history, err := store.History(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "FAILED", history[0].Steps["step1"])
}

func TestHistoryOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	store, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.Append(context.Background(), Record{
			TriggerID:   "t1",
			WorkflowID:  "wf",
			Status:      "SUCCEEDED",
			StartedAt:   time.UnixMilli(i * 1000),
			CompletedAt: time.UnixMilli(i*1000 + 500),
		}))
	}

	history, err := store.History(context.Background(), "t1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].StartedAt.After(history[1].StartedAt))
}

func TestLoadEncryptionKeyReturnsNilWhenUnset(t *testing.T) {
	t.Setenv("AGENTCORE_AUDIT_KEY", "")
	t.Setenv("ROBOPPI_AUDIT_KEY", "")
	key, err := LoadEncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoadEncryptionKeyDerivesFromPassphrase(t *testing.T) {
	t.Setenv("ROBOPPI_AUDIT_KEY", "a passphrase, not base64")
	key, err := LoadEncryptionKey()
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Len(t, key.key, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	sealed, err := key.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	plain, err := key.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(plain))
}

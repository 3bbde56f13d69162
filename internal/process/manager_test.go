package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnStreamsStdoutLines(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var lines []string

	child, err := m.Spawn(context.Background(), SpawnOptions{
		Argv: []string{"sh", "-c", "echo one; echo two"},
		OnStdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, child.Wait())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestSpawnTracksAndReapsChild(t *testing.T) {
	m := NewManager()
	child, err := m.Spawn(context.Background(), SpawnOptions{Argv: []string{"sh", "-c", "exit 0"}})
	require.NoError(t, err)

	assert.Contains(t, m.Active(), child.PID)
	require.NoError(t, child.Wait())
	assert.NotContains(t, m.Active(), child.PID)
}

func TestGracefulShutdownTermExits(t *testing.T) {
	m := NewManager()
	child, err := m.Spawn(context.Background(), SpawnOptions{Argv: []string{"sleep", "60"}})
	require.NoError(t, err)

	err = m.GracefulShutdown(child.PID, 2*time.Second)
	assert.NoError(t, err)
	assert.NotContains(t, m.Active(), child.PID)
}

func TestGracefulShutdownEscalatesToKill(t *testing.T) {
	m := NewManager()
	child, err := m.Spawn(context.Background(), SpawnOptions{
		Argv: []string{"sh", "-c", "trap '' TERM; sleep 60"},
	})
	require.NoError(t, err)

	err = m.GracefulShutdown(child.PID, 200*time.Millisecond)
	assert.NoError(t, err)
	assert.NotContains(t, m.Active(), child.PID)
}

func TestGracefulShutdownOfUnknownPIDIsNoop(t *testing.T) {
	m := NewManager()
	assert.NoError(t, m.GracefulShutdown(999999, time.Second))
}

func TestKillAllReapsEveryChild(t *testing.T) {
	m := NewManager()
	var children []*Child
	for i := 0; i < 3; i++ {
		c, err := m.Spawn(context.Background(), SpawnOptions{Argv: []string{"sleep", "60"}})
		require.NoError(t, err)
		children = append(children, c)
	}

	m.KillAll()

	for _, c := range children {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("child was not reaped by KillAll")
		}
	}
	assert.Empty(t, m.Active())
}

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboppi/agentcore/internal/workflow"
)

func TestStartSpawnsCoreAndReturnsProtocol(t *testing.T) {
	s := New(Config{Argv: []string{"cat"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proto, err := s.Start(ctx)
	require.NoError(t, err)
	assert.NotNil(t, proto)

	s.Stop()
}

func TestKillCoreTerminatesTrackedProcess(t *testing.T) {
	s := New(Config{Argv: []string{"cat"}, ShutdownGrace: 500 * time.Millisecond})
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	s.mu.Lock()
	pid := s.child.PID
	s.mu.Unlock()

	s.KillCore()

	assert.NotContains(t, s.procMgr.Active(), pid)
}

func TestOnCoreCrashInvokedOnExit(t *testing.T) {
	var mu sync.Mutex
	crashed := false

	s := New(Config{
		Argv: []string{"sh", "-c", "exit 1"},
		OnCoreCrash: func(err error) {
			mu.Lock()
			crashed = true
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return crashed
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
}

func TestRestartSpawnsAFreshChild(t *testing.T) {
	s := New(Config{
		Argv:    []string{"cat"},
		Backoff: workflow.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Jitter: 0},
	})
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	s.mu.Lock()
	firstPID := s.child.PID
	s.mu.Unlock()

	_, err = s.Restart(ctx)
	require.NoError(t, err)

	s.mu.Lock()
	secondPID := s.child.PID
	s.mu.Unlock()

	assert.NotEqual(t, firstPID, secondPID)
	s.Stop()
}

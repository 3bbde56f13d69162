package workspacelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseMutualExclusion(t *testing.T) {
	tbl := New()

	assert.True(t, tbl.Acquire("/ws/a", "task-1"))
	assert.False(t, tbl.Acquire("/ws/a", "task-2"))

	tbl.Release("/ws/a", "task-1")
	assert.True(t, tbl.Acquire("/ws/a", "task-2"))
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	tbl := New()
	require.True(t, tbl.Acquire("/ws/a", "task-1"))

	tbl.Release("/ws/a", "task-2")

	holderID, ok := tbl.Holder("/ws/a")
	assert.True(t, ok)
	assert.Equal(t, "task-1", holderID)
}

func TestExpiredLockAutoReleases(t *testing.T) {
	tbl := New()
	fakeNow := time.Now()
	tbl.now = func() time.Time { return fakeNow }

	require.True(t, tbl.AcquireWithDuration("/ws/a", "task-1", 10*time.Millisecond))
	assert.False(t, tbl.Acquire("/ws/a", "task-2"))

	fakeNow = fakeNow.Add(50 * time.Millisecond)
	assert.True(t, tbl.Acquire("/ws/a", "task-2"))
}

func TestWaitForLockAcquiresOnRelease(t *testing.T) {
	tbl := New()
	require.True(t, tbl.Acquire("/ws/a", "task-1"))

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = tbl.WaitForLock(context.Background(), "/ws/a", "task-2", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	tbl.Release("/ws/a", "task-1")
	wg.Wait()

	require.NoError(t, waitErr)
	holderID, ok := tbl.Holder("/ws/a")
	assert.True(t, ok)
	assert.Equal(t, "task-2", holderID)
}

func TestWaitForLockTimesOut(t *testing.T) {
	tbl := New()
	require.True(t, tbl.Acquire("/ws/a", "task-1"))

	err := tbl.WaitForLock(context.Background(), "/ws/a", "task-2", 20*time.Millisecond)
	assert.Error(t, err)
}

func TestAtMostOneNonExpiredHolder(t *testing.T) {
	tbl := New()
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if tbl.Acquire("/ws/shared", "task") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
}

func TestForceRelease(t *testing.T) {
	tbl := New()
	require.True(t, tbl.Acquire("/ws/a", "task-1"))
	tbl.ForceRelease("/ws/a")
	assert.True(t, tbl.Acquire("/ws/a", "task-2"))
}

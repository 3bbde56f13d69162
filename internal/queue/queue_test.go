// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboppi/agentcore/internal/workflow"
)

func job(id string, class workflow.PriorityClass, value int) *workflow.Job {
	return &workflow.Job{
		JobID:    id,
		Priority: workflow.Priority{Class: class, Value: value},
	}
}

// TestDequeueOrder covers spec §8 scenario #1: enqueue BATCH(10),
// INTERACTIVE(3), BATCH(5), INTERACTIVE(7); dequeue must yield
// INTERACTIVE(7), INTERACTIVE(3), BATCH(10), BATCH(5).
func TestDequeueOrder(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(job("batch-10", workflow.ClassBatch, 10)))
	require.NoError(t, q.Enqueue(job("int-3", workflow.ClassInteractive, 3)))
	require.NoError(t, q.Enqueue(job("batch-5", workflow.ClassBatch, 5)))
	require.NoError(t, q.Enqueue(job("int-7", workflow.ClassInteractive, 7)))

	want := []string{"int-7", "int-3", "batch-10", "batch-5"}
	ctx := context.Background()
	for _, id := range want {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, j.JobID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestDequeueTiesBreakFIFO(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(job("first", workflow.ClassBatch, 1)))
	require.NoError(t, q.Enqueue(job("second", workflow.ClassBatch, 1)))

	ctx := context.Background()
	j1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	j2, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "first", j1.JobID)
	assert.Equal(t, "second", j2.JobID)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	result := make(chan *workflow.Job, 1)
	go func() {
		j, err := q.Dequeue(context.Background())
		if err == nil {
			result <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(job("late", workflow.ClassInteractive, 1)))

	select {
	case j := <-result:
		assert.Equal(t, "late", j.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	q := New()
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(job("x", workflow.ClassBatch, 1)), ErrQueueClosed)
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(job("only", workflow.ClassBatch, 1)))

	assert.Equal(t, "only", q.Peek().JobID)
	assert.Equal(t, 1, q.Len())
}

// TestInFlightRegistryLatestWins covers spec §8 scenario #5: register
// (k, J1, LATEST_WINS) then (k, J2, LATEST_WINS) -> second call returns
// {action: proceed, cancelJobId: J1}; lookup(k) == J2.
func TestInFlightRegistryLatestWins(t *testing.T) {
	r := NewInFlightRegistry()

	res1 := r.Submit("k", "J1", LatestWins)
	assert.Equal(t, ActionProceed, res1.Action)
	assert.Empty(t, res1.CancelJobID)

	res2 := r.Submit("k", "J2", LatestWins)
	assert.Equal(t, ActionProceed, res2.Action)
	assert.Equal(t, "J1", res2.CancelJobID)

	id, ok := r.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "J2", id)
}

func TestInFlightRegistryCoalesce(t *testing.T) {
	r := NewInFlightRegistry()

	res1 := r.Submit("k", "J1", Coalesce)
	assert.Equal(t, ActionProceed, res1.Action)

	res2 := r.Submit("k", "J2", Coalesce)
	assert.Equal(t, ActionCoalesce, res2.Action)
	assert.Equal(t, "J1", res2.ExistingJobID)

	id, ok := r.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "J1", id, "coalesce must not replace the running holder")
}

func TestInFlightRegistryReject(t *testing.T) {
	r := NewInFlightRegistry()

	require.Equal(t, ActionProceed, r.Submit("k", "J1", Reject).Action)

	res := r.Submit("k", "J2", Reject)
	assert.Equal(t, ActionReject, res.Action)
	assert.Equal(t, "J1", res.ExistingJobID)
}

func TestInFlightRegistryCompleteFreesKey(t *testing.T) {
	r := NewInFlightRegistry()
	require.Equal(t, ActionProceed, r.Submit("k", "J1", Reject).Action)

	r.Complete("k")

	res := r.Submit("k", "J2", Reject)
	assert.Equal(t, ActionProceed, res.Action)
}

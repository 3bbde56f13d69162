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

// Package queue implements the two-class priority queue and in-flight
// deduplication registry described in spec §4.E: INTERACTIVE jobs always
// dequeue before BATCH regardless of numeric value; within a class,
// higher value wins; ties break FIFO on insertion order.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/roboppi/agentcore/internal/workflow"
)

// QueueError is a queue-related error (kept as a concrete type, mirroring
// the teacher's QueueError, so callers can compare via errors.Is).
type QueueError struct{ message string }

func (e *QueueError) Error() string { return e.message }

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// item is one heap entry. seq is a monotonically increasing counter used
// only to break ties within the same class+value, per §9 design notes.
type item struct {
	job   *workflow.Job
	seq   uint64
	index int
}

// minHeap implements container/heap.Interface. Less encodes the full
// comparator from §4.E: INTERACTIVE before BATCH, then value descending,
// then insertion order ascending.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	a, b := h[i].job.Priority, h[j].job.Priority
	if a.Class != b.Class {
		return a.Class == workflow.ClassInteractive
	}
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the bounded-concurrency-safe priority queue of §4.E.
type Queue struct {
	mu     sync.Mutex
	heap   minHeap
	seq    uint64
	signal chan struct{}
	closed bool
}

// New creates an empty priority queue.
func New() *Queue {
	return &Queue{
		heap:   make(minHeap, 0),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the queue.
func (q *Queue) Enqueue(job *workflow.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.seq++
	heap.Push(&q.heap, &item{job: job, seq: q.seq})

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority job, blocking until
// one is available, ctx is cancelled, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (*workflow.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(*item)
			q.mu.Unlock()
			return it.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Peek returns the highest-priority job without removing it.
func (q *Queue) Peek() *workflow.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap[0].job
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close closes the queue; subsequent Enqueue/Dequeue calls return
// ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// DedupPolicy governs how InFlightRegistry.Submit resolves a key
// collision (§4.E).
type DedupPolicy string

const (
	Coalesce  DedupPolicy = "COALESCE"
	LatestWins DedupPolicy = "LATEST_WINS"
	Reject    DedupPolicy = "REJECT"
)

// SubmitAction is the verb the caller must act on after Submit.
type SubmitAction string

const (
	ActionCoalesce SubmitAction = "coalesce"
	ActionProceed  SubmitAction = "proceed"
	ActionReject   SubmitAction = "reject"
)

// SubmitResult is the outcome of a dedup-guarded submission.
type SubmitResult struct {
	Action        SubmitAction
	ExistingJobID string // set for coalesce/reject
	CancelJobID   string // set for proceed when it replaced a prior holder
}

// InFlightRegistry maps a deduplication key to the currently running
// jobId, enforcing the COALESCE/LATEST_WINS/REJECT submission policies.
type InFlightRegistry struct {
	mu      sync.Mutex
	running map[string]string
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{running: make(map[string]string)}
}

// Submit registers jobID under key according to policy, returning what
// the caller must do.
func (r *InFlightRegistry) Submit(key, jobID string, policy DedupPolicy) SubmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, present := r.running[key]
	if !present {
		r.running[key] = jobID
		return SubmitResult{Action: ActionProceed}
	}

	switch policy {
	case Coalesce:
		return SubmitResult{Action: ActionCoalesce, ExistingJobID: existing}
	case Reject:
		return SubmitResult{Action: ActionReject, ExistingJobID: existing}
	case LatestWins:
		r.running[key] = jobID
		return SubmitResult{Action: ActionProceed, CancelJobID: existing}
	default:
		// Unknown policy defaults to the safe COALESCE behavior.
		return SubmitResult{Action: ActionCoalesce, ExistingJobID: existing}
	}
}

// Lookup returns the job currently registered for key, if any.
func (r *InFlightRegistry) Lookup(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[key]
	return id, ok
}

// Complete removes key from the registry, typically once its job
// finishes (success, failure, or cancellation).
func (r *InFlightRegistry) Complete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, key)
}

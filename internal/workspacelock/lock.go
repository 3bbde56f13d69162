// Package workspacelock implements the advisory, in-memory mutual
// exclusion table keyed by workspace path that §4.D specifies: at most
// one non-expired holder per workspaceRef, a FIFO waiter queue, and
// auto-release of expired holders on next access.
package workspacelock

import (
	"context"
	"sync"
	"time"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

// DefaultMaxLockDuration is the default expiry window for a held lock.
const DefaultMaxLockDuration = 5 * time.Minute

// DefaultWaitTimeout is the default timeout for WaitForLock.
const DefaultWaitTimeout = 30 * time.Second

type holder struct {
	taskID        string
	acquiredAt    time.Time
	maxLockDuration time.Duration
}

func (h *holder) expired(now time.Time) bool {
	return now.After(h.acquiredAt.Add(h.maxLockDuration))
}

// waiter is a single FIFO queue entry for WaitForLock.
type waiter struct {
	taskID string
	ready  chan struct{}
}

type entry struct {
	mu      sync.Mutex
	holder  *holder
	waiters []*waiter
}

// Table is the lock table. The zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty lock table.
func New() *Table {
	return &Table{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (t *Table) entryFor(ref string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ref]
	if !ok {
		e = &entry{}
		t.entries[ref] = e
	}
	return e
}

// reapIfExpired releases e's holder if it has expired, waking the head
// waiter. Caller must hold e.mu.
func (e *entry) reapIfExpired(now time.Time) {
	if e.holder != nil && e.holder.expired(now) {
		e.holder = nil
		e.wakeNext()
	}
}

// wakeNext signals the head waiter, if any, to attempt acquisition.
// Caller must hold e.mu.
func (e *entry) wakeNext() {
	if len(e.waiters) == 0 {
		return
	}
	w := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(w.ready)
}

// Acquire attempts a non-blocking acquisition of ref for taskID. Returns
// true if acquired (no live holder existed), false otherwise.
func (t *Table) Acquire(ref, taskID string) bool {
	return t.AcquireWithDuration(ref, taskID, DefaultMaxLockDuration)
}

// AcquireWithDuration is Acquire with an explicit expiry window.
func (t *Table) AcquireWithDuration(ref, taskID string, maxDuration time.Duration) bool {
	e := t.entryFor(ref)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	e.reapIfExpired(now)

	if e.holder != nil {
		return false
	}
	e.holder = &holder{taskID: taskID, acquiredAt: now, maxLockDuration: maxDuration}
	return true
}

// Release releases ref if taskID currently holds it. Releasing a ref
// held by a different task, or not held at all, is a no-op.
func (t *Table) Release(ref, taskID string) {
	e := t.entryFor(ref)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holder == nil || e.holder.taskID != taskID {
		return
	}
	e.holder = nil
	e.wakeNext()
}

// ForceRelease administratively releases ref regardless of holder.
func (t *Table) ForceRelease(ref string) {
	e := t.entryFor(ref)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.holder = nil
	e.wakeNext()
}

// Holder returns the current non-expired holder's taskID, if any.
func (t *Table) Holder(ref string) (string, bool) {
	e := t.entryFor(ref)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	e.reapIfExpired(now)
	if e.holder == nil {
		return "", false
	}
	return e.holder.taskID, true
}

// WaitForLock enqueues taskID as a FIFO waiter for ref and blocks until
// it acquires the lock, ctx is cancelled, or timeout elapses (default
// DefaultWaitTimeout when timeout <= 0). On waking, the waiter races to
// acquire atomically; if it loses (another waiter already grabbed it
// because of a subsequent release ordering), it re-enqueues at the back.
func (t *Table) WaitForLock(ctx context.Context, ref, taskID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.Now().Add(timeout)

	for {
		if t.AcquireWithDuration(ref, taskID, DefaultMaxLockDuration) {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &agerrors.TimeoutError{Operation: "workspace lock wait for " + ref, Duration: timeout}
		}

		w := &waiter{taskID: taskID, ready: make(chan struct{})}
		e := t.entryFor(ref)
		e.mu.Lock()
		// Re-check under lock: the holder may have been released between
		// our failed Acquire above and taking e.mu here.
		e.reapIfExpired(t.now())
		if e.holder == nil {
			e.holder = &holder{taskID: taskID, acquiredAt: t.now(), maxLockDuration: DefaultMaxLockDuration}
			e.mu.Unlock()
			return nil
		}
		e.waiters = append(e.waiters, w)
		e.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-w.ready:
			timer.Stop()
			// We were woken; try to acquire. If we lose the race (the
			// waker already handed the lock to a faster path), loop and
			// re-enqueue.
			if t.AcquireWithDuration(ref, taskID, DefaultMaxLockDuration) {
				return nil
			}
			continue
		case <-ctx.Done():
			timer.Stop()
			t.removeWaiter(ref, w)
			return ctx.Err()
		case <-timer.C:
			t.removeWaiter(ref, w)
			return &agerrors.TimeoutError{Operation: "workspace lock wait for " + ref, Duration: timeout}
		}
	}
}

func (t *Table) removeWaiter(ref string, target *waiter) {
	e := t.entryFor(ref)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

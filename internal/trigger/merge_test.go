package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/roboppi/agentcore/internal/trigger/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEventSourcesPreservesArrivalOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := source.NewCommandSource("a")
	b := source.NewCommandSource("b")

	merged := mergeEventSources(ctx, []source.EventSource{a, b}, 0, nil)

	a.Fire(map[string]any{"n": 1})
	b.Fire(map[string]any{"n": 2})

	got := make([]source.Event, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-merged:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for merged event")
		}
	}
	assert.Len(t, got, 2)
}

func TestMergeEventSourcesClosesWhenAllSourcesEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := source.NewCommandSource("a")
	merged := mergeEventSources(ctx, []source.EventSource{a}, 0, nil)

	a.Stop()

	select {
	case _, ok := <-merged:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("merged channel never closed")
	}
}

func TestMergeEventSourcesStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := source.NewCommandSource("a")
	merged := mergeEventSources(ctx, []source.EventSource{a}, 0, nil)

	cancel()

	select {
	case _, ok := <-merged:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("merged channel never closed after context cancellation")
	}
}

func TestMergeEventSourcesDropsOldestOnOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := source.NewCommandSource("a")
	merged := mergeEventSources(ctx, []source.EventSource{a}, 2, nil)

	// Fire more than the buffer can hold before anything drains it.
	for i := 0; i < 5; i++ {
		go a.Fire(map[string]any{"n": i})
	}

	time.Sleep(100 * time.Millisecond)

	count := 0
	for {
		select {
		case _, ok := <-merged:
			if !ok {
				return
			}
			count++
		case <-time.After(300 * time.Millisecond):
			assert.LessOrEqual(t, count, 5)
			return
		}
	}
}

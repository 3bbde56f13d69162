package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roboppi/agentcore/internal/trigger/source"
)

// defaultMergeBuffer is the bound on the merged event stream; beyond it
// the oldest buffered event is dropped to make room for the newest one.
const defaultMergeBuffer = 10000

// mergeEventSources starts every source and fans its events into a
// single channel in arrival order. The merged channel is bounded by
// maxBuffer; once full, the oldest queued event is dropped to admit the
// newest one, and exactly one warning is logged for the first overflow
// (later overflows drop silently, matching spec §4.I so the daemon's
// log doesn't fill up from a single noisy source). The merged channel
// closes once every source's Events channel has closed, and a source
// returning an error from Start is treated as that source ending
// rather than aborting the merge.
func mergeEventSources(ctx context.Context, sources []source.EventSource, maxBuffer int, logger *slog.Logger) <-chan source.Event {
	if maxBuffer <= 0 {
		maxBuffer = defaultMergeBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	out := make(chan source.Event, maxBuffer)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src source.EventSource) {
			defer wg.Done()
			if err := src.Start(ctx); err != nil {
				logger.Warn("event source exited with error", "source", src.ID(), "error", err)
			}
		}(src)
	}

	var (
		mu            sync.Mutex
		buf           []source.Event
		overflowWarned bool
	)
	notify := make(chan struct{}, 1)
	wake := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	for _, src := range sources {
		wg.Add(1)
		go func(src source.EventSource) {
			defer wg.Done()
			for ev := range src.Events() {
				mu.Lock()
				if len(buf) >= maxBuffer {
					buf = buf[1:]
					if !overflowWarned {
						overflowWarned = true
						logger.Warn("trigger event buffer overflow, dropping oldest event", "source", src.ID(), "maxBuffer", maxBuffer)
					}
				}
				buf = append(buf, ev)
				mu.Unlock()
				wake()
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(done)
		wake()
	}()

	go func() {
		defer close(out)
		for {
			mu.Lock()
			var ev source.Event
			has := false
			if len(buf) > 0 {
				ev = buf[0]
				buf = buf[1:]
				has = true
			}
			mu.Unlock()

			if has {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case <-notify:
				continue
			case <-done:
				mu.Lock()
				remaining := len(buf) == 0
				mu.Unlock()
				if remaining {
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

package source

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// globMatch matches path against pattern with `*`=any run of
// non-separator characters, `**`=any run including separators, and
// `?`=single non-separator character — doublestar's own semantics, so
// this is a thin, named wrapper documenting the spec's grammar rather
// than a reimplementation.
func globMatch(path, pattern string) bool {
	if matched, _ := doublestar.PathMatch(pattern, path); matched {
		return true
	}
	matched, _ := doublestar.Match(pattern, filepath.Base(path))
	return matched
}

// FSWatchSource emits an Event for each filesystem change under a
// watched root whose path matches one of patterns.
type FSWatchSource struct {
	id       string
	root     string
	patterns []string

	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewFSWatchSource creates an FSWatchSource rooted at root, matching
// any of patterns (matching everything when patterns is empty).
func NewFSWatchSource(id, root string, patterns []string) (*FSWatchSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}
	return &FSWatchSource{
		id:       id,
		root:     root,
		patterns: patterns,
		watcher:  w,
		events:   make(chan Event, 100),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID implements EventSource.
func (s *FSWatchSource) ID() string { return s.id }

// Events implements EventSource.
func (s *FSWatchSource) Events() <-chan Event { return s.events }

func (s *FSWatchSource) matches(path string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if globMatch(path, p) {
			return true
		}
	}
	return false
}

// Start implements EventSource.
func (s *FSWatchSource) Start(ctx context.Context) error {
	defer close(s.done)
	defer close(s.events)
	defer s.watcher.Close()

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if !s.matches(ev.Name) {
				continue
			}
			payload := map[string]any{"path": ev.Name, "op": ev.Op.String()}
			select {
			case s.events <- Event{SourceID: s.id, Payload: payload}:
			case <-ctx.Done():
				return nil
			case <-s.stop:
				return nil
			default:
				// Non-blocking send: a full buffer drops this event rather
				// than stalling the fsnotify goroutine (mergeEventSources
				// applies its own, better-specified overflow policy).
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		}
	}
}

// Stop implements EventSource.
func (s *FSWatchSource) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

package source

import (
	"context"
	"sync"
)

// CommandSource is a manual, CLI-injected EventSource: the `trigger
// <id>` subcommand calls Fire to push a single event.
type CommandSource struct {
	id     string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewCommandSource creates a CommandSource.
func NewCommandSource(id string) *CommandSource {
	return &CommandSource{
		id:     id,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// ID implements EventSource.
func (s *CommandSource) ID() string { return s.id }

// Events implements EventSource.
func (s *CommandSource) Events() <-chan Event { return s.events }

// Start implements EventSource; CommandSource produces no events on
// its own, it only waits to be stopped.
func (s *CommandSource) Start(ctx context.Context) error {
	defer close(s.done)
	defer close(s.events)
	<-ctx.Done()
	return nil
}

// Fire injects a manually-triggered event with the given payload.
func (s *CommandSource) Fire(payload map[string]any) {
	select {
	case s.events <- Event{SourceID: s.id, Payload: payload}:
	case <-s.done:
	}
}

// Stop implements EventSource.
func (s *CommandSource) Stop() {
	s.once.Do(func() {})
	<-s.done
}

// Package source implements the EventSource interface and its five
// concrete producers from spec §4.I: Cron, Interval, FSWatch, Webhook,
// and Command.
package source

import "context"

// Event is one occurrence an EventSource produces.
type Event struct {
	SourceID string
	Payload  map[string]any
}

// EventSource is any producer of an async stream of Events with a
// unique ID and a Stop that returns once the source has drained.
type EventSource interface {
	ID() string
	// Events returns the channel the source publishes to. It closes
	// the channel once Stop has fully drained the source.
	Events() <-chan Event
	// Start begins producing events until ctx is cancelled or Stop is
	// called.
	Start(ctx context.Context) error
	// Stop signals the source to shut down and blocks until its Events
	// channel has been closed.
	Stop()
}

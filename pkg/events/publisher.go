package events

import (
	"context"
	"errors"
)

// Publisher is the interface for publishing execution events.
type Publisher interface {
	PublishCommand(ctx context.Context, event *CommandEvent) error
}

// NoOpPublisher is a Publisher that does nothing.
type NoOpPublisher struct{}

// PublishCommand is a no-op.
func (p *NoOpPublisher) PublishCommand(_ context.Context, _ *CommandEvent) error {
	return nil
}

// CallbackPublisher is a Publisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *CommandEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *CommandEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishCommand calls the callback.
func (p *CallbackPublisher) PublishCommand(ctx context.Context, event *CommandEvent) error {
	return p.callback(ctx, event)
}

// Fanout delivers every event to all of its publishers, even when some fail.
type Fanout []Publisher

// PublishCommand publishes to each publisher and joins their errors.
func (f Fanout) PublishCommand(ctx context.Context, event *CommandEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishCommand(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

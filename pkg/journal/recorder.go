package journal

import (
	"context"

	"github.com/morezero/hostagent/pkg/events"
)

// Store persists execution events.
type Store interface {
	Insert(ctx context.Context, e *events.CommandEvent) error
}

// Recorder is an events.Publisher that journals outcomes. Started events are
// not stored; every invocation ends in exactly one finished or rejected row.
type Recorder struct {
	store Store
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// PublishCommand stores finished and rejected events.
func (r *Recorder) PublishCommand(ctx context.Context, event *events.CommandEvent) error {
	if event.Phase == events.PhaseStarted {
		return nil
	}
	return r.store.Insert(ctx, event)
}

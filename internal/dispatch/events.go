package dispatch

import (
	"context"
	"errors"

	"github.com/example/ambulance-dispatch/internal/models"
)

// EventSink receives every dispatch transition.
type EventSink interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

// Sinks fans an event out to each sink; one failing sink does not stop the
// others.
type Sinks []EventSink

func (ss Sinks) Publish(ctx context.Context, ev models.DispatchEvent) error {
	var errs []error
	for _, s := range ss {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

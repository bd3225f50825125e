package session

import (
	"context"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/eventstore"
	"github.com/loqalabs/loqa-menu/internal/protocol"
)

// StoreSink appends events to the session timeline. Device names the capture
// device recorded on each session row.
type StoreSink struct {
	Store  *eventstore.Store
	Device string
}

func (s StoreSink) Deliver(ctx context.Context, evt protocol.Event) error {
	if evt.Type == protocol.EventRecordingStarted {
		if err := s.Store.AppendSession(ctx, evt.SessionID, s.Device); err != nil {
			return err
		}
	}
	return s.Store.AppendEvent(ctx, evt)
}

// BusSink publishes events on protocol.SubjectEvents.
type BusSink struct{ Bus *bus.Client }

func (s BusSink) Deliver(_ context.Context, evt protocol.Event) error {
	if !s.Bus.Healthy() {
		return nil
	}
	return s.Bus.PublishJSON(protocol.SubjectEvents, evt)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt protocol.Event) error

func (f SinkFunc) Deliver(ctx context.Context, evt protocol.Event) error { return f(ctx, evt) }

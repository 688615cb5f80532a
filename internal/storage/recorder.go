package storage

import (
	"context"

	"livebridge/internal/events"
	"livebridge/internal/models"
	"livebridge/internal/sentry"
)

// Recorder writes bridge events to a Store.
type Recorder struct {
	store Store
	bus   *events.Bus
}

func NewRecorder(store Store, bus *events.Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

// Run consumes events until ctx is done or the bus closes.
func (r *Recorder) Run(ctx context.Context) {
	ch := r.bus.Subscribe()
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Handle(ev); err != nil {
				sentry.CaptureErrorf(err, "audit %s", ev.Type)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle stores a single event. Events that are not audited are ignored.
func (r *Recorder) Handle(ev events.Event) error {
	switch ev.Type {
	case events.EventConnectionApproved, events.EventConnectionRejected, events.EventConnectionClosed:
		data, ok := ev.Data.(events.ConnectionData)
		if !ok {
			return nil
		}
		rec := &models.ConnectionRecord{
			ConnectionID: data.ID,
			Peer:         data.Peer,
			Outcome:      outcome(ev.Type),
			Method:       data.Method,
			Reason:       data.Reason,
		}
		rec.CreatedAt = ev.Timestamp
		return r.store.RecordConnection(rec)

	case events.EventCommandExecuted:
		data, ok := ev.Data.(events.CommandData)
		if !ok {
			return nil
		}
		rec := &models.CommandRecord{
			ConnectionID: data.ConnectionID,
			Kind:         data.Kind,
			Code:         data.Code,
			Success:      data.Success,
			Error:        data.Error,
			DurationMs:   data.Duration.Milliseconds(),
		}
		rec.CreatedAt = ev.Timestamp
		return r.store.RecordCommand(rec)
	}
	return nil
}

func outcome(t events.EventType) string {
	switch t {
	case events.EventConnectionApproved:
		return models.OutcomeApproved
	case events.EventConnectionRejected:
		return models.OutcomeRejected
	default:
		return models.OutcomeClosed
	}
}

// Package alerting persists operator alerts and fans them out to the event
// bus. Raising is fire-and-forget: a failed write is logged, never returned,
// so worker loops keep their liveness.
package alerting

import (
	"context"
	"log/slog"

	"github.com/nutriflow/zapgate/internal/bus"
	"github.com/nutriflow/zapgate/internal/store"
)

// Sink records alerts and broadcasts them.
type Sink struct {
	store store.AlertStore
	bus   bus.Publisher
}

func NewSink(s store.AlertStore, b bus.Publisher) *Sink {
	return &Sink{store: s, bus: b}
}

// Raise persists and broadcasts one alert.
func (s *Sink) Raise(ctx context.Context, typ, phone, details string) {
	slog.Warn("alert raised", "type", typ, "phone", phone, "details", details)

	alert, err := s.store.Create(ctx, typ, phone, details)
	if err != nil {
		slog.Error("failed to persist alert", "type", typ, "phone", phone, "error", err)
		return
	}
	if s.bus != nil {
		s.bus.Broadcast(bus.Event{Name: bus.EventAlert, Payload: alert})
	}
}

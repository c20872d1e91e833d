package core

import (
	"strings"

	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// EventSubject returns the subject a track event of kind is published on,
// e.g. safedrive.events.danger
func EventSubject(kind tracking.EventKind) string {
	return SubjectEventsPrefix + "." + strings.ToLower(string(kind))
}

// EventPublisher is a tracking.Observer that forwards events to the bus
type EventPublisher struct {
	bus *EventBus
}

// NewEventPublisher creates an EventPublisher on bus
func NewEventPublisher(bus *EventBus) *EventPublisher {
	return &EventPublisher{bus: bus}
}

// OnTrackEvent implements tracking.Observer. Publishing is buffered by the
// NATS client, so this never waits on the network.
func (p *EventPublisher) OnTrackEvent(ev tracking.Event) error {
	return p.bus.Publish(EventSubject(ev.Kind), ev)
}

package tracking

import (
	"log/slog"
	"time"
)

// EventKind identifies a lifecycle or risk notification
type EventKind string

const (
	EventNewTrack  EventKind = "NEW_TRACK"
	EventLostTrack EventKind = "LOST_TRACK"
	EventDanger    EventKind = "DANGER"
)

// Event is delivered to every attached observer
type Event struct {
	Kind      EventKind `json:"kind"`
	TrackID   int       `json:"track_id"`
	Message   string    `json:"message,omitempty"`
	Frame     uint64    `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives track events synchronously on the frame goroutine.
// Implementations that do slow work must hand it off themselves.
type Observer interface {
	OnTrackEvent(Event) error
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event) error

// OnTrackEvent calls f(ev)
func (f ObserverFunc) OnTrackEvent(ev Event) error {
	return f(ev)
}

// LogObserver writes alerts to the structured log: DANGER as an error,
// track arrivals and departures as info
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a console alert observer
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "alerts")}
}

// OnTrackEvent implements Observer
func (o *LogObserver) OnTrackEvent(ev Event) error {
	switch ev.Kind {
	case EventDanger:
		o.logger.Error("Collision risk", "track_id", ev.TrackID, "reason", ev.Message, "frame", ev.Frame)
	case EventNewTrack:
		o.logger.Info("New track", "track_id", ev.TrackID, "frame", ev.Frame)
	case EventLostTrack:
		o.logger.Info("Track lost", "track_id", ev.TrackID, "frame", ev.Frame)
	}
	return nil
}

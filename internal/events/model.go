// Package events persists track lifecycle and risk events
package events

import (
	"errors"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// ErrNotFound is returned when an event id does not exist
var ErrNotFound = errors.New("event not found")

// TrackEvent is a stored tracking.Event
type TrackEvent struct {
	ID        string             `json:"id"`
	Kind      tracking.EventKind `json:"kind"`
	TrackID   int                `json:"track_id"`
	Message   string             `json:"message,omitempty"`
	Frame     uint64             `json:"frame"`
	Timestamp time.Time          `json:"timestamp"`
	CreatedAt time.Time          `json:"created_at"`
}

// FromTrackingEvent converts an observer event into a storable record
func FromTrackingEvent(ev tracking.Event) *TrackEvent {
	return &TrackEvent{
		Kind:      ev.Kind,
		TrackID:   ev.TrackID,
		Message:   ev.Message,
		Frame:     ev.Frame,
		Timestamp: ev.Timestamp,
	}
}

// ListOptions represents filters for querying events
type ListOptions struct {
	Kind    tracking.EventKind `json:"kind,omitempty"`
	TrackID *int               `json:"track_id,omitempty"`
	Since   time.Time          `json:"since,omitempty"`
	Limit   int                `json:"limit,omitempty"`
	Offset  int                `json:"offset,omitempty"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

package events

import (
	"context"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

const recordTimeout = 2 * time.Second

// Recorder is a tracking.Observer that persists every event
type Recorder struct {
	service *Service
}

// NewRecorder creates a Recorder writing to service
func NewRecorder(service *Service) *Recorder {
	return &Recorder{service: service}
}

// OnTrackEvent implements tracking.Observer
func (r *Recorder) OnTrackEvent(ev tracking.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	return r.service.Create(ctx, FromTrackingEvent(ev))
}

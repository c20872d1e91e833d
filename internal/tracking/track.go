// Package tracking owns the registry of live tracks, drives the risk
// engine for each of them, and notifies observers of lifecycle changes.
package tracking

import (
	"math"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
)

// Track is the lifecycle record of one stable identity
type Track struct {
	ID         int
	Class      detection.ObjectClass
	Box        detection.BoundingBox
	Center     detection.Point
	State      risk.State
	FramesSeen int
	FramesLost int

	assessment risk.Assessment
	previous   *detection.BoundingBox
	velocity   *risk.VelocityWindow
}

func newTrack(det detection.Detection, windowSize int) *Track {
	t := &Track{
		ID:       det.TrackID,
		Class:    det.Class,
		Box:      det.Box,
		Center:   det.Center,
		State:    risk.Safe,
		velocity: risk.NewVelocityWindow(windowSize),
	}
	t.assessment = risk.Assessment{
		Metrics: risk.Metrics{TTC: math.Inf(1)},
		State:   risk.Safe,
		Rule:    risk.RuleClear,
	}
	return t
}

// observe feeds a matched detection through the engine. The box seen on
// the previous observation becomes the reference for the area change.
func (t *Track) observe(det detection.Detection, engine *risk.Engine, frameW, frameH int, fps float64) risk.Assessment {
	t.velocity.Resize(engine.Thresholds().VelocityWindow)

	var previous *detection.BoundingBox
	if t.FramesSeen > 0 {
		prev := t.Box
		previous = &prev
	}

	a := engine.Evaluate(risk.Input{
		Box:         det.Box,
		Center:      det.Center,
		Previous:    previous,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		FPS:         fps,
	}, t.velocity)

	t.previous = previous
	t.Box = det.Box
	t.Center = det.Center
	t.Class = det.Class
	t.FramesSeen++
	t.FramesLost = 0
	t.assessment = a
	t.State = a.State
	return a
}

// Assessment returns the metrics computed on the last update
func (t *Track) Assessment() risk.Assessment {
	return t.assessment
}

// Previous returns the box of the observation before the current one
func (t *Track) Previous() (detection.BoundingBox, bool) {
	if t.previous == nil {
		return detection.BoundingBox{}, false
	}
	return *t.previous, true
}

// VelocitySamples returns the area-velocity history, oldest first
func (t *Track) VelocitySamples() []float64 {
	return t.velocity.Values()
}

// View is a read-only snapshot of a track for renderers and the API
type View struct {
	ID          int                   `json:"id"`
	Class       detection.ObjectClass `json:"class_id"`
	Label       string                `json:"label"`
	Box         detection.BoundingBox `json:"bbox"`
	Center      detection.Point       `json:"center"`
	State       risk.State            `json:"state"`
	Color       string                `json:"color"`
	Rule        string                `json:"rule"`
	Reason      string                `json:"reason,omitempty"`
	TTC         *float64              `json:"ttc"` // null when not closing
	AvgVelocity float64               `json:"avg_velocity"`
	AreaRatio   float64               `json:"area_ratio"`
	InLane      bool                  `json:"in_lane"`
	FramesSeen  int                   `json:"frames_seen"`
	FramesLost  int                   `json:"frames_lost"`
}

// View builds the snapshot view of the track
func (t *Track) View() View {
	a := t.assessment
	v := View{
		ID:          t.ID,
		Class:       t.Class,
		Label:       t.Class.String(),
		Box:         t.Box,
		Center:      t.Center,
		State:       t.State,
		Color:       t.State.Hex(),
		Rule:        a.Rule.String(),
		Reason:      a.Reason,
		AvgVelocity: a.AvgVelocity,
		AreaRatio:   a.AreaRatio,
		InLane:      a.InLane,
		FramesSeen:  t.FramesSeen,
		FramesLost:  t.FramesLost,
	}
	if !math.IsInf(a.TTC, 1) {
		ttc := a.TTC
		v.TTC = &ttc
	}
	return v
}

// Visible reports whether the track was matched on the latest frame
func (v View) Visible() bool {
	return v.FramesLost == 0
}

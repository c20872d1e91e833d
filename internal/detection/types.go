// Package detection holds the per-frame detection records handed to the
// tracking core by the upstream detector
package detection

import (
	"image"
	"math"
)

// ObjectClass is the detector's class identifier (COCO indices)
type ObjectClass int

const (
	ClassPerson     ObjectClass = 0
	ClassCar        ObjectClass = 2
	ClassMotorcycle ObjectClass = 3
	ClassBus        ObjectClass = 5
	ClassTruck      ObjectClass = 7
)

// DefaultClasses are the road-user classes kept by default
var DefaultClasses = []ObjectClass{ClassPerson, ClassCar, ClassMotorcycle, ClassBus, ClassTruck}

// String returns the class label
func (c ObjectClass) String() string {
	switch c {
	case ClassPerson:
		return "person"
	case ClassCar:
		return "car"
	case ClassMotorcycle:
		return "motorcycle"
	case ClassBus:
		return "bus"
	case ClassTruck:
		return "truck"
	default:
		return "unknown"
	}
}

// Point is a pixel coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance calculates the Euclidean distance between two points
func (p Point) Distance(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// BoundingBox is an axis-aligned box in pixel coordinates
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width (negative for inverted boxes)
func (b BoundingBox) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the box height (negative for inverted boxes)
func (b BoundingBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns the signed area of the box. Degenerate or inverted boxes
// yield zero or negative values; callers clamp as needed.
func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// Center returns the center point of the box
func (b BoundingBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect converts the box to an integer image rectangle, truncating like the
// detector's own integer boxes
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection is one object observed in one frame
type Detection struct {
	// TrackID is the detector's provisional identity on input and the
	// stable identity once re-identification has run
	TrackID    int         `json:"id"`
	Class      ObjectClass `json:"class_id"`
	Confidence float64     `json:"confidence,omitempty"`
	Box        BoundingBox `json:"bbox"`
	Center     Point       `json:"center"`
}

// Normalize fills the center from the box when the detector omitted it
func (d *Detection) Normalize() {
	if d.Center == (Point{}) {
		d.Center = d.Box.Center()
	}
}

// Filter keeps detections whose class is in the allowed set. An empty set
// keeps everything.
func Filter(dets []Detection, classes []ObjectClass) []Detection {
	if len(classes) == 0 {
		return dets
	}
	allowed := make(map[ObjectClass]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}

	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if allowed[d.Class] {
			out = append(out, d)
		}
	}
	return out
}

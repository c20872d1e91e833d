package detection

import (
	"image"
	"math"
	"testing"
)

func TestPointDistance(t *testing.T) {
	tests := []struct {
		name     string
		p1, p2   Point
		expected float64
	}{
		{"same point", Point{0, 0}, Point{0, 0}, 0},
		{"horizontal", Point{0, 0}, Point{150, 0}, 150},
		{"3-4-5 triangle", Point{1, 1}, Point{4, 5}, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p1.Distance(tc.p2); math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("Distance = %f, want %f", got, tc.expected)
			}
			if got := tc.p2.Distance(tc.p1); math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("reverse Distance = %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 70}

	if b.Area() != 5000 {
		t.Errorf("Area = %f, want 5000", b.Area())
	}
	if c := b.Center(); c.X != 60 || c.Y != 45 {
		t.Errorf("Center = %v, want (60,45)", c)
	}
	if r := b.Rect(); r != image.Rect(10, 20, 110, 70) {
		t.Errorf("Rect = %v", r)
	}

	inverted := BoundingBox{X1: 10, Y1: 10, X2: 5, Y2: 20}
	if inverted.Area() >= 0 {
		t.Errorf("inverted box area should be negative, got %f", inverted.Area())
	}
}

func TestNormalizeFillsCenter(t *testing.T) {
	d := Detection{Box: BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 50}}
	d.Normalize()
	if d.Center != (Point{X: 50, Y: 25}) {
		t.Errorf("Center = %v, want (50,25)", d.Center)
	}

	d = Detection{Box: BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 50}, Center: Point{X: 1, Y: 2}}
	d.Normalize()
	if d.Center != (Point{X: 1, Y: 2}) {
		t.Errorf("explicit center overwritten: %v", d.Center)
	}
}

func TestFilter(t *testing.T) {
	dets := []Detection{
		{TrackID: 1, Class: ClassCar},
		{TrackID: 2, Class: ObjectClass(9)}, // traffic light
		{TrackID: 3, Class: ClassPerson},
	}

	got := Filter(dets, DefaultClasses)
	if len(got) != 2 || got[0].TrackID != 1 || got[1].TrackID != 3 {
		t.Errorf("Filter = %+v", got)
	}

	if all := Filter(dets, nil); len(all) != 3 {
		t.Errorf("empty class set should keep everything, got %d", len(all))
	}
}

func TestObjectClassString(t *testing.T) {
	if ClassTruck.String() != "truck" {
		t.Errorf("ClassTruck = %q", ClassTruck.String())
	}
	if ObjectClass(42).String() != "unknown" {
		t.Errorf("unknown class = %q", ObjectClass(42).String())
	}
}

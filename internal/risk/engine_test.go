package risk

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

const (
	frameW = 1000
	frameH = 1000
)

// box returns a square of the given side centred on (cx, cy)
func box(cx, cy, side float64) detection.BoundingBox {
	return detection.BoundingBox{X1: cx - side/2, Y1: cy - side/2, X2: cx + side/2, Y2: cy + side/2}
}

func TestClassifyPriority(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	inf := math.Inf(1)

	tests := []struct {
		name  string
		m     Metrics
		state State
		rule  Rule
	}{
		{"a beats b", Metrics{TTC: 1, InLane: true, AvgVelocity: 500, AreaRatio: 0.5}, Danger, RuleImminentCollision},
		{"b without ttc", Metrics{TTC: inf, InLane: true, AvgVelocity: 101, AreaRatio: 0.11}, Danger, RuleFastApproachClose},
		{"b beats c", Metrics{TTC: 4, InLane: true, AvgVelocity: 101, AreaRatio: 0.11}, Danger, RuleFastApproachClose},
		{"c", Metrics{TTC: 5.9, InLane: true, AvgVelocity: 10, AreaRatio: 0.01}, Warning, RuleClosing},
		{"c beats d", Metrics{TTC: 5, InLane: true, AvgVelocity: 200, AreaRatio: 0.01}, Warning, RuleClosing},
		{"d", Metrics{TTC: inf, InLane: true, AvgVelocity: 200, AreaRatio: 0.01}, Warning, RuleFastApproach},
		{"e outside lane", Metrics{TTC: 1, InLane: false, AvgVelocity: 500, AreaRatio: 0.2}, Warning, RuleLargeOutsideLane},
		{"f", Metrics{TTC: inf, InLane: true, AreaRatio: 0.06}, Warning, RuleNearInLane},
		{"g small in lane", Metrics{TTC: inf, InLane: true, AreaRatio: 0.05}, Safe, RuleClear},
		{"g close ttc outside lane", Metrics{TTC: 0.5, InLane: false, AvgVelocity: 500, AreaRatio: 0.1}, Safe, RuleClear},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state, rule := e.Classify(tc.m)
			if state != tc.state || rule != tc.rule {
				t.Errorf("Classify(%+v) = %v/%v, want %v/%v", tc.m, state, rule, tc.state, tc.rule)
			}
			// Same inputs always resolve the same way
			again, againRule := e.Classify(tc.m)
			if again != state || againRule != rule {
				t.Errorf("Classify not deterministic")
			}
		})
	}
}

func TestEvaluateFirstObservationDefaults(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	w := NewVelocityWindow(5)

	// 20% of the frame, centred in the lane, no history: rule f fires at once
	side := math.Sqrt(0.2 * frameW * frameH)
	a := e.Evaluate(Input{
		Box:         box(500, 500, side),
		Center:      detection.Point{X: 500, Y: 500},
		FrameWidth:  frameW,
		FrameHeight: frameH,
		FPS:         30,
	}, w)

	if !math.IsInf(a.TTC, 1) {
		t.Errorf("TTC = %f, want +Inf", a.TTC)
	}
	if a.AvgVelocity != 0 {
		t.Errorf("AvgVelocity = %f, want 0", a.AvgVelocity)
	}
	if w.Len() != 0 {
		t.Errorf("first observation must not push a velocity sample")
	}
	if a.State != Warning || a.Rule != RuleNearInLane {
		t.Errorf("state = %v/%v, want WARNING/f", a.State, a.Rule)
	}

	// Identical position next frame: no velocity, still WARNING by f
	prev := box(500, 500, side)
	a = e.Evaluate(Input{
		Box:         box(500, 500, side),
		Center:      detection.Point{X: 500, Y: 500},
		Previous:    &prev,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		FPS:         30,
	}, w)
	if a.State != Warning || a.Rule != RuleNearInLane {
		t.Errorf("second frame state = %v/%v, want WARNING/f", a.State, a.Rule)
	}
	if !math.IsInf(a.TTC, 1) {
		t.Errorf("zero velocity TTC = %f, want +Inf", a.TTC)
	}
}

func TestEvaluateApproachingObject(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	w := NewVelocityWindow(5)

	prev := box(500, 500, 100) // area 10000
	cur := box(500, 500, 110)  // area 12100, change 2100
	a := e.Evaluate(Input{
		Box:         cur,
		Center:      cur.Center(),
		Previous:    &prev,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		FPS:         30,
	}, w)

	if math.Abs(a.AvgVelocity-2100) > 1e-6 {
		t.Fatalf("AvgVelocity = %f, want 2100", a.AvgVelocity)
	}
	ratio := 12100.0 / (frameW * frameH)
	wantTTC := (1 / ratio / 2100) / 30
	if math.Abs(a.TTC-wantTTC) > 1e-9 {
		t.Errorf("TTC = %f, want %f", a.TTC, wantTTC)
	}
	if a.State != Danger || a.Rule != RuleImminentCollision {
		t.Errorf("state = %v/%v, want DANGER/a", a.State, a.Rule)
	}
	if a.Reason == "" {
		t.Error("danger assessment should carry a reason")
	}
}

func TestEvaluateRecedingObjectNeverNegativeTTC(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	w := NewVelocityWindow(5)

	sides := []float64{200, 190, 180, 185, 170}
	for i := 1; i < len(sides); i++ {
		prev := box(500, 500, sides[i-1])
		cur := box(500, 500, sides[i])
		a := e.Evaluate(Input{
			Box: cur, Center: cur.Center(), Previous: &prev,
			FrameWidth: frameW, FrameHeight: frameH, FPS: 30,
		}, w)
		if a.TTC < 0 {
			t.Fatalf("frame %d: negative TTC %f", i, a.TTC)
		}
		if a.AvgVelocity <= 0 && !math.IsInf(a.TTC, 1) {
			t.Errorf("frame %d: avg %f <= 0 but TTC %f", i, a.AvgVelocity, a.TTC)
		}
	}
}

func TestEvaluateDegenerateBox(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	w := NewVelocityWindow(5)

	inverted := detection.BoundingBox{X1: 600, Y1: 500, X2: 500, Y2: 600}
	a := e.Evaluate(Input{
		Box: inverted, Center: detection.Point{X: 550, Y: 550},
		FrameWidth: frameW, FrameHeight: frameH, FPS: 30,
	}, w)
	if a.AreaRatio != 1e-6 {
		t.Errorf("AreaRatio = %g, want clamp 1e-6", a.AreaRatio)
	}
	if a.State != Safe {
		t.Errorf("state = %v, want SAFE", a.State)
	}

	// Zero-sized frame must not divide by zero
	a = e.Evaluate(Input{Box: box(5, 5, 2), Center: detection.Point{X: 5, Y: 5}}, w)
	if math.IsNaN(a.AreaRatio) || a.AreaRatio <= 0 {
		t.Errorf("AreaRatio with empty frame = %g", a.AreaRatio)
	}
}

func TestEvaluateLaneBoundaryIsStrict(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	for _, x := range []float64{300, 700} {
		a := e.Evaluate(Input{
			Box: box(x, 500, 300), Center: detection.Point{X: x, Y: 500},
			FrameWidth: frameW, FrameHeight: frameH,
		}, NewVelocityWindow(5))
		if a.InLane {
			t.Errorf("center x=%v on the lane edge should be out of lane", x)
		}
	}
}

func TestStateDisplay(t *testing.T) {
	tests := []struct {
		state State
		name  string
		bgr   [3]uint8
		hex   string
	}{
		{Safe, "SAFE", [3]uint8{0, 255, 0}, "#00ff00"},
		{Warning, "WARNING", [3]uint8{0, 255, 255}, "#ffff00"},
		{Danger, "DANGER", [3]uint8{0, 0, 255}, "#ff0000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.state.String() != tc.name {
				t.Errorf("String = %q", tc.state.String())
			}
			if tc.state.BGR() != tc.bgr {
				t.Errorf("BGR = %v, want %v", tc.state.BGR(), tc.bgr)
			}
			if tc.state.Hex() != tc.hex {
				t.Errorf("Hex = %q, want %q", tc.state.Hex(), tc.hex)
			}
			parsed, err := ParseState(tc.name)
			if err != nil || parsed != tc.state {
				t.Errorf("ParseState(%q) = %v, %v", tc.name, parsed, err)
			}
			data, err := json.Marshal(tc.state)
			if err != nil || string(data) != `"`+tc.name+`"` {
				t.Errorf("MarshalJSON = %s, %v", data, err)
			}
			var decoded State
			if err := json.Unmarshal(data, &decoded); err != nil || decoded != tc.state {
				t.Errorf("UnmarshalJSON(%s) = %v, %v", data, decoded, err)
			}
		})
	}

	if _, err := ParseState("PANIC"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Thresholds)
		wantErr bool
	}{
		{"defaults", func(*Thresholds) {}, false},
		{"zero values", func(th *Thresholds) { *th = Thresholds{} }, false},
		{"negative ttc", func(th *Thresholds) { th.DangerTTC = -1 }, true},
		{"danger above warning", func(th *Thresholds) { th.DangerTTC = 7 }, true},
		{"inverted lane", func(th *Thresholds) { th.LaneStart, th.LaneEnd = 0.7, 0.3 }, true},
		{"lane past frame", func(th *Thresholds) { th.LaneEnd = 1.2 }, true},
		{"negative window", func(th *Thresholds) { th.VelocityWindow = -2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			if err := th.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

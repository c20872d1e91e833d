package risk

import (
	"fmt"
	"math"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

// DefaultFPS is assumed when the source does not report a frame rate
const DefaultFPS = 30.0

// Thresholds parameterise the decision table
type Thresholds struct {
	DangerTTC  float64 `yaml:"danger_ttc" json:"danger_ttc"`
	WarningTTC float64 `yaml:"warning_ttc" json:"warning_ttc"`

	// FastApproach is the average area change per frame, in px^2
	FastApproach float64 `yaml:"fast_approach" json:"fast_approach"`

	// CloseAreaRatio applies to rows b and e, NearAreaRatio to row f
	CloseAreaRatio float64 `yaml:"close_area_ratio" json:"close_area_ratio"`
	NearAreaRatio  float64 `yaml:"near_area_ratio" json:"near_area_ratio"`

	// LaneStart and LaneEnd bound the ego lane as fractions of frame width
	LaneStart float64 `yaml:"lane_start" json:"lane_start"`
	LaneEnd   float64 `yaml:"lane_end" json:"lane_end"`

	MinAreaRatio   float64 `yaml:"min_area_ratio" json:"min_area_ratio"`
	VelocityWindow int     `yaml:"velocity_window" json:"velocity_window"`
}

// DefaultThresholds returns the stock decision table
func DefaultThresholds() Thresholds {
	return Thresholds{
		DangerTTC:      3.0,
		WarningTTC:     6.0,
		FastApproach:   100,
		CloseAreaRatio: 0.10,
		NearAreaRatio:  0.05,
		LaneStart:      0.3,
		LaneEnd:        0.7,
		MinAreaRatio:   1e-6,
		VelocityWindow: DefaultWindowSize,
	}
}

// WithDefaults returns t with every zero field replaced by its default.
// Negative values are kept so Validate can report them.
func (t Thresholds) WithDefaults() Thresholds {
	def := DefaultThresholds()
	fill := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	fill(&t.DangerTTC, def.DangerTTC)
	fill(&t.WarningTTC, def.WarningTTC)
	fill(&t.FastApproach, def.FastApproach)
	fill(&t.CloseAreaRatio, def.CloseAreaRatio)
	fill(&t.NearAreaRatio, def.NearAreaRatio)
	fill(&t.MinAreaRatio, def.MinAreaRatio)
	if t.LaneStart == 0 && t.LaneEnd == 0 {
		t.LaneStart, t.LaneEnd = def.LaneStart, def.LaneEnd
	}
	if t.VelocityWindow == 0 {
		t.VelocityWindow = def.VelocityWindow
	}
	return t
}

// Validate rejects threshold sets that would make the table inconsistent.
// Zero values are allowed; NewEngine replaces them with defaults.
func (t Thresholds) Validate() error {
	if t.DangerTTC < 0 || t.WarningTTC < 0 {
		return fmt.Errorf("ttc thresholds must not be negative")
	}
	if t.DangerTTC > 0 && t.WarningTTC > 0 && t.DangerTTC > t.WarningTTC {
		return fmt.Errorf("danger_ttc %v exceeds warning_ttc %v", t.DangerTTC, t.WarningTTC)
	}
	if t.LaneStart < 0 || t.LaneEnd > 1 || (t.LaneEnd > 0 && t.LaneStart >= t.LaneEnd) {
		return fmt.Errorf("lane band [%v, %v] must be an increasing range within [0, 1]", t.LaneStart, t.LaneEnd)
	}
	if t.VelocityWindow < 0 {
		return fmt.Errorf("velocity_window must not be negative: %d", t.VelocityWindow)
	}
	return nil
}

// Metrics are the kinematic quantities the decision table reads
type Metrics struct {
	TTC         float64
	InLane      bool
	AvgVelocity float64
	AreaRatio   float64
}

// Input is one observation of a tracked object
type Input struct {
	Box         detection.BoundingBox
	Center      detection.Point
	Previous    *detection.BoundingBox
	FrameWidth  int
	FrameHeight int
	FPS         float64
}

// Assessment is the outcome of one evaluation
type Assessment struct {
	Metrics
	State  State
	Rule   Rule
	Reason string
}

// Engine evaluates observations against a set of thresholds. It carries no
// per-object state; the velocity window is owned by the caller.
type Engine struct {
	th Thresholds
}

// NewEngine creates an engine, filling unset thresholds with defaults
func NewEngine(th Thresholds) *Engine {
	def := DefaultThresholds()
	if th.DangerTTC <= 0 {
		th.DangerTTC = def.DangerTTC
	}
	if th.WarningTTC <= 0 {
		th.WarningTTC = def.WarningTTC
	}
	if th.FastApproach <= 0 {
		th.FastApproach = def.FastApproach
	}
	if th.CloseAreaRatio <= 0 {
		th.CloseAreaRatio = def.CloseAreaRatio
	}
	if th.NearAreaRatio <= 0 {
		th.NearAreaRatio = def.NearAreaRatio
	}
	if th.LaneStart <= 0 && th.LaneEnd <= 0 {
		th.LaneStart, th.LaneEnd = def.LaneStart, def.LaneEnd
	}
	if th.MinAreaRatio <= 0 {
		th.MinAreaRatio = def.MinAreaRatio
	}
	if th.VelocityWindow <= 0 {
		th.VelocityWindow = def.VelocityWindow
	}
	return &Engine{th: th}
}

// Thresholds returns the engine's thresholds
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// Evaluate computes metrics for the observation, records the area change in
// window when a previous box exists, and resolves the state.
func (e *Engine) Evaluate(in Input, window *VelocityWindow) Assessment {
	frameArea := float64(in.FrameWidth) * float64(in.FrameHeight)
	area := in.Box.Area()

	areaRatio := e.th.MinAreaRatio
	if frameArea > 0 {
		areaRatio = math.Max(area/frameArea, e.th.MinAreaRatio)
	}

	w := float64(in.FrameWidth)
	m := Metrics{
		TTC:       math.Inf(1),
		InLane:    in.Center.X > w*e.th.LaneStart && in.Center.X < w*e.th.LaneEnd,
		AreaRatio: areaRatio,
	}

	if in.Previous != nil {
		window.Push(area - in.Previous.Area())
		m.AvgVelocity = window.Mean()

		fps := in.FPS
		if fps <= 0 {
			fps = DefaultFPS
		}
		if m.AvgVelocity > 0 {
			distance := 1 / areaRatio
			m.TTC = (distance / m.AvgVelocity) / fps
		}
	}

	state, rule := e.Classify(m)
	return Assessment{
		Metrics: m,
		State:   state,
		Rule:    rule,
		Reason:  e.reason(rule, m),
	}
}

// Classify walks the decision table in severity order; the first matching
// row wins.
func (e *Engine) Classify(m Metrics) (State, Rule) {
	fast := m.AvgVelocity > e.th.FastApproach
	large := m.AreaRatio > e.th.CloseAreaRatio

	switch {
	case m.InLane && m.TTC < e.th.DangerTTC:
		return Danger, RuleImminentCollision
	case m.InLane && fast && large:
		return Danger, RuleFastApproachClose
	case m.InLane && m.TTC < e.th.WarningTTC:
		return Warning, RuleClosing
	case m.InLane && fast:
		return Warning, RuleFastApproach
	case !m.InLane && large:
		return Warning, RuleLargeOutsideLane
	case m.InLane && m.AreaRatio > e.th.NearAreaRatio:
		return Warning, RuleNearInLane
	default:
		return Safe, RuleClear
	}
}

func (e *Engine) reason(rule Rule, m Metrics) string {
	switch rule {
	case RuleImminentCollision:
		return fmt.Sprintf("collision imminent: ttc %.1fs in lane", m.TTC)
	case RuleFastApproachClose:
		return fmt.Sprintf("fast approach in lane: %.0f px2/frame at %.0f%% of frame", m.AvgVelocity, m.AreaRatio*100)
	case RuleClosing:
		return fmt.Sprintf("closing in lane: ttc %.1fs", m.TTC)
	case RuleFastApproach:
		return fmt.Sprintf("approaching in lane: %.0f px2/frame", m.AvgVelocity)
	case RuleLargeOutsideLane:
		return fmt.Sprintf("large object beside lane: %.0f%% of frame", m.AreaRatio*100)
	case RuleNearInLane:
		return fmt.Sprintf("object ahead in lane: %.0f%% of frame", m.AreaRatio*100)
	default:
		return "clear"
	}
}

// Package risk estimates per-object collision risk from bounding-box
// kinematics and resolves it into a SAFE/WARNING/DANGER state.
package risk

import (
	"encoding/json"
	"fmt"
	"image/color"
)

// State is the risk tier of a tracked object
type State int

const (
	Safe State = iota
	Warning
	Danger
)

// String returns the display name of the state
func (s State) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case Warning:
		return "WARNING"
	case Danger:
		return "DANGER"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Color returns the display color: green, yellow, red
func (s State) Color() color.RGBA {
	switch s {
	case Warning:
		return color.RGBA{R: 255, G: 255, B: 0, A: 255}
	case Danger:
		return color.RGBA{R: 255, G: 0, B: 0, A: 255}
	default:
		return color.RGBA{R: 0, G: 255, B: 0, A: 255}
	}
}

// BGR returns the color as an OpenCV-style (B, G, R) triple
func (s State) BGR() [3]uint8 {
	c := s.Color()
	return [3]uint8{c.B, c.G, c.R}
}

// Hex returns the color as a #rrggbb string
func (s State) Hex() string {
	c := s.Color()
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name
func ParseState(name string) (State, error) {
	switch name {
	case "SAFE":
		return Safe, nil
	case "WARNING":
		return Warning, nil
	case "DANGER":
		return Danger, nil
	}
	return Safe, fmt.Errorf("unknown risk state: %q", name)
}

// Rule identifies which row of the decision table resolved a state
type Rule byte

const (
	RuleImminentCollision Rule = 'a' // ttc below danger limit, in lane
	RuleFastApproachClose Rule = 'b' // fast approach and large, in lane
	RuleClosing           Rule = 'c' // ttc below warning limit, in lane
	RuleFastApproach      Rule = 'd' // fast approach, in lane
	RuleLargeOutsideLane  Rule = 'e'
	RuleNearInLane        Rule = 'f'
	RuleClear             Rule = 'g'
)

// String returns the rule letter
func (r Rule) String() string {
	return string(rune(r))
}

package tracking

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
)

// Eviction policies
const (
	// EvictGrace keeps a track until it has been missing for more than
	// MaxFramesLost consecutive frames
	EvictGrace = "grace"
	// EvictImmediate drops a track on the first frame it is missing
	EvictImmediate = "immediate"
)

// DefaultMaxFramesLost is the grace window used by EvictGrace
const DefaultMaxFramesLost = 15

// Config controls track eviction
type Config struct {
	EvictionPolicy string `yaml:"eviction_policy" json:"eviction_policy"`
	MaxFramesLost  int    `yaml:"max_frames_lost" json:"max_frames_lost"`
}

// DefaultConfig returns the grace-window policy with a 15 frame horizon
func DefaultConfig() Config {
	return Config{
		EvictionPolicy: EvictGrace,
		MaxFramesLost:  DefaultMaxFramesLost,
	}
}

// Validate checks the policy name and horizon
func (c Config) Validate() error {
	switch c.EvictionPolicy {
	case "", EvictGrace, EvictImmediate:
	default:
		return fmt.Errorf("unknown eviction policy %q", c.EvictionPolicy)
	}
	if c.MaxFramesLost < 0 {
		return fmt.Errorf("max_frames_lost must not be negative: %d", c.MaxFramesLost)
	}
	return nil
}

// evictAfter returns the frames-lost count a track may reach and survive
func (c Config) evictAfter() int {
	if c.EvictionPolicy == EvictImmediate {
		return 0
	}
	return c.MaxFramesLost
}

// Manager owns the live tracks. It is not safe for concurrent use; the
// caller serializes frames.
type Manager struct {
	cfg       Config
	engine    *risk.Engine
	tracks    map[int]*Track
	observers []Observer
	logger    *slog.Logger
	frame     uint64
	now       func() time.Time
}

// NewManager creates a manager evaluating tracks with engine
func NewManager(cfg Config, engine *risk.Engine, logger *slog.Logger) *Manager {
	if engine == nil {
		engine = risk.NewEngine(risk.DefaultThresholds())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		engine: engine,
		tracks: make(map[int]*Track),
		logger: logger.With("component", "track_manager"),
		now:    time.Now,
	}
}

// Attach registers an observer. Observers are called in attachment order.
func (m *Manager) Attach(o Observer) {
	m.observers = append(m.observers, o)
}

// SetEngine swaps the risk engine; tracks are re-evaluated on their next update
func (m *Manager) SetEngine(engine *risk.Engine) {
	m.engine = engine
}

// SetConfig replaces the eviction settings
func (m *Manager) SetConfig(cfg Config) {
	m.cfg = cfg
}

// Frame returns the number of frames processed
func (m *Manager) Frame() uint64 {
	return m.frame
}

// Len returns the number of live tracks
func (m *Manager) Len() int {
	return len(m.tracks)
}

// Get returns the view of a live track
func (m *Manager) Get(id int) (View, bool) {
	t, ok := m.tracks[id]
	if !ok {
		return View{}, false
	}
	return t.View(), true
}

// Update applies one frame of detections, which must already carry stable
// identities. Tracks missing from the frame age by one frame and are evicted
// once past the configured horizon.
func (m *Manager) Update(dets []detection.Detection, frameW, frameH int, fps float64) {
	m.frame++
	seen := make(map[int]bool, len(dets))

	for _, det := range dets {
		if seen[det.TrackID] {
			m.logger.Warn("Duplicate track id in frame, ignoring detection",
				"track_id", det.TrackID, "frame", m.frame)
			continue
		}
		seen[det.TrackID] = true

		track, exists := m.tracks[det.TrackID]
		if !exists {
			track = newTrack(det, m.engine.Thresholds().VelocityWindow)
			a := track.observe(det, m.engine, frameW, frameH, fps)
			m.tracks[det.TrackID] = track
			m.logger.Debug("Track created", "track_id", det.TrackID, "class", det.Class.String(), "state", a.State.String())
			m.notify(EventNewTrack, det.TrackID, "")
			continue
		}

		before := track.State
		a := track.observe(det, m.engine, frameW, frameH, fps)
		if a.State != before {
			m.logger.Info("Risk state changed",
				"track_id", det.TrackID,
				"from", before.String(),
				"to", a.State.String(),
				"rule", a.Rule.String(),
			)
		}
		if a.State == risk.Danger && before != risk.Danger {
			m.notify(EventDanger, det.TrackID, a.Reason)
		}
	}

	limit := m.cfg.evictAfter()
	for _, id := range m.sortedIDs() {
		if seen[id] {
			continue
		}
		track := m.tracks[id]
		track.FramesLost++
		if track.FramesLost > limit {
			delete(m.tracks, id)
			m.notify(EventLostTrack, id, "")
		}
	}
}

// Snapshot returns views of all live tracks ordered by id. Tracks inside
// the grace window are included with a non-zero FramesLost.
func (m *Manager) Snapshot() []View {
	views := make([]View, 0, len(m.tracks))
	for _, id := range m.sortedIDs() {
		views = append(views, m.tracks[id].View())
	}
	return views
}

func (m *Manager) sortedIDs() []int {
	ids := make([]int, 0, len(m.tracks))
	for id := range m.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// notify delivers an event to every observer in order. A failing or
// panicking observer is logged and skipped so the rest still run.
func (m *Manager) notify(kind EventKind, id int, message string) {
	ev := Event{
		Kind:      kind,
		TrackID:   id,
		Message:   message,
		Frame:     m.frame,
		Timestamp: m.now(),
	}
	for i, o := range m.observers {
		m.deliver(i, o, ev)
	}
}

func (m *Manager) deliver(index int, o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Observer panicked", "observer", index, "event", string(ev.Kind), "track_id", ev.TrackID, "panic", r)
		}
	}()
	if err := o.OnTrackEvent(ev); err != nil {
		m.logger.Warn("Observer failed", "observer", index, "event", string(ev.Kind), "track_id", ev.TrackID, "error", err)
	}
}

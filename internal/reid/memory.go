// Package reid keeps a short-term visual memory of recently seen objects so
// that an object the upstream detector loses and re-issues under a new
// identity can be given its previous identity back.
package reid

import (
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

// Config tunes recovery matching
type Config struct {
	// MaxDistance is how far, in pixels, an object may move while lost
	MaxDistance float64 `yaml:"max_distance" json:"max_distance"`

	// MinSimilarity is the lowest histogram correlation accepted
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`

	// MaxFramesLost is how many frames a vanished object is remembered
	MaxFramesLost int `yaml:"max_frames_to_remember" json:"max_frames_to_remember"`

	HueBins        int `yaml:"hue_bins" json:"hue_bins"`
	SaturationBins int `yaml:"saturation_bins" json:"saturation_bins"`
}

// DefaultConfig returns the stock recovery parameters
func DefaultConfig() Config {
	return Config{
		MaxDistance:    150,
		MinSimilarity:  0.50,
		MaxFramesLost:  60,
		HueBins:        DefaultHueBins,
		SaturationBins: DefaultSaturationBins,
	}
}

// Validate checks the parameters are usable
func (c Config) Validate() error {
	if c.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive: %v", c.MaxDistance)
	}
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be within [-1, 1]: %v", c.MinSimilarity)
	}
	if c.MaxFramesLost < 0 {
		return fmt.Errorf("max_frames_to_remember must not be negative: %d", c.MaxFramesLost)
	}
	if c.HueBins <= 0 || c.SaturationBins <= 0 {
		return fmt.Errorf("histogram bins must be positive: %dx%d", c.HueBins, c.SaturationBins)
	}
	return nil
}

type record struct {
	id         int
	signature  *Signature
	center     detection.Point
	framesLost int
}

// RecordInfo describes a remembered object
type RecordInfo struct {
	ID         int             `json:"id"`
	Center     detection.Point `json:"center"`
	FramesLost int             `json:"frames_lost"`
}

// Recovery describes one identity handed back to a detection
type Recovery struct {
	ProvisionalID int     `json:"provisional_id"`
	StableID      int     `json:"stable_id"`
	Similarity    float64 `json:"similarity"`
	Distance      float64 `json:"distance"`
	Score         float64 `json:"score"`
}

// Result is the outcome of reconciling one frame
type Result struct {
	// Detections are copies of the input carrying stable identities
	Detections []detection.Detection
	Recovered  []Recovery
}

// Memory is the visual memory store. It is not safe for concurrent use.
type Memory struct {
	cfg     Config
	records map[int]*record
	logger  *slog.Logger
}

// NewMemory creates an empty memory
func NewMemory(cfg Config, logger *slog.Logger) *Memory {
	def := DefaultConfig()
	if cfg.HueBins <= 0 {
		cfg.HueBins = def.HueBins
	}
	if cfg.SaturationBins <= 0 {
		cfg.SaturationBins = def.SaturationBins
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = def.MaxDistance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		cfg:     cfg,
		records: make(map[int]*record),
		logger:  logger.With("component", "reid"),
	}
}

// SetConfig replaces the matching parameters. Changing the histogram
// geometry invalidates every stored signature, so the memory is cleared.
func (m *Memory) SetConfig(cfg Config) {
	if cfg.HueBins != m.cfg.HueBins || cfg.SaturationBins != m.cfg.SaturationBins {
		m.clear()
	}
	m.cfg = cfg
}

// Len returns the number of remembered objects
func (m *Memory) Len() int {
	return len(m.records)
}

// Lookup returns the record for a stable identity
func (m *Memory) Lookup(id int) (RecordInfo, bool) {
	r, ok := m.records[id]
	if !ok {
		return RecordInfo{}, false
	}
	return RecordInfo{ID: r.id, Center: r.center, FramesLost: r.framesLost}, true
}

// Age advances every record by one lost frame and forgets those past the
// memory horizon. Call once per frame before Reconcile.
func (m *Memory) Age() {
	for id, r := range m.records {
		r.framesLost++
		if r.framesLost > m.cfg.MaxFramesLost {
			r.signature.Close()
			delete(m.records, id)
			m.logger.Debug("Forgot object", "track_id", id)
		}
	}
}

// Refresh stores the current appearance and position of id, replacing any
// earlier signature. It returns false, leaving the record untouched, when
// crop is empty.
func (m *Memory) Refresh(id int, crop image.Image, center detection.Point) bool {
	sig, ok := ExtractSignature(crop, m.cfg.HueBins, m.cfg.SaturationBins)
	if !ok {
		return false
	}
	m.store(id, sig, center)
	return true
}

func (m *Memory) store(id int, sig *Signature, center detection.Point) {
	if r, ok := m.records[id]; ok {
		if r.signature != sig {
			r.signature.Close()
		}
		r.signature = sig
		r.center = center
		r.framesLost = 0
		return
	}
	m.records[id] = &record{id: id, signature: sig, center: center}
}

type candidate struct {
	det        int
	id         int
	similarity float64
	distance   float64
	score      float64
}

// Reconcile assigns stable identities to one frame of detections.
//
// Detections whose identity is already remembered keep it. The rest may
// recover the identity of a lost record that is close enough and looks
// alike; all pairs are ranked by score (ties to the lowest identity) and
// granted greedily, so no identity is handed to two detections in a frame.
// Every detection with a usable crop then refreshes its record.
func (m *Memory) Reconcile(dets []detection.Detection, frame image.Image) Result {
	out := make([]detection.Detection, len(dets))
	copy(out, dets)

	sigs := make([]*Signature, len(out))
	for i := range out {
		if sig, ok := ExtractSignature(Crop(frame, out[i].Box), m.cfg.HueBins, m.cfg.SaturationBins); ok {
			sigs[i] = sig
		}
	}

	claimed := make(map[int]bool, len(out))
	var pending []int
	for i, d := range out {
		if _, ok := m.records[d.TrackID]; ok && !claimed[d.TrackID] {
			claimed[d.TrackID] = true
			continue
		}
		pending = append(pending, i)
	}

	var cands []candidate
	for _, i := range pending {
		if sigs[i] == nil {
			continue
		}
		for id, r := range m.records {
			if r.framesLost < 1 || claimed[id] || r.signature == nil {
				continue
			}
			dist := r.center.Distance(out[i].Center)
			if dist > m.cfg.MaxDistance {
				continue
			}
			sim := r.signature.Similarity(sigs[i])
			if sim < m.cfg.MinSimilarity {
				continue
			}
			cands = append(cands, candidate{
				det:        i,
				id:         id,
				similarity: sim,
				distance:   dist,
				score:      sim + (1 - dist/m.cfg.MaxDistance),
			})
		}
	}

	sort.Slice(cands, func(a, b int) bool {
		if cands[a].score != cands[b].score {
			return cands[a].score > cands[b].score
		}
		if cands[a].id != cands[b].id {
			return cands[a].id < cands[b].id
		}
		return cands[a].det < cands[b].det
	})

	var recovered []Recovery
	assigned := make(map[int]bool, len(pending))
	for _, c := range cands {
		if claimed[c.id] || assigned[c.det] {
			continue
		}
		claimed[c.id] = true
		assigned[c.det] = true

		rec := Recovery{
			ProvisionalID: out[c.det].TrackID,
			StableID:      c.id,
			Similarity:    c.similarity,
			Distance:      c.distance,
			Score:         c.score,
		}
		recovered = append(recovered, rec)
		out[c.det].TrackID = c.id

		m.logger.Info("Identity recovered",
			"provisional_id", rec.ProvisionalID,
			"track_id", rec.StableID,
			"score", rec.Score,
		)
	}

	for i, sig := range sigs {
		if sig != nil {
			m.store(out[i].TrackID, sig, out[i].Center)
		}
	}

	return Result{Detections: out, Recovered: recovered}
}

// Close releases every stored signature
func (m *Memory) Close() {
	m.clear()
}

func (m *Memory) clear() {
	for id, r := range m.records {
		r.signature.Close()
		delete(m.records, id)
	}
}

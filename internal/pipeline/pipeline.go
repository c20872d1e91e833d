// Package pipeline runs one frame through re-identification and track
// lifecycle management, and feeds frames to it from the event bus.
package pipeline

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/reid"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// Frame is one unit of detector output
type Frame struct {
	Detections []detection.Detection
	Width      int
	Height     int
	FPS        float64

	// Image is the decoded frame; nil disables re-identification for it
	Image image.Image
}

// Result is what Process produced for a frame
type Result struct {
	Frame     uint64          `json:"frame"`
	Tracks    []tracking.View `json:"tracks"`
	Recovered []reid.Recovery `json:"recovered,omitempty"`
	Elapsed   time.Duration   `json:"-"`
}

// FrameRecorder receives per-frame statistics
type FrameRecorder interface {
	ObserveFrame(detections, recovered int, snapshot []tracking.View, elapsed time.Duration)
}

// Pipeline owns the visual memory and the track manager and serializes
// access to both
type Pipeline struct {
	mu       sync.Mutex
	memory   *reid.Memory
	manager  *tracking.Manager
	recorder FrameRecorder
	last     Result
	logger   *slog.Logger
}

// Options configures a Pipeline
type Options struct {
	Tracking tracking.Config
	Risk     risk.Thresholds
	ReID     reid.Config
	Recorder FrameRecorder
	Logger   *slog.Logger
}

// New creates a Pipeline
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		memory:   reid.NewMemory(opts.ReID, logger),
		manager:  tracking.NewManager(opts.Tracking, risk.NewEngine(opts.Risk), logger),
		recorder: opts.Recorder,
		last:     Result{Tracks: []tracking.View{}},
		logger:   logger.With("component", "pipeline"),
	}
}

// Attach registers a track event observer
func (p *Pipeline) Attach(o tracking.Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager.Attach(o)
}

// Process ages the visual memory, reconciles identities and updates tracks.
// Frames without dimensions take them from the image.
func (p *Pipeline) Process(f Frame) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	if (f.Width <= 0 || f.Height <= 0) && f.Image != nil {
		b := f.Image.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	if f.FPS <= 0 {
		f.FPS = risk.DefaultFPS
	}

	p.memory.Age()
	reconciled := p.memory.Reconcile(f.Detections, f.Image)
	p.manager.Update(reconciled.Detections, f.Width, f.Height, f.FPS)

	res := Result{
		Frame:     p.manager.Frame(),
		Tracks:    p.manager.Snapshot(),
		Recovered: reconciled.Recovered,
		Elapsed:   time.Since(start),
	}
	p.last = res

	if p.recorder != nil {
		p.recorder.ObserveFrame(len(f.Detections), len(res.Recovered), res.Tracks, res.Elapsed)
	}
	p.logger.Debug("Frame processed",
		"frame", res.Frame,
		"detections", len(f.Detections),
		"tracks", len(res.Tracks),
		"recovered", len(res.Recovered),
		"elapsed", res.Elapsed)
	return res
}

// Last returns the result of the most recent frame
func (p *Pipeline) Last() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.last
	res.Tracks = append([]tracking.View{}, p.last.Tracks...)
	return res
}

// Remembered returns the number of objects held in visual memory
func (p *Pipeline) Remembered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory.Len()
}

// Apply swaps in new tuning between frames. Live tracks keep their state
// and velocity history.
func (p *Pipeline) Apply(tc tracking.Config, th risk.Thresholds, rc reid.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager.SetConfig(tc)
	p.manager.SetEngine(risk.NewEngine(th))
	p.memory.SetConfig(rc)
	p.logger.Info("Pipeline configuration applied",
		"eviction_policy", tc.EvictionPolicy,
		"max_frames_lost", tc.MaxFramesLost,
		"danger_ttc", th.DangerTTC,
		"max_distance", rc.MaxDistance)
}

// Close releases the visual memory
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory.Close()
}

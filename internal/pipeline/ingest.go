package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SafeDrive/internal/core"
	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

// FrameMessage is the JSON payload published on the frames subject
type FrameMessage struct {
	Timestamp  time.Time             `json:"timestamp,omitempty"`
	Width      int                   `json:"width,omitempty"`
	Height     int                   `json:"height,omitempty"`
	FPS        float64               `json:"fps,omitempty"`
	Detections []detection.Detection `json:"detections"`

	// Image holds JPEG or PNG bytes, base64 encoded in JSON
	Image []byte `json:"image,omitempty"`
}

// TrackMessage is published on the tracks subject after every frame
type TrackMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Result
}

// ErrorCounter counts rejected messages by reason
type ErrorCounter interface {
	IngestError(reason string)
}

// IngestOptions configures an Ingestor
type IngestOptions struct {
	Subject    string
	Queue      string
	Classes    []detection.ObjectClass
	DefaultFPS float64
	Errors     ErrorCounter
	Logger     *slog.Logger
}

// Ingestor subscribes to frame messages and runs them through a Pipeline
type Ingestor struct {
	bus      *core.EventBus
	pipeline *Pipeline
	opts     IngestOptions
	errs     ErrorCounter
	logger   *slog.Logger

	mu      sync.RWMutex
	classes []detection.ObjectClass
	fps     float64
	sub     *nats.Subscription
}

// NewIngestor creates an Ingestor; call Start to subscribe
func NewIngestor(bus *core.EventBus, p *Pipeline, opts IngestOptions) *Ingestor {
	if opts.Subject == "" {
		opts.Subject = core.SubjectFrames
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		bus:      bus,
		pipeline: p,
		opts:     opts,
		errs:     opts.Errors,
		logger:   logger.With("component", "ingest"),
		classes:  opts.Classes,
		fps:      opts.DefaultFPS,
	}
}

// Start subscribes to the frames subject. With a queue group, several
// processes can share one stream without double counting.
func (in *Ingestor) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if in.opts.Queue != "" {
		sub, err = in.bus.QueueSubscribe(in.opts.Subject, in.opts.Queue, in.handle)
	} else {
		sub, err = in.bus.Subscribe(in.opts.Subject, in.handle)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", in.opts.Subject, err)
	}

	in.mu.Lock()
	in.sub = sub
	in.mu.Unlock()

	in.logger.Info("Ingest started", "subject", in.opts.Subject, "queue", in.opts.Queue)
	return nil
}

// Stop unsubscribes
func (in *Ingestor) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sub != nil {
		_ = in.sub.Unsubscribe()
		in.sub = nil
	}
}

// SetClasses replaces the class filter
func (in *Ingestor) SetClasses(classes []detection.ObjectClass, defaultFPS float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.classes = append([]detection.ObjectClass(nil), classes...)
	in.fps = defaultFPS
}

func (in *Ingestor) handle(msg *nats.Msg) {
	out, err := in.HandleMessage(msg.Data)
	if err != nil {
		in.logger.Warn("Dropping frame message", "subject", msg.Subject, "error", err)
		return
	}

	payload, err := json.Marshal(out)
	if err != nil {
		in.logger.Error("Failed to encode track message", "error", err)
		return
	}
	if err := in.bus.PublishRaw(core.SubjectTracks, payload); err != nil {
		in.logger.Error("Failed to publish tracks", "error", err)
	}
	if msg.Reply != "" {
		if err := msg.Respond(payload); err != nil {
			in.logger.Warn("Failed to reply with tracks", "error", err)
		}
	}
}

var errNoDimensions = errors.New("frame has neither dimensions nor an image")

// HandleMessage decodes one frame message and processes it
func (in *Ingestor) HandleMessage(data []byte) (*TrackMessage, error) {
	var fm FrameMessage
	if err := json.Unmarshal(data, &fm); err != nil {
		in.countError("decode")
		return nil, fmt.Errorf("invalid frame message: %w", err)
	}

	in.mu.RLock()
	classes, fps := in.classes, in.fps
	in.mu.RUnlock()

	frame := Frame{
		Width:  fm.Width,
		Height: fm.Height,
		FPS:    fm.FPS,
	}
	if frame.FPS <= 0 {
		frame.FPS = fps
	}

	if len(fm.Image) > 0 {
		img, format, err := image.Decode(bytes.NewReader(fm.Image))
		if err != nil {
			// Tracking still works without pixels; only recovery is lost
			in.countError("image")
			in.logger.Warn("Failed to decode frame image", "error", err)
		} else {
			frame.Image = img
			in.logger.Debug("Decoded frame image", "format", format, "bounds", img.Bounds())
		}
	}

	if (frame.Width <= 0 || frame.Height <= 0) && frame.Image == nil {
		in.countError("dimensions")
		return nil, errNoDimensions
	}

	dets := detection.Filter(fm.Detections, classes)
	for i := range dets {
		dets[i].Normalize()
	}
	frame.Detections = dets

	ts := fm.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &TrackMessage{Timestamp: ts, Result: in.pipeline.Process(frame)}, nil
}

func (in *Ingestor) countError(reason string) {
	if in.errs != nil {
		in.errs.IngestError(reason)
	}
}

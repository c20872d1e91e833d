package pipeline

import (
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/reid"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

var red = color.RGBA{R: 220, G: 20, B: 20, A: 255}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func box(cx, cy float64) detection.BoundingBox {
	return detection.BoundingBox{X1: cx - 20, Y1: cy - 20, X2: cx + 20, Y2: cy + 20}
}

// redFrame paints a red 40x40 object centered at (cx, cy) on a black frame
// and returns it with a detection carrying provisional id
func redFrame(id int, cx, cy float64) Frame {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	b := box(cx, cy)
	draw.Draw(img, b.Rect(), &image.Uniform{C: red}, image.Point{}, draw.Src)
	return Frame{
		Detections: []detection.Detection{{TrackID: id, Class: detection.ClassCar, Box: b, Center: detection.Point{X: cx, Y: cy}}},
		Width:      640,
		Height:     480,
		FPS:        30,
		Image:      img,
	}
}

type recordedFrame struct {
	detections, recovered, tracks int
}

type fakeRecorder struct {
	frames []recordedFrame
}

func (f *fakeRecorder) ObserveFrame(detections, recovered int, snapshot []tracking.View, _ time.Duration) {
	f.frames = append(f.frames, recordedFrame{detections, recovered, len(snapshot)})
}

func newTestPipeline(rec FrameRecorder) *Pipeline {
	return New(Options{
		Tracking: tracking.DefaultConfig(),
		Risk:     risk.DefaultThresholds(),
		ReID:     reid.DefaultConfig(),
		Recorder: rec,
		Logger:   quietLogger(),
	})
}

func TestProcessRecoversReissuedIdentity(t *testing.T) {
	rec := &fakeRecorder{}
	p := newTestPipeline(rec)
	defer p.Close()

	var kinds []tracking.EventKind
	p.Attach(tracking.ObserverFunc(func(ev tracking.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}))

	first := p.Process(redFrame(1, 320, 240))
	if len(first.Tracks) != 1 || first.Tracks[0].ID != 1 {
		t.Fatalf("first frame tracks = %+v", first.Tracks)
	}

	// The detector reissues the same object as id 7 a few pixels away
	second := p.Process(redFrame(7, 330, 240))
	if len(second.Recovered) != 1 {
		t.Fatalf("expected one recovery, got %+v", second.Recovered)
	}
	if r := second.Recovered[0]; r.ProvisionalID != 7 || r.StableID != 1 {
		t.Errorf("recovery = %+v, want 7 -> 1", r)
	}
	if len(second.Tracks) != 1 || second.Tracks[0].ID != 1 || second.Tracks[0].FramesSeen != 2 {
		t.Errorf("second frame tracks = %+v", second.Tracks)
	}
	if second.Frame != 2 {
		t.Errorf("Frame = %d, want 2", second.Frame)
	}

	if diff := cmp.Diff([]tracking.EventKind{tracking.EventNewTrack}, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	want := []recordedFrame{{1, 0, 1}, {1, 1, 1}}
	if diff := cmp.Diff(want, rec.frames, cmp.AllowUnexported(recordedFrame{})); diff != "" {
		t.Errorf("recorder mismatch (-want +got):\n%s", diff)
	}
	if p.Remembered() != 1 {
		t.Errorf("Remembered = %d, want 1", p.Remembered())
	}
}

func TestProcessWithoutImageStillTracks(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()

	f := redFrame(3, 320, 240)
	f.Image = nil
	f.FPS = 0

	res := p.Process(f)
	if len(res.Tracks) != 1 || res.Tracks[0].ID != 3 {
		t.Fatalf("tracks = %+v", res.Tracks)
	}
	if p.Remembered() != 0 {
		t.Errorf("nothing should be remembered without pixels, got %d", p.Remembered())
	}
}

func TestProcessTakesDimensionsFromImage(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()

	f := redFrame(1, 320, 240)
	f.Width, f.Height = 0, 0

	res := p.Process(f)
	// 40x40 box over 640x480 frame
	if got := res.Tracks[0].AreaRatio; got != 1600.0/(640*480) {
		t.Errorf("AreaRatio = %v", got)
	}
}

func TestApplySwitchesEvictionPolicy(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()

	p.Process(redFrame(1, 320, 240))
	if res := p.Process(Frame{Width: 640, Height: 480}); len(res.Tracks) != 1 {
		t.Fatalf("grace policy should keep the track, got %d", len(res.Tracks))
	}

	p.Apply(tracking.Config{EvictionPolicy: tracking.EvictImmediate}, risk.DefaultThresholds(), reid.DefaultConfig())
	if res := p.Process(Frame{Width: 640, Height: 480}); len(res.Tracks) != 0 {
		t.Errorf("immediate policy should evict, got %d tracks", len(res.Tracks))
	}
}

func TestLastReturnsCopy(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()

	if got := p.Last(); got.Tracks == nil || len(got.Tracks) != 0 {
		t.Errorf("initial Last should be an empty, non-nil snapshot: %+v", got)
	}

	p.Process(redFrame(2, 320, 240))
	last := p.Last()
	last.Tracks[0].ID = 99

	if p.Last().Tracks[0].ID != 2 {
		t.Error("Last must not expose internal state")
	}
}

package pipeline

import (
	"bytes"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SafeDrive/internal/core"
	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

type fakeErrors struct {
	reasons []string
}

func (f *fakeErrors) IngestError(reason string) {
	f.reasons = append(f.reasons, reason)
}

func encodeFrame(t *testing.T, f Frame, withImage bool) []byte {
	t.Helper()
	msg := FrameMessage{
		Width:      f.Width,
		Height:     f.Height,
		FPS:        f.FPS,
		Detections: f.Detections,
	}
	if withImage {
		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Image); err != nil {
			t.Fatalf("png encode: %v", err)
		}
		msg.Image = buf.Bytes()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleMessage(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()
	errs := &fakeErrors{}
	in := NewIngestor(nil, p, IngestOptions{Classes: detection.DefaultClasses, DefaultFPS: 30, Errors: errs, Logger: quietLogger()})

	f := redFrame(4, 320, 240)
	f.Detections = append(f.Detections, detection.Detection{
		TrackID: 5,
		Class:   1, // bicycle, not in the default set
		Box:     box(100, 100),
	})
	f.Width, f.Height = 0, 0

	out, err := in.HandleMessage(encodeFrame(t, f, true))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(out.Tracks) != 1 || out.Tracks[0].ID != 4 {
		t.Fatalf("tracks = %+v", out.Tracks)
	}
	if out.Tracks[0].Center != (detection.Point{X: 320, Y: 240}) {
		t.Errorf("center = %+v", out.Tracks[0].Center)
	}
	if p.Remembered() != 1 {
		t.Errorf("decoded image should feed visual memory, remembered %d", p.Remembered())
	}
	if out.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if len(errs.reasons) != 0 {
		t.Errorf("unexpected errors: %v", errs.reasons)
	}
}

func TestHandleMessageFillsCenter(t *testing.T) {
	p := newTestPipeline(nil)
	defer p.Close()
	in := NewIngestor(nil, p, IngestOptions{Logger: quietLogger()})

	data := []byte(`{"width":640,"height":480,"detections":[{"id":1,"class_id":2,"bbox":{"x1":100,"y1":100,"x2":140,"y2":120}}]}`)
	out, err := in.HandleMessage(data)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.Tracks[0].Center; got != (detection.Point{X: 120, Y: 110}) {
		t.Errorf("center = %+v, want (120,110)", got)
	}
}

func TestHandleMessageErrors(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantReason []string
	}{
		{"invalid json", `{"detections":`, []string{"decode"}},
		{"no dimensions", `{"detections":[]}`, []string{"dimensions"}},
		{"bad image without dimensions", `{"detections":[],"image":"bm90IGFuIGltYWdl"}`, []string{"image", "dimensions"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(nil)
			defer p.Close()
			errs := &fakeErrors{}
			in := NewIngestor(nil, p, IngestOptions{Errors: errs, Logger: quietLogger()})

			if _, err := in.HandleMessage([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
			if len(errs.reasons) != len(tt.wantReason) {
				t.Fatalf("reasons = %v, want %v", errs.reasons, tt.wantReason)
			}
			for i := range tt.wantReason {
				if errs.reasons[i] != tt.wantReason[i] {
					t.Errorf("reasons = %v, want %v", errs.reasons, tt.wantReason)
				}
			}
		})
	}
}

func TestIngestorOverEventBus(t *testing.T) {
	cfg := core.DefaultEventBusConfig()
	cfg.Port = -1
	bus, err := core.NewEventBus(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	defer bus.Stop()

	p := newTestPipeline(nil)
	defer p.Close()
	in := NewIngestor(bus, p, IngestOptions{Queue: "test", Logger: quietLogger()})
	if err := in.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop()

	got := make(chan TrackMessage, 1)
	if _, err := bus.Subscribe(core.SubjectTracks, func(msg *nats.Msg) {
		var tm TrackMessage
		if err := json.Unmarshal(msg.Data, &tm); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		got <- tm
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reply, err := bus.Conn().Request(core.SubjectFrames, encodeFrame(t, redFrame(9, 320, 240), true), 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var direct TrackMessage
	if err := json.Unmarshal(reply.Data, &direct); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if direct.Frame != 1 || len(direct.Tracks) != 1 {
		t.Errorf("reply = %+v", direct)
	}

	select {
	case tm := <-got:
		if len(tm.Tracks) != 1 || tm.Tracks[0].ID != 9 {
			t.Errorf("published tracks = %+v", tm.Tracks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tracks")
	}
}

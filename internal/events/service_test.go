package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Spatial-NVR/SafeDrive/internal/database"
	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func seed(t *testing.T, s *Service, events ...tracking.Event) []*TrackEvent {
	t.Helper()
	var out []*TrackEvent
	for _, ev := range events {
		te := FromTrackingEvent(ev)
		if err := s.Create(context.Background(), te); err != nil {
			t.Fatalf("Create: %v", err)
		}
		out = append(out, te)
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	s := NewService(setupTestDB(t))
	ts := time.UnixMilli(1_700_000_000_123)

	stored := seed(t, s, tracking.Event{
		Kind:      tracking.EventDanger,
		TrackID:   7,
		Message:   "ttc 1.20s in lane",
		Frame:     42,
		Timestamp: ts,
	})[0]

	if stored.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.Get(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := &TrackEvent{
		ID:        stored.ID,
		Kind:      tracking.EventDanger,
		TrackID:   7,
		Message:   "ttc 1.20s in lane",
		Frame:     42,
		Timestamp: ts,
		CreatedAt: time.UnixMilli(stored.CreatedAt.UnixMilli()),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
}

func TestGetNotFound(t *testing.T) {
	s := NewService(setupTestDB(t))
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := NewService(setupTestDB(t))
	base := time.UnixMilli(1_700_000_000_000)
	seed(t, s,
		tracking.Event{Kind: tracking.EventNewTrack, TrackID: 1, Frame: 1, Timestamp: base},
		tracking.Event{Kind: tracking.EventNewTrack, TrackID: 2, Frame: 1, Timestamp: base.Add(time.Millisecond)},
		tracking.Event{Kind: tracking.EventDanger, TrackID: 1, Frame: 5, Timestamp: base.Add(2 * time.Millisecond)},
		tracking.Event{Kind: tracking.EventLostTrack, TrackID: 2, Frame: 20, Timestamp: base.Add(3 * time.Millisecond)},
	)
	one := 1

	tests := []struct {
		name      string
		opts      ListOptions
		wantTotal int
		wantKinds []tracking.EventKind
	}{
		{"all newest first", ListOptions{}, 4, []tracking.EventKind{tracking.EventLostTrack, tracking.EventDanger, tracking.EventNewTrack, tracking.EventNewTrack}},
		{"by kind", ListOptions{Kind: tracking.EventNewTrack}, 2, []tracking.EventKind{tracking.EventNewTrack, tracking.EventNewTrack}},
		{"by track", ListOptions{TrackID: &one}, 2, []tracking.EventKind{tracking.EventDanger, tracking.EventNewTrack}},
		{"paged", ListOptions{Limit: 1, Offset: 1}, 4, []tracking.EventKind{tracking.EventDanger}},
		{"since", ListOptions{Since: base.Add(2 * time.Millisecond)}, 2, []tracking.EventKind{tracking.EventLostTrack, tracking.EventDanger}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := s.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			var kinds []tracking.EventKind
			for _, ev := range got {
				kinds = append(kinds, ev.Kind)
			}
			if diff := cmp.Diff(tt.wantKinds, kinds); diff != "" {
				t.Errorf("kinds mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCountByKindAndPrune(t *testing.T) {
	s := NewService(setupTestDB(t))
	old := time.Now().Add(-48 * time.Hour)
	seed(t, s,
		tracking.Event{Kind: tracking.EventNewTrack, TrackID: 1, Timestamp: old},
		tracking.Event{Kind: tracking.EventNewTrack, TrackID: 2},
		tracking.Event{Kind: tracking.EventDanger, TrackID: 2},
	)

	counts, err := s.CountByKind(context.Background())
	if err != nil {
		t.Fatalf("CountByKind: %v", err)
	}
	want := map[tracking.EventKind]int{tracking.EventNewTrack: 2, tracking.EventDanger: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	n, err := s.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewService(setupTestDB(t))
	ch := s.Subscribe()

	seed(t, s, tracking.Event{Kind: tracking.EventNewTrack, TrackID: 3})

	select {
	case ev := <-ch:
		if ev.TrackID != 3 {
			t.Errorf("TrackID = %d, want 3", ev.TrackID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	s.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
}

func TestRecorderPersistsObserverEvents(t *testing.T) {
	s := NewService(setupTestDB(t))
	m := tracking.NewManager(tracking.DefaultConfig(), nil, nil)
	m.Attach(NewRecorder(s))

	m.Update([]detection.Detection{{
		TrackID: 4,
		Class:   detection.ClassCar,
		Box:     detection.BoundingBox{X1: 10, Y1: 10, X2: 42, Y2: 42},
	}}, 640, 480, 30)

	got, total, err := s.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if got[0].TrackID != 4 || got[0].Kind != tracking.EventNewTrack || got[0].Frame != 1 {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SafeDrive/internal/core"
	"github.com/Spatial-NVR/SafeDrive/internal/events"
	"github.com/Spatial-NVR/SafeDrive/internal/logging"
	"github.com/Spatial-NVR/SafeDrive/internal/pipeline"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// SnapshotSource provides the latest pipeline result
type SnapshotSource interface {
	Last() pipeline.Result
}

// HealthCheck reports a dependency's health
type HealthCheck func(ctx context.Context) error

// Options wires the router to the running services
type Options struct {
	Version        string
	Snapshots      SnapshotSource
	Events         *events.Service
	Logs           *logging.RingBuffer
	Metrics        http.Handler
	Hub            *Hub
	Checks         map[string]HealthCheck
	AllowedOrigins []string
}

// NewRouter builds the HTTP routes
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Long-lived connections stay outside the request timeout
	if opts.Hub != nil {
		r.Get("/ws", opts.Hub.HandleWebSocket)
	}
	if opts.Logs != nil {
		r.Get("/api/v1/logs/stream", handleLogStream(opts.Logs))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", handleHealth(opts.Version, opts.Checks))
		if opts.Metrics != nil {
			r.Handle("/metrics", opts.Metrics)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if opts.Snapshots != nil {
				r.Get("/tracks", handleTracks(opts.Snapshots))
			}
			if opts.Events != nil {
				r.Get("/events", handleListEvents(opts.Events))
				r.Get("/events/stats", handleEventStats(opts.Events))
				r.Get("/events/{id}", handleGetEvent(opts.Events))
			}
			if opts.Logs != nil {
				r.Get("/logs", handleLogs(opts.Logs))
			}
		})
	})

	return r
}

func handleHealth(version string, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				components[name] = err.Error()
				status = "degraded"
				continue
			}
			components[name] = "ok"
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, map[string]interface{}{
			"status":     status,
			"version":    version,
			"components": components,
		})
	}
}

// handleTracks returns the latest snapshot, optionally filtered by
// ?state=DANGER or ?visible=true
func handleTracks(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := src.Last()

		var want *risk.State
		if name := r.URL.Query().Get("state"); name != "" {
			s, err := risk.ParseState(strings.ToUpper(name))
			if err != nil {
				ValidationErrorResponse(w, ValidationErrors{{Field: "state", Message: "must be one of SAFE, WARNING, DANGER"}})
				return
			}
			want = &s
		}
		visibleOnly := r.URL.Query().Get("visible") == "true"

		tracks := make([]tracking.View, 0, len(res.Tracks))
		for _, v := range res.Tracks {
			if want != nil && v.State != *want {
				continue
			}
			if visibleOnly && !v.Visible() {
				continue
			}
			tracks = append(tracks, v)
		}
		res.Tracks = tracks
		OK(w, res)
	}
}

func handleListEvents(svc *events.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, verrs := parseEventQuery(r.URL.Query())
		if verrs.HasErrors() {
			ValidationErrorResponse(w, verrs)
			return
		}

		list, total, err := svc.List(r.Context(), opts)
		if err != nil {
			InternalError(w, "failed to list events")
			return
		}
		JSONWithMeta(w, http.StatusOK, list, &Meta{Total: total, Limit: opts.Limit, Offset: opts.Offset})
	}
}

func handleGetEvent(svc *events.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, events.ErrNotFound) {
			NotFound(w, "event not found")
			return
		}
		if err != nil {
			InternalError(w, "failed to get event")
			return
		}
		OK(w, ev)
	}
}

func handleEventStats(svc *events.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.CountByKind(r.Context())
		if err != nil {
			InternalError(w, "failed to count events")
			return
		}
		OK(w, counts)
	}
}

func handleLogs(buf *logging.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, filter, verrs := parseLogQuery(r.URL.Query())
		if verrs.HasErrors() {
			ValidationErrorResponse(w, verrs)
			return
		}
		OK(w, buf.Recent(limit, filter))
	}
}

// handleLogStream streams new log entries as server-sent events
func handleLogStream(buf *logging.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			InternalError(w, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := buf.Subscribe()
		defer buf.Unsubscribe(ch)

		for {
			select {
			case <-r.Context().Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(entry)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

// ForwardSnapshots relays every message on the tracks subject to WebSocket
// clients subscribed to the tracks topic
func ForwardSnapshots(bus *core.EventBus, hub *Hub) (*nats.Subscription, error) {
	return bus.Subscribe(core.SubjectTracks, func(msg *nats.Msg) {
		hub.Broadcast(TopicTracks, Message{
			Type: MessageTypeSnapshot,
			Data: json.RawMessage(msg.Data),
		})
	})
}

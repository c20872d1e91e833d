package api

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/events"
	"github.com/Spatial-NVR/SafeDrive/internal/logging"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

const maxQueryLimit = 1000

// intParam parses an optional non-negative integer query parameter
func intParam(q url.Values, name string, max int, errs *ValidationErrors) (int, bool) {
	raw := q.Get(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		errs.add(name, "must be an integer")
		return 0, false
	}
	if n < 0 {
		errs.add(name, "must not be negative")
		return 0, false
	}
	if max > 0 && n > max {
		errs.add(name, "must be at most %d", max)
		return 0, false
	}
	return n, true
}

// parseEventQuery reads kind, track_id, since, limit and offset
func parseEventQuery(q url.Values) (events.ListOptions, ValidationErrors) {
	var opts events.ListOptions
	var errs ValidationErrors

	if kind := q.Get("kind"); kind != "" {
		switch k := tracking.EventKind(strings.ToUpper(kind)); k {
		case tracking.EventNewTrack, tracking.EventLostTrack, tracking.EventDanger:
			opts.Kind = k
		default:
			errs.add("kind", "must be one of NEW_TRACK, LOST_TRACK, DANGER")
		}
	}
	if id, ok := intParam(q, "track_id", 0, &errs); ok {
		opts.TrackID = &id
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			errs.add("since", "must be an RFC 3339 timestamp")
		} else {
			opts.Since = ts
		}
	}
	opts.Limit, _ = intParam(q, "limit", maxQueryLimit, &errs)
	opts.Offset, _ = intParam(q, "offset", 0, &errs)
	return opts, errs
}

// parseLogQuery reads limit, level and component
func parseLogQuery(q url.Values) (int, logging.Filter, ValidationErrors) {
	var errs ValidationErrors
	limit, ok := intParam(q, "limit", maxQueryLimit, &errs)
	if !ok {
		limit = 100
	}

	f := logging.Filter{MinLevel: slog.LevelDebug, Component: q.Get("component")}
	if level := q.Get("level"); level != "" {
		l, err := logging.ParseLevel(level)
		if err != nil {
			errs.add("level", "must be one of debug, info, warn, error")
		} else {
			f.MinLevel = l
		}
	}
	return limit, f, errs
}

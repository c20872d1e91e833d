package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/SafeDrive/internal/database"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// Service stores and queries track events
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *TrackEvent
	mu          sync.RWMutex
}

// NewService creates a new event service
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "event_service"),
	}
}

// Subscribe returns a channel that receives newly stored events.
// Slow subscribers miss events rather than block inserts.
func (s *Service) Subscribe() chan *TrackEvent {
	ch := make(chan *TrackEvent, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (s *Service) Unsubscribe(ch chan *TrackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Create stores an event, assigning an id and timestamps when missing
func (s *Service) Create(ctx context.Context, event *TrackEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO track_events (id, kind, track_id, message, frame, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, string(event.Kind), event.TrackID, event.Message, int64(event.Frame),
		event.Timestamp.UnixMilli(), event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	s.notifySubscribers(event)
	s.logger.Debug("Event stored", "id", event.ID, "kind", event.Kind, "track_id", event.TrackID)
	return nil
}

// Get retrieves an event by id
func (s *Service) Get(ctx context.Context, id string) (*TrackEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, track_id, message, frame, timestamp, created_at
		FROM track_events WHERE id = ?
	`, id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// List returns matching events newest first along with the total match count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*TrackEvent, int, error) {
	where := " WHERE 1=1"
	var args []interface{}

	if opts.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if opts.TrackID != nil {
		where += " AND track_id = ?"
		args = append(args, *opts.TrackID)
	}
	if !opts.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM track_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := defaultListLimit
	if opts.Limit > 0 && opts.Limit <= maxListLimit {
		limit = opts.Limit
	}
	query := `SELECT id, kind, track_id, message, frame, timestamp, created_at FROM track_events` +
		where + " ORDER BY timestamp DESC, frame DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*TrackEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, total, rows.Err()
}

// CountByKind returns how many events of each kind are stored
func (s *Service) CountByKind(ctx context.Context) (map[tracking.EventKind]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM track_events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[tracking.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[tracking.EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// Prune deletes events older than before and returns how many were removed
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM track_events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Pruned events", "count", n, "before", before)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*TrackEvent, error) {
	event := &TrackEvent{}
	var kind string
	var message sql.NullString
	var frame, timestamp, createdAt int64

	if err := row.Scan(&event.ID, &kind, &event.TrackID, &message, &frame, &timestamp, &createdAt); err != nil {
		return nil, err
	}
	event.Kind = tracking.EventKind(kind)
	event.Message = message.String
	event.Frame = uint64(frame)
	event.Timestamp = time.UnixMilli(timestamp)
	event.CreatedAt = time.UnixMilli(createdAt)
	return event, nil
}

func (s *Service) notifySubscribers(event *TrackEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

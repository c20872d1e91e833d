// Package core provides the SafeDrive message bus: an embedded (or
// external) NATS connection carrying frames in and tracks and events out.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects used by SafeDrive
const (
	SubjectFrames       = "safedrive.frames"
	SubjectTracks       = "safedrive.tracks"
	SubjectEventsPrefix = "safedrive.events"
	SubjectEventsAll    = SubjectEventsPrefix + ".>"
)

// EventBus provides pub/sub messaging over NATS
type EventBus struct {
	server *server.Server // nil when connected to an external server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Embedded starts an in-process NATS server
	Embedded bool
	// URL of an external server, used when Embedded is false
	URL string
	// Host and Port for the embedded server; a busy port falls back to a free one
	Host string
	Port int
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Embedded: true,
		Host:     "127.0.0.1",
		Port:     DefaultNATSPort,
	}
}

// NewEventBus starts (or connects to) the NATS server
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventbus")

	eb := &EventBus{
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbedded(cfg, logger)
		if err != nil {
			return nil, err
		}
		eb.server = ns
		url = ns.ClientURL()
	}
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Name("safedrive"))
	if err != nil {
		if eb.server != nil {
			eb.server.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	eb.conn = nc

	logger.Info("Event bus started", "url", url, "embedded", cfg.Embedded)
	return eb, nil
}

func startEmbedded(cfg EventBusConfig, logger *slog.Logger) (*server.Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}

	port, err := resolvePort(cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate NATS port: %w", err)
	}
	if port != cfg.Port {
		logger.Info("NATS port conflict detected, using alternative",
			"preferred", cfg.Port, "actual", port)
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", port)
	}
	return ns, nil
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the URL clients should use to reach the bus
func (eb *EventBus) ClientURL() string {
	if eb.server != nil {
		return eb.server.ClientURL()
	}
	return eb.conn.ConnectedUrl()
}

// Publish publishes data as JSON
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes to a subject
func (eb *EventBus) PublishRaw(subject string, data []byte) error {
	return eb.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	eb.track(subject, sub)
	return sub, nil
}

// QueueSubscribe subscribes with a queue group so only one member handles each message
func (eb *EventBus) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := eb.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	eb.track(subject, sub)
	return sub, nil
}

func (eb *EventBus) track(subject string, sub *nats.Subscription) {
	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Flush waits until the server has processed everything published so far
func (eb *EventBus) Flush(timeout time.Duration) error {
	return eb.conn.FlushTimeout(timeout)
}

// Stop drains the connection and shuts down the embedded server
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	if eb.server != nil {
		eb.server.Shutdown()
	}
	eb.logger.Info("Event bus stopped")
}

// HealthCheck reports whether the bus connection is usable
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	_, err := eb.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if err == nats.ErrNoResponders {
		return nil
	}
	return err
}

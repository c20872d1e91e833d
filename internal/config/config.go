// Package config loads the SafeDrive YAML configuration and watches it for
// changes
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
	"github.com/Spatial-NVR/SafeDrive/internal/reid"
	"github.com/Spatial-NVR/SafeDrive/internal/risk"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

// Config represents the SafeDrive configuration file
type Config struct {
	Version  string          `yaml:"version"`
	System   SystemConfig    `yaml:"system"`
	Tracking tracking.Config `yaml:"tracking"`
	Risk     risk.Thresholds `yaml:"risk"`
	ReID     reid.Config     `yaml:"reid"`
	EventBus EventBusConfig  `yaml:"eventbus"`
	API      APIConfig       `yaml:"api"`
	Ingest   IngestConfig    `yaml:"ingest"`

	mu       sync.RWMutex      `yaml:"-"`
	path     string            `yaml:"-"`
	watchers []func(*Config)   `yaml:"-"`
	stop     chan struct{}     `yaml:"-"`
	watcher  *fsnotify.Watcher `yaml:"-"`
}

// SystemConfig holds process-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds event log settings
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// RetentionHours prunes stored events older than this; 0 keeps everything
	RetentionHours int `yaml:"retention_hours"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"`
}

// EventBusConfig selects an embedded or external NATS server
type EventBusConfig struct {
	Embedded *bool  `yaml:"embedded,omitempty"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// IsEmbedded reports whether an in-process server should be started
func (c EventBusConfig) IsEmbedded() bool {
	return c.Embedded == nil || *c.Embedded
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for the listener
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IngestConfig controls how frame messages are accepted
type IngestConfig struct {
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`

	// Classes lists the COCO class ids kept; others are dropped before tracking
	Classes []detection.ObjectClass `yaml:"classes"`

	// FPS is used when a frame message does not carry its own rate
	FPS float64 `yaml:"fps"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration back to its path
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return errors.New("config has no path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate checks every section and joins the errors found
func (c *Config) Validate() error {
	var errs []error
	if err := c.Tracking.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracking: %w", err))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if err := c.ReID.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reid: %w", err))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api: port out of range: %d", c.API.Port))
	}
	if !c.EventBus.IsEmbedded() && c.EventBus.URL == "" {
		errs = append(errs, errors.New("eventbus: url is required when embedded is false"))
	}
	if c.Ingest.FPS < 0 {
		errs = append(errs, fmt.Errorf("ingest: fps must not be negative: %v", c.Ingest.FPS))
	}
	if c.System.Database.RetentionHours < 0 {
		errs = append(errs, fmt.Errorf("system: retention_hours must not be negative: %d", c.System.Database.RetentionHours))
	}
	return errors.Join(errs...)
}

// Snapshot returns a copy of the tunable sections under the read lock
func (c *Config) Snapshot() (tracking.Config, risk.Thresholds, reid.Config, IngestConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ingest := c.Ingest
	ingest.Classes = append([]detection.ObjectClass(nil), c.Ingest.Classes...)
	return c.Tracking, c.Risk, c.ReID, ingest
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath sets the file used by Save and Watch
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// OnChange registers a callback run after every successful reload
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Watch reloads the configuration whenever its file is written. The
// directory is watched so editors that replace the file are handled.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	c.mu.Lock()
	c.watcher = watcher
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				c.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "component", "config", "error", err)
			}
		}
	}()
	return nil
}

// StopWatching ends a Watch
func (c *Config) StopWatching() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Config) reload() {
	newCfg, err := Load(c.Path())
	if err != nil {
		slog.Error("Failed to reload config, keeping previous", "component", "config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Tracking = newCfg.Tracking
	c.Risk = newCfg.Risk
	c.ReID = newCfg.ReID
	c.EventBus = newCfg.EventBus
	c.API = newCfg.API
	c.Ingest = newCfg.Ingest
	watchers := append([]func(*Config)(nil), c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "component", "config")

	for _, fn := range watchers {
		fn(c)
	}
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "SafeDrive"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "./data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "safedrive.db")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Logging.BufferSize == 0 {
		c.System.Logging.BufferSize = 1000
	}

	if c.Tracking.EvictionPolicy == "" {
		c.Tracking.EvictionPolicy = tracking.EvictGrace
	}
	if c.Tracking.EvictionPolicy == tracking.EvictGrace && c.Tracking.MaxFramesLost == 0 {
		c.Tracking.MaxFramesLost = tracking.DefaultMaxFramesLost
	}

	c.Risk = c.Risk.WithDefaults()

	def := reid.DefaultConfig()
	if c.ReID.MaxDistance == 0 {
		c.ReID.MaxDistance = def.MaxDistance
	}
	if c.ReID.MinSimilarity == 0 {
		c.ReID.MinSimilarity = def.MinSimilarity
	}
	if c.ReID.MaxFramesLost == 0 {
		c.ReID.MaxFramesLost = def.MaxFramesLost
	}
	if c.ReID.HueBins == 0 {
		c.ReID.HueBins = def.HueBins
	}
	if c.ReID.SaturationBins == 0 {
		c.ReID.SaturationBins = def.SaturationBins
	}

	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = 4222
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}

	if c.Ingest.Subject == "" {
		c.Ingest.Subject = "safedrive.frames"
	}
	if c.Ingest.Queue == "" {
		c.Ingest.Queue = "safedrive"
	}
	if len(c.Ingest.Classes) == 0 {
		c.Ingest.Classes = append([]detection.ObjectClass(nil), detection.DefaultClasses...)
	}
}

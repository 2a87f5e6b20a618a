package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

const (
	// DefaultIntervalSeconds is used when no collection interval is configured.
	DefaultIntervalSeconds = 2

	defaultDeviceTimeout     = 5 * time.Second
	defaultFirstFrameTimeout = 10 * time.Second
	defaultListen            = ":18080"
)

// Overlap policies for scheduled reads.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

// DeviceConfig describes how to reach the sensor/camera device.
type DeviceConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Timeout         Duration `yaml:"timeout,omitempty"`
	HealthPath      string   `yaml:"health_path,omitempty"`
	TemperaturePath string   `yaml:"temperature_path,omitempty"`
	VideoPath       string   `yaml:"video_path,omitempty"`
	PowerPath       string   `yaml:"power_path,omitempty"`
}

// CollectionConfig configures periodic temperature collection.
type CollectionConfig struct {
	Interval      int    `yaml:"interval"`
	Units         string `yaml:"units"`
	AutoStart     bool   `yaml:"auto_start"`
	ReadOnStartup *bool  `yaml:"read_on_startup,omitempty"`
	Overlap       string `yaml:"overlap,omitempty"`
}

// CameraConfig configures the live stream session.
type CameraConfig struct {
	ViewMode          string   `yaml:"view_mode"`
	AutoConnect       bool     `yaml:"auto_connect"`
	FirstFrameTimeout Duration `yaml:"first_frame_timeout,omitempty"`
}

// ConsoleConfig configures the operator console.
type ConsoleConfig struct {
	Listen      string `yaml:"listen"`
	LogCapacity int    `yaml:"log_capacity,omitempty"`
	Timezone    string `yaml:"timezone,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
}

// MQTTConfig configures the optional reading publisher.
type MQTTConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Broker   string   `yaml:"broker"`
	ClientID string   `yaml:"client_id"`
	Topic    string   `yaml:"topic"`
	QoS      byte     `yaml:"qos"`
	Retain   bool     `yaml:"retain"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// PublishConfig groups outbound reading sinks.
type PublishConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// AlertConfig describes a boolean rule evaluated after every reading.
type AlertConfig struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message,omitempty"`
}

// Config is the root configuration structure for the console.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Collection CollectionConfig `yaml:"collection"`
	Camera     CameraConfig     `yaml:"camera"`
	Console    ConsoleConfig    `yaml:"console"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Publish    PublishConfig    `yaml:"publish"`
	Alerts     []AlertConfig    `yaml:"alerts"`
	HotReload  bool             `yaml:"hot_reload"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-"`
}

// Load reads, decodes and validates the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.Source = abs
	} else {
		cfg.Source = path
	}
	return cfg, nil
}

// Parse decodes YAML content, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	d := &c.Device
	if d.Timeout.Duration <= 0 {
		d.Timeout.Duration = defaultDeviceTimeout
	}
	if d.HealthPath == "" {
		d.HealthPath = "/health"
	}
	if d.TemperaturePath == "" {
		d.TemperaturePath = "/temperature"
	}
	if d.VideoPath == "" {
		d.VideoPath = "/video/mjpeg"
	}
	if d.PowerPath == "" {
		d.PowerPath = "/power"
	}
	if c.Collection.Interval == 0 {
		c.Collection.Interval = DefaultIntervalSeconds
	}
	if c.Collection.Units == "" {
		c.Collection.Units = "C"
	}
	if c.Collection.ReadOnStartup == nil {
		enabled := true
		c.Collection.ReadOnStartup = &enabled
	}
	c.Collection.Overlap = strings.ToLower(strings.TrimSpace(c.Collection.Overlap))
	if c.Collection.Overlap == "" {
		c.Collection.Overlap = OverlapAllow
	}
	if c.Camera.ViewMode == "" {
		c.Camera.ViewMode = "contain"
	}
	if c.Camera.FirstFrameTimeout.Duration <= 0 {
		c.Camera.FirstFrameTimeout.Duration = defaultFirstFrameTimeout
	}
	if c.Console.Listen == "" {
		c.Console.Listen = defaultListen
	}
	if c.Publish.MQTT.ClientID == "" {
		c.Publish.MQTT.ClientID = "edge-console"
	}
	if c.Publish.MQTT.Timeout.Duration <= 0 {
		c.Publish.MQTT.Timeout.Duration = defaultDeviceTimeout
	}
}

// Validate reports the first structural problem found in the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.Device.BaseURL) == "" {
		return errors.New("device.base_url is required")
	}
	parsed, err := url.Parse(c.Device.BaseURL)
	if err != nil {
		return fmt.Errorf("device.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("device.base_url: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("device.base_url: host is required")
	}
	if c.Collection.Interval < 0 {
		return fmt.Errorf("collection.interval must be positive, got %d", c.Collection.Interval)
	}
	switch strings.ToUpper(strings.TrimSpace(c.Collection.Units)) {
	case "C", "F", "CELSIUS", "FAHRENHEIT":
	default:
		return fmt.Errorf("collection.units: unknown unit %q", c.Collection.Units)
	}
	switch strings.ToLower(c.Collection.Overlap) {
	case OverlapAllow, OverlapSkip:
	default:
		return fmt.Errorf("collection.overlap: unknown policy %q", c.Collection.Overlap)
	}
	switch strings.ToLower(c.Camera.ViewMode) {
	case "contain", "cover":
	default:
		return fmt.Errorf("camera.view_mode: unknown mode %q", c.Camera.ViewMode)
	}
	if c.Console.LogCapacity < 0 {
		return fmt.Errorf("console.log_capacity must not be negative")
	}
	if tz := strings.TrimSpace(c.Console.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("console.timezone: %w", err)
		}
	}
	if mqtt := c.Publish.MQTT; mqtt.Enabled {
		if mqtt.Broker == "" {
			return errors.New("publish.mqtt.broker is required when enabled")
		}
		if mqtt.Topic == "" {
			return errors.New("publish.mqtt.topic is required when enabled")
		}
		if mqtt.QoS > 2 {
			return fmt.Errorf("publish.mqtt.qos must be 0, 1 or 2, got %d", mqtt.QoS)
		}
	}
	seen := make(map[string]struct{}, len(c.Alerts))
	for i, alert := range c.Alerts {
		id := strings.TrimSpace(alert.ID)
		if id == "" {
			return fmt.Errorf("alerts[%d]: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("alerts[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(alert.Expression) == "" {
			return fmt.Errorf("alert %s: expression is required", id)
		}
	}
	return nil
}

// CollectionInterval returns the configured collection period.
func (c *Config) CollectionInterval() time.Duration {
	if c == nil || c.Collection.Interval <= 0 {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(c.Collection.Interval) * time.Second
}

// ReadOnStartup reports whether an initial read is performed when the console starts.
func (c *Config) ReadOnStartup() bool {
	if c == nil || c.Collection.ReadOnStartup == nil {
		return true
	}
	return *c.Collection.ReadOnStartup
}

// Location resolves the timezone used to render timestamps for the operator.
func (c *Config) Location() *time.Location {
	if c == nil {
		return time.Local
	}
	tz := strings.TrimSpace(c.Console.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

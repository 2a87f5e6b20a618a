package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `device:
  base_url: http://raspberrypi.local:8000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Collection.Interval != DefaultIntervalSeconds {
		t.Fatalf("expected default interval %d, got %d", DefaultIntervalSeconds, cfg.Collection.Interval)
	}
	if cfg.CollectionInterval() != 2*time.Second {
		t.Fatalf("unexpected collection interval %s", cfg.CollectionInterval())
	}
	if cfg.Device.HealthPath != "/health" || cfg.Device.TemperaturePath != "/temperature" || cfg.Device.VideoPath != "/video/mjpeg" {
		t.Fatalf("unexpected default paths: %+v", cfg.Device)
	}
	if cfg.Device.Timeout.Duration != 5*time.Second {
		t.Fatalf("unexpected device timeout %s", cfg.Device.Timeout.Duration)
	}
	if cfg.Collection.Units != "C" || cfg.Collection.Overlap != OverlapAllow {
		t.Fatalf("unexpected collection defaults: %+v", cfg.Collection)
	}
	if !cfg.ReadOnStartup() {
		t.Fatalf("expected read on startup to default to true")
	}
	if cfg.Camera.ViewMode != "contain" || cfg.Camera.FirstFrameTimeout.Duration != 10*time.Second {
		t.Fatalf("unexpected camera defaults: %+v", cfg.Camera)
	}
	if cfg.Console.Listen != ":18080" {
		t.Fatalf("unexpected listen address %q", cfg.Console.Listen)
	}
	if cfg.Location() != time.Local {
		t.Fatalf("expected local timezone by default")
	}
	if !filepath.IsAbs(cfg.Source) {
		t.Fatalf("expected absolute source path, got %q", cfg.Source)
	}
}

func TestParseFullConfig(t *testing.T) {
	content := `device:
  base_url: https://device.example:8443
  timeout: 750ms
  video_path: /mjpeg
collection:
  interval: 7
  units: f
  auto_start: true
  read_on_startup: false
  overlap: skip
camera:
  view_mode: cover
  auto_connect: true
  first_frame_timeout: 3s
console:
  listen: 127.0.0.1:9000
  log_capacity: 50
  timezone: UTC
publish:
  mqtt:
    enabled: true
    broker: tcp://broker:1883
    topic: edge/temperature
    qos: 1
alerts:
  - id: too_hot
    expression: value_c > 30
    message: hot
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Device.Timeout.Duration != 750*time.Millisecond {
		t.Fatalf("unexpected timeout %s", cfg.Device.Timeout.Duration)
	}
	if cfg.Device.VideoPath != "/mjpeg" {
		t.Fatalf("unexpected video path %q", cfg.Device.VideoPath)
	}
	if cfg.Collection.Interval != 7 || !cfg.Collection.AutoStart || cfg.ReadOnStartup() {
		t.Fatalf("unexpected collection config: %+v", cfg.Collection)
	}
	if cfg.Camera.ViewMode != "cover" || !cfg.Camera.AutoConnect || cfg.Camera.FirstFrameTimeout.Duration != 3*time.Second {
		t.Fatalf("unexpected camera config: %+v", cfg.Camera)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", cfg.Location())
	}
	if cfg.Publish.MQTT.ClientID != "edge-console" || cfg.Publish.MQTT.QoS != 1 {
		t.Fatalf("unexpected mqtt config: %+v", cfg.Publish.MQTT)
	}
	if len(cfg.Alerts) != 1 || cfg.Alerts[0].ID != "too_hot" {
		t.Fatalf("unexpected alerts: %+v", cfg.Alerts)
	}
}

func TestValidateRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]struct {
		content string
		want    string
	}{
		"missing base url": {
			content: "collection:\n  interval: 2\n",
			want:    "device.base_url is required",
		},
		"bad scheme": {
			content: "device:\n  base_url: ftp://device\n",
			want:    "unsupported scheme",
		},
		"negative interval": {
			content: "device:\n  base_url: http://device\ncollection:\n  interval: -3\n",
			want:    "collection.interval",
		},
		"unknown units": {
			content: "device:\n  base_url: http://device\ncollection:\n  units: K\n",
			want:    "collection.units",
		},
		"unknown overlap": {
			content: "device:\n  base_url: http://device\ncollection:\n  overlap: queue\n",
			want:    "collection.overlap",
		},
		"unknown view mode": {
			content: "device:\n  base_url: http://device\ncamera:\n  view_mode: stretch\n",
			want:    "camera.view_mode",
		},
		"mqtt without topic": {
			content: "device:\n  base_url: http://device\npublish:\n  mqtt:\n    enabled: true\n    broker: tcp://b:1883\n",
			want:    "publish.mqtt.topic",
		},
		"duplicate alert": {
			content: "device:\n  base_url: http://device\nalerts:\n  - id: a\n    expression: value_c > 1\n  - id: a\n    expression: value_c > 2\n",
			want:    "duplicate id",
		},
		"alert without expression": {
			content: "device:\n  base_url: http://device\nalerts:\n  - id: a\n",
			want:    "expression is required",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSourceFilesIncludesLoadedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("device:\n  base_url: http://device\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	files := SourceFiles(cfg)
	if len(files) != 1 || files[0] != cfg.Source {
		t.Fatalf("unexpected source files %v", files)
	}
	if SourceFiles(nil) != nil {
		t.Fatalf("expected nil source files for nil config")
	}
}

func TestParseNormalizesOverlapPolicy(t *testing.T) {
	cfg, err := Parse([]byte(`device:
  base_url: http://raspberrypi.local:8000
collection:
  overlap: " Skip "
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Collection.Overlap != OverlapSkip {
		t.Fatalf("expected overlap %q, got %q", OverlapSkip, cfg.Collection.Overlap)
	}
}

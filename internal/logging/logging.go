// Package logging builds the console logger. Lines carry the console and
// device identity, and the optional Loki sink splits them into streams per
// component and level so the operator activity log can be queried on its own.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/internal/config"
)

const appName = "edge-console"

// Setup creates the console logger for cfg.
func Setup(cfg *config.Config) (zerolog.Logger, func(), error) {
	return setup(cfg.Logging, DeviceLabel(cfg.Device.BaseURL), os.Stdout)
}

// DeviceLabel reduces a device base URL to the host:port used to tag log lines.
func DeviceLabel(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return ""
	}
	return u.Host
}

func setup(cfg config.LoggingConfig, device string, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	stdout := out
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{stdout}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		if cfg.Loki.URL == "" {
			return zerolog.Logger{}, nil, fmt.Errorf("loki url is required")
		}
		lokiCfg, err := loki.NewDefaultConfig(cfg.Loki.URL)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("prepare loki config: %w", err)
		}
		client, err := loki.New(lokiCfg)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("create loki client: %w", err)
		}
		writers = append(writers, newLokiWriter(client, lokiLabels(cfg.Loki.Labels, device)))
		cleanup = client.Stop
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("app", appName)
	if device != "" {
		ctx = ctx.Str("device", device)
	}
	return ctx.Logger().Level(level), cleanup, nil
}

// lokiLabels merges the configured labels over the console defaults.
func lokiLabels(raw map[string]string, device string) model.LabelSet {
	labels := model.LabelSet{"app": appName}
	if device != "" {
		labels["device"] = model.LabelValue(device)
	}
	for k, v := range raw {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

type lokiHandler interface {
	Handle(labels model.LabelSet, ts time.Time, line string) error
}

type lokiWriter struct {
	handler lokiHandler
	labels  model.LabelSet
}

func newLokiWriter(handler lokiHandler, labels model.LabelSet) *lokiWriter {
	return &lokiWriter{handler: handler, labels: labels}
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.handler.Handle(l.streamLabels(entry), time.Now(), entry)
	return len(p), err
}

// streamLabels adds the line's component and level to the static label set.
// Lines that are not JSON objects go to the static stream.
func (l *lokiWriter) streamLabels(entry string) model.LabelSet {
	var fields struct {
		Level     string `json:"level"`
		Component string `json:"component"`
	}
	if err := json.Unmarshal([]byte(entry), &fields); err != nil {
		return l.labels
	}
	if fields.Level == "" && fields.Component == "" {
		return l.labels
	}
	labels := l.labels.Clone()
	if fields.Component != "" {
		labels["component"] = model.LabelValue(fields.Component)
	}
	if fields.Level != "" {
		labels["level"] = model.LabelValue(fields.Level)
	}
	return labels
}

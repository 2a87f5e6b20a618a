// Package mqtt publishes temperature readings to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/runtime/state"
)

// Payload is the JSON document published for every reading.
type Payload struct {
	ValueC     float64 `json:"value_c"`
	Timestamp  *string `json:"timestamp"`
	ReceivedAt string  `json:"received_at"`
}

// Publisher forwards readings to a fixed topic.
type Publisher struct {
	client  Client
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  zerolog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Option customises a Publisher.
type Option func(*publisherOptions)

type publisherOptions struct {
	factory ClientFactory
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(factory ClientFactory) Option {
	return func(o *publisherOptions) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// NewPublisher connects to the configured broker.
func NewPublisher(cfg config.MQTTConfig, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	options := publisherOptions{factory: defaultClientFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger = logger.With().Str("component", "mqtt_publisher").Str("topic", cfg.Topic).Logger()
	client := options.factory(clientOptions(cfg, logger))
	if err := connect(client, cfg); err != nil {
		return nil, err
	}
	return &Publisher{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: timeoutOf(cfg),
		logger:  logger,
	}, nil
}

// EncodeReading renders the published JSON document.
func EncodeReading(r state.Reading) ([]byte, error) {
	payload := Payload{ValueC: r.Celsius, ReceivedAt: r.ReceivedAt.UTC().Format(time.RFC3339Nano)}
	if r.Timestamp != "" {
		ts := r.Timestamp
		payload.Timestamp = &ts
	}
	return json.Marshal(payload)
}

// Publish sends r and waits for the broker acknowledgement.
func (p *Publisher) Publish(r state.Reading) error {
	payload, err := EncodeReading(r)
	if err != nil {
		return fmt.Errorf("mqtt: encode reading: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		p.failed.Add(1)
		return fmt.Errorf("mqtt: publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("mqtt: publish to %s: %w", p.topic, err)
	}
	p.published.Add(1)
	return nil
}

// Observe publishes r and logs failures. It never affects the read result.
func (p *Publisher) Observe(r state.Reading) {
	if p == nil {
		return
	}
	if err := p.Publish(r); err != nil {
		p.logger.Warn().Err(err).Msg("publish reading failed")
		return
	}
	p.logger.Debug().Float64("value_c", r.Celsius).Msg("reading published")
}

// Stats reports successful and failed publishes.
func (p *Publisher) Stats() (published, failed uint64) {
	if p == nil {
		return 0, 0
	}
	return p.published.Load(), p.failed.Load()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/runtime/state"
	"github.com/carlosotero01/edge-portal/telemetry"
)

// Observer is notified after every successful read.
type Observer func(state.Reading)

// Acquirer performs health check plus temperature round trips and feeds the
// reading store.
type Acquirer struct {
	client    Client
	store     *state.Store
	log       activity.Sink
	logger    zerolog.Logger
	metrics   telemetry.Collector
	loc       *time.Location
	now       func() time.Time
	observers []Observer
}

// AcquirerOption customises an Acquirer.
type AcquirerOption func(*Acquirer)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) AcquirerOption {
	return func(a *Acquirer) {
		a.logger = logger.With().Str("component", "acquirer").Logger()
	}
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) AcquirerOption {
	return func(a *Acquirer) {
		if collector != nil {
			a.metrics = collector
		}
	}
}

// WithLocation sets the zone used for timestamps in log lines.
func WithLocation(loc *time.Location) AcquirerOption {
	return func(a *Acquirer) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithObserver registers fn to receive every stored reading.
func WithObserver(fn Observer) AcquirerOption {
	return func(a *Acquirer) {
		if fn != nil {
			a.observers = append(a.observers, fn)
		}
	}
}

// NewAcquirer wires a client to the store and activity log.
func NewAcquirer(client Client, store *state.Store, log activity.Sink, opts ...AcquirerOption) *Acquirer {
	a := &Acquirer{
		client:  client,
		store:   store,
		log:     log,
		logger:  zerolog.Nop(),
		metrics: telemetry.Noop(),
		loc:     time.Local,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// CheckHealth reports whether the device answered the health endpoint with a
// 2xx status. Failures are reported as false only.
func (a *Acquirer) CheckHealth(ctx context.Context) bool {
	if err := a.client.Health(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("health check failed")
		return false
	}
	return true
}

// ReadOnce checks health, fetches the temperature and stores the reading.
// The store is left untouched on every failure path.
func (a *Acquirer) ReadOnce(ctx context.Context) (state.Reading, error) {
	started := a.now()
	if !a.CheckHealth(ctx) {
		a.metrics.ObserveRead(telemetry.OutcomeOffline, a.now().Sub(started))
		a.warn("API offline (health check failed).")
		return state.Reading{}, ErrAPIOffline
	}

	sample, err := a.client.Temperature(ctx)
	if err != nil {
		a.metrics.ObserveRead(outcomeOf(err), a.now().Sub(started))
		a.warn(fmt.Sprintf("Read Once failed: %v", err))
		return state.Reading{}, err
	}

	reading := state.Reading{Celsius: *sample.ValueC, ReceivedAt: a.now()}
	if sample.Timestamp != nil {
		reading.Timestamp = *sample.Timestamp
	}
	a.store.Set(reading)
	a.metrics.ObserveRead(telemetry.OutcomeOK, a.now().Sub(started))
	if a.log != nil {
		a.log.Add(fmt.Sprintf("Read Once -> %s °C (ts: %s)",
			state.FormatValue(reading.Celsius), state.FormatTimestamp(reading.Timestamp, a.loc)))
	}
	for _, observer := range a.observers {
		observer(reading)
	}
	return reading, nil
}

// SetPower forwards a power request to the device.
func (a *Acquirer) SetPower(ctx context.Context, on bool) (bool, error) {
	return a.client.SetPower(ctx, on)
}

// StreamURL returns the video URL for token.
func (a *Acquirer) StreamURL(token string) string {
	return a.client.StreamURL(token)
}

func (a *Acquirer) warn(message string) {
	if a.log != nil {
		a.log.Warn(message)
	}
}

func outcomeOf(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return telemetry.OutcomeHTTPError
	}
	return telemetry.OutcomeTransportError
}

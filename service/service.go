package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/drivers/mqtt"
	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/remote"
	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/runtime/state"
	"github.com/carlosotero01/edge-portal/telemetry"
)

// Service owns the console session: reading store, activity log, both state
// machines and the device client.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location

	ctx    context.Context
	cancel context.CancelFunc

	client     remote.Client
	store      *state.Store
	log        *activity.Log
	acquirer   *remote.Acquirer
	collection *collectionScheduler
	camera     *cameraSession
	alerts     *alertEngine
	publisher  *mqtt.Publisher
	telemetry  telemetry.Collector
	gatherer   prometheus.Gatherer

	mu    sync.Mutex
	unit  state.Unit
	power *bool

	liveView *liveViewServer
	closed   bool
}

// ConsoleState is the full operator-facing snapshot.
type ConsoleState struct {
	Collection CollectionStatus `json:"collection"`
	Units      state.Unit       `json:"units"`
	Display    state.Display    `json:"display"`
	Camera     CameraStatus     `json:"camera"`
	Power      *bool            `json:"power,omitempty"`
	Alerts     []AlertStatus    `json:"alerts,omitempty"`
	Publisher  *PublisherStatus `json:"publisher,omitempty"`
	LogSize    int              `json:"log_size"`
}

// PublisherStatus summarises MQTT publishing.
type PublisherStatus struct {
	Topic     string `json:"topic"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Option customises service construction.
type Option func(*serviceOptions)

type serviceOptions struct {
	clients       remote.ClientFactory
	opener        streamOpener
	telemetry     telemetry.Collector
	gatherer      prometheus.Gatherer
	publisherOpts []mqtt.Option
}

func applyOptions(opts []Option) serviceOptions {
	options := serviceOptions{
		clients:   remote.NewHTTPClientFactory(),
		opener:    httpStreamOpener(&http.Client{}),
		telemetry: telemetry.Noop(),
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithClientFactory overrides how the device client is created.
func WithClientFactory(factory remote.ClientFactory) Option {
	return func(o *serviceOptions) {
		if factory != nil {
			o.clients = factory
		}
	}
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *serviceOptions) {
		if collector != nil {
			o.telemetry = collector
		}
	}
}

// WithMetricsGatherer sets the gatherer served on /metrics.
func WithMetricsGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *serviceOptions) {
		if gatherer != nil {
			o.gatherer = gatherer
		}
	}
}

// WithPublisherOptions passes options to the MQTT publisher.
func WithPublisherOptions(opts ...mqtt.Option) Option {
	return func(o *serviceOptions) {
		o.publisherOpts = append(o.publisherOpts, opts...)
	}
}

func withStreamOpener(opener streamOpener) Option {
	return func(o *serviceOptions) {
		if opener != nil {
			o.opener = opener
		}
	}
}

// New builds a service from configuration and dependencies.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	options := applyOptions(opts)

	unit, err := state.ParseUnit(cfg.Collection.Units)
	if err != nil {
		return nil, err
	}
	view, err := ParseViewMode(cfg.Camera.ViewMode)
	if err != nil {
		return nil, err
	}
	client, err := options.clients(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("create device client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		loc:       cfg.Location(),
		ctx:       ctx,
		cancel:    cancel,
		client:    client,
		store:     state.NewStore(),
		log:       activity.NewLog(logger, cfg.Console.LogCapacity),
		telemetry: options.telemetry,
		gatherer:  options.gatherer,
		unit:      unit,
	}
	cleanupOnErr := func(err error) (*Service, error) {
		cancel()
		_ = client.Close()
		return nil, err
	}

	alerts, err := newAlertEngine(cfg.Alerts, svc.log, logger)
	if err != nil {
		return cleanupOnErr(err)
	}
	svc.alerts = alerts

	acquirerOpts := []remote.AcquirerOption{
		remote.WithLogger(logger),
		remote.WithTelemetry(options.telemetry),
		remote.WithLocation(svc.loc),
		remote.WithObserver(alerts.Evaluate),
	}
	if cfg.Publish.MQTT.Enabled {
		publisher, err := mqtt.NewPublisher(cfg.Publish.MQTT, logger, options.publisherOpts...)
		if err != nil {
			return cleanupOnErr(err)
		}
		svc.publisher = publisher
		acquirerOpts = append(acquirerOpts, remote.WithObserver(publisher.Observe))
	}
	svc.acquirer = remote.NewAcquirer(client, svc.store, svc.log, acquirerOpts...)

	svc.collection = newCollectionScheduler(ctx, cfg.Collection.Interval, cfg.Collection.Overlap, svc.scheduledRead, svc.log, logger)
	svc.collection.metrics = options.telemetry
	svc.camera = newCameraSession(cfg.Device.VideoPath, view, client.StreamURL, options.opener, cfg.Camera.FirstFrameTimeout.Duration, svc.log, logger)
	svc.camera.metrics = options.telemetry

	options.telemetry.SetCollectionRunning(false)
	options.telemetry.SetCameraState(string(CameraDisconnected))
	return svc, nil
}

// Validate performs a dry-run validation of the configuration without
// connecting to the device or broker.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	options := applyOptions(opts)
	if _, err := state.ParseUnit(cfg.Collection.Units); err != nil {
		return err
	}
	if _, err := ParseViewMode(cfg.Camera.ViewMode); err != nil {
		return err
	}
	client, err := options.clients(cfg.Device)
	if err != nil {
		return fmt.Errorf("create device client: %w", err)
	}
	defer client.Close()
	if _, err := newAlertEngine(cfg.Alerts, nil, logger); err != nil {
		return err
	}
	return nil
}

// CheckDevice calls the device health endpoint once.
func CheckDevice(ctx context.Context, cfg *config.Config, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	options := applyOptions(opts)
	client, err := options.clients(cfg.Device)
	if err != nil {
		return fmt.Errorf("create device client: %w", err)
	}
	defer client.Close()
	return client.Health(ctx)
}

// Run performs the startup sequence and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Add("Console started.")
	s.camera.ApplyView()
	if s.cfg.ReadOnStartup() {
		_, _ = s.ReadOnce(ctx)
	}
	if s.cfg.Collection.AutoStart {
		s.StartCollection(strconv.Itoa(int(s.cfg.CollectionInterval() / time.Second)))
	}
	if s.cfg.Camera.AutoConnect {
		s.ConnectCamera()
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	if s.collection.Running() {
		s.collection.Stop()
	}
	if s.camera.State() != CameraDisconnected {
		s.camera.Disconnect()
	}
	return nil
}

func (s *Service) scheduledRead(ctx context.Context) {
	_, _ = s.acquirer.ReadOnce(ctx)
}

// ReadOnce performs a single health check plus temperature round trip.
func (s *Service) ReadOnce(ctx context.Context) (state.Display, error) {
	if _, err := s.acquirer.ReadOnce(ctx); err != nil {
		return s.Display(), err
	}
	return s.Display(), nil
}

// StartCollection parses the interval input and (re)starts periodic reads.
func (s *Service) StartCollection(raw string) CollectionStatus {
	s.collection.Start(ParseInterval(raw))
	return s.collection.Status()
}

// StopCollection cancels future scheduled reads.
func (s *Service) StopCollection() CollectionStatus {
	s.collection.Stop()
	return s.collection.Status()
}

// SetInterval applies a changed interval input.
func (s *Service) SetInterval(raw string) CollectionStatus {
	s.collection.OnIntervalChanged(ParseInterval(raw))
	return s.collection.Status()
}

// SetUnits changes the display unit.
func (s *Service) SetUnits(raw string) (state.Unit, error) {
	unit, err := state.ParseUnit(raw)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.unit = unit
	s.mu.Unlock()
	s.log.Addf("Display units set to %s", unit.Symbol())
	return unit, nil
}

// Units returns the current display unit.
func (s *Service) Units() state.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

// Display renders the current reading in the current unit.
func (s *Service) Display() state.Display {
	return s.store.Display(s.Units(), s.loc)
}

// ClearLog empties the activity log.
func (s *Service) ClearLog() {
	s.log.Clear()
}

// Log exposes the activity log.
func (s *Service) Log() *activity.Log {
	return s.log
}

// ConnectCamera starts a new stream attempt.
func (s *Service) ConnectCamera() CameraStatus {
	s.camera.Connect()
	return s.camera.Status()
}

// DisconnectCamera tears the stream down.
func (s *Service) DisconnectCamera() CameraStatus {
	s.camera.Disconnect()
	return s.camera.Status()
}

// SetViewMode changes the camera view fit.
func (s *Service) SetViewMode(raw string) (CameraStatus, error) {
	if _, err := s.camera.SetViewMode(raw); err != nil {
		return CameraStatus{}, err
	}
	return s.camera.Status(), nil
}

// ErrRebuildRequired reports a configuration change that a running session
// cannot absorb; the caller has to build a new Service.
var ErrRebuildRequired = errors.New("configuration change requires a new session")

// Reconfigure applies the display units, collection interval and camera view
// mode from cfg to the running session. Overlap policy and first-frame
// timeout are fixed for the session's lifetime and yield ErrRebuildRequired.
func (s *Service) Reconfigure(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	unit, err := state.ParseUnit(cfg.Collection.Units)
	if err != nil {
		return err
	}
	view, err := ParseViewMode(cfg.Camera.ViewMode)
	if err != nil {
		return err
	}
	overlap := strings.ToLower(strings.TrimSpace(cfg.Collection.Overlap))
	if overlap == "" {
		overlap = config.OverlapAllow
	}
	if overlap != s.collection.overlap || cfg.Camera.FirstFrameTimeout.Duration != s.camera.firstFrameTimeout {
		return ErrRebuildRequired
	}

	if unit != s.Units() {
		if _, err := s.SetUnits(string(unit)); err != nil {
			return err
		}
	}
	if clampInterval(cfg.Collection.Interval) != s.collection.Interval() {
		s.collection.OnIntervalChanged(cfg.Collection.Interval)
	}
	if view != s.camera.Status().ViewMode {
		if _, err := s.camera.SetViewMode(string(view)); err != nil {
			return err
		}
	}
	return nil
}

// CameraFrame returns the latest JPEG frame.
func (s *Service) CameraFrame() ([]byte, time.Time, bool) {
	return s.camera.LastFrame()
}

// SetPower switches the device power and records the acknowledged state.
func (s *Service) SetPower(ctx context.Context, on bool) (bool, error) {
	ack, err := s.acquirer.SetPower(ctx, on)
	if err != nil {
		s.log.Warn(fmt.Sprintf("Power request failed: %v", err))
		return false, err
	}
	s.mu.Lock()
	s.power = &ack
	s.mu.Unlock()
	label := "OFF"
	if ack {
		label = "ON"
	}
	s.log.Addf("Power set to %s", label)
	return ack, nil
}

// Snapshot returns the full console state.
func (s *Service) Snapshot() ConsoleState {
	s.mu.Lock()
	unit := s.unit
	var power *bool
	if s.power != nil {
		value := *s.power
		power = &value
	}
	s.mu.Unlock()

	snapshot := ConsoleState{
		Collection: s.collection.Status(),
		Units:      unit,
		Display:    s.store.Display(unit, s.loc),
		Camera:     s.camera.Status(),
		Power:      power,
		Alerts:     s.alerts.States(),
		LogSize:    s.log.Len(),
	}
	if s.publisher != nil {
		published, failed := s.publisher.Stats()
		snapshot.Publisher = &PublisherStatus{Topic: s.cfg.Publish.MQTT.Topic, Published: published, Failed: failed}
	}
	return snapshot
}

// EnableLiveView starts the operator console HTTP server.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := s.logger.With().Str("component", "live_view").Logger()
	server, err := newLiveViewServer(listen, s, logger)
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// ListenAddress returns the bound console address, if enabled.
func (s *Service) ListenAddress() string {
	if s == nil || s.liveView == nil || s.liveView.ln == nil {
		return ""
	}
	return s.liveView.ln.Addr().String()
}

// Close releases all background resources held by the service.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.collection.shutdown()
	s.camera.shutdown()
	s.cancel()
	if s.liveView != nil {
		s.liveView.close()
	}
	s.publisher.Close()
	return s.client.Close()
}

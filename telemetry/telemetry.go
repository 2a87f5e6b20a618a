package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Read outcomes reported through ObserveRead.
const (
	OutcomeOK             = "ok"
	OutcomeOffline        = "offline"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
)

// Collector captures telemetry events emitted by the console.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the read path and camera callbacks.
type Collector interface {
	IncHotReload(file string)
	ObserveRead(outcome string, duration time.Duration)
	SetCollectionRunning(running bool)
	SetCameraState(state string)
	IncCameraFrames(count uint64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                 {}
func (noopCollector) ObserveRead(string, time.Duration)   {}
func (noopCollector) SetCollectionRunning(bool)           {}
func (noopCollector) SetCameraState(string)               {}
func (noopCollector) IncCameraFrames(uint64)              {}

// CameraStates lists the label values exported by the camera state gauge.
var CameraStates = []string{"disconnected", "connecting", "streaming", "error"}

// PrometheusCollector exposes console telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads   *prometheus.CounterVec
	reads        *prometheus.CounterVec
	readDuration prometheus.Histogram
	collecting   prometheus.Gauge
	cameraState  *prometheus.GaugeVec
	cameraFrames prometheus.Counter
}

var (
	metricsLock        sync.Mutex
	hotReloadCounter   *prometheus.CounterVec
	readCounter        *prometheus.CounterVec
	readHistogram      prometheus.Histogram
	collectionGauge    prometheus.Gauge
	cameraStateGauge   *prometheus.GaugeVec
	cameraFrameCounter prometheus.Counter
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
// Metrics already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()

	if hotReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_console_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})
		existing, err := register(reg, counter)
		if err != nil {
			return nil, err
		}
		hotReloadCounter = existing.(*prometheus.CounterVec)
	}

	if readCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_console_reads_total",
			Help: "Number of temperature read round trips by outcome.",
		}, []string{"outcome"})
		existing, err := register(reg, counter)
		if err != nil {
			return nil, err
		}
		readCounter = existing.(*prometheus.CounterVec)
	}

	if readHistogram == nil {
		histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_console_read_duration_seconds",
			Help:    "Duration of health check plus temperature fetch round trips.",
			Buckets: prometheus.DefBuckets,
		})
		existing, err := register(reg, histogram)
		if err != nil {
			return nil, err
		}
		readHistogram = existing.(prometheus.Histogram)
	}

	if collectionGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_console_collection_running",
			Help: "1 while periodic collection is running, 0 otherwise.",
		})
		existing, err := register(reg, gauge)
		if err != nil {
			return nil, err
		}
		collectionGauge = existing.(prometheus.Gauge)
	}

	if cameraStateGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_console_camera_state",
			Help: "Camera session state; the active state reports 1.",
		}, []string{"state"})
		existing, err := register(reg, gauge)
		if err != nil {
			return nil, err
		}
		cameraStateGauge = existing.(*prometheus.GaugeVec)
	}

	if cameraFrameCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_console_camera_frames_total",
			Help: "Number of MJPEG frames received from the camera stream.",
		})
		existing, err := register(reg, counter)
		if err != nil {
			return nil, err
		}
		cameraFrameCounter = existing.(prometheus.Counter)
	}

	return &PrometheusCollector{
		hotReloads:   hotReloadCounter,
		reads:        readCounter,
		readDuration: readHistogram,
		collecting:   collectionGauge,
		cameraState:  cameraStateGauge,
		cameraFrames: cameraFrameCounter,
	}, nil
}

// register adds c to reg, returning the already registered collector when an
// identical one exists.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveRead records the outcome and duration of a read round trip.
func (p *PrometheusCollector) ObserveRead(outcome string, duration time.Duration) {
	if p == nil || p.reads == nil {
		return
	}
	p.reads.WithLabelValues(outcome).Inc()
	if p.readDuration != nil {
		p.readDuration.Observe(duration.Seconds())
	}
}

// SetCollectionRunning mirrors the scheduler mode.
func (p *PrometheusCollector) SetCollectionRunning(running bool) {
	if p == nil || p.collecting == nil {
		return
	}
	if running {
		p.collecting.Set(1)
		return
	}
	p.collecting.Set(0)
}

// SetCameraState marks state as active and every other known state as inactive.
func (p *PrometheusCollector) SetCameraState(state string) {
	if p == nil || p.cameraState == nil {
		return
	}
	for _, known := range CameraStates {
		value := 0.0
		if known == state {
			value = 1
		}
		p.cameraState.WithLabelValues(known).Set(value)
	}
}

// IncCameraFrames adds count received frames.
func (p *PrometheusCollector) IncCameraFrames(count uint64) {
	if p == nil || p.cameraFrames == nil || count == 0 {
		return
	}
	p.cameraFrames.Add(float64(count))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/drivers/mjpeg"
	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/telemetry"
)

// CameraState enumerates the camera session states.
type CameraState string

const (
	CameraDisconnected CameraState = "disconnected"
	CameraConnecting   CameraState = "connecting"
	CameraStreaming    CameraState = "streaming"
	CameraError        CameraState = "error"
)

// Label is the operator-facing state pill text.
func (s CameraState) Label() string {
	switch s {
	case CameraConnecting:
		return "Connecting"
	case CameraStreaming:
		return "Streaming"
	case CameraError:
		return "Error"
	default:
		return "Disconnected"
	}
}

// Overlay is the text shown over the video surface.
func (s CameraState) Overlay() string {
	switch s {
	case CameraStreaming:
		return ""
	case CameraConnecting:
		return "Connecting..."
	case CameraError:
		return "Error"
	default:
		return "Not connected"
	}
}

// ViewMode controls how the video is fitted into its frame.
type ViewMode string

const (
	ViewContain ViewMode = "contain"
	ViewCover   ViewMode = "cover"
)

// ParseViewMode accepts contain or cover.
func ParseViewMode(raw string) (ViewMode, error) {
	switch ViewMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ViewContain:
		return ViewContain, nil
	case ViewCover:
		return ViewCover, nil
	}
	return "", fmt.Errorf("invalid view mode %q", raw)
}

// StreamLoadError reports a failure to establish the video stream.
type StreamLoadError struct {
	URL string
	Err error
}

func (e *StreamLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.URL, e.Err)
}

func (e *StreamLoadError) Unwrap() error {
	return e.Err
}

// CameraStatus is a snapshot of the camera session.
type CameraStatus struct {
	State         CameraState `json:"state"`
	Label         string      `json:"label"`
	StatusText    string      `json:"status_text"`
	Overlay       string      `json:"overlay"`
	ViewMode      ViewMode    `json:"view_mode"`
	URL           string      `json:"url,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Frames        uint64      `json:"frames"`
	Bytes         uint64      `json:"bytes"`
	BytesText     string      `json:"bytes_text"`
	StreamFrames  uint64      `json:"stream_frames"`
	StreamBytes   uint64      `json:"stream_bytes"`
	LastFrameAt   *time.Time  `json:"last_frame_at,omitempty"`
	Attempts      uint64      `json:"attempts"`
	CanConnect    bool        `json:"can_connect"`
	CanDisconnect bool        `json:"can_disconnect"`
}

type frameSource interface {
	Next() (mjpeg.Frame, error)
	Stats() (frames, bytes uint64)
	Close() error
}

type streamOpener func(ctx context.Context, url string) (frameSource, error)

func httpStreamOpener(client *http.Client) streamOpener {
	return func(ctx context.Context, url string) (frameSource, error) {
		return mjpeg.Open(ctx, client, url)
	}
}

// streamResource is one connect attempt. Its load and error handlers fire at
// most once between them and are cleared on detach.
type streamResource struct {
	url    string
	cancel context.CancelFunc

	mu      sync.Mutex
	onLoad  func()
	onError func(error)
	source  frameSource
	closed  bool
}

func (r *streamResource) take() (func(), func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	load, fail := r.onLoad, r.onError
	r.onLoad = nil
	r.onError = nil
	return load, fail
}

func (r *streamResource) fireLoad() {
	if load, _ := r.take(); load != nil {
		load()
	}
}

func (r *streamResource) fireError(err error) {
	if _, fail := r.take(); fail != nil {
		fail(err)
	}
}

func (r *streamResource) attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onLoad != nil || r.onError != nil
}

// setSource binds the opened stream; it reports false and closes src when
// the resource was already released.
func (r *streamResource) setSource(src frameSource) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = src.Close()
		return false
	}
	r.source = src
	r.mu.Unlock()
	return true
}

// stats reports the counters of the bound stream, if any.
func (r *streamResource) stats() (frames, bytes uint64, ok bool) {
	r.mu.Lock()
	src := r.source
	r.mu.Unlock()
	if src == nil {
		return 0, 0, false
	}
	frames, bytes = src.Stats()
	return frames, bytes, true
}

func (r *streamResource) release() {
	r.mu.Lock()
	r.onLoad = nil
	r.onError = nil
	r.closed = true
	src := r.source
	r.source = nil
	r.mu.Unlock()
	r.cancel()
	if src != nil {
		_ = src.Close()
	}
}

type cameraSession struct {
	mu         sync.Mutex
	state      CameraState
	statusText string
	view       ViewMode
	resource   *streamResource
	lastErr    error

	frames      uint64
	bytes       uint64
	lastFrame   []byte
	lastFrameAt time.Time
	attempts    uint64

	videoPath         string
	streamURL         func(token string) string
	open              streamOpener
	newToken          func() string
	firstFrameTimeout time.Duration

	log     activity.Sink
	logger  zerolog.Logger
	metrics telemetry.Collector
}

func newCameraSession(videoPath string, view ViewMode, streamURL func(string) string, open streamOpener, firstFrameTimeout time.Duration, log activity.Sink, logger zerolog.Logger) *cameraSession {
	if view == "" {
		view = ViewContain
	}
	if firstFrameTimeout <= 0 {
		firstFrameTimeout = 10 * time.Second
	}
	return &cameraSession{
		state:             CameraDisconnected,
		statusText:        "No stream connected.",
		view:              view,
		videoPath:         videoPath,
		streamURL:         streamURL,
		open:              open,
		newToken:          uuid.NewString,
		firstFrameTimeout: firstFrameTimeout,
		log:               log,
		logger:            logger.With().Str("component", "camera").Logger(),
		metrics:           telemetry.Noop(),
	}
}

func (c *cameraSession) setStateLocked(state CameraState, text string) {
	c.state = state
	c.statusText = text
	c.metrics.SetCameraState(string(state))
}

// Connect resets the session and starts a new stream attempt. The previous
// resource is released in the same critical section that installs the new one.
func (c *cameraSession) Connect() {
	c.mu.Lock()
	c.releaseLocked()
	url := c.streamURL(c.newToken())
	ctx, cancel := context.WithCancel(context.Background())
	res := &streamResource{url: url, cancel: cancel}
	res.onLoad = func() { c.handleLoad(res) }
	res.onError = func(err error) { c.handleError(res, err) }
	c.resource = res
	c.lastErr = nil
	c.attempts++
	c.setStateLocked(CameraConnecting, fmt.Sprintf("Connecting to %s ...", c.videoPath))
	c.mu.Unlock()

	c.log.Add("Camera: Disconnected")
	c.logger.Debug().Str("url", url).Msg("connecting stream")
	go c.load(ctx, res)
}

// Disconnect detaches the current attempt and returns to disconnected. It is
// valid from every state.
func (c *cameraSession) Disconnect() {
	c.shutdown()
	c.log.Add("Camera: Disconnected")
}

func (c *cameraSession) releaseLocked() {
	res := c.resource
	c.resource = nil
	if res != nil {
		res.release()
	}
	c.setStateLocked(CameraDisconnected, "No stream connected.")
}

// shutdown releases the current attempt without reporting to the activity log.
func (c *cameraSession) shutdown() {
	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()
}

// SetViewMode changes the view fit without touching the connection.
func (c *cameraSession) SetViewMode(raw string) (ViewMode, error) {
	mode, err := ParseViewMode(raw)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.view = mode
	c.mu.Unlock()
	c.log.Add(fmt.Sprintf("Camera: view set to %s", mode))
	return mode, nil
}

// ApplyView logs the current view mode, as done when streaming starts.
func (c *cameraSession) ApplyView() {
	c.mu.Lock()
	mode := c.view
	c.mu.Unlock()
	c.log.Add(fmt.Sprintf("Camera: view set to %s", mode))
}

func (c *cameraSession) load(ctx context.Context, res *streamResource) {
	timeout := c.firstFrameTimeout
	timer := time.AfterFunc(timeout, func() {
		res.fireError(fmt.Errorf("no frame within %s", timeout))
		res.cancel()
	})

	src, err := c.open(ctx, res.url)
	if err != nil {
		timer.Stop()
		res.fireError(err)
		return
	}
	if !res.setSource(src) {
		timer.Stop()
		return
	}

	frame, err := src.Next()
	timer.Stop()
	if err != nil {
		res.fireError(err)
		_ = src.Close()
		return
	}
	c.recordFrame(res, frame)
	res.fireLoad()

	for {
		frame, err := src.Next()
		if err != nil {
			_ = src.Close()
			c.handleInterrupted(res, err)
			return
		}
		c.recordFrame(res, frame)
	}
}

func (c *cameraSession) recordFrame(res *streamResource, frame mjpeg.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resource != res {
		return
	}
	c.frames++
	c.bytes += uint64(len(frame.Data))
	c.lastFrame = frame.Data
	c.lastFrameAt = frame.Received
	c.metrics.IncCameraFrames(1)
}

func (c *cameraSession) handleLoad(res *streamResource) {
	c.mu.Lock()
	if c.resource != res {
		c.mu.Unlock()
		return
	}
	view := c.view
	c.setStateLocked(CameraStreaming, fmt.Sprintf("Streaming: %s", c.videoPath))
	c.mu.Unlock()
	c.log.Add(fmt.Sprintf("Camera: view set to %s", view))
	c.log.Add("Camera: Connected (MJPEG)")
}

func (c *cameraSession) handleError(res *streamResource, err error) {
	loadErr := &StreamLoadError{URL: res.url, Err: err}
	c.mu.Lock()
	if c.resource != res {
		c.mu.Unlock()
		return
	}
	c.lastErr = loadErr
	c.setStateLocked(CameraError, fmt.Sprintf("Failed to load MJPEG stream from %s", c.videoPath))
	c.mu.Unlock()
	c.logger.Warn().Err(loadErr).Msg("stream load failed")
	c.log.Warn(fmt.Sprintf("Camera: Connect failed (%s).", describeStreamError(err)))
}

func (c *cameraSession) handleInterrupted(res *streamResource, err error) {
	detail := describeStreamError(err)
	c.mu.Lock()
	if c.resource != res || c.state != CameraStreaming {
		c.mu.Unlock()
		return
	}
	c.lastErr = &StreamLoadError{URL: res.url, Err: err}
	c.setStateLocked(CameraError, fmt.Sprintf("Stream interrupted: %s", detail))
	c.mu.Unlock()
	c.log.Warn(fmt.Sprintf("Camera: Stream interrupted: %s", detail))
}

func describeStreamError(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

// LastFrame returns a copy of the latest JPEG frame.
func (c *cameraSession) LastFrame() ([]byte, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastFrame) == 0 {
		return nil, time.Time{}, false
	}
	out := make([]byte, len(c.lastFrame))
	copy(out, c.lastFrame)
	return out, c.lastFrameAt, true
}

// State returns the current state.
func (c *cameraSession) State() CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the session.
func (c *cameraSession) Status() CameraStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := CameraStatus{
		State:         c.state,
		Label:         c.state.Label(),
		StatusText:    c.statusText,
		Overlay:       c.state.Overlay(),
		ViewMode:      c.view,
		Frames:        c.frames,
		Bytes:         c.bytes,
		BytesText:     humanize.Bytes(c.bytes),
		Attempts:      c.attempts,
		CanConnect:    c.state != CameraConnecting && c.state != CameraStreaming,
		CanDisconnect: c.state == CameraConnecting || c.state == CameraStreaming,
	}
	if c.resource != nil {
		status.URL = c.resource.url
		if frames, bytes, ok := c.resource.stats(); ok {
			status.StreamFrames = frames
			status.StreamBytes = bytes
		}
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	if !c.lastFrameAt.IsZero() {
		ts := c.lastFrameAt
		status.LastFrameAt = &ts
	}
	return status
}

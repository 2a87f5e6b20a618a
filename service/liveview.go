package service

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/runtime/state"
)

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

type unitsRequest struct {
	Units string `json:"units"`
}

type viewRequest struct {
	Mode string `json:"mode"`
}

type powerRequest struct {
	On *bool `json:"on"`
}

type readResponse struct {
	Display state.Display `json:"display"`
	Error   string        `json:"error,omitempty"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Line      string    `json:"line"`
	Warning   bool      `json:"warning,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	server := &liveViewServer{logger: logger, service: svc}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: server.routes(), ReadHeaderTimeout: 10 * time.Second}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/metrics", promhttp.HandlerFor(s.service.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/read", s.handleRead)
		r.Post("/collection/start", s.handleCollectionStart)
		r.Post("/collection/stop", s.handleCollectionStop)
		r.Put("/collection/interval", s.handleCollectionInterval)
		r.Put("/units", s.handleUnits)
		r.Get("/log", s.handleLog)
		r.Delete("/log", s.handleLogClear)
		r.Get("/log/stream", s.handleLogStream)
		r.Post("/camera/connect", s.handleCameraConnect)
		r.Post("/camera/disconnect", s.handleCameraDisconnect)
		r.Put("/camera/view", s.handleCameraView)
		r.Get("/camera/frame", s.handleCameraFrame)
		r.Post("/power", s.handlePower)
	})
	return r
}

func (s *liveViewServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("console request")
	})
}

func (s *liveViewServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode console response")
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Snapshot())
}

func (s *liveViewServer) handleRead(w http.ResponseWriter, r *http.Request) {
	display, err := s.service.ReadOnce(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, readResponse{Display: display, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, readResponse{Display: display})
}

func (s *liveViewServer) handleCollectionStart(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.service.StartCollection(req.Interval))
}

func (s *liveViewServer) handleCollectionStop(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.StopCollection())
}

func (s *liveViewServer) handleCollectionInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.SetInterval(req.Interval))
}

func (s *liveViewServer) handleUnits(w http.ResponseWriter, r *http.Request) {
	var req unitsRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if _, err := s.service.SetUnits(req.Units); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Display())
}

func (s *liveViewServer) toLogEntry(entry activity.Entry) logEntry {
	return logEntry{
		Timestamp: entry.Timestamp,
		Message:   entry.Message,
		Line:      entry.Format(s.service.loc),
		Warning:   entry.Warning,
	}
}

func (s *liveViewServer) handleLog(w http.ResponseWriter, r *http.Request) {
	entries := s.service.Log().Entries()
	out := make([]logEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, s.toLogEntry(entry))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *liveViewServer) handleLogClear(w http.ResponseWriter, r *http.Request) {
	s.service.ClearLog()
	w.WriteHeader(http.StatusNoContent)
}

func (s *liveViewServer) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("log stream upgrade failed")
		return
	}
	defer conn.Close()

	entries, unsubscribe := s.service.Log().Subscribe(64)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-s.service.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(s.toLogEntry(entry)); err != nil {
				s.logger.Debug().Err(err).Msg("log stream write failed")
				return
			}
		}
	}
}

func (s *liveViewServer) handleCameraConnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ConnectCamera())
}

func (s *liveViewServer) handleCameraDisconnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.DisconnectCamera())
}

func (s *liveViewServer) handleCameraView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	status, err := s.service.SetViewMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *liveViewServer) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	frame, received, ok := s.service.CameraFrame()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Last-Modified", received.UTC().Format(http.TimeFormat))
	_, _ = w.Write(frame)
}

func (s *liveViewServer) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := decodeBody(r, &req); err != nil || req.On == nil {
		http.Error(w, "on flag required", http.StatusBadRequest)
		return
	}
	ack, err := s.service.SetPower(r.Context(), *req.On)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"power_on": ack})
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Edge Console</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
section { background: #fff; border: 1px solid #ddd; border-radius: 6px; padding: 1rem; margin-bottom: 1rem; }
.controls { display: flex; flex-wrap: wrap; gap: 0.5rem; align-items: center; margin-bottom: 0.5rem; }
.pill { padding: 0.2rem 0.6rem; border-radius: 1rem; background: #bdbdbd; color: #fff; }
.pill[data-state="running"], .pill[data-state="streaming"] { background: #4caf50; }
.pill[data-state="connecting"] { background: #29b6f6; }
.pill[data-state="error"] { background: #ef5350; }
#temp { font-size: 2.5rem; }
#camFrame { position: relative; width: 640px; height: 360px; background: #222; }
#camFrame img { width: 100%; height: 100%; }
#camOverlay { position: absolute; inset: 0; display: grid; place-items: center; color: #fff; }
#log { height: 14rem; overflow-y: auto; background: #111; color: #ddd; padding: 0.5rem; font-family: monospace; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>Edge Console</h1>
<section>
  <div class="controls">
    <button id="readOnce">Read Once</button>
    <input id="interval" type="number" min="1" value="2"> s
    <button id="start">Start</button>
    <button id="stop">Stop</button>
    <span id="runPill" class="pill" data-state="stopped">Stopped</span>
    <select id="units"><option value="C">°C</option><option value="F">°F</option></select>
    <label><input id="power" type="checkbox"> Power</label>
  </div>
  <div><span id="temp">— —</span> <span id="unit">°C</span></div>
  <div>Timestamp: <span id="ts">—</span> <span id="age"></span></div>
</section>
<section>
  <div class="controls">
    <button id="camConnect">Connect</button>
    <button id="camDisconnect" disabled>Disconnect</button>
    <select id="camView"><option value="contain">contain</option><option value="cover">cover</option></select>
    <span id="camPill" class="pill" data-state="disconnected">Disconnected</span>
  </div>
  <div id="camFrame"><img id="camImg" alt=""><div id="camOverlay">Not connected</div></div>
  <div id="camStatus">No stream connected.</div>
</section>
<section>
  <div class="controls"><strong>Activity</strong><button id="clearLog">Clear</button></div>
  <div id="log"></div>
</section>
<script>
const $ = (id) => document.getElementById(id);
async function call(method, path, body) {
  const opts = { method, headers: {} };
  if (body !== undefined) { opts.headers["Content-Type"] = "application/json"; opts.body = JSON.stringify(body); }
  const res = await fetch(path, opts);
  if (res.status === 204) return null;
  const type = res.headers.get("Content-Type") || "";
  return type.includes("json") ? res.json() : res.text();
}
function render(state) {
  const c = state.collection;
  $("runPill").dataset.state = c.mode;
  $("runPill").textContent = c.running ? "Running" : "Stopped";
  if (document.activeElement !== $("interval")) $("interval").value = c.interval_input;
  $("units").value = state.units;
  $("temp").textContent = state.display.value;
  $("unit").textContent = state.display.unit;
  $("ts").textContent = state.display.timestamp;
  $("age").textContent = state.display.age ? "(" + state.display.age + ")" : "";
  const cam = state.camera;
  $("camPill").dataset.state = cam.state;
  $("camPill").textContent = cam.label;
  $("camOverlay").textContent = cam.overlay;
  $("camOverlay").style.display = cam.state === "streaming" ? "none" : "grid";
  $("camImg").style.objectFit = cam.view_mode;
  $("camView").value = cam.view_mode;
  $("camStatus").textContent = cam.status_text;
  $("camConnect").disabled = !cam.can_connect;
  $("camDisconnect").disabled = !cam.can_disconnect;
  if (cam.state === "streaming") $("camImg").src = "/api/camera/frame?t=" + Date.now();
  if (state.power !== undefined) $("power").checked = state.power;
}
async function refresh() { render(await call("GET", "/api/state")); }
function appendLog(entry) {
  const log = $("log");
  log.textContent += entry.line + "\n";
  log.scrollTop = log.scrollHeight;
}
$("readOnce").onclick = () => call("POST", "/api/read").then(refresh);
$("start").onclick = () => call("POST", "/api/collection/start", { interval: $("interval").value }).then(refresh);
$("stop").onclick = () => call("POST", "/api/collection/stop").then(refresh);
$("interval").onchange = () => call("PUT", "/api/collection/interval", { interval: $("interval").value }).then(refresh);
$("units").onchange = () => call("PUT", "/api/units", { units: $("units").value }).then(refresh);
$("power").onchange = () => call("POST", "/api/power", { on: $("power").checked }).then(refresh);
$("camConnect").onclick = () => call("POST", "/api/camera/connect").then(refresh);
$("camDisconnect").onclick = () => call("POST", "/api/camera/disconnect").then(refresh);
$("camView").onchange = () => call("PUT", "/api/camera/view", { mode: $("camView").value }).then(refresh);
$("clearLog").onclick = () => call("DELETE", "/api/log").then(() => { $("log").textContent = ""; });
call("GET", "/api/log").then((entries) => entries.forEach(appendLog));
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/log/stream");
ws.onmessage = (ev) => appendLog(JSON.parse(ev.data));
refresh();
setInterval(refresh, 1000);
</script>
</body>
</html>
`))

// Package httpapi is the local operator API: start, stop and undo jobs,
// read class logs and delivery reports, and edit pacing settings.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaybot/internal/dispatch"
	"relaybot/internal/job"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/telemetry"
	logx "relaybot/pkg/logx"
)

// Engine is the per-class surface the API drives.
type Engine interface {
	Run(ctx context.Context, spec job.Spec) dispatch.Result
	Undo(ctx context.Context) dispatch.Result
	Stop() bool
	Controller() *dispatch.Controller
	Feed() *logx.Feed
}

// Spawner runs background work tied to the app lifetime.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
	Snapshot() []supervisor.Stats
}

type Deps struct {
	Engines  map[job.Class]Engine
	Store    storage.Store
	Settings *settings.Store
	Spawn    Spawner
	Log      logx.Logger

	// Token guards every route except /healthz when set.
	Token string
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool

	// Optional status contributors.
	PendingAcks func() int
	Connected   func() bool
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	d Deps
}

func New(d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Server{d: d}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(s.d.Token))

		r.Mount("/metrics", telemetry.Handler())
		if s.d.Profiling {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Route("/classes/{class}", func(r chi.Router) {
			r.Post("/dispatch", s.handleDispatch)
			r.Post("/stop", s.handleStop)
			r.Post("/undo", s.handleUndo)
			r.Get("/log", s.handleLog)
			r.Get("/deliveries", s.handleDeliveries)
		})
	})
	return r
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (job.Class, Engine, bool) {
	class, err := job.ParseClass(chi.URLParam(r, "class"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", nil, false
	}
	eng, ok := s.d.Engines[class]
	if !ok {
		http.Error(w, "class not served", http.StatusNotFound)
		return "", nil, false
	}
	return class, eng, true
}

type dispatchRequest struct {
	Message       string            `json:"message"`
	SendAsContact bool              `json:"sendAsContact"`
	Attachments   map[string]string `json:"attachments"`
	Tags          []string          `json:"tags"`
	RecipientFile string            `json:"recipientFile"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	class, eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	payload := job.NewPayload(req.Message, req.SendAsContact)
	if payload.Empty() && len(req.Attachments) == 0 {
		http.Error(w, "message or attachments required", http.StatusBadRequest)
		return
	}
	if len(req.Tags) == 0 {
		http.Error(w, "tags are required (use [\"All\"] for everyone)", http.StatusBadRequest)
		return
	}
	if eng.Controller().Busy() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	spec := job.Spec{
		Payload:       payload,
		Attachments:   req.Attachments,
		Tags:          req.Tags,
		Origin:        job.OriginLocal,
		RecipientFile: req.RecipientFile,
	}
	s.spawn("dispatch."+string(class), func(ctx context.Context) { eng.Run(ctx, spec) })
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "fingerprint": spec.Fingerprint()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	if !eng.Stop() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	class, eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	if eng.Controller().Busy() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	s.spawn("undo."+string(class), func(ctx context.Context) { eng.Undo(ctx) })
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) spawn(name string, fn func(ctx context.Context)) {
	if s.d.Spawn != nil {
		s.d.Spawn.Go0(name, fn)
		return
	}
	go fn(context.Background())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": eng.Feed().Lines()})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	class, _, ok := s.engine(w, r)
	if !ok {
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().Format(storage.DayLayout)
	}
	if _, err := time.Parse(storage.DayLayout, day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	rows, err := s.d.Store.Deliveries(r.Context(), class, day)
	if err != nil {
		s.d.Log.Warn("delivery log read failed", logx.String("class", string(class)), logx.Err(err))
		http.Error(w, "failed to read delivery log", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []storage.DeliveryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "items": rows})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	classes := map[string]dispatch.Status{}
	for class, eng := range s.d.Engines {
		classes[string(class)] = eng.Controller().Status()
	}
	out := map[string]any{"classes": classes}
	if s.d.PendingAcks != nil {
		out["pending_acks"] = s.d.PendingAcks()
	}
	if s.d.Connected != nil {
		out["control_plane_connected"] = s.d.Connected()
	}
	if s.d.Spawn != nil {
		out["workers"] = s.d.Spawn.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.d.Settings == nil {
		writeJSON(w, http.StatusOK, settings.Defaults())
		return
	}
	writeJSON(w, http.StatusOK, s.d.Settings.Load())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.d.Settings == nil {
		http.Error(w, "settings store not configured", http.StatusServiceUnavailable)
		return
	}
	var p settings.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cur, err := s.d.Settings.Save(p)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

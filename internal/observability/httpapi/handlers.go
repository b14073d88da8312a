package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"gputracker/internal/domain"
	"gputracker/internal/notify"
	rtsup "gputracker/internal/runtime/supervisor"
	"gputracker/internal/task/scheduler"
	logx "gputracker/pkg/logx"
)

// Scheduler is the control side of *scheduler.Service.
type Scheduler interface {
	Health() scheduler.Health
	RunNow() bool
}

type History interface {
	LatestPrices(ctx context.Context, productID int64, limit int) ([]domain.PriceHistoryEntry, error)
	PriceChanges(ctx context.Context, since time.Time) ([]domain.PriceChange, error)
}

// Channels is the test side of *notify.Dispatcher.
type Channels interface {
	Test(ctx context.Context, name string) error
	TestAll(ctx context.Context) []notify.TestResult
}

// Runtime reports the app's supervised goroutines.
type Runtime interface {
	Snapshot() rtsup.Snapshot
}

// Deps are optional; a nil dependency turns its routes into 503s.
type Deps struct {
	Scheduler Scheduler
	History   History
	Channels  Channels
	Metrics   http.Handler
}

const (
	defaultPriceLimit = 10
	maxPriceLimit     = 500
	defaultHours      = 24
)

type errorBody struct {
	Error string `json:"error"`
}

type healthBody struct {
	Status      string        `json:"status"`
	Initialized bool          `json:"initialized"`
	Uptime      float64       `json:"uptime"`
	Running     bool          `json:"running"`
	LastCycle   *cycleBody    `json:"last_cycle,omitempty"`
	Goroutines  []rtsup.Stats `json:"goroutines,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type cycleBody struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Started    time.Time `json:"started"`
	DurationMs int64     `json:"duration_ms"`
	Checked    int       `json:"checked"`
	Failed     int       `json:"failed"`
	Fired      int       `json:"fired"`
	Sent       int       `json:"sent"`
	Error      string    `json:"error,omitempty"`
}

// Handler builds the route table for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("POST /api/check", wrap(s.check))
	mux.HandleFunc("GET /api/products/{id}/prices", wrap(s.prices))
	mux.HandleFunc("GET /api/price-changes", wrap(s.priceChanges))
	mux.HandleFunc("POST /api/channels/test", wrap(s.testChannels))

	if cfg.Metrics && s.deps.Metrics != nil {
		mux.Handle("GET /metrics", wrap(s.deps.Metrics.ServeHTTP))
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if s.deps.Scheduler != nil {
		h := s.deps.Scheduler.Health()
		body.Initialized = h.Initialized
		body.Uptime = h.Uptime.Seconds()
		body.Running = h.Running
		if c := h.LastCycle; c != nil {
			body.LastCycle = &cycleBody{
				ID:         c.ID,
				Trigger:    c.Trigger,
				Started:    c.Started,
				DurationMs: c.Duration.Milliseconds(),
				Checked:    c.Checked,
				Failed:     c.Failed,
				Fired:      c.Fired,
				Sent:       c.Sent,
			}
			if c.Err != nil {
				body.LastCycle.Error = c.Err.Error()
			}
		}
	}
	if rt := s.runtime(); rt != nil {
		snap := rt.Snapshot()
		body.Goroutines = snap.Goroutines
		if snap.FirstError != "" {
			body.Status = "degraded"
			body.Error = snap.FirstError
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	sch := s.deps.Scheduler
	if sch == nil || !sch.Health().Initialized {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Application not initialized"})
		return
	}
	if !sch.RunNow() {
		writeJSON(w, http.StatusConflict, errorBody{Error: "Check already in progress"})
		return
	}
	s.log.Info("manual check started", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "message": "Manual check started"})
}

func (s *Server) prices(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage unavailable"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid product id"})
		return
	}
	limit, ok := intParam(r, "limit", defaultPriceLimit, maxPriceLimit)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	rows, err := s.deps.History.LatestPrices(r.Context(), id, limit)
	if err != nil {
		s.serverError(w, "latest prices", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) priceChanges(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage unavailable"})
		return
	}
	hours, ok := intParam(r, "hours", defaultHours, 24*365)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid hours"})
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	changes, err := s.deps.History.PriceChanges(r.Context(), since)
	if err != nil {
		s.serverError(w, "price changes", err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// testChannels tests ?name=<channel>, or every active channel.
func (s *Server) testChannels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Channels == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "notifications unavailable"})
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeJSON(w, http.StatusOK, s.deps.Channels.TestAll(r.Context()))
		return
	}
	err := s.deps.Channels.Test(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, notify.TestResult{Channel: name, OK: true})
	case errors.Is(err, notify.ErrChannelNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, notify.TestResult{Channel: name, Error: err.Error()})
	}
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Warn("request failed", logx.String("op", op), logx.Err(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

// intParam returns def when name is absent and false when it is present
// but not an integer in [1, hi].
func intParam(r *http.Request, name string, def, hi int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > hi {
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

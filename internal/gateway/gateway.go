// Package gateway is the HTTP surface of the orchestration engine: a REST
// API for the dashboard and a websocket event stream bridged from the
// internal bus.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/netmend/internal/bus"
	"github.com/basket/netmend/internal/cron"
	"github.com/basket/netmend/internal/orchestrator"
	"github.com/basket/netmend/internal/otel"
	"github.com/basket/netmend/internal/playbook"
	"github.com/basket/netmend/internal/simulator"
	"github.com/basket/netmend/internal/storage"
	"github.com/basket/netmend/internal/workflow"
)

const maxRequestBody = 1 << 20 // 1MB

// Config holds the gateway dependencies.
type Config struct {
	Orch      *orchestrator.Orchestrator
	Flow      *workflow.Engine
	Store     *storage.Store
	Sim       *simulator.Simulator
	Playbooks *playbook.Catalog
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in status.
	ConfigFingerprint string

	Version string

	// CronJobs reports the registered background jobs for status, nil when
	// the scheduler is not wired.
	CronJobs func() []cron.JobStatus
}

// Server serves the REST API and the websocket event stream.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, log: logger.With("component", "gateway")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/events", s.handleWSEvents)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)
	mux.HandleFunc("/api/executions", s.handleExecutions)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/playbooks", s.handlePlaybooks)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceByID)
	mux.HandleFunc("/api/incidents", s.handleIncidents)
	mux.HandleFunc("/api/incidents/", s.handleIncidentByID)
	mux.HandleFunc("/api/faults/inject", s.handleInjectFault)
	mux.HandleFunc("/api/scenario", s.handleScenario)
	mux.HandleFunc("/api/scenario/reset", s.handleScenarioReset)

	var h http.Handler = mux
	h = s.instrument(h)
	h = requestSizeLimit(h, maxRequestBody)
	return h
}

// instrument records request durations and spans when telemetry is wired.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Tracer != nil {
			ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer,
				r.Method+" "+r.URL.Path,
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path))
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

func requestSizeLimit(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// authorize checks the bearer token. Always true when no token is set.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	candidate := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	} else if key := r.Header.Get("X-API-Key"); key != "" {
		candidate = key
	} else {
		candidate = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

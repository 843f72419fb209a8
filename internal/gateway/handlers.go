package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/netmend/internal/orchestrator"
	"github.com/basket/netmend/internal/storage"
	"github.com/basket/netmend/internal/workflow"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	st := s.cfg.Orch.Status()
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"running":     st.Running,
		"agent_count": st.AgentsTotal,
		"queue_depth": st.QueueDepth,
		"version":     s.cfg.Version,
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	payload := map[string]any{
		"engine":            s.cfg.Orch.Status(),
		"configFingerprint": s.cfg.ConfigFingerprint,
		"version":           s.cfg.Version,
	}
	if s.cfg.Store != nil {
		if health, err := s.cfg.Store.GetSystemHealth(r.Context()); err == nil {
			payload["systemHealth"] = health
		}
	}
	if s.cfg.Flow != nil {
		payload["workflows"] = s.cfg.Flow.States()
	}
	if s.cfg.Sim != nil {
		payload["activeFaults"] = s.cfg.Sim.ActiveFaults()
	}
	if s.cfg.CronJobs != nil {
		payload["cronJobs"] = s.cfg.CronJobs()
	}
	writeJSON(w, http.StatusOK, payload)
}

type createTaskRequest struct {
	Type       string         `json:"type"`
	Priority   string         `json:"priority"`
	Payload    map[string]any `json:"payload"`
	IncidentID string         `json:"incidentId"`
	DeviceIDs  []string       `json:"deviceIds"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tasks": s.cfg.Orch.ListTasks()})
	case http.MethodPost:
		var req createTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		task, err := s.cfg.Orch.CreateTask(r.Context(), orchestrator.TaskOptions{
			Type:       orchestrator.TaskType(req.Type),
			Priority:   orchestrator.Priority(req.Priority),
			Payload:    req.Payload,
			IncidentID: req.IncidentID,
			DeviceIDs:  req.DeviceIDs,
		})
		switch {
		case errors.Is(err, orchestrator.ErrQueueSaturated):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, http.StatusCreated, task)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	task, ok := s.cfg.Orch.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	payload := map[string]any{"task": task}
	if exec, ok := s.cfg.Orch.ExecutionForTask(id); ok {
		payload["execution"] = exec
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Orch.ListAgents()})
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	agent, ok := s.cfg.Orch.GetAgent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": s.cfg.Orch.Executions()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.cfg.Orch.Events(limit)})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	caps := make(map[string][]string)
	for _, tt := range []orchestrator.TaskType{
		orchestrator.TaskMonitor, orchestrator.TaskAnalyze, orchestrator.TaskDiagnose,
		orchestrator.TaskRemediate, orchestrator.TaskVerify, orchestrator.TaskLearn,
	} {
		types := orchestrator.CapabilitiesFor(tt)
		names := make([]string, 0, len(types))
		for _, at := range types {
			names = append(names, string(at))
		}
		caps[string(tt)] = names
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": s.cfg.Playbooks.List()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	devices, err := s.cfg.Store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	device, err := s.cfg.Store.GetDevice(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{"device": device}
	if trends, terr := s.cfg.Store.MetricTrends(r.Context(), id, 30); terr == nil {
		payload["trends"] = trends
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	incidents, err := s.cfg.Store.ListIncidents(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

// handleIncidentByID serves GET /api/incidents/{id} and
// POST /api/incidents/{id}/analyze.
func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/incidents/")
	if id, found := strings.CutSuffix(rest, "/analyze"); found {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := s.cfg.Orch.TriggerIncidentAnalysis(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "incident not found")
		case errors.Is(err, orchestrator.ErrQueueSaturated):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, task)
		}
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	inc, err := s.cfg.Store.GetIncident(r.Context(), rest)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{"incident": inc}
	if s.cfg.Flow != nil {
		if st, ok := s.cfg.Flow.State(inc.ID); ok {
			payload["workflow"] = st
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type injectFaultRequest struct {
	DeviceID  string `json:"deviceId"`
	FaultType string `json:"faultType"`
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req injectFaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.FaultType == "" {
		writeError(w, http.StatusBadRequest, "deviceId and faultType are required")
		return
	}
	inc, err := s.cfg.Flow.InjectFault(r.Context(), req.DeviceID, req.FaultType)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, inc)
	}
}

func (s *Server) handleScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	payload := map[string]any{
		"faultTypes": workflow.ScenarioFaultTypes(),
	}
	if s.cfg.Sim != nil {
		payload["activeFaults"] = s.cfg.Sim.ActiveFaults()
	}
	if s.cfg.Flow != nil {
		payload["workflows"] = s.cfg.Flow.States()
		if latest, ok := s.cfg.Flow.LatestState(); ok {
			payload["latest"] = latest
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleScenarioReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	if err := s.cfg.Flow.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

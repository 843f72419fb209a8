package orchestrator

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// registry is the fixed roster of typed agents, created at startup and
// never destroyed during a process lifetime. Iteration order is the
// declaration order; findAvailable is first-match, no load balancing.
type registry struct {
	mu     sync.RWMutex
	order  []string
	agents map[string]*Agent
}

func newRegistry() *registry {
	return &registry{agents: make(map[string]*Agent)}
}

func (r *registry) add(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	if a.Status == "" {
		a.Status = AgentStatusIdle
	}
	if a.SuccessRate == 0 {
		a.SuccessRate = 100
	}
	if a.HeartbeatSec <= 0 {
		a.HeartbeatSec = 30
	}
	a.LastActiveAt = time.Now().UTC()
	r.order = append(r.order, a.ID)
	r.agents[a.ID] = a
	return nil
}

// findAvailable returns the first agent, in registry order, whose capability
// is in the allowed set and whose status is active or idle.
func (r *registry) findAvailable(allowed []AgentType) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if a.Status != AgentStatusActive && a.Status != AgentStatusIdle {
			continue
		}
		for _, t := range allowed {
			if a.Type == t {
				return a
			}
		}
	}
	return nil
}

// markAssigned flips an agent to processing and records its current task.
func (r *registry) markAssigned(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.Status = AgentStatusProcessing
	a.CurrentTaskID = taskID
	a.LastActiveAt = time.Now().UTC()
}

// markDone returns an agent to active after a terminal attempt. On success
// the processed count increments and the success rate holds; on failure the
// rate is recomputed as a weighted running average before the count moves.
func (r *registry) markDone(agentID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	if !success {
		prev := float64(a.SuccessRate) / 100.0
		a.SuccessRate = int(math.Round(prev * float64(a.ProcessedTasks) / float64(a.ProcessedTasks+1) * 100))
	}
	a.ProcessedTasks++
	a.Status = AgentStatusActive
	a.CurrentTaskID = ""
	a.LastActiveAt = time.Now().UTC()
}

// release returns an agent to active without counting a terminal attempt.
// Used when a handler failure leads to a retry-requeue.
func (r *registry) release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.Status = AgentStatusActive
	a.CurrentTaskID = ""
	a.LastActiveAt = time.Now().UTC()
}

func (r *registry) get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// typeOf returns the capability of a registered agent.
func (r *registry) typeOf(id string) (AgentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return "", false
	}
	return a.Type, true
}

// list returns a snapshot of all agents in registry order.
func (r *registry) list() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// countByStatus returns how many agents currently hold the given status.
func (r *registry) countByStatus(status AgentStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == status {
			n++
		}
	}
	return n
}

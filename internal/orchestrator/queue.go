package orchestrator

import "sync"

// laneQueue holds admitted tasks in four priority lanes, FIFO within a lane.
// A task occupies at most one lane at a time; the queue stores ids and the
// orchestrator's task table owns the records.
type laneQueue struct {
	mu    sync.Mutex
	lanes map[Priority][]string
}

func newLaneQueue() *laneQueue {
	return &laneQueue{
		lanes: map[Priority][]string{
			PriorityCritical: {},
			PriorityHigh:     {},
			PriorityMedium:   {},
			PriorityLow:      {},
		},
	}
}

// push appends a task id at the tail of its lane.
func (q *laneQueue) push(p Priority, taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[p] = append(q.lanes[p], taskID)
}

// depth returns the total queued count across lanes.
func (q *laneQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// laneDepths returns the per-lane queued counts.
func (q *laneQueue) laneDepths() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Priority]int, len(q.lanes))
	for p, lane := range q.lanes {
		out[p] = len(lane)
	}
	return out
}

// drainDispatchable walks lanes in strict priority order and removes every
// task the pick function accepts. Within a lane the scan runs head to tail;
// a blocked task is skipped and retried on a later tick rather than stalling
// the tasks behind it, so lane FIFO order holds whenever agents are free.
func (q *laneQueue) drainDispatchable(pick func(taskID string) bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dispatched []string
	for _, p := range laneOrder {
		lane := q.lanes[p]
		var remaining []string
		for _, taskID := range lane {
			if pick(taskID) {
				dispatched = append(dispatched, taskID)
			} else {
				remaining = append(remaining, taskID)
			}
		}
		q.lanes[p] = remaining
	}
	return dispatched
}

// remove deletes a task id from its lane if present. Used when a queued
// task's record is invalidated.
func (q *laneQueue) remove(p Priority, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane := q.lanes[p]
	for i, id := range lane {
		if id == taskID {
			q.lanes[p] = append(lane[:i], lane[i+1:]...)
			return true
		}
	}
	return false
}

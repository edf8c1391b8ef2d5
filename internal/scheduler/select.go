package scheduler

import (
	"time"

	"github.com/salazarsebas/iasppt/internal/state"
)

// Criteria are the inputs to eligibility beyond the task and node themselves.
type Criteria struct {
	Now             time.Time
	HeartbeatGrace  time.Duration
	MaxTasksPerNode int
	MinReputation   int
}

// Capacity is the number of tasks a node may hold at once.
func Capacity(n state.NodeRecord, maxTasksPerNode int) int {
	limit := maxTasksPerNode
	if declared := n.Capability.MaxConcurrentTasks; declared > 0 && (limit <= 0 || declared < limit) {
		limit = declared
	}
	return limit
}

func Eligible(task state.TaskRecord, n state.NodeRecord, c Criteria) bool {
	if n.Status != state.NodeActive {
		return false
	}
	if c.Now.Sub(n.LastHeartbeat) > c.HeartbeatGrace {
		return false
	}
	if !n.Capability.Covers(task.Payload.RequiredClass) {
		return false
	}
	if limit := Capacity(n, c.MaxTasksPerNode); limit > 0 && n.AssignedTasks >= limit {
		return false
	}
	if n.Reputation < c.MinReputation {
		return false
	}
	return !task.TimedOut(n.ID)
}

// SelectNode picks among eligible candidates: highest reputation, then fewest
// assigned tasks, then lowest id. It depends on nothing but its arguments.
func SelectNode(_ state.TaskRecord, candidates []state.NodeRecord) (state.NodeRecord, bool) {
	if len(candidates) == 0 {
		return state.NodeRecord{}, false
	}
	best := candidates[0]
	for _, n := range candidates[1:] {
		if better(n, best) {
			best = n
		}
	}
	return best, true
}

func better(a, b state.NodeRecord) bool {
	if a.Reputation != b.Reputation {
		return a.Reputation > b.Reputation
	}
	if a.AssignedTasks != b.AssignedTasks {
		return a.AssignedTasks < b.AssignedTasks
	}
	return a.ID < b.ID
}

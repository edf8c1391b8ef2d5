package state

import (
	"time"

	"cosmossdk.io/math"
)

type NodeStatus string

const (
	NodeRegistered  NodeStatus = "Registered"
	NodeActive      NodeStatus = "Active"
	NodeSuspended   NodeStatus = "Suspended"
	NodeDeactivated NodeStatus = "Deactivated"
)

type TaskStatus string

const (
	TaskPending      TaskStatus = "Pending"
	TaskAssigned     TaskStatus = "Assigned"
	TaskExecuting    TaskStatus = "Executing"
	TaskCompleted    TaskStatus = "Completed"
	TaskFailed       TaskStatus = "Failed"
	TaskCancelled    TaskStatus = "Cancelled"
	TaskReassignable TaskStatus = "Reassignable"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Held reports whether the task occupies a slot on its assignee.
func (s TaskStatus) Held() bool {
	return s == TaskAssigned || s == TaskExecuting
}

// Waiting reports whether the task is waiting for an assignment pass.
func (s TaskStatus) Waiting() bool {
	return s == TaskPending || s == TaskReassignable
}

type Capability struct {
	ComputeClasses     []string `json:"compute_classes"`
	GPUSpecs           string   `json:"gpu_specs,omitempty"`
	CPUSpecs           string   `json:"cpu_specs,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
}

// Covers reports whether the capability satisfies a required compute class.
// An empty requirement is satisfied by any node.
func (c Capability) Covers(class string) bool {
	if class == "" {
		return true
	}
	for _, have := range c.ComputeClasses {
		if have == class {
			return true
		}
	}
	return false
}

type NodeRecord struct {
	ID             string
	Capability     Capability
	Endpoint       string
	PublicKey      string
	Status         NodeStatus
	SuspendReason  string
	Reputation     int
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
	ActiveSince    time.Time
	AssignedTasks  int
	CompletedTasks int
	FailedTasks    int
	TotalEarned    math.Int
	UpdatedAt      time.Time
}

type Payload struct {
	TaskType      string `json:"task_type"`
	ModelRef      string `json:"model_ref"`
	InputRef      string `json:"input_ref"`
	RequiredClass string `json:"required_class,omitempty"`
	Description   string `json:"description,omitempty"`
}

type TaskRecord struct {
	ID                uint64
	Requester         string
	Payload           Payload
	Budget            math.Int
	Priority          int
	Status            TaskStatus
	Assignee          string
	AssignedAt        time.Time
	Deadline          time.Time
	ExecutionDeadline time.Time
	Retries           int
	MaxRetries        int
	TimedOutNodes     []string
	ResultRef         string
	ProofHash         string
	ErrorRef          string
	Reward            math.Int
	SubmittedAt       time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	UpdatedAt         time.Time
}

// TimedOut reports whether node already missed this task.
func (t TaskRecord) TimedOut(nodeID string) bool {
	for _, id := range t.TimedOutNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

type StakeAccount struct {
	NodeID       string
	Locked       math.Int
	Available    math.Int
	TotalSlashed math.Int
	UpdatedAt    time.Time
}

func NewStakeAccount(nodeID string) StakeAccount {
	return StakeAccount{
		NodeID:       nodeID,
		Locked:       math.ZeroInt(),
		Available:    math.ZeroInt(),
		TotalSlashed: math.ZeroInt(),
	}
}

type RewardEntry struct {
	TaskID    uint64
	NodeID    string
	Amount    math.Int
	CreatedAt time.Time
}

type Params struct {
	Paused          bool
	MinStake        math.Int
	MaxTasksPerNode int
	TaskTimeout     time.Duration
	UpdatedAt       time.Time
}

type TaskFilter struct {
	Statuses  []TaskStatus
	Assignee  string
	Requester string
	Limit     int
}

func (f TaskFilter) Match(t TaskRecord) bool {
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.Requester != "" && t.Requester != f.Requester {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

type AuditEventRecord struct {
	ID        int64
	Action    string
	Actor     string
	Resource  string
	Result    string
	Details   string
	PrevHash  string
	EventHash string
	CreatedAt time.Time
}

type AuditQuery struct {
	Limit    int
	Offset   int
	Action   string
	Actor    string
	Resource string
	From     time.Time
	To       time.Time
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Recipient string    `json:"recipient"`
	TaskID    uint64    `json:"task_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

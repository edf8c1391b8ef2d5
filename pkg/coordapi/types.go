// Package coordapi holds the JSON wire types shared by the coordinator HTTP
// API, the node gRPC service, the node daemon and iasctl. Amounts are decimal
// token strings ("1.5"); times are RFC3339.
package coordapi

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Class string `json:"class,omitempty"`
}

type RegisterNodeRequest struct {
	NodeID             string   `json:"node_id,omitempty"`
	ComputeClasses     []string `json:"compute_classes"`
	GPUSpecs           string   `json:"gpu_specs,omitempty"`
	CPUSpecs           string   `json:"cpu_specs,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	Endpoint           string   `json:"endpoint"`
	PublicKey          string   `json:"public_key,omitempty"`
	Stake              string   `json:"stake"`
}

type Node struct {
	NodeID             string   `json:"node_id"`
	Status             string   `json:"status"`
	SuspendReason      string   `json:"suspend_reason,omitempty"`
	Reputation         int      `json:"reputation"`
	Endpoint           string   `json:"endpoint"`
	PublicKey          string   `json:"public_key,omitempty"`
	ComputeClasses     []string `json:"compute_classes"`
	GPUSpecs           string   `json:"gpu_specs,omitempty"`
	CPUSpecs           string   `json:"cpu_specs,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	AssignedTasks      int      `json:"assigned_tasks"`
	CompletedTasks     int      `json:"completed_tasks"`
	FailedTasks        int      `json:"failed_tasks"`
	TotalEarned        string   `json:"total_earned"`
	Stake              *Stake   `json:"stake,omitempty"`
	LastHeartbeat      string   `json:"last_heartbeat"`
	RegisteredAt       string   `json:"registered_at"`
}

type ListNodesResponse struct {
	Nodes []Node `json:"nodes"`
}

type Stake struct {
	NodeID       string `json:"node_id"`
	Locked       string `json:"locked"`
	Available    string `json:"available"`
	TotalSlashed string `json:"total_slashed"`
}

type AmountRequest struct {
	Amount string `json:"amount"`
}

type SubmitTaskRequest struct {
	TaskType      string `json:"task_type"`
	ModelRef      string `json:"model_ref"`
	InputRef      string `json:"input_ref"`
	RequiredClass string `json:"required_class,omitempty"`
	Description   string `json:"description,omitempty"`
	Budget        string `json:"budget"`
	Priority      int    `json:"priority,omitempty"`
	// Deadline is RFC3339. DeadlineSeconds is relative to the call and is
	// used when Deadline is empty.
	Deadline        string `json:"deadline,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
}

type Task struct {
	TaskID            uint64   `json:"task_id"`
	Requester         string   `json:"requester"`
	TaskType          string   `json:"task_type"`
	ModelRef          string   `json:"model_ref"`
	InputRef          string   `json:"input_ref"`
	RequiredClass     string   `json:"required_class,omitempty"`
	Description       string   `json:"description,omitempty"`
	Budget            string   `json:"budget"`
	Priority          int      `json:"priority"`
	Status            string   `json:"status"`
	Assignee          string   `json:"assignee,omitempty"`
	Deadline          string   `json:"deadline"`
	ExecutionDeadline string   `json:"execution_deadline,omitempty"`
	Retries           int      `json:"retries"`
	MaxRetries        int      `json:"max_retries"`
	TimedOutNodes     []string `json:"timed_out_nodes,omitempty"`
	ResultRef         string   `json:"result_ref,omitempty"`
	ErrorRef          string   `json:"error_ref,omitempty"`
	Reward            string   `json:"reward,omitempty"`
	SubmittedAt       string   `json:"submitted_at"`
	AssignedAt        string   `json:"assigned_at,omitempty"`
	StartedAt         string   `json:"started_at,omitempty"`
	CompletedAt       string   `json:"completed_at,omitempty"`
}

type ListTasksResponse struct {
	Returned int    `json:"returned"`
	Tasks    []Task `json:"tasks"`
}

type SubmitResultRequest struct {
	Proof     string `json:"proof"`
	OutputRef string `json:"output_ref"`
}

type SubmitResultResponse struct {
	TaskID    uint64   `json:"task_id"`
	Accepted  bool     `json:"accepted"`
	Reason    string   `json:"reason,omitempty"`
	Reward    string   `json:"reward"`
	Slashed   string   `json:"slashed"`
	Penalized []string `json:"penalized,omitempty"`
	Status    string   `json:"status"`
}

type TaskResultResponse struct {
	TaskID uint64 `json:"task_id"`
	Status string `json:"status"`
	Ref    string `json:"ref,omitempty"`
}

type RewardEntry struct {
	TaskID    uint64 `json:"task_id"`
	NodeID    string `json:"node_id"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type ListRewardsResponse struct {
	NodeID  string        `json:"node_id,omitempty"`
	Total   string        `json:"total"`
	Rewards []RewardEntry `json:"rewards"`
}

type StatsResponse struct {
	ActiveNodes              int     `json:"active_nodes"`
	TotalNodes               int     `json:"total_nodes"`
	PendingTasks             int     `json:"pending_tasks"`
	CompletedTasks           int     `json:"completed_tasks"`
	TotalTasks               int     `json:"total_tasks"`
	AverageCompletionSeconds float64 `json:"average_completion_seconds"`
	TotalStaked              string  `json:"total_staked"`
	TotalRewardsDistributed  string  `json:"total_rewards_distributed"`
}

type Params struct {
	Paused             bool   `json:"paused"`
	MinStake           string `json:"min_stake"`
	MaxTasksPerNode    int    `json:"max_tasks_per_node"`
	TaskTimeoutSeconds int    `json:"task_timeout_seconds"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

type UpdateParamsRequest struct {
	MinStake           *string `json:"min_stake,omitempty"`
	MaxTasksPerNode    *int    `json:"max_tasks_per_node,omitempty"`
	TaskTimeoutSeconds *int    `json:"task_timeout_seconds,omitempty"`
}

type SweepResponse struct {
	Suspended []string `json:"suspended,omitempty"`
	Requeued  []uint64 `json:"requeued,omitempty"`
	Failed    []uint64 `json:"failed,omitempty"`
	Assigned  int      `json:"assigned"`
}

type Notification struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	TaskID    uint64 `json:"task_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

type NotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

type AuditEvent struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result,omitempty"`
	Details   string `json:"details,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EventHash string `json:"event_hash,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListAuditEventsResponse struct {
	Returned int          `json:"returned"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Events   []AuditEvent `json:"events"`
}

// FormatTime renders t as RFC3339 in UTC, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/supervisor"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

// StatusForError maps an error class to the HTTP status transports report.
func StatusForError(err error) int {
	code := errcode.CodeOf(err)
	switch code {
	case "":
		return http.StatusInternalServerError
	case errcode.RateLimited:
		return http.StatusTooManyRequests
	}
	switch errcode.ClassOf(code) {
	case errcode.ClassValidation:
		return http.StatusBadRequest
	case errcode.ClassAuthorization:
		return http.StatusForbidden
	case errcode.ClassConflict:
		return http.StatusConflict
	case errcode.ClassNotFound:
		return http.StatusNotFound
	case errcode.ClassUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ErrorBody(err error) coordapi.ErrorResponse {
	var e *errcode.Error
	if errors.As(err, &e) {
		return coordapi.ErrorResponse{Error: e.Error(), Code: string(e.Code), Class: string(e.Class)}
	}
	return coordapi.ErrorResponse{Error: err.Error()}
}

func amount(v math.Int) string {
	if v.IsNil() {
		return "0"
	}
	return ledger.FormatTokens(v)
}

// ParseAmount reads a decimal token string. An unparsable amount is an
// InvalidAmount rejection.
func ParseAmount(raw string) (math.Int, error) {
	v, err := ledger.ParseTokens(strings.TrimSpace(raw))
	if err != nil {
		return math.Int{}, errcode.New(errcode.InvalidAmount, "invalid amount %q: %v", raw, err)
	}
	return v, nil
}

func RegisterRequest(in coordapi.RegisterNodeRequest) (coordinator.RegisterRequest, error) {
	stake, err := ParseAmount(in.Stake)
	if err != nil {
		return coordinator.RegisterRequest{}, err
	}
	return coordinator.RegisterRequest{
		Capability: state.Capability{
			ComputeClasses:     in.ComputeClasses,
			GPUSpecs:           in.GPUSpecs,
			CPUSpecs:           in.CPUSpecs,
			MaxConcurrentTasks: in.MaxConcurrentTasks,
		},
		Endpoint:  in.Endpoint,
		PublicKey: in.PublicKey,
		Stake:     stake,
	}, nil
}

func TaskRequest(in coordapi.SubmitTaskRequest, now time.Time) (coordinator.TaskRequest, error) {
	budget, err := ParseAmount(in.Budget)
	if err != nil {
		return coordinator.TaskRequest{}, errcode.New(errcode.InvalidTask, "invalid budget %q", in.Budget)
	}
	deadline := time.Time{}
	switch {
	case strings.TrimSpace(in.Deadline) != "":
		deadline, err = time.Parse(time.RFC3339, strings.TrimSpace(in.Deadline))
		if err != nil {
			return coordinator.TaskRequest{}, errcode.New(errcode.InvalidTask, "deadline must be RFC3339")
		}
	case in.DeadlineSeconds > 0:
		deadline = now.Add(time.Duration(in.DeadlineSeconds) * time.Second)
	}
	priority := in.Priority
	if priority == 0 {
		priority = 2
	}
	return coordinator.TaskRequest{
		Payload: state.Payload{
			TaskType:      in.TaskType,
			ModelRef:      in.ModelRef,
			InputRef:      in.InputRef,
			RequiredClass: in.RequiredClass,
			Description:   in.Description,
		},
		Budget:   budget,
		Priority: priority,
		Deadline: deadline.UTC(),
	}, nil
}

func ParamsUpdate(in coordapi.UpdateParamsRequest) (coordinator.ParamsUpdate, error) {
	var out coordinator.ParamsUpdate
	if in.MinStake != nil {
		v, err := ParseAmount(*in.MinStake)
		if err != nil {
			return out, errcode.New(errcode.InvalidParams, "invalid min stake %q", *in.MinStake)
		}
		out.MinStake = &v
	}
	out.MaxTasksPerNode = in.MaxTasksPerNode
	if in.TaskTimeoutSeconds != nil {
		d := time.Duration(*in.TaskTimeoutSeconds) * time.Second
		out.TaskTimeout = &d
	}
	return out, nil
}

func NodeToWire(n state.NodeRecord, stake *state.StakeAccount) coordapi.Node {
	out := coordapi.Node{
		NodeID:             n.ID,
		Status:             string(n.Status),
		SuspendReason:      n.SuspendReason,
		Reputation:         n.Reputation,
		Endpoint:           n.Endpoint,
		PublicKey:          n.PublicKey,
		ComputeClasses:     n.Capability.ComputeClasses,
		GPUSpecs:           n.Capability.GPUSpecs,
		CPUSpecs:           n.Capability.CPUSpecs,
		MaxConcurrentTasks: n.Capability.MaxConcurrentTasks,
		AssignedTasks:      n.AssignedTasks,
		CompletedTasks:     n.CompletedTasks,
		FailedTasks:        n.FailedTasks,
		TotalEarned:        amount(n.TotalEarned),
		LastHeartbeat:      coordapi.FormatTime(n.LastHeartbeat),
		RegisteredAt:       coordapi.FormatTime(n.RegisteredAt),
	}
	if stake != nil {
		s := StakeToWire(*stake)
		out.Stake = &s
	}
	return out
}

func NodeViewToWire(v coordinator.NodeView) coordapi.Node {
	return NodeToWire(v.Node, &v.Stake)
}

func StakeToWire(a state.StakeAccount) coordapi.Stake {
	return coordapi.Stake{
		NodeID:       a.NodeID,
		Locked:       amount(a.Locked),
		Available:    amount(a.Available),
		TotalSlashed: amount(a.TotalSlashed),
	}
}

func TaskToWire(t state.TaskRecord) coordapi.Task {
	out := coordapi.Task{
		TaskID:            t.ID,
		Requester:         t.Requester,
		TaskType:          t.Payload.TaskType,
		ModelRef:          t.Payload.ModelRef,
		InputRef:          t.Payload.InputRef,
		RequiredClass:     t.Payload.RequiredClass,
		Description:       t.Payload.Description,
		Budget:            amount(t.Budget),
		Priority:          t.Priority,
		Status:            string(t.Status),
		Assignee:          t.Assignee,
		Deadline:          coordapi.FormatTime(t.Deadline),
		ExecutionDeadline: coordapi.FormatTime(t.ExecutionDeadline),
		Retries:           t.Retries,
		MaxRetries:        t.MaxRetries,
		TimedOutNodes:     t.TimedOutNodes,
		ResultRef:         t.ResultRef,
		ErrorRef:          t.ErrorRef,
		SubmittedAt:       coordapi.FormatTime(t.SubmittedAt),
		AssignedAt:        coordapi.FormatTime(t.AssignedAt),
		StartedAt:         coordapi.FormatTime(t.StartedAt),
		CompletedAt:       coordapi.FormatTime(t.CompletedAt),
	}
	if t.Status == state.TaskCompleted {
		out.Reward = amount(t.Reward)
	}
	return out
}

func TasksToWire(tasks []state.TaskRecord) coordapi.ListTasksResponse {
	out := coordapi.ListTasksResponse{Returned: len(tasks), Tasks: make([]coordapi.Task, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, TaskToWire(t))
	}
	return out
}

func OutcomeToWire(o settlement.Outcome) coordapi.SubmitResultResponse {
	return coordapi.SubmitResultResponse{
		TaskID:    o.Task.ID,
		Accepted:  o.Accepted,
		Reason:    o.Reason,
		Reward:    amount(o.Reward),
		Slashed:   amount(o.Slashed),
		Penalized: o.Penalized,
		Status:    string(o.Task.Status),
	}
}

func RewardsToWire(nodeID string, entries []state.RewardEntry) coordapi.ListRewardsResponse {
	total := math.ZeroInt()
	out := coordapi.ListRewardsResponse{NodeID: nodeID, Rewards: make([]coordapi.RewardEntry, 0, len(entries))}
	for _, e := range entries {
		total = total.Add(e.Amount)
		out.Rewards = append(out.Rewards, coordapi.RewardEntry{
			TaskID:    e.TaskID,
			NodeID:    e.NodeID,
			Amount:    amount(e.Amount),
			CreatedAt: coordapi.FormatTime(e.CreatedAt),
		})
	}
	out.Total = amount(total)
	return out
}

func StatsToWire(s coordinator.Stats) coordapi.StatsResponse {
	return coordapi.StatsResponse{
		ActiveNodes:              s.ActiveNodes,
		TotalNodes:               s.TotalNodes,
		PendingTasks:             s.PendingTasks,
		CompletedTasks:           s.CompletedTasks,
		TotalTasks:               s.TotalTasks,
		AverageCompletionSeconds: s.AverageCompletion.Seconds(),
		TotalStaked:              amount(s.TotalStaked),
		TotalRewardsDistributed:  amount(s.TotalRewards),
	}
}

func ParamsToWire(p state.Params) coordapi.Params {
	return coordapi.Params{
		Paused:             p.Paused,
		MinStake:           amount(p.MinStake),
		MaxTasksPerNode:    p.MaxTasksPerNode,
		TaskTimeoutSeconds: int(p.TaskTimeout / time.Second),
		UpdatedAt:          coordapi.FormatTime(p.UpdatedAt),
	}
}

func SweepToWire(r supervisor.Report) coordapi.SweepResponse {
	return coordapi.SweepResponse{
		Suspended: r.Suspended,
		Requeued:  r.Requeued,
		Failed:    r.Failed,
		Assigned:  len(r.Assignments),
	}
}

func NotificationsToWire(notes []state.Notification) coordapi.NotificationsResponse {
	out := coordapi.NotificationsResponse{Notifications: make([]coordapi.Notification, 0, len(notes))}
	for _, n := range notes {
		out.Notifications = append(out.Notifications, coordapi.Notification{
			ID:        n.ID,
			Kind:      n.Kind,
			TaskID:    n.TaskID,
			NodeID:    n.NodeID,
			Detail:    n.Detail,
			CreatedAt: coordapi.FormatTime(n.CreatedAt),
		})
	}
	return out
}

func ResultToWire(taskID uint64, v settlement.ResultView) coordapi.TaskResultResponse {
	return coordapi.TaskResultResponse{TaskID: taskID, Status: string(v.Status), Ref: v.Ref}
}

func parseStatuses(raw string) ([]state.TaskStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []state.TaskStatus
	for _, part := range strings.Split(raw, ",") {
		s := state.TaskStatus(strings.TrimSpace(part))
		switch s {
		case state.TaskPending, state.TaskAssigned, state.TaskExecuting, state.TaskCompleted,
			state.TaskFailed, state.TaskCancelled, state.TaskReassignable:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("unknown task status %q", part)
		}
	}
	return out, nil
}

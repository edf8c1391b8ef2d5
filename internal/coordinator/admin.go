package coordinator

import (
	"context"
	"fmt"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/state"
)

// Parameter bounds accepted by UpdateParams.
const (
	MinMaxTasksPerNode = 1
	MaxMaxTasksPerNode = 100
	MinTaskTimeout     = 5 * time.Minute
	MaxTaskTimeout     = 24 * time.Hour
)

// ParamsUpdate changes the fields that are set and leaves the rest alone.
type ParamsUpdate struct {
	MinStake        *math.Int
	MaxTasksPerNode *int
	TaskTimeout     *time.Duration
}

func (c *Coordinator) requireOwner(call Call) error {
	if c.owner == "" || call.Caller != c.owner {
		return errcode.New(errcode.NotOwner, "%s is not the owner", call.Caller)
	}
	return nil
}

func (c *Coordinator) Pause(ctx context.Context, call Call) error {
	return c.setPaused(ctx, call, true)
}

func (c *Coordinator) Unpause(ctx context.Context, call Call) error {
	return c.setPaused(ctx, call, false)
}

func (c *Coordinator) setPaused(ctx context.Context, call Call, paused bool) error {
	op := "unpause"
	if paused {
		op = "pause"
	}
	return c.exec(ctx, call, op, true, func(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]state.Notification, error) {
		if err := c.requireOwner(call); err != nil {
			return nil, err
		}
		params.Paused = paused
		params.UpdatedAt = now
		if err := tx.PutParams(ctx, params); err != nil {
			return nil, err
		}
		return nil, tx.AppendAudit(ctx, state.AuditEventRecord{
			Action:    op,
			Actor:     call.Caller,
			Resource:  "params",
			Result:    "ok",
			CreatedAt: now,
		})
	})
}

func (c *Coordinator) UpdateParams(ctx context.Context, call Call, upd ParamsUpdate) (state.Params, error) {
	var out state.Params
	err := c.exec(ctx, call, "update_params", true, func(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]state.Notification, error) {
		if err := c.requireOwner(call); err != nil {
			return nil, err
		}
		if err := ValidateUpdate(upd); err != nil {
			return nil, err
		}
		if upd.MinStake != nil {
			params.MinStake = *upd.MinStake
		}
		if upd.MaxTasksPerNode != nil {
			params.MaxTasksPerNode = *upd.MaxTasksPerNode
		}
		if upd.TaskTimeout != nil {
			params.TaskTimeout = *upd.TaskTimeout
		}
		params.UpdatedAt = now
		if err := tx.PutParams(ctx, params); err != nil {
			return nil, err
		}
		out = params
		var notes []state.Notification
		if upd.MinStake != nil {
			rep, err := c.supervisor.EnforceMinStake(ctx, tx, params, now)
			if err != nil {
				return nil, err
			}
			for _, ev := range rep.Events {
				notes = append(notes, eventNotes(ev, now)...)
			}
		}
		return notes, tx.AppendAudit(ctx, state.AuditEventRecord{
			Action:   "params_updated",
			Actor:    call.Caller,
			Resource: "params",
			Result:   "ok",
			Details: fmt.Sprintf("min_stake=%s max_tasks_per_node=%d task_timeout=%s",
				params.MinStake, params.MaxTasksPerNode, params.TaskTimeout),
			CreatedAt: now,
		})
	})
	return out, err
}

func ValidateUpdate(upd ParamsUpdate) error {
	if upd.MinStake != nil && (upd.MinStake.IsNil() || !upd.MinStake.IsPositive()) {
		return errcode.New(errcode.InvalidParams, "min stake must be greater than zero")
	}
	if upd.MaxTasksPerNode != nil && (*upd.MaxTasksPerNode < MinMaxTasksPerNode || *upd.MaxTasksPerNode > MaxMaxTasksPerNode) {
		return errcode.New(errcode.InvalidParams, "max tasks per node must be within %d..%d", MinMaxTasksPerNode, MaxMaxTasksPerNode)
	}
	if upd.TaskTimeout != nil && (*upd.TaskTimeout < MinTaskTimeout || *upd.TaskTimeout > MaxTaskTimeout) {
		return errcode.New(errcode.InvalidParams, "task timeout must be within %s..%s", MinTaskTimeout, MaxTaskTimeout)
	}
	return nil
}

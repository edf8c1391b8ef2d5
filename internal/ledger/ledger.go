// Package ledger keeps per-node collateral. It owns the StakeAccount table and
// nothing else; callers decide which floor applies to a withdrawal.
package ledger

import (
	"context"
	"fmt"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/state"
)

type Options struct {
	// StrictSlash rejects a slash larger than the locked balance with
	// InsufficientStake instead of slashing to zero.
	StrictSlash bool
}

type Ledger struct {
	strictSlash bool
}

func New(opts Options) *Ledger {
	return &Ledger{strictSlash: opts.StrictSlash}
}

// Account returns the node's stake account, or an empty one.
func (l *Ledger) Account(ctx context.Context, tx state.Tx, nodeID string) (state.StakeAccount, error) {
	acct, ok, err := tx.GetStake(ctx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	if !ok {
		return state.NewStakeAccount(nodeID), nil
	}
	return acct, nil
}

func (l *Ledger) Deposit(ctx context.Context, tx state.Tx, nodeID string, amount math.Int, now time.Time) (state.StakeAccount, error) {
	if !positive(amount) {
		return state.StakeAccount{}, errcode.New(errcode.InvalidAmount, "deposit must be greater than zero")
	}
	acct, err := l.Account(ctx, tx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	acct.Locked = acct.Locked.Add(amount)
	acct.UpdatedAt = now
	if err := tx.PutStake(ctx, acct); err != nil {
		return state.StakeAccount{}, err
	}
	observability.Default.IncCounter("stake_deposits_total", nil, 1)
	return acct, nil
}

// Withdraw pays out of the available balance first and then out of locked
// stake, which may not fall below floor.
func (l *Ledger) Withdraw(ctx context.Context, tx state.Tx, nodeID string, amount, floor math.Int, now time.Time) (state.StakeAccount, error) {
	if !positive(amount) {
		return state.StakeAccount{}, errcode.New(errcode.InvalidAmount, "withdrawal must be greater than zero")
	}
	acct, err := l.Account(ctx, tx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	if amount.LTE(acct.Available) {
		acct.Available = acct.Available.Sub(amount)
	} else {
		excess := amount.Sub(acct.Available)
		if excess.GT(acct.Locked) {
			return state.StakeAccount{}, errcode.New(errcode.InsufficientBalance,
				"requested %s exceeds available %s plus locked %s", amount, acct.Available, acct.Locked)
		}
		if acct.Locked.Sub(excess).LT(floor) {
			return state.StakeAccount{}, errcode.New(errcode.NodeActive,
				"withdrawal would drop locked stake below the minimum %s while the node is bonded", floor)
		}
		acct.Locked = acct.Locked.Sub(excess)
		acct.Available = math.ZeroInt()
	}
	acct.UpdatedAt = now
	if err := tx.PutStake(ctx, acct); err != nil {
		return state.StakeAccount{}, err
	}
	observability.Default.IncCounter("stake_withdrawals_total", nil, 1)
	return acct, nil
}

type SlashRequest struct {
	NodeID string
	Amount math.Int
	Reason string
	TaskID uint64
}

// Slash burns locked stake and records an audit event. It returns the amount
// actually removed, which is smaller than requested when the locked balance
// runs out and strict mode is off.
func (l *Ledger) Slash(ctx context.Context, tx state.Tx, req SlashRequest, now time.Time) (math.Int, state.StakeAccount, error) {
	if !positive(req.Amount) {
		return math.ZeroInt(), state.StakeAccount{}, errcode.New(errcode.InvalidAmount, "slash must be greater than zero")
	}
	acct, err := l.Account(ctx, tx, req.NodeID)
	if err != nil {
		return math.ZeroInt(), state.StakeAccount{}, err
	}
	slashed := req.Amount
	if slashed.GT(acct.Locked) {
		if l.strictSlash {
			return math.ZeroInt(), state.StakeAccount{}, errcode.New(errcode.InsufficientStake,
				"slash %s exceeds locked stake %s", req.Amount, acct.Locked)
		}
		slashed = acct.Locked
	}
	acct.Locked = acct.Locked.Sub(slashed)
	acct.TotalSlashed = acct.TotalSlashed.Add(slashed)
	acct.UpdatedAt = now
	if err := tx.PutStake(ctx, acct); err != nil {
		return math.ZeroInt(), state.StakeAccount{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "stake_slashed",
		Actor:     "settlement",
		Resource:  "node/" + req.NodeID,
		Result:    "applied",
		Details:   fmt.Sprintf("requested=%s slashed=%s task=%d reason=%s", req.Amount, slashed, req.TaskID, req.Reason),
		CreatedAt: now,
	}); err != nil {
		return math.ZeroInt(), state.StakeAccount{}, err
	}
	observability.Default.IncCounter("stake_slashes_total", map[string]string{"reason": req.Reason}, 1)
	return slashed, acct, nil
}

// Unlock moves all locked stake into the available balance.
func (l *Ledger) Unlock(ctx context.Context, tx state.Tx, nodeID string, now time.Time) (state.StakeAccount, error) {
	acct, err := l.Account(ctx, tx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	acct.Available = acct.Available.Add(acct.Locked)
	acct.Locked = math.ZeroInt()
	acct.UpdatedAt = now
	if err := tx.PutStake(ctx, acct); err != nil {
		return state.StakeAccount{}, err
	}
	return acct, nil
}

// Credit adds a reward to the available balance.
func (l *Ledger) Credit(ctx context.Context, tx state.Tx, nodeID string, amount math.Int, now time.Time) (state.StakeAccount, error) {
	if amount.IsNil() || amount.IsNegative() {
		return state.StakeAccount{}, errcode.New(errcode.InvalidAmount, "credit must not be negative")
	}
	acct, err := l.Account(ctx, tx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	acct.Available = acct.Available.Add(amount)
	acct.UpdatedAt = now
	if err := tx.PutStake(ctx, acct); err != nil {
		return state.StakeAccount{}, err
	}
	return acct, nil
}

func positive(v math.Int) bool {
	return !v.IsNil() && v.IsPositive()
}

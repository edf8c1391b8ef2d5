package settlement

import (
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/state"
)

// RewardPolicy prices an accepted result:
//
//	budget × type factor × (floor + (1-floor) × reputation/ceiling) × (1 + bonus × min(1, uptime/window))
type RewardPolicy struct {
	TypeFactors     map[string]math.LegacyDec
	ReputationFloor math.LegacyDec
	UptimeBonusMax  math.LegacyDec
	UptimeWindow    time.Duration
	CapAtBudget     bool
}

func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		TypeFactors:     map[string]math.LegacyDec{},
		ReputationFloor: math.LegacyNewDecWithPrec(5, 1),
		UptimeBonusMax:  math.LegacyNewDecWithPrec(1, 1),
		UptimeWindow:    24 * time.Hour,
		CapAtBudget:     true,
	}
}

func (p RewardPolicy) factor(taskType string) math.LegacyDec {
	if f, ok := p.TypeFactors[taskType]; ok && !f.IsNil() {
		return f
	}
	return math.LegacyOneDec()
}

func (p RewardPolicy) reputationMultiplier(reputation, ceiling int) math.LegacyDec {
	if ceiling <= 0 {
		return math.LegacyOneDec()
	}
	share := math.LegacyNewDec(int64(reputation)).QuoInt64(int64(ceiling))
	if share.IsNegative() {
		share = math.LegacyZeroDec()
	}
	if share.GT(math.LegacyOneDec()) {
		share = math.LegacyOneDec()
	}
	return p.ReputationFloor.Add(math.LegacyOneDec().Sub(p.ReputationFloor).Mul(share))
}

func (p RewardPolicy) uptimeBonus(activeSince, now time.Time) math.LegacyDec {
	if p.UptimeWindow <= 0 || p.UptimeBonusMax.IsNil() || activeSince.IsZero() {
		return math.LegacyOneDec()
	}
	elapsed := now.Sub(activeSince)
	if elapsed < 0 {
		elapsed = 0
	}
	share := math.LegacyOneDec()
	if elapsed < p.UptimeWindow {
		share = math.LegacyNewDec(int64(elapsed)).QuoInt64(int64(p.UptimeWindow))
	}
	return math.LegacyOneDec().Add(p.UptimeBonusMax.Mul(share))
}

// Compute returns the reward in base units for a task completed by node at
// now, given the reputation ceiling.
func (p RewardPolicy) Compute(task state.TaskRecord, node state.NodeRecord, ceiling int, now time.Time) math.Int {
	reward := math.LegacyNewDecFromInt(task.Budget).
		Mul(p.factor(task.Payload.TaskType)).
		Mul(p.reputationMultiplier(node.Reputation, ceiling)).
		Mul(p.uptimeBonus(node.ActiveSince, now)).
		TruncateInt()
	if p.CapAtBudget && reward.GT(task.Budget) {
		return task.Budget
	}
	return reward
}

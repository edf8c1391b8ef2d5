package observability

import "time"

// CallLatencyBuckets are the bucket bounds, in seconds, for entry point
// latency. Calls hold the coordinator lock, so anything past a second is a
// stall.
var CallLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// ObserveCall records one coordinator entry point.
func (r *Registry) ObserveCall(op, outcome string, d time.Duration) {
	r.IncCounter("coordinator_calls_total", map[string]string{"op": op, "outcome": outcome}, 1)
	r.Observe("coordinator_call_duration_seconds", map[string]string{"op": op}, CallLatencyBuckets, d.Seconds())
}

// NetworkGauges is the network-wide view exported as gauges. Token amounts
// are whole tokens.
type NetworkGauges struct {
	ActiveNodes    int
	TotalNodes     int
	PendingTasks   int
	CompletedTasks int
	TotalTasks     int
	TotalStaked    float64
	TotalRewards   float64
	AvgCompletion  time.Duration
}

func (r *Registry) RecordNetwork(g NetworkGauges) {
	r.SetGauge("network_nodes", map[string]string{"status": "active"}, float64(g.ActiveNodes))
	r.SetGauge("network_nodes", map[string]string{"status": "all"}, float64(g.TotalNodes))
	r.SetGauge("network_tasks", map[string]string{"status": "pending"}, float64(g.PendingTasks))
	r.SetGauge("network_tasks", map[string]string{"status": "completed"}, float64(g.CompletedTasks))
	r.SetGauge("network_tasks", map[string]string{"status": "all"}, float64(g.TotalTasks))
	r.SetGauge("network_stake_locked_tokens", nil, g.TotalStaked)
	r.SetGauge("network_rewards_paid_tokens", nil, g.TotalRewards)
	r.SetGauge("network_task_completion_seconds_avg", nil, g.AvgCompletion.Seconds())
}

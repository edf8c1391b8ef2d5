package api

import (
	"os"
	"strings"
	"sync"
	"time"
)

// adminSafety throttles manual sweeps and, when IAS_ADMIN_CONFIRM_TOKEN is
// set, requires it in X-IAS-Confirm for pause and parameter changes.
type adminSafety struct {
	sweepRatePerMin int
	confirmToken    string
	mu              sync.Mutex
	recentSweeps    []int64
}

func newAdminSafetyFromEnv() *adminSafety {
	return &adminSafety{
		sweepRatePerMin: getenvInt("IAS_ADMIN_SWEEP_RATE_LIMIT_PER_MIN", 30),
		confirmToken:    strings.TrimSpace(os.Getenv("IAS_ADMIN_CONFIRM_TOKEN")),
	}
}

func (a *adminSafety) allowSweep(now time.Time) bool {
	if a.sweepRatePerMin <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-time.Minute).Unix()
	kept := a.recentSweeps[:0]
	for _, ts := range a.recentSweeps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	a.recentSweeps = kept
	if len(a.recentSweeps) >= a.sweepRatePerMin {
		return false
	}
	a.recentSweeps = append(a.recentSweeps, now.Unix())
	return true
}

func (a *adminSafety) confirmed(got string) bool {
	return a.confirmToken == "" || strings.TrimSpace(got) == a.confirmToken
}

package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter bounds task submissions over a sliding one-minute window,
// per requester and across all requesters. Zero disables a bound.
type submitLimiter struct {
	mu              sync.Mutex
	perRequesterMax int
	globalMax       int
	window          time.Duration
	requesters      map[string][]int64
	global          []int64
}

func newSubmitLimiter(perRequester, global int) *submitLimiter {
	if perRequester < 0 {
		perRequester = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perRequesterMax: perRequester,
		globalMax:       global,
		window:          time.Minute,
		requesters:      map[string][]int64{},
		global:          make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(requester string, now time.Time) bool {
	if l == nil || (l.perRequesterMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.requesters[requester], cutoff)
	if l.perRequesterMax > 0 && len(history) >= l.perRequesterMax {
		l.requesters[requester] = history
		return false
	}

	l.requesters[requester] = append(history, ts)
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

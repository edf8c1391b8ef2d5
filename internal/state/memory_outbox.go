package state

import (
	"context"
	"sync"

	"github.com/salazarsebas/iasppt/internal/observability"
)

type MemoryOutbox struct {
	mu       sync.Mutex
	byTarget map[string][]Notification
	maxDepth int
}

// NewMemoryOutbox keeps at most maxDepth undrained notifications per
// recipient, dropping the oldest first. Zero means 1024.
func NewMemoryOutbox(maxDepth int) *MemoryOutbox {
	if maxDepth <= 0 {
		maxDepth = 1024
	}
	return &MemoryOutbox{byTarget: make(map[string][]Notification), maxDepth: maxDepth}
}

func (o *MemoryOutbox) labels(extra map[string]string) map[string]string {
	l := map[string]string{"outbox_backend": "memory"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (o *MemoryOutbox) Publish(_ context.Context, notes []Notification) error {
	if len(notes) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range notes {
		q := append(o.byTarget[n.Recipient], n)
		if len(q) > o.maxDepth {
			dropped := len(q) - o.maxDepth
			q = q[dropped:]
			observability.Default.IncCounter("outbox_dropped_total", o.labels(nil), float64(dropped))
		}
		o.byTarget[n.Recipient] = q
		observability.Default.IncCounter("outbox_published_total", o.labels(map[string]string{"kind": n.Kind}), 1)
	}
	return nil
}

func (o *MemoryOutbox) Drain(_ context.Context, recipient string, max int) ([]Notification, error) {
	if max <= 0 {
		max = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.byTarget[recipient]
	if len(q) == 0 {
		return nil, nil
	}
	if max > len(q) {
		max = len(q)
	}
	out := make([]Notification, max)
	copy(out, q[:max])
	rest := q[max:]
	if len(rest) == 0 {
		delete(o.byTarget, recipient)
	} else {
		o.byTarget[recipient] = append([]Notification(nil), rest...)
	}
	observability.Default.IncCounter("outbox_drained_total", o.labels(nil), float64(len(out)))
	return out, nil
}

// Depth reports how many notifications wait for recipient.
func (o *MemoryOutbox) Depth(recipient string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byTarget[recipient])
}

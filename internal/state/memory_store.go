package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu         sync.Mutex
	nodes      map[string]NodeRecord
	tasks      map[uint64]TaskRecord
	stakes     map[string]StakeAccount
	rewards    map[uint64]RewardEntry
	params     *Params
	audits     []AuditEventRecord
	nextTaskID uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      make(map[string]NodeRecord),
		tasks:      make(map[uint64]TaskRecord),
		stakes:     make(map[string]StakeAccount),
		rewards:    make(map[uint64]RewardEntry),
		audits:     make([]AuditEventRecord, 0, 128),
		nextTaskID: 1,
	}
}

func (m *MemoryStore) Update(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) View(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.begin())
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) begin() *memTx {
	return &memTx{
		m:          m,
		nodes:      make(map[string]NodeRecord),
		tasks:      make(map[uint64]TaskRecord),
		stakes:     make(map[string]StakeAccount),
		rewards:    make(map[uint64]RewardEntry),
		nextTaskID: m.nextTaskID,
	}
}

func (m *MemoryStore) commit(tx *memTx) {
	for id, n := range tx.nodes {
		m.nodes[id] = n
	}
	for id, t := range tx.tasks {
		m.tasks[id] = t
	}
	for id, s := range tx.stakes {
		m.stakes[id] = s
	}
	for id, r := range tx.rewards {
		m.rewards[id] = r
	}
	if tx.params != nil {
		p := *tx.params
		m.params = &p
	}
	m.audits = append(m.audits, tx.audits...)
	m.nextTaskID = tx.nextTaskID
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	// Newest first for operator-facing endpoint.
	filtered := make([]AuditEventRecord, 0, len(m.audits))
	for i := len(m.audits) - 1; i >= 0; i-- {
		a := m.audits[i]
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.Actor != "" && a.Actor != query.Actor {
			continue
		}
		if query.Resource != "" && a.Resource != query.Resource {
			continue
		}
		if !query.From.IsZero() && a.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && a.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, a)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]AuditEventRecord, len(items))
	copy(out, items)
	return out, nil
}

// memTx stages writes in overlay maps on top of the committed store. The
// store mutex is held for the lifetime of the transaction.
type memTx struct {
	m          *MemoryStore
	nodes      map[string]NodeRecord
	tasks      map[uint64]TaskRecord
	stakes     map[string]StakeAccount
	rewards    map[uint64]RewardEntry
	params     *Params
	audits     []AuditEventRecord
	nextTaskID uint64
}

func (tx *memTx) GetNode(_ context.Context, id string) (NodeRecord, bool, error) {
	if n, ok := tx.nodes[id]; ok {
		return cloneNode(n), true, nil
	}
	n, ok := tx.m.nodes[id]
	return cloneNode(n), ok, nil
}

func (tx *memTx) PutNode(_ context.Context, node NodeRecord) error {
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	tx.nodes[node.ID] = cloneNode(node)
	return nil
}

func (tx *memTx) ListNodes(_ context.Context) ([]NodeRecord, error) {
	merged := make(map[string]NodeRecord, len(tx.m.nodes)+len(tx.nodes))
	for id, n := range tx.m.nodes {
		merged[id] = n
	}
	for id, n := range tx.nodes {
		merged[id] = n
	}
	out := make([]NodeRecord, 0, len(merged))
	for _, n := range merged {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetTask(_ context.Context, id uint64) (TaskRecord, bool, error) {
	if t, ok := tx.tasks[id]; ok {
		return cloneTask(t), true, nil
	}
	t, ok := tx.m.tasks[id]
	return cloneTask(t), ok, nil
}

func (tx *memTx) PutTask(_ context.Context, task TaskRecord) error {
	if task.ID == 0 {
		return fmt.Errorf("task id is required")
	}
	tx.tasks[task.ID] = cloneTask(task)
	return nil
}

func (tx *memTx) ListTasks(_ context.Context, filter TaskFilter) ([]TaskRecord, error) {
	merged := make(map[uint64]TaskRecord, len(tx.m.tasks)+len(tx.tasks))
	for id, t := range tx.m.tasks {
		merged[id] = t
	}
	for id, t := range tx.tasks {
		merged[id] = t
	}
	out := make([]TaskRecord, 0, len(merged))
	for _, t := range merged {
		if filter.Match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (tx *memTx) NextTaskID(_ context.Context) (uint64, error) {
	id := tx.nextTaskID
	tx.nextTaskID++
	return id, nil
}

func (tx *memTx) GetStake(_ context.Context, nodeID string) (StakeAccount, bool, error) {
	if s, ok := tx.stakes[nodeID]; ok {
		return s, true, nil
	}
	s, ok := tx.m.stakes[nodeID]
	return s, ok, nil
}

func (tx *memTx) PutStake(_ context.Context, acct StakeAccount) error {
	if acct.NodeID == "" {
		return fmt.Errorf("stake account node id is required")
	}
	tx.stakes[acct.NodeID] = acct
	return nil
}

func (tx *memTx) GetReward(_ context.Context, taskID uint64) (RewardEntry, bool, error) {
	if r, ok := tx.rewards[taskID]; ok {
		return r, true, nil
	}
	r, ok := tx.m.rewards[taskID]
	return r, ok, nil
}

func (tx *memTx) AppendReward(ctx context.Context, entry RewardEntry) error {
	if _, exists, _ := tx.GetReward(ctx, entry.TaskID); exists {
		return fmt.Errorf("reward entry for task %d already exists", entry.TaskID)
	}
	tx.rewards[entry.TaskID] = entry
	return nil
}

func (tx *memTx) ListRewards(_ context.Context, nodeID string) ([]RewardEntry, error) {
	merged := make(map[uint64]RewardEntry)
	for id, r := range tx.m.rewards {
		merged[id] = r
	}
	for id, r := range tx.rewards {
		merged[id] = r
	}
	out := make([]RewardEntry, 0, len(merged))
	for _, r := range merged {
		if nodeID != "" && r.NodeID != nodeID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (tx *memTx) GetParams(_ context.Context) (Params, bool, error) {
	if tx.params != nil {
		return *tx.params, true, nil
	}
	if tx.m.params != nil {
		return *tx.m.params, true, nil
	}
	return Params{}, false, nil
}

func (tx *memTx) PutParams(_ context.Context, params Params) error {
	p := params
	tx.params = &p
	return nil
}

func (tx *memTx) AppendAudit(_ context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prev := ""
	switch {
	case len(tx.audits) > 0:
		prev = tx.audits[len(tx.audits)-1].EventHash
	case len(tx.m.audits) > 0:
		prev = tx.m.audits[len(tx.m.audits)-1].EventHash
	}
	event.ID = int64(len(tx.m.audits) + len(tx.audits) + 1)
	event.PrevHash = prev
	event.EventHash = computeAuditHash(event)
	tx.audits = append(tx.audits, event)
	return nil
}

func cloneNode(n NodeRecord) NodeRecord {
	if n.Capability.ComputeClasses != nil {
		n.Capability.ComputeClasses = append([]string(nil), n.Capability.ComputeClasses...)
	}
	return n
}

func cloneTask(t TaskRecord) TaskRecord {
	if t.TimedOutNodes != nil {
		t.TimedOutNodes = append([]string(nil), t.TimedOutNodes...)
	}
	return t
}

// VerifyAuditChain recomputes every hash in an oldest-first slice and reports
// the first broken link.
func VerifyAuditChain(events []AuditEventRecord) error {
	prev := ""
	for _, e := range events {
		if e.PrevHash != prev {
			return fmt.Errorf("audit event %d: prev hash mismatch", e.ID)
		}
		if computeAuditHash(e) != e.EventHash {
			return fmt.Errorf("audit event %d: hash mismatch", e.ID)
		}
		prev = e.EventHash
	}
	return nil
}

func computeAuditHash(event AuditEventRecord) string {
	payload := map[string]any{
		"action":     event.Action,
		"actor":      event.Actor,
		"resource":   event.Resource,
		"result":     event.Result,
		"details":    event.Details,
		"prev_hash":  event.PrevHash,
		"created_at": event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

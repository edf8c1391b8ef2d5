package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&pgTx{tx: tx, readOnly: true})
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Action != "" {
		add("action=$%d", query.Action)
	}
	if query.Actor != "" {
		add("actor=$%d", query.Actor)
	}
	if query.Resource != "" {
		add("resource=$%d", query.Resource)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, action, actor, resource, result, details, prev_hash, event_hash, created_at
		 FROM audit_events
		 WHERE %s
		 ORDER BY id DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0, limit)
	for rows.Next() {
		var a AuditEventRecord
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.Resource, &a.Result, &a.Details, &a.PrevHash, &a.EventHash, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx       *sql.Tx
	readOnly bool
}

var errReadOnlyTx = errors.New("write attempted in read-only transaction")

const nodeColumns = `id, capability, endpoint, public_key, status, suspend_reason, reputation, last_heartbeat, registered_at, active_since, assigned_tasks, completed_tasks, failed_tasks, total_earned::text, updated_at`

func (t *pgTx) GetNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, err
	}
	return n, true, nil
}

func (t *pgTx) PutNode(ctx context.Context, n NodeRecord) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	capJSON, err := json.Marshal(n.Capability)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO nodes (id, capability, endpoint, public_key, status, suspend_reason, reputation, last_heartbeat, registered_at, active_since, assigned_tasks, completed_tasks, failed_tasks, total_earned, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::numeric,$15)
		 ON CONFLICT (id) DO UPDATE SET
		   capability=EXCLUDED.capability, endpoint=EXCLUDED.endpoint, public_key=EXCLUDED.public_key,
		   status=EXCLUDED.status, suspend_reason=EXCLUDED.suspend_reason, reputation=EXCLUDED.reputation,
		   last_heartbeat=EXCLUDED.last_heartbeat, registered_at=EXCLUDED.registered_at, active_since=EXCLUDED.active_since,
		   assigned_tasks=EXCLUDED.assigned_tasks, completed_tasks=EXCLUDED.completed_tasks, failed_tasks=EXCLUDED.failed_tasks,
		   total_earned=EXCLUDED.total_earned, updated_at=EXCLUDED.updated_at`,
		n.ID, string(capJSON), n.Endpoint, n.PublicKey, string(n.Status), n.SuspendReason, n.Reputation,
		n.LastHeartbeat, n.RegisteredAt, nullTime(n.ActiveSince), n.AssignedTasks, n.CompletedTasks, n.FailedTasks,
		amountText(n.TotalEarned), n.UpdatedAt,
	)
	return err
}

func (t *pgTx) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]NodeRecord, 0, 32)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const taskColumns = `id, requester, payload, budget::text, priority, status, assignee, assigned_at, deadline, execution_deadline, retries, max_retries, timed_out_nodes, result_ref, proof_hash, error_ref, reward::text, submitted_at, started_at, completed_at, updated_at`

func (t *pgTx) GetTask(ctx context.Context, id uint64) (TaskRecord, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, int64(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return task, true, nil
}

func (t *pgTx) PutTask(ctx context.Context, task TaskRecord) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return err
	}
	timedOut := task.TimedOutNodes
	if timedOut == nil {
		timedOut = []string{}
	}
	timedOutJSON, err := json.Marshal(timedOut)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO tasks (id, requester, payload, budget, priority, status, assignee, assigned_at, deadline, execution_deadline, retries, max_retries, timed_out_nodes, result_ref, proof_hash, error_ref, reward, submitted_at, started_at, completed_at, updated_at)
		 VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::numeric,$18,$19,$20,$21)
		 ON CONFLICT (id) DO UPDATE SET
		   status=EXCLUDED.status, assignee=EXCLUDED.assignee, assigned_at=EXCLUDED.assigned_at,
		   execution_deadline=EXCLUDED.execution_deadline, retries=EXCLUDED.retries, timed_out_nodes=EXCLUDED.timed_out_nodes,
		   result_ref=EXCLUDED.result_ref, proof_hash=EXCLUDED.proof_hash, error_ref=EXCLUDED.error_ref,
		   reward=EXCLUDED.reward, started_at=EXCLUDED.started_at, completed_at=EXCLUDED.completed_at,
		   updated_at=EXCLUDED.updated_at`,
		int64(task.ID), task.Requester, string(payload), amountText(task.Budget), task.Priority, string(task.Status),
		task.Assignee, nullTime(task.AssignedAt), task.Deadline, nullTime(task.ExecutionDeadline), task.Retries,
		task.MaxRetries, string(timedOutJSON), task.ResultRef, task.ProofHash, task.ErrorRef, amountText(task.Reward),
		task.SubmittedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt,
	)
	return err
}

func (t *pgTx) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	where := []string{"1=1"}
	args := make([]any, 0, 4)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if filter.Assignee != "" {
		add("assignee=$%d", filter.Assignee)
	}
	if filter.Requester != "" {
		add("requester=$%d", filter.Requester)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argi))
			args = append(args, string(s))
			argi++
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0, 32)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *pgTx) NextTaskID(ctx context.Context) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnlyTx
	}
	var next int64
	if err := t.tx.QueryRowContext(ctx, `UPDATE task_sequence SET next_id = next_id + 1 RETURNING next_id - 1`).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (t *pgTx) GetStake(ctx context.Context, nodeID string) (StakeAccount, bool, error) {
	var a StakeAccount
	var locked, available, slashed string
	err := t.tx.QueryRowContext(ctx,
		`SELECT node_id, locked::text, available::text, total_slashed::text, updated_at FROM stake_accounts WHERE node_id=$1`, nodeID,
	).Scan(&a.NodeID, &locked, &available, &slashed, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StakeAccount{}, false, nil
	}
	if err != nil {
		return StakeAccount{}, false, err
	}
	if a.Locked, err = parseAmount(locked); err != nil {
		return StakeAccount{}, false, err
	}
	if a.Available, err = parseAmount(available); err != nil {
		return StakeAccount{}, false, err
	}
	if a.TotalSlashed, err = parseAmount(slashed); err != nil {
		return StakeAccount{}, false, err
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, true, nil
}

func (t *pgTx) PutStake(ctx context.Context, a StakeAccount) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO stake_accounts (node_id, locked, available, total_slashed, updated_at)
		 VALUES ($1,$2::numeric,$3::numeric,$4::numeric,$5)
		 ON CONFLICT (node_id) DO UPDATE SET locked=EXCLUDED.locked, available=EXCLUDED.available,
		   total_slashed=EXCLUDED.total_slashed, updated_at=EXCLUDED.updated_at`,
		a.NodeID, amountText(a.Locked), amountText(a.Available), amountText(a.TotalSlashed), a.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetReward(ctx context.Context, taskID uint64) (RewardEntry, bool, error) {
	var r RewardEntry
	var id int64
	var amount string
	err := t.tx.QueryRowContext(ctx,
		`SELECT task_id, node_id, amount::text, created_at FROM reward_ledger WHERE task_id=$1`, int64(taskID),
	).Scan(&id, &r.NodeID, &amount, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RewardEntry{}, false, nil
	}
	if err != nil {
		return RewardEntry{}, false, err
	}
	r.TaskID = uint64(id)
	if r.Amount, err = parseAmount(amount); err != nil {
		return RewardEntry{}, false, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, true, nil
}

func (t *pgTx) AppendReward(ctx context.Context, r RewardEntry) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO reward_ledger (task_id, node_id, amount, created_at) VALUES ($1,$2,$3::numeric,$4) ON CONFLICT (task_id) DO NOTHING`,
		int64(r.TaskID), r.NodeID, amountText(r.Amount), r.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reward entry for task %d already exists", r.TaskID)
	}
	return nil
}

func (t *pgTx) ListRewards(ctx context.Context, nodeID string) ([]RewardEntry, error) {
	q := `SELECT task_id, node_id, amount::text, created_at FROM reward_ledger`
	args := []any{}
	if nodeID != "" {
		q += ` WHERE node_id=$1`
		args = append(args, nodeID)
	}
	q += ` ORDER BY task_id`
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RewardEntry, 0, 16)
	for rows.Next() {
		var r RewardEntry
		var id int64
		var amount string
		if err := rows.Scan(&id, &r.NodeID, &amount, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.TaskID = uint64(id)
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) GetParams(ctx context.Context) (Params, bool, error) {
	var p Params
	var minStake string
	var timeoutMs int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT paused, min_stake::text, max_tasks_per_node, task_timeout_ms, updated_at FROM coordination_params WHERE singleton`,
	).Scan(&p.Paused, &minStake, &p.MaxTasksPerNode, &timeoutMs, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Params{}, false, nil
	}
	if err != nil {
		return Params{}, false, err
	}
	if p.MinStake, err = parseAmount(minStake); err != nil {
		return Params{}, false, err
	}
	p.TaskTimeout = time.Duration(timeoutMs) * time.Millisecond
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, true, nil
}

func (t *pgTx) PutParams(ctx context.Context, p Params) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO coordination_params (singleton, paused, min_stake, max_tasks_per_node, task_timeout_ms, updated_at)
		 VALUES (TRUE,$1,$2::numeric,$3,$4,$5)
		 ON CONFLICT (singleton) DO UPDATE SET paused=EXCLUDED.paused, min_stake=EXCLUDED.min_stake,
		   max_tasks_per_node=EXCLUDED.max_tasks_per_node, task_timeout_ms=EXCLUDED.task_timeout_ms, updated_at=EXCLUDED.updated_at`,
		p.Paused, amountText(p.MinStake), p.MaxTasksPerNode, p.TaskTimeout.Milliseconds(), p.UpdatedAt,
	)
	return err
}

func (t *pgTx) AppendAudit(ctx context.Context, event AuditEventRecord) error {
	if t.readOnly {
		return errReadOnlyTx
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	// Postgres keeps microseconds; hash what will be read back.
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	prevHash := ""
	err := t.tx.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, resource, result, details, prev_hash, event_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.Action, event.Actor, event.Resource, event.Result, event.Details, event.PrevHash, event.EventHash, event.CreatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (NodeRecord, error) {
	var n NodeRecord
	var capJSON, status, earned string
	var activeSince sql.NullTime
	if err := s.Scan(&n.ID, &capJSON, &n.Endpoint, &n.PublicKey, &status, &n.SuspendReason, &n.Reputation,
		&n.LastHeartbeat, &n.RegisteredAt, &activeSince, &n.AssignedTasks, &n.CompletedTasks, &n.FailedTasks,
		&earned, &n.UpdatedAt); err != nil {
		return NodeRecord{}, err
	}
	if err := json.Unmarshal([]byte(capJSON), &n.Capability); err != nil {
		return NodeRecord{}, err
	}
	n.Status = NodeStatus(status)
	var err error
	if n.TotalEarned, err = parseAmount(earned); err != nil {
		return NodeRecord{}, err
	}
	n.LastHeartbeat = n.LastHeartbeat.UTC()
	n.RegisteredAt = n.RegisteredAt.UTC()
	n.ActiveSince = fromNull(activeSince)
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}

func scanTask(s scanner) (TaskRecord, error) {
	var t TaskRecord
	var id int64
	var payloadJSON, budget, status, timedOutJSON, reward string
	var assignedAt, execDeadline, startedAt, completedAt sql.NullTime
	if err := s.Scan(&id, &t.Requester, &payloadJSON, &budget, &t.Priority, &status, &t.Assignee, &assignedAt,
		&t.Deadline, &execDeadline, &t.Retries, &t.MaxRetries, &timedOutJSON, &t.ResultRef, &t.ProofHash,
		&t.ErrorRef, &reward, &t.SubmittedAt, &startedAt, &completedAt, &t.UpdatedAt); err != nil {
		return TaskRecord{}, err
	}
	t.ID = uint64(id)
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return TaskRecord{}, err
	}
	if err := json.Unmarshal([]byte(timedOutJSON), &t.TimedOutNodes); err != nil {
		return TaskRecord{}, err
	}
	if len(t.TimedOutNodes) == 0 {
		t.TimedOutNodes = nil
	}
	var err error
	if t.Budget, err = parseAmount(budget); err != nil {
		return TaskRecord{}, err
	}
	if t.Reward, err = parseAmount(reward); err != nil {
		return TaskRecord{}, err
	}
	t.AssignedAt = fromNull(assignedAt)
	t.ExecutionDeadline = fromNull(execDeadline)
	t.StartedAt = fromNull(startedAt)
	t.CompletedAt = fromNull(completedAt)
	t.Deadline = t.Deadline.UTC()
	t.SubmittedAt = t.SubmittedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func parseAmount(s string) (math.Int, error) {
	v, ok := math.NewIntFromString(s)
	if !ok {
		return math.Int{}, fmt.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}

func amountText(v math.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

package state

import "context"

// Tx is one atomic unit of work over the coordination tables. Writes become
// visible to other transactions only if the surrounding Update succeeds.
type Tx interface {
	GetNode(ctx context.Context, id string) (NodeRecord, bool, error)
	PutNode(ctx context.Context, node NodeRecord) error
	// ListNodes returns every node ordered by id.
	ListNodes(ctx context.Context) ([]NodeRecord, error)

	GetTask(ctx context.Context, id uint64) (TaskRecord, bool, error)
	PutTask(ctx context.Context, task TaskRecord) error
	// ListTasks returns matching tasks ordered by id.
	ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error)
	NextTaskID(ctx context.Context) (uint64, error)

	GetStake(ctx context.Context, nodeID string) (StakeAccount, bool, error)
	PutStake(ctx context.Context, acct StakeAccount) error

	GetReward(ctx context.Context, taskID uint64) (RewardEntry, bool, error)
	// AppendReward fails when an entry for the same task already exists.
	AppendReward(ctx context.Context, entry RewardEntry) error
	ListRewards(ctx context.Context, nodeID string) ([]RewardEntry, error)

	GetParams(ctx context.Context) (Params, bool, error)
	PutParams(ctx context.Context, params Params) error

	AppendAudit(ctx context.Context, event AuditEventRecord) error
}

type Store interface {
	// Update runs fn in a read-write transaction and commits only if fn
	// returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent snapshot; writes are discarded.
	View(ctx context.Context, fn func(Tx) error) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error)
	Close() error
}

// Outbox carries notifications to node daemons and requesters after a
// transaction commits. Drain removes the notifications it returns.
type Outbox interface {
	Publish(ctx context.Context, notes []Notification) error
	Drain(ctx context.Context, recipient string, max int) ([]Notification, error)
}

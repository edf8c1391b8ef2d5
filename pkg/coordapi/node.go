package coordapi

// Requests of the node gRPC service. The node id is the caller.

type NodeRef struct {
	NodeID string `json:"node_id"`
}

type TaskRef struct {
	NodeID string `json:"node_id"`
	TaskID uint64 `json:"task_id"`
}

type ResultSubmission struct {
	NodeID    string `json:"node_id"`
	TaskID    uint64 `json:"task_id"`
	Proof     string `json:"proof"`
	OutputRef string `json:"output_ref"`
}

type StakeChange struct {
	NodeID string `json:"node_id"`
	Amount string `json:"amount"`
}

type NotificationsRequest struct {
	NodeID string `json:"node_id"`
	Max    int    `json:"max,omitempty"`
}

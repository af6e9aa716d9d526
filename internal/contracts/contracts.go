package contracts

import "time"

// ActivityEvent is the record published by floor-api and appended to the
// activity log by activity-sink. Events are immutable once published.
type ActivityEvent struct {
	EventID         string    `json:"event_id"`
	ActionID        string    `json:"action_id"`
	WorkOrderID     string    `json:"work_order_id"`
	MachineID       string    `json:"machine_id"`
	WorkerID        string    `json:"worker_id"`
	Kind            string    `json:"kind"`
	PauseReasonCode string    `json:"pause_reason_code,omitempty"`
	Note            string    `json:"note,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	ShardID         int       `json:"shard_id"`
}

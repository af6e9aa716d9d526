package activity

import "time"

// Event kinds as recorded in the activity log.
const (
	KindStart  = "START"
	KindStop   = "STOP"
	KindResume = "RESUME"
	KindFinish = "FINISH"
)

// Event is one immutable record of a worker action against a work order.
// Seq is the insertion order assigned by the store; it breaks ties between
// events sharing a second-granularity timestamp.
type Event struct {
	EventID         string    `json:"event_id"`
	WorkOrderID     string    `json:"work_order_id"`
	MachineID       string    `json:"machine_id"`
	WorkerID        string    `json:"worker_id"`
	Kind            string    `json:"kind"`
	PauseReasonCode string    `json:"pause_reason_code,omitempty"`
	Note            string    `json:"note,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	Seq             int64     `json:"-"`
}

// After reports whether e is later than other in the log's total order:
// occurred-at first, insertion order as the tie-break.
func (e Event) After(other Event) bool {
	if !e.OccurredAt.Equal(other.OccurredAt) {
		return e.OccurredAt.After(other.OccurredAt)
	}
	return e.Seq > other.Seq
}

// State is the derived action menu for one (worker, work order) pair. It is
// recomputed from the latest log entry on every query; a stored status field
// would drift from the log.
type State struct {
	LastEventKind   string     `json:"last_event_kind,omitempty"`
	LastEventTime   *time.Time `json:"last_event_time,omitempty"`
	PauseReasonCode string     `json:"pause_reason_code,omitempty"`
	CanStart        bool       `json:"can_start"`
	CanStop         bool       `json:"can_stop"`
	CanResume       bool       `json:"can_resume"`
	CanFinish       bool       `json:"can_finish"`
}

// DeriveState computes the action menu from the single latest event, or from
// no event at all. Unrecognized kinds degrade to start-eligible so that new
// event kinds never lock a worker out.
func DeriveState(latest *Event) State {
	if latest == nil {
		return State{CanStart: true}
	}

	st := State{
		LastEventKind: latest.Kind,
		LastEventTime: &latest.OccurredAt,
	}
	switch latest.Kind {
	case KindStart, KindResume:
		st.CanStop = true
		st.CanFinish = true
	case KindStop:
		st.CanResume = true
		st.CanFinish = true
		st.PauseReasonCode = latest.PauseReasonCode
	case KindFinish:
		st.CanStart = true
	default:
		st.CanStart = true
	}
	return st
}

// Latest picks the most recent event by the log's total order. Works on any
// ordering of the input; a newest-first slice short-circuits to the head.
func Latest(events []Event) *Event {
	if len(events) == 0 {
		return nil
	}
	latest := events[0]
	for _, e := range events[1:] {
		if e.After(latest) {
			latest = e
		}
	}
	return &latest
}

// Bucket is the collapsed classification the workforce view uses.
type Bucket string

const (
	BucketAssigned  Bucket = "assigned"
	BucketPaused    Bucket = "paused"
	BucketAvailable Bucket = "available"
)

// ClassifyBucket collapses the state machine to the three workforce buckets:
// START/RESUME mean working, STOP means paused, anything else (FINISH, no
// event, unknown kind) means available.
func ClassifyBucket(latest *Event) Bucket {
	if latest == nil {
		return BucketAvailable
	}
	switch latest.Kind {
	case KindStart, KindResume:
		return BucketAssigned
	case KindStop:
		return BucketPaused
	default:
		return BucketAvailable
	}
}

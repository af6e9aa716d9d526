package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/plantfloor/workboard/internal/app/directory"
	"github.com/plantfloor/workboard/internal/contracts"
	"github.com/plantfloor/workboard/internal/platform/erp"
	"github.com/plantfloor/workboard/internal/sharding"
)

var (
	ErrWorkOrderRequired  = errors.New("work_order_id is required")
	ErrMachineRequired    = errors.New("machine_id is required")
	ErrUnsupportedAction  = errors.New("unsupported action")
	ErrInvalidTransition  = errors.New("action is not allowed in the current state")
	ErrMissingPauseReason = errors.New("pause_reason_code is required to stop")
	ErrUnknownPauseReason = errors.New("unknown pause_reason_code")
	ErrWriteRejected      = errors.New("activity write rejected")
)

type MachineFinder interface {
	FindMachine(ctx context.Context, machineID string) (directory.Machine, error)
}

type DocumentCreator interface {
	Create(ctx context.Context, doc erp.Document) error
}

type PublishFunc func(subject string, payload []byte) error

// WaitAppliedFunc blocks until the published event is visible in the log, or
// the bounded wait runs out.
type WaitAppliedFunc func(ctx context.Context, eventID string, timeout time.Duration) error

// Service is the activity write path. Every action is validated against
// already-fetched state before any external call: authorization, transition
// legality, then the pause-reason requirement. Only then does it create the
// ERP document and publish the event for the sink to append.
type Service struct {
	Machines    MachineFinder
	Events      EventReader
	Gateway     DocumentCreator
	Publish     PublishFunc
	WaitApplied WaitAppliedFunc
	WaitTimeout time.Duration
	Now         func() time.Time
	NewID       func() string
}

func NewService(machines MachineFinder, events EventReader, gateway DocumentCreator, publish PublishFunc) *Service {
	return &Service{
		Machines:    machines,
		Events:      events,
		Gateway:     gateway,
		Publish:     publish,
		WaitTimeout: 2 * time.Second,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
	}
}

type Actor struct {
	WorkerID  string
	LoginCode string
}

type ActionRequest struct {
	Action          string `json:"action"`
	WorkOrderID     string `json:"work_order_id"`
	MachineID       string `json:"machine_id"`
	PauseReasonCode string `json:"pause_reason_code"`
	Note            string `json:"note"`
}

type ActionResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
}

func kindForAction(action string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(action)) {
	case "start":
		return KindStart, nil
	case "stop":
		return KindStop, nil
	case "resume":
		return KindResume, nil
	case "finish":
		return KindFinish, nil
	default:
		return "", ErrUnsupportedAction
	}
}

func transitionAllowed(st State, kind string) bool {
	switch kind {
	case KindStart:
		return st.CanStart
	case KindStop:
		return st.CanStop
	case KindResume:
		return st.CanResume
	case KindFinish:
		return st.CanFinish
	default:
		return false
	}
}

// Record validates and appends one activity action for the actor.
func (s *Service) Record(ctx context.Context, actor Actor, req ActionRequest) (ActionResponse, error) {
	workOrderID := strings.TrimSpace(req.WorkOrderID)
	if workOrderID == "" {
		return ActionResponse{}, ErrWorkOrderRequired
	}
	machineID := strings.TrimSpace(req.MachineID)
	if machineID == "" {
		return ActionResponse{}, ErrMachineRequired
	}
	kind, err := kindForAction(req.Action)
	if err != nil {
		return ActionResponse{}, err
	}

	machine, err := s.Machines.FindMachine(ctx, machineID)
	if err != nil {
		return ActionResponse{}, err
	}
	if !machine.Authorizes(actor.LoginCode) {
		return ActionResponse{}, directory.ErrNotAuthorized
	}

	history, err := s.Events.FindEventsFor(ctx, actor.WorkerID, workOrderID)
	if err != nil {
		return ActionResponse{}, err
	}
	if !transitionAllowed(DeriveState(Latest(history)), kind) {
		return ActionResponse{}, ErrInvalidTransition
	}

	reason := strings.TrimSpace(req.PauseReasonCode)
	if kind == KindStop {
		if reason == "" {
			return ActionResponse{}, ErrMissingPauseReason
		}
		if !IsKnownPauseReason(reason) {
			return ActionResponse{}, ErrUnknownPauseReason
		}
	} else {
		reason = ""
	}

	occurredAt := s.Now()
	eventID := s.NewID()

	docDate, clockTime := erp.EncodeClock(occurredAt)
	doc := erp.Document{
		DocType:     "WORK_ACTIVITY",
		WorkOrderID: workOrderID,
		MachineID:   machineID,
		WorkerCode:  actor.LoginCode,
		ActionCode:  kind,
		ReasonCode:  reason,
		Note:        strings.TrimSpace(req.Note),
		DocDate:     docDate,
		ClockTime:   clockTime,
	}
	if err := s.Gateway.Create(ctx, doc); err != nil {
		return ActionResponse{}, err
	}

	event := contracts.ActivityEvent{
		EventID:         eventID,
		ActionID:        eventID,
		WorkOrderID:     workOrderID,
		MachineID:       machineID,
		WorkerID:        actor.WorkerID,
		Kind:            kind,
		PauseReasonCode: reason,
		Note:            strings.TrimSpace(req.Note),
		OccurredAt:      occurredAt,
		ShardID:         sharding.GetShardID(machineID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return ActionResponse{}, err
	}
	if err := s.Publish(sharding.ActivitySubject(machineID), payload); err != nil {
		return ActionResponse{}, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	if s.WaitApplied != nil {
		if err := s.WaitApplied(ctx, eventID, s.WaitTimeout); err != nil {
			return ActionResponse{}, err
		}
	}

	return ActionResponse{Status: "recorded", EventID: eventID, Kind: kind}, nil
}

// StateFor derives the current action menu for one (worker, work order) pair.
func (s *Service) StateFor(ctx context.Context, workerID, workOrderID string) (State, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	if workOrderID == "" {
		return State{}, ErrWorkOrderRequired
	}
	history, err := s.Events.FindEventsFor(ctx, workerID, workOrderID)
	if err != nil {
		return State{}, err
	}
	return DeriveState(Latest(history)), nil
}

// HistoryFor returns the full event history for audit views, newest first.
func (s *Service) HistoryFor(ctx context.Context, workerID, workOrderID string) ([]Event, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	if workOrderID == "" {
		return nil, ErrWorkOrderRequired
	}
	return s.Events.FindEventsFor(ctx, workerID, workOrderID)
}

package activitysink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/plantfloor/workboard/internal/contracts"
)

type fakeRepository struct {
	gotEvent contracts.ActivityEvent
	gotSeq   uint64
	err      error
}

func (f *fakeRepository) InsertEvent(_ context.Context, event contracts.ActivityEvent, streamSeq uint64) error {
	f.gotEvent = event
	f.gotSeq = streamSeq
	return f.err
}

func TestHandle_ValidEvent(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	event := contracts.ActivityEvent{
		EventID:     "evt-1",
		ActionID:    "evt-1",
		WorkOrderID: "wo-7",
		MachineID:   "m1",
		WorkerID:    "w1",
		Kind:        "START",
		OccurredAt:  time.Now().UTC(),
		ShardID:     17,
	}
	payload, _ := json.Marshal(event)

	if err := svc.Handle(context.Background(), payload, 42); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if repo.gotEvent.EventID != "evt-1" || repo.gotEvent.Kind != "START" || repo.gotEvent.WorkerID != "w1" {
		t.Fatalf("unexpected event in repository: %+v", repo.gotEvent)
	}
	if repo.gotSeq != 42 {
		t.Fatalf("expected stream sequence 42, got %d", repo.gotSeq)
	}
}

func TestHandle_UnknownKindIsStillAppended(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	event := contracts.ActivityEvent{
		EventID:     "evt-2",
		WorkOrderID: "wo-7",
		MachineID:   "m1",
		WorkerID:    "w1",
		Kind:        "HANDOVER",
		OccurredAt:  time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := svc.Handle(context.Background(), payload, 1); err != nil {
		t.Fatalf("unknown kinds must be appended, got error: %v", err)
	}
	if repo.gotEvent.Kind != "HANDOVER" {
		t.Fatalf("unexpected event: %+v", repo.gotEvent)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	svc := NewService(&fakeRepository{})
	if err := svc.Handle(context.Background(), []byte("{invalid"), 1); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_MissingIdentifiers(t *testing.T) {
	svc := NewService(&fakeRepository{})
	event := contracts.ActivityEvent{Kind: "START", OccurredAt: time.Now()}
	payload, _ := json.Marshal(event)
	if err := svc.Handle(context.Background(), payload, 1); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

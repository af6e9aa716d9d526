package activitysink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/plantfloor/workboard/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

type Repository interface {
	InsertEvent(ctx context.Context, event contracts.ActivityEvent, streamSeq uint64) error
}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

// Handle appends one published activity event to the log. Unknown event
// kinds are appended as-is: the state machine degrades safely on them, and
// dropping future kinds here would silently rewrite history.
func (s *Service) Handle(ctx context.Context, payload []byte, streamSeq uint64) error {
	var event contracts.ActivityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if strings.TrimSpace(event.EventID) == "" ||
		strings.TrimSpace(event.WorkerID) == "" ||
		strings.TrimSpace(event.WorkOrderID) == "" ||
		event.OccurredAt.IsZero() {
		return ErrInvalidEventPayload
	}
	return s.Repository.InsertEvent(ctx, event, streamSeq)
}

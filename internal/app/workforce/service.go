package workforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/plantfloor/workboard/internal/app/activity"
	"github.com/plantfloor/workboard/internal/app/directory"
)

// ErrSnapshotTimeout means one of the bulk reads missed its deadline. The
// whole snapshot fails; a partial plant view would mislead supervisors.
var ErrSnapshotTimeout = errors.New("workforce snapshot timed out")

// IdlePoolID is the synthetic card holding workers with no station.
const IdlePoolID = "UNASSIGNED"

type WorkerRef struct {
	WorkerID        string `json:"worker_id"`
	FullName        string `json:"full_name"`
	LoginCode       string `json:"login_code"`
	WorkOrderID     string `json:"work_order_id,omitempty"`
	PauseReasonCode string `json:"pause_reason_code,omitempty"`
}

type MachineCard struct {
	MachineID   string      `json:"machine_id"`
	MachineName string      `json:"machine_name"`
	Assigned    []WorkerRef `json:"assigned"`
	Paused      []WorkerRef `json:"paused"`
	Available   []WorkerRef `json:"available"`
}

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Shift       string        `json:"shift"`
	ShiftFilter string        `json:"shift_filter,omitempty"`
	Machines    []MachineCard `json:"machines"`
}

type DirectoryReader interface {
	ListMachines(ctx context.Context) ([]directory.Machine, error)
	ListWorkersWithAssignment(ctx context.Context) ([]directory.Worker, error)
}

// Service builds the full-plant workforce view: three bulk reads, one
// in-memory fold. Round-trip count is fixed regardless of plant size.
type Service struct {
	Directory DirectoryReader
	Events    activity.EventReader
	Now       func() time.Time
	Collator  *collate.Collator
}

func NewService(directoryReader DirectoryReader, events activity.EventReader, locale string) *Service {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Und
	}
	return &Service{
		Directory: directoryReader,
		Events:    events,
		Now:       func() time.Time { return time.Now().UTC() },
		Collator:  collate.New(tag),
	}
}

// Snapshot computes the live workforce view. The shift filter is echoed in
// the response but does not restrict the computation: workers carry no
// scheduled-shift attribute to filter on.
func (s *Service) Snapshot(ctx context.Context, shiftFilter string) (Snapshot, error) {
	var (
		machines []directory.Machine
		workers  []directory.Worker
		events   []activity.Event
	)

	// The three reads are independent; fan out and join before folding.
	errCh := make(chan error, 3)
	go func() {
		var err error
		machines, err = s.Directory.ListMachines(ctx)
		errCh <- err
	}()
	go func() {
		var err error
		workers, err = s.Directory.ListWorkersWithAssignment(ctx)
		errCh <- err
	}()
	go func() {
		var err error
		events, err = s.Events.FindLatestEventsToday(ctx)
		errCh <- err
	}()

	var readErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && readErr == nil {
			readErr = err
		}
	}
	if readErr != nil {
		if errors.Is(readErr, context.DeadlineExceeded) {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotTimeout, readErr)
		}
		return Snapshot{}, readErr
	}

	// One latest-event-per-worker map, reused for every machine. The input
	// arrives newest-first but the max is taken explicitly anyway.
	latestByWorker := make(map[string]activity.Event, len(workers))
	for _, e := range events {
		if cur, ok := latestByWorker[e.WorkerID]; !ok || e.After(cur) {
			latestByWorker[e.WorkerID] = e
		}
	}

	byMachine := make(map[string][]directory.Worker, len(machines))
	knownMachines := make(map[string]bool, len(machines))
	for _, m := range machines {
		knownMachines[m.MachineID] = true
	}
	var idle []directory.Worker
	for _, w := range workers {
		// A dangling assignment (machine gone from the directory) lands in
		// the idle pool rather than on an invisible card.
		if w.AssignedMachineID == nil || !knownMachines[*w.AssignedMachineID] {
			idle = append(idle, w)
			continue
		}
		byMachine[*w.AssignedMachineID] = append(byMachine[*w.AssignedMachineID], w)
	}

	sorted := make([]directory.Machine, len(machines))
	copy(sorted, machines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.Collator.CompareString(sorted[i].MachineName, sorted[j].MachineName) < 0
	})

	cards := make([]MachineCard, 0, len(sorted)+1)
	for _, m := range sorted {
		card := MachineCard{
			MachineID:   m.MachineID,
			MachineName: m.MachineName,
			Assigned:    []WorkerRef{},
			Paused:      []WorkerRef{},
			Available:   []WorkerRef{},
		}
		for _, w := range byMachine[m.MachineID] {
			ref := WorkerRef{WorkerID: w.WorkerID, FullName: w.FullName, LoginCode: w.LoginCode}
			var latest *activity.Event
			if e, ok := latestByWorker[w.WorkerID]; ok {
				latest = &e
			}
			switch activity.ClassifyBucket(latest) {
			case activity.BucketAssigned:
				ref.WorkOrderID = latest.WorkOrderID
				card.Assigned = append(card.Assigned, ref)
			case activity.BucketPaused:
				ref.WorkOrderID = latest.WorkOrderID
				ref.PauseReasonCode = latest.PauseReasonCode
				card.Paused = append(card.Paused, ref)
			default:
				card.Available = append(card.Available, ref)
			}
		}
		cards = append(cards, card)
	}

	// Idle-pool card always last, every worker in it available: a worker
	// without a station cannot be working one, whatever the log says.
	if len(idle) > 0 {
		pool := MachineCard{
			MachineID:   IdlePoolID,
			MachineName: "Idle Pool",
			Assigned:    []WorkerRef{},
			Paused:      []WorkerRef{},
			Available:   make([]WorkerRef, 0, len(idle)),
		}
		for _, w := range idle {
			pool.Available = append(pool.Available, WorkerRef{
				WorkerID:  w.WorkerID,
				FullName:  w.FullName,
				LoginCode: w.LoginCode,
			})
		}
		cards = append(cards, pool)
	}

	return Snapshot{
		GeneratedAt: s.Now(),
		Shift:       ShiftForTime(s.Now()),
		ShiftFilter: shiftFilter,
		Machines:    cards,
	}, nil
}

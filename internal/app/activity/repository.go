package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventReader is the event-store read contract. Both methods return events in
// newest-first order.
type EventReader interface {
	FindLatestEventsToday(ctx context.Context) ([]Event, error)
	FindEventsFor(ctx context.Context, workerID, workOrderID string) ([]Event, error)
}

type PostgresEventRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{Pool: pool}
}

const selectEventColumns = `
SELECT event_id, work_order_id, machine_id, worker_id, kind,
       COALESCE(pause_reason_code, ''), COALESCE(note, ''), occurred_at, seq`

// FindLatestEventsToday returns every event that occurred during the current
// calendar day, newest first. "Today" is the database server's local day.
func (r *PostgresEventRepository) FindLatestEventsToday(ctx context.Context) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		selectEventColumns+`
		 FROM activity_events
		 WHERE occurred_at >= date_trunc('day', now())
		 ORDER BY occurred_at DESC, seq DESC`,
	)
	if err != nil {
		if isUndefinedTable(err) {
			// Sink has not created the log yet; an empty day is correct.
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *PostgresEventRepository) FindEventsFor(ctx context.Context, workerID, workOrderID string) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		selectEventColumns+`
		 FROM activity_events
		 WHERE worker_id = $1 AND work_order_id = $2
		 ORDER BY occurred_at DESC, seq DESC`,
		workerID, workOrderID,
	)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// WaitForEventApplied polls until the sink has appended the event, so the
// next derived-state read observes the action just recorded. Giving up after
// the timeout is not an error: the event is on the stream and will land.
func (r *PostgresEventRepository) WaitForEventApplied(ctx context.Context, eventID string, timeout time.Duration) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	delay := 20 * time.Millisecond
	for time.Now().Before(deadline) {
		var marker int
		err := r.Pool.QueryRow(ctx,
			`SELECT 1 FROM activity_events WHERE event_id = $1 LIMIT 1`,
			eventID,
		).Scan(&marker)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) && !isUndefinedTable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 250*time.Millisecond {
			nextDelay = 250 * time.Millisecond
		}
		delay = nextDelay
	}
	return nil
}

// LatestStreamOffset reports the highest JetStream sequence the sink has
// applied across all machines. Zero means no offsets have been recorded yet.
func (r *PostgresEventRepository) LatestStreamOffset(ctx context.Context) (uint64, error) {
	var offset int64
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(last_stream_seq), 0) FROM machine_stream_offsets`,
	).Scan(&offset)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, err
	}
	if offset < 0 {
		offset = 0
	}
	return uint64(offset), nil
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	events := make([]Event, 0, 64)
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.EventID,
			&e.WorkOrderID,
			&e.MachineID,
			&e.WorkerID,
			&e.Kind,
			&e.PauseReasonCode,
			&e.Note,
			&e.OccurredAt,
			&e.Seq,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

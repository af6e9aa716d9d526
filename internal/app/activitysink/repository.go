package activitysink

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/plantfloor/workboard/internal/contracts"
)

// The log is append-only: rows are inserted exactly once (replays are
// absorbed by the event_id conflict clause) and never updated or deleted.
// seq provides the stable secondary order for events sharing a timestamp.
const createActivityEventsSQL = `
CREATE TABLE IF NOT EXISTS activity_events (
  event_id text PRIMARY KEY,
  action_id text NOT NULL DEFAULT '',
  work_order_id text NOT NULL,
  machine_id text NOT NULL,
  worker_id text NOT NULL,
  kind text NOT NULL,
  pause_reason_code text,
  note text,
  shard_id integer NOT NULL DEFAULT 0,
  occurred_at timestamptz NOT NULL,
  seq bigint GENERATED ALWAYS AS IDENTITY,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createActivityEventIndexSQL = `
CREATE INDEX IF NOT EXISTS activity_events_pair_idx
ON activity_events (worker_id, work_order_id, occurred_at DESC, seq DESC)`

const createActivityEventDayIndexSQL = `
CREATE INDEX IF NOT EXISTS activity_events_day_idx
ON activity_events (occurred_at)`

const createMachineStreamOffsetsSQL = `
CREATE TABLE IF NOT EXISTS machine_stream_offsets (
  machine_id text PRIMARY KEY,
  last_stream_seq bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const insertEventSQL = `
INSERT INTO activity_events (
  event_id, action_id, work_order_id, machine_id, worker_id,
  kind, pause_reason_code, note, shard_id, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
ON CONFLICT (event_id) DO NOTHING
`

const upsertMachineStreamOffsetSQL = `
INSERT INTO machine_stream_offsets (machine_id, last_stream_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (machine_id) DO UPDATE
SET last_stream_seq = GREATEST(machine_stream_offsets.last_stream_seq, EXCLUDED.last_stream_seq),
    updated_at = now()
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createActivityEventsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createActivityEventIndexSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createActivityEventDayIndexSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createMachineStreamOffsetsSQL); err != nil {
		return err
	}
	return nil
}

func (r *EventRepository) InsertEvent(ctx context.Context, event contracts.ActivityEvent, streamSeq uint64) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEventSQL,
		event.EventID,
		event.ActionID,
		event.WorkOrderID,
		event.MachineID,
		event.WorkerID,
		event.Kind,
		event.PauseReasonCode,
		event.Note,
		event.ShardID,
		event.OccurredAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, upsertMachineStreamOffsetSQL, event.MachineID, int64(streamSeq)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

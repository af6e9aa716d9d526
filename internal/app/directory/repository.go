package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// Worker is a directory entity. AssignedMachineID is the station the worker
// currently occupies; nil means the idle pool. Assignment is maintained by an
// administrative process, never written here.
type Worker struct {
	WorkerID          string  `json:"worker_id"`
	FullName          string  `json:"full_name"`
	LoginCode         string  `json:"login_code"`
	AssignedMachineID *string `json:"assigned_machine_id,omitempty"`
}

// Machine is a production resource. Authorization is encoded as a default
// assignee plus a comma-separated list of secondary assignee login codes.
type Machine struct {
	MachineID              string `json:"machine_id"`
	MachineName            string `json:"machine_name"`
	DefaultAssigneeCode    string `json:"default_assignee_code,omitempty"`
	SecondaryAssigneeCodes string `json:"secondary_assignee_codes,omitempty"`
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	ListMachines(ctx context.Context) ([]Machine, error)
	ListWorkersWithAssignment(ctx context.Context) ([]Worker, error)
	FindMachine(ctx context.Context, machineID string) (Machine, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createWorkersSQL = `
CREATE TABLE IF NOT EXISTS workers (
  worker_id text PRIMARY KEY,
  full_name text NOT NULL,
  login_code text NOT NULL UNIQUE,
  pin_hash text NOT NULL DEFAULT '',
  assigned_machine_id text,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createMachinesSQL = `
CREATE TABLE IF NOT EXISTS machines (
  machine_id text PRIMARY KEY,
  machine_name text NOT NULL,
  default_assignee_code text,
  secondary_assignee_codes text,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const alterWorkersAssignmentSQL = `
ALTER TABLE workers
ADD COLUMN IF NOT EXISTS assigned_machine_id text`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createWorkersSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createMachinesSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, alterWorkersAssignmentSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) ListMachines(ctx context.Context) ([]Machine, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT machine_id, machine_name,
		        COALESCE(default_assignee_code, ''),
		        COALESCE(secondary_assignee_codes, '')
		 FROM machines
		 ORDER BY machine_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	machines := make([]Machine, 0, 64)
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.MachineID, &m.MachineName, &m.DefaultAssigneeCode, &m.SecondaryAssigneeCodes); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (r *PostgresRepository) ListWorkersWithAssignment(ctx context.Context) ([]Worker, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT worker_id, full_name, login_code, assigned_machine_id
		 FROM workers
		 ORDER BY full_name, worker_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workers := make([]Worker, 0, 128)
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.WorkerID, &w.FullName, &w.LoginCode, &w.AssignedMachineID); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (r *PostgresRepository) FindMachine(ctx context.Context, machineID string) (Machine, error) {
	var m Machine
	err := r.Pool.QueryRow(ctx,
		`SELECT machine_id, machine_name,
		        COALESCE(default_assignee_code, ''),
		        COALESCE(secondary_assignee_codes, '')
		 FROM machines
		 WHERE machine_id = $1`,
		machineID,
	).Scan(&m.MachineID, &m.MachineName, &m.DefaultAssigneeCode, &m.SecondaryAssigneeCodes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Machine{}, ErrNotFound
		}
		return Machine{}, err
	}
	return m, nil
}

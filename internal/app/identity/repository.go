package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// WorkerCredentials is the identity view of a directory worker: the login
// code plus the bcrypt hash of their PIN.
type WorkerCredentials struct {
	WorkerID  string
	FullName  string
	LoginCode string
	PinHash   string
}

type RefreshToken struct {
	TokenID   string
	WorkerID  string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	FindWorkerByLoginCode(ctx context.Context, loginCode string) (WorkerCredentials, error)
	FindWorkerByID(ctx context.Context, workerID string) (WorkerCredentials, error)

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

// The workers table itself belongs to the directory schema; identity only
// adds the refresh token store on top of it.
const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  worker_id text NOT NULL REFERENCES workers(worker_id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createRefreshTokensSQL)
	return err
}

func (r *PostgresRepository) FindWorkerByLoginCode(ctx context.Context, loginCode string) (WorkerCredentials, error) {
	var w WorkerCredentials
	err := r.Pool.QueryRow(ctx,
		`SELECT worker_id, full_name, login_code, pin_hash FROM workers WHERE login_code = $1`,
		loginCode,
	).Scan(&w.WorkerID, &w.FullName, &w.LoginCode, &w.PinHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkerCredentials{}, ErrNotFound
		}
		return WorkerCredentials{}, err
	}
	return w, nil
}

func (r *PostgresRepository) FindWorkerByID(ctx context.Context, workerID string) (WorkerCredentials, error) {
	var w WorkerCredentials
	err := r.Pool.QueryRow(ctx,
		`SELECT worker_id, full_name, login_code, pin_hash FROM workers WHERE worker_id = $1`,
		workerID,
	).Scan(&w.WorkerID, &w.FullName, &w.LoginCode, &w.PinHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkerCredentials{}, ErrNotFound
		}
		return WorkerCredentials{}, err
	}
	return w, nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, worker_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.WorkerID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, worker_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.WorkerID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}

package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the directory needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS rooms (
	room_id    TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rooms_expires_at_idx ON rooms (expires_at)`

	existsSQL      = `SELECT EXISTS (SELECT 1 FROM rooms WHERE room_id = $1 AND expires_at > $2)`
	listExpiredSQL = `SELECT room_id FROM rooms WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`
	deleteSQL      = `DELETE FROM rooms WHERE room_id = $1`
)

// DefaultExpiredBatch caps how many rooms one sweep evicts.
const DefaultExpiredBatch = 500

// Postgres reads the rooms table the room service writes.
type Postgres struct {
	db    DB
	now   func() time.Time
	batch int
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db, now: time.Now, batch: DefaultExpiredBatch}
}

// EnsureSchema creates the rooms table if the room service has not.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create rooms schema: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Exists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, existsSQL, roomID, p.now()).Scan(&exists); err != nil {
		return false, fmt.Errorf("look up room %s: %w", roomID, err)
	}
	return exists, nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.Query(ctx, listExpiredSQL, now, p.batch)
	if err != nil {
		return nil, fmt.Errorf("list expired rooms: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list expired rooms: %w", err)
	}
	return ids, nil
}

func (p *Postgres) Delete(ctx context.Context, roomID string) error {
	if _, err := p.db.Exec(ctx, deleteSQL, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

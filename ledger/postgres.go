package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS x402_nonces (
	key        TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS x402_nonces_expires_at ON x402_nonces (expires_at);
`

const (
	reserveSQL = `
INSERT INTO x402_nonces (key, state, updated_at, expires_at)
VALUES ($1, 'reserved', now(), $2)
ON CONFLICT (key) DO UPDATE
SET state = 'reserved', updated_at = now(), expires_at = EXCLUDED.expires_at
WHERE x402_nonces.expires_at <= now()`

	beginSettlementSQL = `
INSERT INTO x402_nonces (key, state, updated_at, expires_at)
VALUES ($1, 'settling', now(), $2)
ON CONFLICT (key) DO UPDATE
SET state = 'settling', updated_at = now(), expires_at = EXCLUDED.expires_at
WHERE x402_nonces.state = 'reserved' OR x402_nonces.expires_at <= now()`

	consumeSQL = `
INSERT INTO x402_nonces (key, state, updated_at, expires_at)
VALUES ($1, 'consumed', now(), $2)
ON CONFLICT (key) DO UPDATE
SET state = 'consumed', updated_at = now(), expires_at = EXCLUDED.expires_at`

	releaseSQL = `DELETE FROM x402_nonces WHERE key = $1 AND state = $2`

	stateSQL = `SELECT state FROM x402_nonces WHERE key = $1 AND expires_at > now()`

	pruneSQL = `DELETE FROM x402_nonces WHERE expires_at <= now()`
)

// DB is the subset of *pgxpool.Pool the Postgres ledger needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a ledger backed by the x402_nonces table. Conditional upserts
// make every transition a single statement.
type Postgres struct {
	db     DB
	logger *slog.Logger
}

// NewPostgres wraps an existing pool or connection.
func NewPostgres(db DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// OpenPostgres connects a pool to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, unavailable("connect", Key{}, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("connect", Key{}, err)
	}
	return pool, nil
}

// Migrate creates the nonce table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return unavailable("migrate", Key{}, err)
	}
	return nil
}

func (p *Postgres) upsert(ctx context.Context, op, sql string, key Key, expiresAt time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, sql, key.String(), expiresAt)
	if err != nil {
		return false, unavailable(op, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Reserve(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	return p.upsert(ctx, "reserve", reserveSQL, key, expiresAt)
}

func (p *Postgres) BeginSettlement(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	return p.upsert(ctx, "begin settlement", beginSettlementSQL, key, expiresAt)
}

func (p *Postgres) Consume(ctx context.Context, key Key, expiresAt time.Time) error {
	_, err := p.upsert(ctx, "consume", consumeSQL, key, expiresAt)
	return err
}

func (p *Postgres) ReleaseReservation(ctx context.Context, key Key) error {
	return p.release(ctx, "release reservation", key, Reserved)
}

func (p *Postgres) ReleaseSettlement(ctx context.Context, key Key) error {
	return p.release(ctx, "release settlement", key, Settling)
}

func (p *Postgres) release(ctx context.Context, op string, key Key, from State) error {
	if _, err := p.db.Exec(ctx, releaseSQL, key.String(), from.String()); err != nil {
		return unavailable(op, key, err)
	}
	return nil
}

func (p *Postgres) State(ctx context.Context, key Key) (State, error) {
	var name string
	err := p.db.QueryRow(ctx, stateSQL, key.String()).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Absent, nil
	}
	if err != nil {
		return Absent, unavailable("state", key, err)
	}
	s, err := parseState(name)
	if err != nil {
		return Absent, unavailable("state", key, err)
	}
	return s, nil
}

func (p *Postgres) IsConsumed(ctx context.Context, key Key) (bool, error) {
	s, err := p.State(ctx, key)
	return s == Consumed, err
}

// Prune deletes expired rows and returns how many were removed.
func (p *Postgres) Prune(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, pruneSQL)
	if err != nil {
		return 0, unavailable("prune", Key{}, err)
	}
	return tag.RowsAffected(), nil
}

// RunJanitor prunes expired rows every interval until ctx is done.
func (p *Postgres) RunJanitor(ctx context.Context, interval time.Duration) error {
	return runJanitor(ctx, interval, p.logger, p.Prune)
}

var _ Ledger = (*Postgres)(nil)

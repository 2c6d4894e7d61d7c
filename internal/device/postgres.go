package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/vaani/pkg/fault"
)

// Schema is the SQL DDL for the device_bindings table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// The partial unique index allows any number of revoked rows per fingerprint
// but only one active binding.
const Schema = `
CREATE TABLE IF NOT EXISTS device_bindings (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    label         TEXT NOT NULL DEFAULT '',
    platform      TEXT NOT NULL DEFAULT '',
    trust         TEXT NOT NULL DEFAULT 'provisional'
                  CHECK (trust IN ('provisional', 'trusted', 'revoked')),
    voice_signed  BOOLEAN NOT NULL DEFAULT false,
    last_verified TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_device_bindings_account ON device_bindings(account_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_device_bindings_active
    ON device_bindings(account_id, fingerprint) WHERE trust <> 'revoked';
`

const selectColumns = `
	SELECT id, account_id, fingerprint, label, platform, trust,
	       voice_signed, last_verified, created_at, revoked_at
	FROM device_bindings`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on the given connection or pool.
// The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("device: migrate: %w", err)
	}
	return nil
}

// Ping runs a trivial query. It is used as a readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("device: ping: %w", err)
	}
	return nil
}

// Insert implements [Store].
func (s *PostgresStore) Insert(ctx context.Context, b Binding) error {
	const query = `
		INSERT INTO device_bindings
		    (id, account_id, fingerprint, label, platform, trust,
		     voice_signed, last_verified, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.Exec(ctx, query,
		b.ID, b.AccountID, b.Fingerprint, b.Label, b.Platform, string(b.Trust),
		b.VoiceSigned, nullTime(b.LastVerified), b.CreatedAt, nullTime(b.RevokedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("device: insert %s: duplicate binding: %w", b.ID, err)
		}
		return fmt.Errorf("device: insert %s: %w", b.ID, err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Binding, error) {
	b, err := scanBinding(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("device: get %s: %w", id, err)
	}
	return b, nil
}

// FindActive implements [Store].
func (s *PostgresStore) FindActive(ctx context.Context, accountID, fingerprint string) (Binding, error) {
	b, err := scanBinding(s.db.QueryRow(ctx,
		selectColumns+` WHERE account_id = $1 AND fingerprint = $2 AND trust <> 'revoked'`,
		accountID, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("device: find active: %w", err)
	}
	return b, nil
}

// Update implements [Store]. The trust guard lives in the WHERE clause so
// that a concurrent revoke always wins.
func (s *PostgresStore) Update(ctx context.Context, b Binding) error {
	const query = `
		UPDATE device_bindings
		SET label = $2, platform = $3, trust = $4, voice_signed = $5,
		    last_verified = $6, revoked_at = $7
		WHERE id = $1 AND trust <> 'revoked'`

	tag, err := s.db.Exec(ctx, query,
		b.ID, b.Label, b.Platform, string(b.Trust), b.VoiceSigned,
		nullTime(b.LastVerified), nullTime(b.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("device: update %s: %w", b.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched: either the row is gone or it is already revoked.
	if _, err := s.Get(ctx, b.ID); err != nil {
		return err
	}
	return fmt.Errorf("device: update %s: %w", b.ID, fault.ErrRevoked)
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, accountID string) ([]Binding, error) {
	rows, err := s.db.Query(ctx, selectColumns+` WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("device: list scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device: list rows: %w", err)
	}
	return out, nil
}

func scanBinding(row pgx.Row) (Binding, error) {
	var (
		b                       Binding
		trust                   string
		lastVerified, revokedAt *time.Time
	)
	err := row.Scan(
		&b.ID, &b.AccountID, &b.Fingerprint, &b.Label, &b.Platform, &trust,
		&b.VoiceSigned, &lastVerified, &b.CreatedAt, &revokedAt,
	)
	if err != nil {
		return Binding{}, err
	}
	b.Trust = TrustLevel(trust)
	if !b.Trust.Valid() {
		return Binding{}, fmt.Errorf("unknown trust level %q", trust)
	}
	if lastVerified != nil {
		b.LastVerified = *lastVerified
	}
	if revokedAt != nil {
		b.RevokedAt = *revokedAt
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vaani/pkg/fault"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   []Binding
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return scanInto(r.data[r.idx-1], dest) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// scanInto copies b into dest in the column order of selectColumns.
func scanInto(b Binding, dest []any) error {
	if len(dest) != 10 {
		return fmt.Errorf("scan: expected 10 destinations, got %d", len(dest))
	}
	optTime := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}
	*dest[0].(*string) = b.ID
	*dest[1].(*string) = b.AccountID
	*dest[2].(*string) = b.Fingerprint
	*dest[3].(*string) = b.Label
	*dest[4].(*string) = b.Platform
	*dest[5].(*string) = string(b.Trust)
	*dest[6].(*bool) = b.VoiceSigned
	*dest[7].(**time.Time) = optTime(b.LastVerified)
	*dest[8].(*time.Time) = b.CreatedAt
	*dest[9].(**time.Time) = optTime(b.RevokedAt)
	return nil
}

func rowOf(b Binding) pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error { return scanInto(b, dest) }}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS device_bindings") {
		t.Errorf("Migrate did not run schema: %q", executed)
	}
}

func TestPostgresStore_GetRoundTripsNullableTimes(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	want := Binding{ID: "b1", AccountID: "a", Fingerprint: "fp", Trust: TrustProvisional, CreatedAt: created}
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		if args[0] != "b1" {
			t.Errorf("Get arg = %v", args[0])
		}
		return rowOf(want)
	}}

	got, err := NewPostgresStore(db).Get(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()
	_, err := NewPostgresStore(&mockDB{}).Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetRejectsUnknownTrust(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return rowOf(Binding{ID: "b1", Trust: "superuser"})
	}}
	if _, err := NewPostgresStore(db).Get(context.Background(), "b1"); err == nil {
		t.Fatal("expected error for unknown trust level")
	}
}

func TestPostgresStore_UpdateGuardedByTrust(t *testing.T) {
	t.Parallel()
	var updateSQL string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			updateSQL = sql
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return rowOf(Binding{ID: "b1", Trust: TrustRevoked})
		},
	}

	err := NewPostgresStore(db).Update(context.Background(), Binding{ID: "b1", Trust: TrustTrusted})
	if !errors.Is(err, fault.ErrRevoked) {
		t.Fatalf("Update = %v, want ErrRevoked", err)
	}
	if !strings.Contains(updateSQL, "trust <> 'revoked'") {
		t.Errorf("update statement lacks revoked guard: %s", updateSQL)
	}
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	err := NewPostgresStore(db).Update(context.Background(), Binding{ID: "gone"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateOK(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	b := Binding{ID: "b1", Trust: TrustTrusted, VoiceSigned: true}
	if err := NewPostgresStore(db).Update(context.Background(), b); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotArgs[3] != "trusted" {
		t.Errorf("trust arg = %v, want trusted", gotArgs[3])
	}
	if gotArgs[5] != (*time.Time)(nil) {
		t.Errorf("zero last_verified should be written as NULL, got %v", gotArgs[5])
	}
}

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}}
	err := NewPostgresStore(db).Insert(context.Background(), Binding{ID: "b1"})
	if err == nil || !strings.Contains(err.Error(), "duplicate binding") {
		t.Fatalf("Insert = %v, want duplicate error", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: []Binding{
		{ID: "b1", AccountID: "a", Trust: TrustRevoked, RevokedAt: time.Unix(100, 0).UTC()},
		{ID: "b2", AccountID: "a", Trust: TrustTrusted, VoiceSigned: true},
	}}
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) { return rows, nil }}

	got, err := NewPostgresStore(db).List(context.Background(), "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Trust != TrustRevoked || !got[1].VoiceSigned {
		t.Errorf("List = %+v", got)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

// ---------------------------------------------------------------------------
// Integration test against a real database
// ---------------------------------------------------------------------------

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("VAANI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VAANI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	account := fmt.Sprintf("it-%d", time.Now().UnixNano())
	b := Binding{ID: account + "-b1", AccountID: account, Fingerprint: testSignals().Fingerprint(),
		Trust: TrustTrusted, CreatedAt: time.Now().UTC()}
	if err := store.Insert(ctx, b); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b.Revoke(time.Now().UTC())
	if err := store.Update(ctx, b); err != nil {
		t.Fatalf("Update revoke: %v", err)
	}
	b.Trust = TrustTrusted
	if err := store.Update(ctx, b); !errors.Is(err, fault.ErrRevoked) {
		t.Fatalf("Update after revoke = %v, want ErrRevoked", err)
	}
	got, err := store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Trust != TrustRevoked {
		t.Fatalf("Trust = %s, want revoked", got.Trust)
	}
	if _, err := store.FindActive(ctx, account, b.Fingerprint); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindActive = %v, want ErrNotFound", err)
	}
}

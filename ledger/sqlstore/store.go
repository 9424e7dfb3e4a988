package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/regflow/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver names a database/sql driver this store can run on.
type Driver string

const (
	DriverPostgres Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
)

func (d Driver) gooseDialect() (goose.Dialect, error) {
	switch d {
	case DriverPostgres:
		return goose.DialectPostgres, nil
	case DriverSQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported ledger driver %q", d)
	}
}

const recordColumns = `id, identity, profile, state, order_reference, payment_reference, created_at, updated_at`

// Store is a ledger.Store on Postgres or SQLite. Current values are unique
// by index; every reference a record ever claimed is kept in
// registration_references. Transitions are conditional UPDATE ... RETURNING.
type Store struct {
	db     *sql.DB
	driver Driver
}

var _ ledger.Store = (*Store)(nil)

// Open connects to dsn with driver and applies migrations.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	if _, err := driver.gooseDialect(); err != nil {
		return nil, err
	}
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if driver == DriverSQLite {
		// one connection keeps in-memory databases alive and writes serialized
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and applies migrations.
func New(ctx context.Context, db *sql.DB, driver Driver) (*Store, error) {
	if err := Migrate(ctx, db, driver); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Create(ctx context.Context, record *ledger.Record) error {
	if record == nil || strings.TrimSpace(record.Identity) == "" {
		return errors.New("ledger create requires an identity")
	}
	if !record.State.Valid() {
		return fmt.Errorf("ledger create: invalid state %q", record.State)
	}

	profile, err := encodeProfile(record.Profile)
	if err != nil {
		return err
	}

	query := `INSERT INTO registrations (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			record.ID,
			record.Identity,
			profile,
			string(record.State),
			nullString(record.OrderReference),
			nullString(record.PaymentReference),
			record.CreatedAt.UnixMilli(),
			record.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				if violatesReference(err) {
					return ledger.ErrDuplicateReference
				}
				return ledger.ErrIdentityExists
			}
			return fmt.Errorf("error performing sql request: %w", err)
		}
		if record.OrderReference != "" {
			if err := claimReference(ctx, tx, orderKey(record.OrderReference), record.Identity); err != nil {
				return err
			}
		}
		if record.PaymentReference != "" {
			return claimReference(ctx, tx, paymentKey(record.PaymentReference), record.Identity)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, identity string) (*ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM registrations WHERE identity = $1`
	return scanRecord(s.db.QueryRowContext(ctx, query, identity))
}

// GetByOrder resolves through the retained references, so an order replaced
// by a retry still leads to its record.
func (s *Store) GetByOrder(ctx context.Context, orderReference string) (*ledger.Record, error) {
	if orderReference == "" {
		return nil, ledger.ErrNotFound
	}
	query := `SELECT ` + recordColumns + ` FROM registrations
		WHERE identity = (SELECT identity FROM registration_references WHERE reference = $1)`
	return scanRecord(s.db.QueryRowContext(ctx, query, orderKey(orderReference)))
}

// Transition applies t with a conditional UPDATE, claiming any reference the
// new state records in the same transaction. Zero matched rows means the
// record is missing or its state moved on.
func (s *Store) Transition(ctx context.Context, t ledger.Transition) (*ledger.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var (
		sets  []string
		args  []any
		where []string
		claim string
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	sets = append(sets, "state = "+arg(string(t.To)))
	switch t.To {
	case ledger.StatePaymentPending:
		sets = append(sets, "order_reference = "+arg(t.OrderReference), "payment_reference = NULL")
		claim = orderKey(t.OrderReference)
	case ledger.StatePaymentSuccess, ledger.StatePaymentFailed:
		sets = append(sets, "payment_reference = "+arg(t.PaymentReference))
		claim = paymentKey(t.PaymentReference)
	}
	if t.Profile != nil {
		profile, err := encodeProfile(t.Profile)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "profile = "+arg(profile))
	}
	sets = append(sets, "updated_at = "+arg(time.Now().UTC().UnixMilli()))

	where = append(where, "identity = "+arg(t.Identity), "state = "+arg(string(t.From)))
	if t.ExpectOrderReference != "" {
		where = append(where, "order_reference = "+arg(t.ExpectOrderReference))
	}

	query := `UPDATE registrations SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + recordColumns

	var record *ledger.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		record, err = scanRecord(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return err
		}
		if claim != "" {
			return claimReference(ctx, tx, claim, t.Identity)
		}
		return nil
	})
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, ledger.ErrNotFound):
		// the transaction is closed, so this read cannot block on it
		if _, getErr := s.Get(ctx, t.Identity); getErr != nil {
			return nil, getErr
		}
		return nil, ledger.ErrStaleTransition
	case isUniqueViolation(err):
		return nil, ledger.ErrDuplicateReference
	default:
		return nil, err
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func orderKey(ref string) string   { return "order:" + ref }
func paymentKey(ref string) string { return "payment:" + ref }

// claimReference binds key to identity for good. Re-claiming a key the
// identity already holds is a no-op; a key held by anyone else is a
// duplicate.
func claimReference(ctx context.Context, tx *sql.Tx, key, identity string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO registration_references (reference, identity) VALUES ($1, $2)
		ON CONFLICT (reference) DO NOTHING`, key, identity)
	if err != nil {
		return fmt.Errorf("claim reference: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT identity FROM registration_references WHERE reference = $1`, key).Scan(&owner)
	if err != nil {
		return fmt.Errorf("read reference owner: %w", err)
	}
	if owner != identity {
		return ledger.ErrDuplicateReference
	}
	return nil
}

func scanRecord(row *sql.Row) (*ledger.Record, error) {
	var (
		rec                      ledger.Record
		profile, state           string
		orderRef, paymentRef     sql.NullString
		createdAtMs, updatedAtMs int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.Identity,
		&profile,
		&state,
		&orderRef,
		&paymentRef,
		&createdAtMs,
		&updatedAtMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	rec.State = ledger.State(state)
	rec.OrderReference = orderRef.String
	rec.PaymentReference = paymentRef.String
	rec.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if rec.Profile, err = decodeProfile(profile); err != nil {
		return nil, err
	}

	return &rec, nil
}

func encodeProfile(p ledger.Profile) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(data), nil
}

func decodeProfile(raw string) (ledger.Profile, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var p ledger.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// violatesReference reports whether a unique violation hit an order or
// payment reference index rather than the identity.
func violatesReference(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.Contains(pgErr.ConstraintName, "_reference_")
	}
	msg := err.Error()
	return strings.Contains(msg, "registrations.order_reference") ||
		strings.Contains(msg, "registrations.payment_reference")
}

// Package checkpoint persists per-table import progress next to the data it
// describes, so that progress and rows are committed by the same transaction.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/zlibmeta/api"
)

var (
	// ErrInconsistent is matched by every *InconsistencyError.
	ErrInconsistent = errors.New("checkpoint inconsistent with store")
	// ErrRegress is returned when an advance would move a checkpoint backwards.
	ErrRegress = errors.New("checkpoint would move backwards")
)

// InconsistencyError means the checkpoint claims more than the store holds.
// Resuming from it would silently lose records, so it is never corrected
// automatically.
type InconsistencyError struct {
	Table  string
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInconsistent, e.Table, e.Reason)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistent }

// Tally counts what happened to the records behind a checkpoint.
// RowsInserted+ConflictsSkipped always equals the checkpoint count.
type Tally struct {
	RowsInserted     int64 `json:"rows_inserted" yaml:"rows_inserted"`
	ConflictsSkipped int64 `json:"conflicts_skipped" yaml:"conflicts_skipped"`
	DecodeErrors     int64 `json:"decode_errors" yaml:"decode_errors"`
}

// Add returns the field-wise sum.
func (t Tally) Add(o Tally) Tally {
	return Tally{
		RowsInserted:     t.RowsInserted + o.RowsInserted,
		ConflictsSkipped: t.ConflictsSkipped + o.ConflictsSkipped,
		DecodeErrors:     t.DecodeErrors + o.DecodeErrors,
	}
}

// Checkpoint is one row of import_progress joined with its tally.
type Checkpoint struct {
	Table           string    `json:"table" yaml:"table"`
	RecordsImported int64     `json:"records_imported" yaml:"records_imported"`
	LastUpdated     time.Time `json:"last_updated" yaml:"last_updated"`
	Tally           Tally     `json:"tally" yaml:"tally"`
}

// Store reads and advances checkpoints. It does not own the *sql.DB.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for last_updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps db, which must already carry api.Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the number of records durably committed for table, 0 if none.
func (s *Store) Get(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT records_imported FROM import_progress WHERE table_name = ?", table).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", table, err)
	}
	return n, nil
}

// Tally returns the accumulated counters for table.
func (s *Store) Tally(ctx context.Context, table string) (Tally, error) {
	t, _, err := s.tally(ctx, table)
	return t, err
}

func (s *Store) tally(ctx context.Context, table string) (Tally, bool, error) {
	var t Tally
	err := s.db.QueryRowContext(ctx,
		"SELECT rows_inserted, conflicts_skipped, decode_errors FROM import_tally WHERE table_name = ?", table).
		Scan(&t.RowsInserted, &t.ConflictsSkipped, &t.DecodeErrors)
	if errors.Is(err, sql.ErrNoRows) {
		return Tally{}, false, nil
	}
	if err != nil {
		return Tally{}, false, fmt.Errorf("read tally %s: %w", table, err)
	}
	return t, true, nil
}

// Advance moves table's checkpoint to newCount and adds delta to its tally,
// inside tx. The caller commits tx together with the rows that justify the
// advance; that coupling is what makes a crash lose at most one batch.
func (s *Store) Advance(ctx context.Context, tx *sql.Tx, table string, newCount int64, delta Tally) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO import_progress (table_name, records_imported, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			records_imported = excluded.records_imported,
			last_updated = excluded.last_updated
		WHERE excluded.records_imported >= import_progress.records_imported
	`, table, newCount, s.now().UTC())
	if err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s to %d", ErrRegress, table, newCount)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO import_tally (table_name, rows_inserted, conflicts_skipped, decode_errors)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			rows_inserted = rows_inserted + excluded.rows_inserted,
			conflicts_skipped = conflicts_skipped + excluded.conflicts_skipped,
			decode_errors = decode_errors + excluded.decode_errors
	`, table, delta.RowsInserted, delta.ConflictsSkipped, delta.DecodeErrors)
	if err != nil {
		return fmt.Errorf("advance tally %s: %w", table, err)
	}
	return nil
}

// Verify checks that the recorded progress for table is backed by rows.
func (s *Store) Verify(ctx context.Context, table string) error {
	if _, ok := api.TableByName(table); !ok {
		return fmt.Errorf("verify checkpoint: unknown table %q", table)
	}
	n, err := s.Get(ctx, table)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	t, found, err := s.tally(ctx, table)
	if err != nil {
		return err
	}
	if found && t.RowsInserted+t.ConflictsSkipped != n {
		return &InconsistencyError{Table: table, Reason: fmt.Sprintf(
			"checkpoint %d but tally accounts for %d inserted + %d conflicting records",
			n, t.RowsInserted, t.ConflictsSkipped)}
	}
	var rows int64
	// Table name comes from the api allow-list above.
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&rows); err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	if !found && rows == 0 {
		// Stores written before import_tally existed only allow this check.
		return &InconsistencyError{Table: table, Reason: fmt.Sprintf(
			"checkpoint %d but the table is empty", n)}
	}
	if rows < t.RowsInserted {
		return &InconsistencyError{Table: table, Reason: fmt.Sprintf(
			"%d rows inserted by import but only %d present", t.RowsInserted, rows)}
	}
	return nil
}

// List returns every recorded checkpoint ordered by table name.
func (s *Store) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.table_name, p.records_imported, p.last_updated,
			COALESCE(t.rows_inserted, 0), COALESCE(t.conflicts_skipped, 0), COALESCE(t.decode_errors, 0)
		FROM import_progress p
		LEFT JOIN import_tally t ON t.table_name = p.table_name
		ORDER BY p.table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		var updated sql.NullString
		if err := rows.Scan(&c.Table, &c.RecordsImported, &updated,
			&c.Tally.RowsInserted, &c.Tally.ConflictsSkipped, &c.Tally.DecodeErrors); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		c.LastUpdated = parseTime(updated.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

// timeLayouts covers what the driver may hand back for a TIMESTAMP column.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Reset deletes table's rows together with its checkpoint and tally. This is
// the only operation that removes a checkpoint.
func (s *Store) Reset(ctx context.Context, table string) error {
	if _, ok := api.TableByName(table); !ok {
		return fmt.Errorf("reset: unknown table %q", table)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("reset %s: %w", table, err)
	}
	for _, q := range []string{
		"DELETE FROM import_progress WHERE table_name = ?",
		"DELETE FROM import_tally WHERE table_name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset %s: commit: %w", table, err)
	}
	return nil
}

package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/checkpoint"
	_ "modernc.org/sqlite"
)

// DefaultBatchSize is the number of records per transaction.
const DefaultBatchSize = 10000

// storePragmas tune SQLite for bulk loading without giving up atomic
// commits: the journal must stay on for a killed process to roll back its
// in-flight batch.
const storePragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=busy_timeout(10000)" +
	"&_pragma=cache_size(-262144)" +
	"&_pragma=temp_store(MEMORY)" +
	"&_txlock=immediate" +
	"&_time_format=sqlite"

// OpenStore opens (creating if needed) the destination database and applies
// api.Schema. One connection is kept so that each batch transaction is the
// single unit of mutual exclusion between table pipelines.
func OpenStore(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?"+storePragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, api.Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// BatchResult describes one committed batch.
type BatchResult struct {
	Table      string
	Base       int64 // checkpoint before the batch
	Checkpoint int64 // checkpoint after the batch
	Inserted   int64
	Conflicts  int64 // records skipped because their key already existed
	Elapsed    time.Duration
}

// BatchError is a batch that was rolled back. Nothing of it reached the
// store and the checkpoint still reads Base.
type BatchError struct {
	Table string
	Base  int64
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s[%d:%d] rolled back: %v", e.Table, e.Base, e.Base+int64(e.Size), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// BatchWriter applies batches of rows to one table, each batch in its own
// transaction together with the checkpoint advance.
type BatchWriter struct {
	db          *sql.DB
	checkpoints *checkpoint.Store
	table       api.Table
	insertSQL   string
	log         *slog.Logger
}

// NewBatchWriter creates a writer for table. db must come from OpenStore (or
// carry api.Schema).
func NewBatchWriter(db *sql.DB, checkpoints *checkpoint.Store, table api.Table, log *slog.Logger) *BatchWriter {
	if log == nil {
		log = slog.Default()
	}
	return &BatchWriter{
		db:          db,
		checkpoints: checkpoints,
		table:       table,
		insertSQL:   table.InsertSQL(),
		log:         log.With("table", table.Name),
	}
}

// Write inserts rows with insert-or-ignore semantics and advances the
// checkpoint from base to base+len(rows), all in one transaction.
// decodeErrors is added to the table's tally with the same commit.
//
// On any failure the transaction is rolled back and a *BatchError returned.
func (w *BatchWriter) Write(ctx context.Context, rows []api.Row, base, decodeErrors int64) (BatchResult, error) {
	start := time.Now()
	res := BatchResult{Table: w.table.Name, Base: base, Checkpoint: base}
	fail := func(err error) (BatchResult, error) {
		return BatchResult{Table: w.table.Name, Base: base, Checkpoint: base},
			&BatchError{Table: w.table.Name, Base: base, Size: len(rows), Err: err}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback() // surfaced through the returned error
		}
	}()

	// Prepare statement for fast inserts
	stmt, err := tx.PrepareContext(ctx, w.insertSQL)
	if err != nil {
		return fail(fmt.Errorf("prepare: %w", err))
	}
	defer func() { _ = stmt.Close() }() // closed with the tx anyway

	for _, row := range rows {
		r, err := stmt.ExecContext(ctx, row.Values()...)
		if err != nil {
			return fail(fmt.Errorf("insert %s: %w", row.Key(), err))
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fail(fmt.Errorf("rows affected %s: %w", row.Key(), err))
		}
		if n == 0 {
			res.Conflicts++
		} else {
			res.Inserted++
		}
	}

	res.Checkpoint = base + int64(len(rows))
	delta := checkpoint.Tally{
		RowsInserted:     res.Inserted,
		ConflictsSkipped: res.Conflicts,
		DecodeErrors:     decodeErrors,
	}
	if err := w.checkpoints.Advance(ctx, tx, w.table.Name, res.Checkpoint, delta); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	committed = true

	res.Elapsed = time.Since(start)
	w.log.Debug("batch committed",
		"base", base, "checkpoint", res.Checkpoint,
		"inserted", res.Inserted, "conflicts", res.Conflicts, "elapsed", res.Elapsed)
	return res, nil
}

// Finalize builds the secondary indexes, refreshes planner statistics and
// folds the WAL back into the main file so read-only consumers see one file.
func Finalize(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	// Create indices after bulk load for speed
	for _, idx := range api.Indexes {
		start := time.Now()
		if _, err := db.ExecContext(ctx, idx.CreateSQL()); err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}
		log.Info("index ready", "index", idx.Name, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// StoreStats summarises the destination after an import.
type StoreStats struct {
	Files     int64
	Records   int64
	SizeBytes int64
}

// Stats counts rows and reports the database size.
func Stats(ctx context.Context, db *sql.DB) (StoreStats, error) {
	var s StoreStats
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+api.FilesTableName).Scan(&s.Files); err != nil {
		return s, fmt.Errorf("count files: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+api.RecordsTableName).Scan(&s.Records); err != nil {
		return s, fmt.Errorf("count records: %w", err)
	}
	var pages, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return s, fmt.Errorf("page count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return s, fmt.Errorf("page size: %w", err)
	}
	s.SizeBytes = pages * pageSize
	return s, nil
}

// isBatchError reports whether err came from a rolled-back batch.
func isBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// Package query serves read-only lookups against an imported store.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/checkpoint"
	_ "modernc.org/sqlite"
)

const (
	// DefaultSearchLimit bounds title and author searches.
	DefaultSearchLimit = 10
	// DefaultFilterLimit bounds Filter.
	DefaultFilterLimit = 100
	topN               = 10
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("no record found")

// Store answers queries. It never writes.
type Store struct {
	db *sql.DB
}

// Open opens dbPath read-only. The file must exist.
func Open(dbPath string) (*Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// New wraps an already open handle; the caller keeps ownership of db.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the handle opened by Open.
func (s *Store) Close() error { return s.db.Close() }

// Count is one row of a grouped tally.
type Count struct {
	Value string `json:"value" yaml:"value"`
	Count int64  `json:"count" yaml:"count"`
}

// Stats summarises the store.
type Stats struct {
	Files   int64 `json:"total_files" yaml:"total_files"`
	Records int64 `json:"total_records" yaml:"total_records"`
	// FileIDs is the number of distinct zlibrary ids among file mappings;
	// Uncatalogued counts those without a catalog record.
	FileIDs       uint64  `json:"file_ids" yaml:"file_ids"`
	Uncatalogued  uint64  `json:"uncatalogued" yaml:"uncatalogued"`
	TopLanguages  []Count `json:"top_languages" yaml:"top_languages"`
	TopExtensions []Count `json:"top_extensions" yaml:"top_extensions"`
}

// Stats counts rows, computes catalog coverage of the file mappings and
// lists the most common languages and extensions.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+api.FilesTableName).Scan(&st.Files); err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+api.RecordsTableName).Scan(&st.Records); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	files, err := s.idBitmap(ctx, api.FilesTableName)
	if err != nil {
		return nil, err
	}
	records, err := s.idBitmap(ctx, api.RecordsTableName)
	if err != nil {
		return nil, err
	}
	st.FileIDs = files.GetCardinality()
	st.Uncatalogued = roaring64.AndNot(files, records).GetCardinality()

	if st.TopLanguages, err = s.top(ctx, "language"); err != nil {
		return nil, err
	}
	if st.TopExtensions, err = s.top(ctx, "extension"); err != nil {
		return nil, err
	}
	return st, nil
}

// idBitmap streams every zlibrary_id of table into a bitmap, holding one
// row at a time.
func (s *Store) idBitmap(ctx context.Context, table string) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	rows, err := s.db.QueryContext(ctx, "SELECT zlibrary_id FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", table, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", table, err)
		}
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	return bm, rows.Err()
}

// top groups zlib_records by column. column is one of our own literals.
func (s *Store) top(ctx context.Context, column string) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*) AS n
		FROM zlib_records
		WHERE `+column+` IS NOT NULL AND `+column+` != ''
		GROUP BY `+column+`
		ORDER BY n DESC, `+column+`
		LIMIT ?`, topN)
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Value, &c.Count); err != nil {
			return nil, fmt.Errorf("top %s: %w", column, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var recordColumns = strings.Join(api.RecordsTable.Columns, ", ")

// ByMD5 finds the catalog record reporting md5. When no record reports it,
// the file mapping with that md5 is followed to its catalog record.
func (s *Store) ByMD5(ctx context.Context, md5 string) (*api.CatalogRecord, error) {
	md5 = strings.ToLower(strings.TrimSpace(md5))
	rec, err := s.one(ctx, "SELECT "+recordColumns+" FROM zlib_records WHERE md5_reported = ? LIMIT 1", md5)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	return s.one(ctx, `
		SELECT `+prefixed("r", api.RecordsTable.Columns)+`
		FROM zlib_files f
		JOIN zlib_records r ON r.zlibrary_id = f.zlibrary_id
		WHERE f.md5 = ?
		LIMIT 1`, md5)
}

// ByID returns the catalog record with zlibrary id.
func (s *Store) ByID(ctx context.Context, id int64) (*api.CatalogRecord, error) {
	return s.one(ctx, "SELECT "+recordColumns+" FROM zlib_records WHERE zlibrary_id = ?", id)
}

// Files lists the file mappings of a zlibrary id.
func (s *Store) Files(ctx context.Context, id int64) ([]api.FileMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+strings.Join(api.FilesTable.Columns, ", ")+" FROM zlib_files WHERE zlibrary_id = ? ORDER BY aacid", id)
	if err != nil {
		return nil, fmt.Errorf("files of %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []api.FileMapping
	for rows.Next() {
		var f api.FileMapping
		if err := rows.Scan(f.Fields()...); err != nil {
			return nil, fmt.Errorf("scan file mapping: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchTitle matches title substrings, newest ids first.
func (s *Store) SearchTitle(ctx context.Context, term string, limit int) ([]api.CatalogRecord, error) {
	return s.search(ctx, "title", term, limit)
}

// SearchAuthor matches author substrings, newest ids first.
func (s *Store) SearchAuthor(ctx context.Context, term string, limit int) ([]api.CatalogRecord, error) {
	return s.search(ctx, "author", term, limit)
}

func (s *Store) search(ctx context.Context, column, term string, limit int) ([]api.CatalogRecord, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.many(ctx, "SELECT "+recordColumns+" FROM zlib_records WHERE "+column+
		" LIKE ? ORDER BY zlibrary_id DESC LIMIT ?", "%"+term+"%", limit)
}

// Filter selects catalog records. Empty fields do not constrain. Years are
// compared as text, as they are stored.
type Filter struct {
	Language  string
	Extension string
	YearFrom  string
	YearTo    string
	Limit     int
}

// Filter returns records matching f, newest ids first.
func (s *Store) Filter(ctx context.Context, f Filter) ([]api.CatalogRecord, error) {
	var conds []string
	var args []any
	add := func(cond, v string) {
		if v != "" {
			conds = append(conds, cond)
			args = append(args, v)
		}
	}
	add("language = ?", f.Language)
	add("extension = ?", f.Extension)
	add("year >= ?", f.YearFrom)
	add("year <= ?", f.YearTo)

	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultFilterLimit
	}
	args = append(args, limit)
	return s.many(ctx, "SELECT "+recordColumns+" FROM zlib_records WHERE "+where+
		" ORDER BY zlibrary_id DESC LIMIT ?", args...)
}

// Checkpoints lists import progress recorded in the store.
func (s *Store) Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return checkpoint.New(s.db).List(ctx)
}

func (s *Store) one(ctx context.Context, q string, args ...any) (*api.CatalogRecord, error) {
	var rec api.CatalogRecord
	err := s.db.QueryRowContext(ctx, q, args...).Scan(rec.Fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return &rec, nil
}

func (s *Store) many(ctx context.Context, q string, args ...any) ([]api.CatalogRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []api.CatalogRecord
	for rows.Next() {
		var rec api.CatalogRecord
		if err := rows.Scan(rec.Fields()...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func prefixed(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

package api

import "strings"

// Table names double as checkpoint keys in import_progress.
const (
	FilesTableName   = "zlib_files"
	RecordsTableName = "zlib_records"
)

// Schema is the on-disk layout shared with downstream query tooling.
// Column names, types and the index list below must not drift.
const Schema = `
CREATE TABLE IF NOT EXISTS zlib_files (
	aacid TEXT PRIMARY KEY,
	zlibrary_id INTEGER NOT NULL,
	md5 TEXT NOT NULL,
	data_folder TEXT
);

CREATE TABLE IF NOT EXISTS zlib_records (
	aacid TEXT PRIMARY KEY,
	zlibrary_id INTEGER NOT NULL UNIQUE,
	md5_reported TEXT,
	title TEXT,
	author TEXT,
	publisher TEXT,
	language TEXT,
	series TEXT,
	volume TEXT,
	edition TEXT,
	year TEXT,
	pages TEXT,
	description TEXT,
	extension TEXT,
	filesize_reported INTEGER,
	date_added TEXT,
	date_modified TEXT,
	cover_path TEXT,
	isbns TEXT,
	category_id TEXT
);

CREATE TABLE IF NOT EXISTS import_progress (
	table_name TEXT PRIMARY KEY,
	records_imported INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP
);

CREATE TABLE IF NOT EXISTS import_tally (
	table_name TEXT PRIMARY KEY,
	rows_inserted INTEGER NOT NULL DEFAULT 0,
	conflicts_skipped INTEGER NOT NULL DEFAULT 0,
	decode_errors INTEGER NOT NULL DEFAULT 0
);
`

// Index is a secondary index built once bulk loading is done.
type Index struct {
	Name   string
	Table  string
	Column string
}

// Indexes are created after ingest; building them up front slows inserts.
var Indexes = []Index{
	{"idx_files_zlibrary_id", FilesTableName, "zlibrary_id"},
	{"idx_files_md5", FilesTableName, "md5"},
	{"idx_records_zlibrary_id", RecordsTableName, "zlibrary_id"},
	{"idx_records_md5", RecordsTableName, "md5_reported"},
	{"idx_records_language", RecordsTableName, "language"},
	{"idx_records_extension", RecordsTableName, "extension"},
	{"idx_records_author", RecordsTableName, "author"},
	{"idx_records_year", RecordsTableName, "year"},
}

// CreateSQL returns the idempotent DDL for the index.
func (i Index) CreateSQL() string {
	return "CREATE INDEX IF NOT EXISTS " + i.Name + " ON " + i.Table + "(" + i.Column + ")"
}

// Table describes one destination table of the ingest.
type Table struct {
	// Name of the SQLite table, also used as the checkpoint key.
	Name string
	// Columns in the order Row.Values returns them.
	Columns []string
}

// FilesTable holds FileMapping rows.
var FilesTable = Table{
	Name:    FilesTableName,
	Columns: []string{"aacid", "zlibrary_id", "md5", "data_folder"},
}

// RecordsTable holds CatalogRecord rows.
var RecordsTable = Table{
	Name: RecordsTableName,
	Columns: []string{
		"aacid", "zlibrary_id", "md5_reported", "title", "author", "publisher",
		"language", "series", "volume", "edition", "year", "pages", "description",
		"extension", "filesize_reported", "date_added", "date_modified",
		"cover_path", "isbns", "category_id",
	},
}

// InsertSQL returns the conflict-tolerant insert statement for the table.
// Rows whose primary or unique key already exists are skipped, not errors.
func (t Table) InsertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	return "INSERT OR IGNORE INTO " + t.Name + " (" + strings.Join(t.Columns, ", ") + ") VALUES (" + marks + ")"
}

// TableByName resolves one of the two ingest tables.
func TableByName(name string) (Table, bool) {
	switch name {
	case FilesTableName:
		return FilesTable, true
	case RecordsTableName:
		return RecordsTable, true
	}
	return Table{}, false
}

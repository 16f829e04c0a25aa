package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentic-research/zlibmeta/internal/control"
	"github.com/agentic-research/zlibmeta/internal/query"
	"github.com/klauspost/compress/zstd"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStream(t *testing.T, path string, lines []string) {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	body := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, enc.EncodeAll([]byte(body), nil), 0o644))
}

type dumps struct {
	dir, files, records, db string
}

func newDumps(t *testing.T) dumps {
	t.Helper()
	dir := t.TempDir()
	d := dumps{
		dir:     dir,
		files:   filepath.Join(dir, "annas_archive_meta__aacid__zlib3_files.jsonl.seekable.zst"),
		records: filepath.Join(dir, "annas_archive_meta__aacid__zlib3_records.jsonl.seekable.zst"),
		db:      filepath.Join(dir, "zlib_metadata.db"),
	}
	var files, records []string
	for i := 1; i <= 5; i++ {
		files = append(files, fmt.Sprintf(
			`{"aacid":"aacid__zlib3_files__%d","metadata":{"zlibrary_id":%d,"md5":"%032x"}}`, i, i, i))
		records = append(records, fmt.Sprintf(
			`{"aacid":"aacid__zlib3_records__%d","metadata":{"zlibrary_id":%d,"title":"Book %d","author":"Author %d","language":"english","extension":"epub","year":"%d","isbns":["97800000000%02d"]}}`,
			i, i, i, i, 1990+i, i))
	}
	records = append(records, `{"aacid":"broken"`)
	writeStream(t, d.files, files)
	writeStream(t, d.records, records)
	return d
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportThenQuery(t *testing.T) {
	d := newDumps(t)

	out, err := run(t, "import", d.files, d.records, "--db", d.db, "--batch-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint=5")
	assert.Contains(t, out, "malformed=1")
	assert.Contains(t, out, "files=5 records=5")

	// The lock is released once the import returns.
	l, err := control.Acquire(d.db)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	t.Run("re-import is a no-op", func(t *testing.T) {
		out, err := run(t, "import", d.files, d.records, "--db", d.db, "--parallel")
		require.NoError(t, err)
		assert.Contains(t, out, "processed=0")
		assert.Contains(t, out, "files=5 records=5")
	})

	t.Run("status", func(t *testing.T) {
		out, err := run(t, "status", "--db", d.db)
		require.NoError(t, err)
		assert.Contains(t, out, "zlib_files")
		assert.Contains(t, out, "zlib_records")
		assert.Contains(t, out, "CHECKPOINT")
	})

	t.Run("query id", func(t *testing.T) {
		out, err := run(t, "query", "id", "3", "--db", d.db)
		require.NoError(t, err)
		assert.Contains(t, out, "Title:       Book 3")
		assert.Contains(t, out, "ISBNs:       9780000000003")
	})

	t.Run("query md5 yaml", func(t *testing.T) {
		out, err := run(t, "query", "md5", fmt.Sprintf("%032x", 4), "--db", d.db, "-o", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "zlibrary_id: 4")
		assert.Contains(t, out, "files:")
	})

	t.Run("query missing", func(t *testing.T) {
		out, err := run(t, "query", "id", "999", "--db", d.db)
		require.NoError(t, err)
		assert.Contains(t, out, "No record found")
	})

	t.Run("query filter", func(t *testing.T) {
		out, err := run(t, "query", "filter", "--lang", "english", "--year-from", "1993", "--db", d.db)
		require.NoError(t, err)
		assert.Contains(t, out, "Found 3 results:")
		assert.Contains(t, out, "[5] Book 5 - Author 5 (1995) [epub]")
	})

	t.Run("query stats", func(t *testing.T) {
		out, err := run(t, "query", "stats", "--db", d.db)
		require.NoError(t, err)
		assert.Contains(t, out, "Total Files:   5")
		assert.Contains(t, out, "Uncatalogued:  0 of 5")
	})

	t.Run("bad output format", func(t *testing.T) {
		_, err := run(t, "query", "stats", "--db", d.db, "-o", "xml")
		assert.Error(t, err)
	})
}

func TestImportReset(t *testing.T) {
	d := newDumps(t)
	_, err := run(t, "import", d.files, d.records, "--db", d.db)
	require.NoError(t, err)

	out, err := run(t, "import", d.files, d.records, "--db", d.db, "--reset")
	require.NoError(t, err)
	assert.Contains(t, out, "processed=5")
	assert.Contains(t, out, "inserted=5")
}

func TestImportFailures(t *testing.T) {
	d := newDumps(t)

	t.Run("missing stream", func(t *testing.T) {
		out, err := run(t, "import", filepath.Join(d.dir, "absent.zst"), d.records, "--db", d.db)
		require.Error(t, err)
		assert.Contains(t, out, "failed")
		assert.Contains(t, out, "zlib_records")
	})

	t.Run("locked", func(t *testing.T) {
		l, err := control.Acquire(d.db)
		require.NoError(t, err)
		defer func() { _ = l.Release() }()
		_, err = run(t, "import", d.files, d.records, "--db", d.db)
		assert.ErrorIs(t, err, control.ErrLocked)
	})

	t.Run("invalid batch size", func(t *testing.T) {
		_, err := run(t, "import", d.files, d.records, "--db", d.db, "--batch-size", "0")
		assert.Error(t, err)
	})

	t.Run("wrong arg count", func(t *testing.T) {
		_, err := run(t, "import", d.files)
		assert.Error(t, err)
	})
}

func TestStatusMissingDB(t *testing.T) {
	_, err := run(t, "status", "--db", filepath.Join(t.TempDir(), "none.db"))
	assert.Error(t, err)
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func callReq(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestMCPTools(t *testing.T) {
	d := newDumps(t)
	_, err := run(t, "import", d.files, d.records, "--db", d.db)
	require.NoError(t, err)

	store, err := query.Open(d.db)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	tools := &mcpTools{store: store}
	require.NotNil(t, newMCPServer(store, ""))
	ctx := context.Background()

	res, err := tools.stats(ctx, callReq(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "total_records: 5")

	res, err = tools.lookupID(ctx, callReq(map[string]any{"zlibrary_id": float64(2)}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "title: Book 2")

	res, err = tools.lookupMD5(ctx, callReq(map[string]any{"md5": fmt.Sprintf("%032x", 1)}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "zlibrary_id: 1")

	res, err = tools.lookupMD5(ctx, callReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tools.lookupID(ctx, callReq(map[string]any{"zlibrary_id": float64(404)}))
	require.NoError(t, err)
	assert.Equal(t, "no record found", resultText(t, res))

	res, err = tools.searchAuthor(ctx, callReq(map[string]any{"term": "Author", "limit": float64(2)}))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(resultText(t, res), "aacid:"))

	res, err = tools.filter(ctx, callReq(map[string]any{"year_to": "1992"}))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(resultText(t, res), "aacid:"))
}

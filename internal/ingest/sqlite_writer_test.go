package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unbindableRow carries a value no SQLite column type accepts.
type unbindableRow struct{}

func (unbindableRow) Key() string { return "unbindable" }
func (unbindableRow) Values() []any { return []any{"unbindable", struct{}{}, "md5", nil} }

func mapping(id int64) *api.FileMapping {
	return &api.FileMapping{
		AACID:      fmt.Sprintf("aacid__zlib3_files__%d", id),
		ZlibraryID: id,
		MD5:        fmt.Sprintf("%032x", id),
	}
}

func TestBatchWriterCommitsRowsAndCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewBatchWriter(f.db, f.checkpoints, api.FilesTable, nil)

	res, err := w.Write(ctx, []api.Row{mapping(1), mapping(2), mapping(3)}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Checkpoint)
	assert.Equal(t, int64(3), res.Inserted)

	// Same keys again: all conflicts, checkpoint still advances.
	res, err = w.Write(ctx, []api.Row{mapping(1), mapping(4)}, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Checkpoint)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(1), res.Conflicts)

	assert.Equal(t, int64(4), f.count(t, api.FilesTableName))
	assert.Equal(t, int64(5), f.checkpoint(t, api.FilesTableName))
	tally, err := f.checkpoints.Tally(ctx, api.FilesTableName)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tally.RowsInserted)
	assert.Equal(t, int64(1), tally.ConflictsSkipped)
	assert.Equal(t, int64(2), tally.DecodeErrors)
}

func TestBatchWriterRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewBatchWriter(f.db, f.checkpoints, api.FilesTable, nil)

	_, err := w.Write(ctx, []api.Row{mapping(1)}, 0, 0)
	require.NoError(t, err)

	res, err := w.Write(ctx, []api.Row{mapping(2), mapping(3), unbindableRow{}}, 1, 0)
	require.Error(t, err)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int64(1), be.Base)
	assert.Equal(t, 3, be.Size)
	assert.True(t, isBatchError(err))
	assert.Equal(t, int64(1), res.Checkpoint)

	assert.Equal(t, int64(1), f.count(t, api.FilesTableName), "no row of a failed batch survives")
	assert.Equal(t, int64(1), f.checkpoint(t, api.FilesTableName))
	assert.NoError(t, f.checkpoints.Verify(ctx, api.FilesTableName))
}

func TestBatchWriterRejectsRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewBatchWriter(f.db, f.checkpoints, api.FilesTable, nil)

	_, err := w.Write(ctx, []api.Row{mapping(1), mapping(2), mapping(3)}, 0, 0)
	require.NoError(t, err)
	_, err = w.Write(ctx, []api.Row{mapping(9)}, 0, 0)
	require.Error(t, err)
	assert.Equal(t, int64(3), f.checkpoint(t, api.FilesTableName))
	assert.Equal(t, int64(3), f.count(t, api.FilesTableName))
}

func TestFinalizeAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewBatchWriter(f.db, f.checkpoints, api.FilesTable, nil)
	_, err := w.Write(ctx, []api.Row{mapping(1), mapping(2)}, 0, 0)
	require.NoError(t, err)

	require.NoError(t, Finalize(ctx, f.db, nil))
	require.NoError(t, Finalize(ctx, f.db, nil), "finalize is idempotent")

	var n int
	require.NoError(t, f.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'").Scan(&n))
	assert.Equal(t, len(api.Indexes), n)

	stats, err := Stats(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Files)
	assert.Equal(t, int64(0), stats.Records)
	assert.Positive(t, stats.SizeBytes)
}

func TestOpenStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for range 2 {
		db, err := OpenStore(ctx, dir+"/z.db")
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

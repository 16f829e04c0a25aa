package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) sources(t *testing.T, filesPath, recordsPath string) []Source {
	t.Helper()
	files, err := NewSource(api.FilesTable, filesPath)
	require.NoError(t, err)
	records, err := NewSource(api.RecordsTable, recordsPath)
	require.NoError(t, err)
	return []Source{files, records}
}

func TestImporterRun(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			files := f.writeZstd(t, "files.jsonl.zst", fileLines(1, 25)...)
			records := f.writeZstd(t, "records.jsonl.zst",
				recordLine("r1", 1, "One"),
				recordLine("r2", 2, "Two"),
				"garbage",
				recordLine("r3", 3, "Three"),
			)

			im := NewImporter(f.db, f.fsys, f.checkpoints, Options{
				BatchSize:  4,
				Parallel:   parallel,
				OnProgress: func(Progress) {},
			})
			report, err := im.Run(context.Background(), f.sources(t, files, records)...)
			require.NoError(t, err)
			require.Len(t, report.Results, 2)

			assert.Equal(t, api.FilesTableName, report.Results[0].Table)
			assert.Equal(t, int64(25), report.Results[0].Checkpoint)
			assert.Equal(t, api.RecordsTableName, report.Results[1].Table)
			assert.Equal(t, int64(3), report.Results[1].Checkpoint)
			assert.Equal(t, int64(1), report.Results[1].DecodeErrors)

			summary := report.Summary()
			assert.Contains(t, summary, "zlib_files")
			assert.Contains(t, summary, "checkpoint=25")
			assert.Contains(t, summary, "malformed=1")
		})
	}
}

func TestImporterIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	records := f.writeZstd(t, "records.jsonl.zst", recordLine("r1", 1, "One"))

	im := NewImporter(f.db, f.fsys, f.checkpoints, Options{OnProgress: func(Progress) {}})
	report, err := im.Run(context.Background(), f.sources(t, "missing.jsonl.zst", records)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), api.FilesTableName)

	assert.Equal(t, StateFailed, report.Results[0].State)
	assert.Equal(t, StateComplete, report.Results[1].State)
	assert.Equal(t, int64(1), f.count(t, api.RecordsTableName))
	assert.Contains(t, report.Summary(), "error=")
}

func TestImporterCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	files := f.writeZstd(t, "files.jsonl.zst", fileLines(1, 3)...)
	records := f.writeZstd(t, "records.jsonl.zst", recordLine("r1", 1, "One"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := NewImporter(f.db, f.fsys, f.checkpoints, Options{OnProgress: func(Progress) {}})
	report, err := im.Run(ctx, f.sources(t, files, records)...)
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
	for _, res := range report.Results {
		assert.Error(t, res.Err)
		assert.Equal(t, StateInterrupted, res.State)
	}
	assert.Equal(t, int64(0), f.count(t, api.FilesTableName))
}

func TestLogProgress(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	fn := LogProgress(log)

	fn(Progress{Table: "zlib_files", State: StateSkipping, Skipped: 1500, ResumeFrom: 3000})
	fn(Progress{Table: "zlib_files", State: StateComplete, Checkpoint: 1234567, BytesRead: 50, BytesTotal: 100})

	out := buf.String()
	assert.Contains(t, out, "skipped=1,500")
	assert.Contains(t, out, "import complete")
	assert.Contains(t, out, "checkpoint=1,234,567")
	assert.Contains(t, out, "50.0%")
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{}.normalize()
	assert.Equal(t, DefaultBatchSize, o.BatchSize)
	assert.Equal(t, int64(DefaultProgressEvery), o.ProgressEvery)
	assert.Equal(t, DefaultProgressInterval, o.ProgressInterval)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.OnProgress)
}

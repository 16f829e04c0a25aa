package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentic-research/zlibmeta/internal/checkpoint"
	"github.com/dustin/go-humanize"
	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"
)

// Options tune an Importer. Zero values fall back to defaults.
type Options struct {
	BatchSize        int
	MaxLine          int
	ProgressEvery    int64         // records between progress reports
	ProgressInterval time.Duration // longest silence between progress reports
	Parallel         bool          // run table pipelines concurrently
	OnProgress       ProgressFunc  // defaults to LogProgress
	Logger           *slog.Logger
}

const (
	DefaultProgressEvery    = 100000
	DefaultProgressInterval = 30 * time.Second
)

func (o Options) normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxLine <= 0 {
		o.MaxLine = 16 << 20
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnProgress == nil {
		o.OnProgress = LogProgress(o.Logger)
	}
	return o
}

// LogProgress returns a ProgressFunc writing one structured line per update.
func LogProgress(log *slog.Logger) ProgressFunc {
	return func(p Progress) {
		attrs := []any{
			"table", p.Table,
			"state", p.State.String(),
			"checkpoint", humanize.Comma(p.Checkpoint),
			"elapsed", p.Elapsed.Round(time.Second),
		}
		if p.State == StateSkipping {
			attrs = append(attrs, "skipped", humanize.Comma(p.Skipped), "resume_from", humanize.Comma(p.ResumeFrom))
		} else {
			attrs = append(attrs,
				"inserted", humanize.Comma(p.Inserted),
				"conflicts", humanize.Comma(p.Conflicts),
				"malformed", humanize.Comma(p.DecodeErrors))
		}
		if p.BytesTotal > 0 {
			attrs = append(attrs, "read", fmt.Sprintf("%s/%s (%.1f%%)",
				humanize.Bytes(uint64(p.BytesRead)), humanize.Bytes(uint64(p.BytesTotal)),
				100*float64(p.BytesRead)/float64(p.BytesTotal)))
		}
		if p.State == StateComplete {
			log.Info("import complete", attrs...)
			return
		}
		log.Info("import progress", attrs...)
	}
}

// Importer runs one pipeline per Source against a shared store.
type Importer struct {
	db          *sql.DB
	fsys        billy.Filesystem
	checkpoints *checkpoint.Store
	opts        Options
}

// NewImporter wires an importer. db must come from OpenStore.
func NewImporter(db *sql.DB, fsys billy.Filesystem, checkpoints *checkpoint.Store, opts Options) *Importer {
	return &Importer{
		db:          db,
		fsys:        fsys,
		checkpoints: checkpoints,
		opts:        opts.normalize(),
	}
}

// Report gathers the per-table outcomes of Run.
type Report struct {
	Results []Result
}

// Err joins every pipeline failure, nil if all completed.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Summary renders one human-readable line per table.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%-13s %-9s processed=%s inserted=%s conflicts=%s malformed=%s checkpoint=%s",
			res.Table, res.State, humanize.Comma(res.Processed), humanize.Comma(res.Inserted),
			humanize.Comma(res.Conflicts), humanize.Comma(res.DecodeErrors), humanize.Comma(res.Checkpoint))
		if res.Err != nil {
			fmt.Fprintf(&b, " error=%q", res.Err.Error())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Run imports every source. Pipelines are independent: a failing one never
// stops or rolls back another. Sequential runs stop early only when ctx is
// done. The returned error joins all pipeline failures.
func (im *Importer) Run(ctx context.Context, sources ...Source) (*Report, error) {
	report := &Report{Results: make([]Result, len(sources))}
	pipelines := make([]*Pipeline, len(sources))
	for i, src := range sources {
		pipelines[i] = NewPipeline(im.db, im.fsys, im.checkpoints, src, im.opts)
		report.Results[i] = Result{Progress: Progress{Table: src.Table.Name}}
	}

	if im.opts.Parallel {
		var g errgroup.Group
		for i, p := range pipelines {
			g.Go(func() error {
				report.Results[i] = p.Run(ctx)
				return report.Results[i].Err
			})
		}
		_ = g.Wait() // every failure is kept in its Result
		return report, report.Err()
	}

	for i, p := range pipelines {
		if err := ctx.Err(); err != nil {
			report.Results[i].State = StateInterrupted
			report.Results[i].Err = fmt.Errorf("%s: %w", sources[i].Table.Name, err)
			continue
		}
		report.Results[i] = p.Run(ctx)
	}
	return report, report.Err()
}

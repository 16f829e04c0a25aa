package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/checkpoint"
	"github.com/agentic-research/zlibmeta/internal/control"
	"github.com/agentic-research/zlibmeta/internal/ingest"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "import <files.jsonl.seekable.zst> <records.jsonl.seekable.zst>",
		Short: "Import (or resume importing) both dumps into the database",
		Long: `Import streams the file mapping dump into zlib_files and the catalog dump into
zlib_records. Progress is committed with every batch; re-running the same
command after an interruption skips what is already stored.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			log := a.log
			start := time.Now()

			lock, err := control.Acquire(cfg.DB)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			db, err := ingest.OpenStore(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			checkpoints := checkpoint.New(db)

			if reset {
				for _, t := range []string{api.FilesTableName, api.RecordsTableName} {
					if err := checkpoints.Reset(ctx, t); err != nil {
						return err
					}
					log.Warn("table reset", "table", t)
				}
			}

			var sources []ingest.Source
			for i, table := range []api.Table{api.FilesTable, api.RecordsTable} {
				path, err := filepath.Abs(args[i])
				if err != nil {
					return fmt.Errorf("resolve %s: %w", args[i], err)
				}
				src, err := ingest.NewSource(table, path)
				if err != nil {
					return err
				}
				sources = append(sources, src)
			}

			log.Info("import starting", "db", cfg.DB, "batch_size", cfg.BatchSize, "parallel", cfg.Parallel)
			im := ingest.NewImporter(db, osfs.New("/"), checkpoints, ingest.Options{
				BatchSize:        cfg.BatchSize,
				MaxLine:          cfg.MaxLineBytes,
				ProgressEvery:    cfg.ProgressEvery,
				ProgressInterval: cfg.ProgressInterval,
				Parallel:         cfg.Parallel,
				Logger:           log,
			})
			report, runErr := im.Run(ctx, sources...)
			fmt.Fprint(cmd.OutOrStdout(), report.Summary())
			if runErr != nil {
				if ingest.IsInterrupted(runErr) {
					log.Warn("import interrupted, re-run the same command to resume")
				}
				return runErr
			}

			if err := ingest.Finalize(ctx, db, log); err != nil {
				return err
			}
			stats, err := ingest.Stats(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "files=%s records=%s size=%s elapsed=%s\n",
				humanize.Comma(stats.Files), humanize.Comma(stats.Records),
				humanize.Bytes(uint64(stats.SizeBytes)), time.Since(start).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().Int("batch-size", ingest.DefaultBatchSize, "records per transaction")
	cmd.Flags().Bool("parallel", false, "import both tables concurrently")
	cmd.Flags().Int("max-line-bytes", 16<<20, "longest accepted JSON line")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete both tables and their checkpoints first")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/agentic-research/zlibmeta/internal/config"
	"github.com/charmbracelet/fang"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// app carries the resolved settings from the root command to subcommands.
type app struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

// NewRootCmd builds the zlibmeta command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "zlibmeta",
		Short: "Import and query Z-Library metadata dumps in SQLite",
		Long: `zlibmeta streams the zlib3_files and zlib3_records dumps (seekable zstd or gzip
JSON lines) into one SQLite database, resuming interrupted imports from the
last committed batch, and answers lookups against the result.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "HCL config file")
	cmd.PersistentFlags().String("db", "", "SQLite database path (default zlib_metadata.db)")
	cmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newQueryCmd(a))
	cmd.AddCommand(newMCPCmd(a))
	return cmd
}

// setup resolves config (defaults < file < env < flags) and the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DB, _ = flags.GetString("db")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Lookup("batch-size") != nil && flags.Changed("batch-size") {
		cfg.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Lookup("parallel") != nil && flags.Changed("parallel") {
		cfg.Parallel, _ = flags.GetBool("parallel")
	}
	if flags.Lookup("max-line-bytes") != nil && flags.Changed("max-line-bytes") {
		cfg.MaxLineBytes, _ = flags.GetInt("max-line-bytes")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := cfg.Level()
	a.cfg = cfg
	a.log = newLogger(cmd.ErrOrStderr(), level)
	slog.SetDefault(a.log)
	return nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

// Execute runs the command tree. Interrupts cancel ctx so imports stop at
// the next line and keep every committed batch.
func Execute(ctx context.Context, version string) error {
	return fang.Execute(
		ctx,
		NewRootCmd(),
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	)
}

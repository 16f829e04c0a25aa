package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/query"
	"github.com/spf13/cobra"
)

var outputFormats = []string{"text", "yaml"}

// queryOpts are shared by every query subcommand.
type queryOpts struct {
	output string
	limit  int
}

func newQueryCmd(a *app) *cobra.Command {
	o := &queryOpts{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Look up books in an imported database",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(outputFormats, o.output) {
				return fmt.Errorf("unknown output %q (want %s)", o.output, strings.Join(outputFormats, " or "))
			}
			return a.setup(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&o.output, "output", "o", "text", "output format: "+strings.Join(outputFormats, " or "))
	cmd.PersistentFlags().IntVarP(&o.limit, "limit", "n", 0, "maximum results for searches (default 10, filter 100)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Row counts, catalog coverage and top languages and extensions",
			Args:  cobra.NoArgs,
			RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if o.output == "yaml" {
					return query.WriteYAML(cmd.OutOrStdout(), st)
				}
				return query.WriteStats(cmd.OutOrStdout(), st)
			}),
		},
		&cobra.Command{
			Use:   "md5 <hash>",
			Short: "Look up a book by file md5",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
				rec, err := s.ByMD5(cmd.Context(), args[0])
				return o.writeRecord(cmd, s, rec, err)
			}),
		},
		&cobra.Command{
			Use:   "id <zlibrary_id>",
			Short: "Look up a book by zlibrary id",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("zlibrary_id %q: %w", args[0], err)
				}
				rec, err := s.ByID(cmd.Context(), id)
				return o.writeRecord(cmd, s, rec, err)
			}),
		},
		&cobra.Command{
			Use:   "title <term>",
			Short: "Search titles by substring",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
				recs, err := s.SearchTitle(cmd.Context(), args[0], o.limit)
				return o.writeList(cmd, recs, false, err)
			}),
		},
		&cobra.Command{
			Use:   "author <term>",
			Short: "Search authors by substring",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
				recs, err := s.SearchAuthor(cmd.Context(), args[0], o.limit)
				return o.writeList(cmd, recs, false, err)
			}),
		},
		newFilterCmd(a, o),
	)
	return cmd
}

func newFilterCmd(a *app, o *queryOpts) *cobra.Command {
	var f query.Filter
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter books by language, extension and year range",
		Args:  cobra.NoArgs,
		RunE: withStore(a, func(cmd *cobra.Command, s *query.Store, args []string) error {
			f.Limit = o.limit
			recs, err := s.Filter(cmd.Context(), f)
			return o.writeList(cmd, recs, true, err)
		}),
	}
	cmd.Flags().StringVar(&f.Language, "lang", "", "language, e.g. english")
	cmd.Flags().StringVar(&f.Extension, "ext", "", "file extension, e.g. epub")
	cmd.Flags().StringVar(&f.YearFrom, "year-from", "", "earliest year (inclusive)")
	cmd.Flags().StringVar(&f.YearTo, "year-to", "", "latest year (inclusive)")
	return cmd
}

// withStore opens the configured database read-only around fn.
func withStore(a *app, fn func(cmd *cobra.Command, s *query.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := query.Open(a.cfg.DB)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }() // read-only
		return fn(cmd, s, args)
	}
}

func (o *queryOpts) writeRecord(cmd *cobra.Command, s *query.Store, rec *api.CatalogRecord, err error) error {
	out := cmd.OutOrStdout()
	if errors.Is(err, query.ErrNotFound) {
		if o.output == "yaml" {
			return query.WriteYAML(out, nil)
		}
		return query.WriteRecord(out, nil, nil)
	}
	if err != nil {
		return err
	}
	files, err := s.Files(cmd.Context(), rec.ZlibraryID)
	if err != nil {
		return err
	}
	if o.output == "yaml" {
		return query.WriteYAML(out, struct {
			Record *api.CatalogRecord `yaml:"record"`
			Files  []api.FileMapping  `yaml:"files,omitempty"`
		}{rec, files})
	}
	return query.WriteRecord(out, rec, files)
}

func (o *queryOpts) writeList(cmd *cobra.Command, recs []api.CatalogRecord, withExt bool, err error) error {
	if err != nil {
		return err
	}
	if o.output == "yaml" {
		if recs == nil {
			recs = []api.CatalogRecord{}
		}
		return query.WriteYAML(cmd.OutOrStdout(), recs)
	}
	return query.WriteList(cmd.OutOrStdout(), recs, withExt)
}

package cmd

import (
	"bytes"
	"context"
	"errors"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/query"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the query operations as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := query.Open(a.cfg.DB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }() // read-only

			a.log.Info("mcp server ready", "db", a.cfg.DB)
			return server.ServeStdio(newMCPServer(store, cmd.Root().Version))
		},
	}
}

// mcpTools adapts query.Store to MCP tool handlers. Every result is YAML.
type mcpTools struct {
	store *query.Store
}

func newMCPServer(store *query.Store, version string) *server.MCPServer {
	if version == "" {
		version = "dev"
	}
	t := &mcpTools{store: store}
	s := server.NewMCPServer("zlibmeta", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("stats",
		mcp.WithDescription("Row counts, catalog coverage and the most common languages and extensions"),
	), t.stats)
	s.AddTool(mcp.NewTool("lookup_md5",
		mcp.WithDescription("Find the catalog record of a file by its md5"),
		mcp.WithString("md5", mcp.Required(), mcp.Description("32 hex characters")),
	), t.lookupMD5)
	s.AddTool(mcp.NewTool("lookup_id",
		mcp.WithDescription("Find a catalog record by zlibrary id"),
		mcp.WithNumber("zlibrary_id", mcp.Required()),
	), t.lookupID)
	s.AddTool(mcp.NewTool("search_title",
		mcp.WithDescription("Search titles by substring, newest first"),
		mcp.WithString("term", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("default 10")),
	), t.searchTitle)
	s.AddTool(mcp.NewTool("search_author",
		mcp.WithDescription("Search authors by substring, newest first"),
		mcp.WithString("term", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("default 10")),
	), t.searchAuthor)
	s.AddTool(mcp.NewTool("filter",
		mcp.WithDescription("Filter books by language, extension and year range"),
		mcp.WithString("language"),
		mcp.WithString("extension"),
		mcp.WithString("year_from"),
		mcp.WithString("year_to"),
		mcp.WithNumber("limit", mcp.Description("default 100")),
	), t.filter)
	return s
}

func yamlResult(v any, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, query.ErrNotFound) {
		return mcp.NewToolResultText("no record found"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var buf bytes.Buffer
	if err := query.WriteYAML(&buf, v); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (t *mcpTools) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return yamlResult(t.store.Stats(ctx))
}

func (t *mcpTools) lookupMD5(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	md5, err := req.RequireString("md5")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return t.record(ctx, func() (*api.CatalogRecord, error) { return t.store.ByMD5(ctx, md5) })
}

func (t *mcpTools) lookupID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("zlibrary_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return t.record(ctx, func() (*api.CatalogRecord, error) { return t.store.ByID(ctx, int64(id)) })
}

func (t *mcpTools) record(ctx context.Context, find func() (*api.CatalogRecord, error)) (*mcp.CallToolResult, error) {
	rec, err := find()
	if err != nil {
		return yamlResult(nil, err)
	}
	files, err := t.store.Files(ctx, rec.ZlibraryID)
	return yamlResult(struct {
		Record *api.CatalogRecord `yaml:"record"`
		Files  []api.FileMapping  `yaml:"files,omitempty"`
	}{rec, files}, err)
}

func (t *mcpTools) searchTitle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	term, err := req.RequireString("term")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return yamlResult(t.store.SearchTitle(ctx, term, req.GetInt("limit", query.DefaultSearchLimit)))
}

func (t *mcpTools) searchAuthor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	term, err := req.RequireString("term")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return yamlResult(t.store.SearchAuthor(ctx, term, req.GetInt("limit", query.DefaultSearchLimit)))
}

func (t *mcpTools) filter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return yamlResult(t.store.Filter(ctx, query.Filter{
		Language:  req.GetString("language", ""),
		Extension: req.GetString("extension", ""),
		YearFrom:  req.GetString("year_from", ""),
		YearTo:    req.GetString("year_to", ""),
		Limit:     req.GetInt("limit", query.DefaultFilterLimit),
	}))
}

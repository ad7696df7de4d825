package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/plugin-crawler/internal/app"
	"github.com/JakeFAU/plugin-crawler/internal/config"
	"github.com/JakeFAU/plugin-crawler/internal/hash/sha256"
	"github.com/JakeFAU/plugin-crawler/internal/index"
	"github.com/JakeFAU/plugin-crawler/internal/shard"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	dim    = color.New(color.Faint)
)

// statusReport is the offline view of the crawl checkpoint and artifact.
type statusReport struct {
	StatePath    string     `json:"state_path"`
	StateFound   bool       `json:"state_found"`
	Shards       int        `json:"shards"`
	Pending      int        `json:"pending"`
	Done         int        `json:"done"`
	Overflow     int        `json:"overflow"`
	Processed    int        `json:"processed_keys"`
	CachedRepos  int        `json:"cached_repositories"`
	LastFullScan *time.Time `json:"last_full_scan,omitempty"`

	IndexPath   string    `json:"index_path"`
	IndexFound  bool      `json:"index_found"`
	IndexCount  int       `json:"index_count"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`

	AuthorStatePath  string `json:"author_state_path,omitempty"`
	AuthorCursor     int    `json:"author_cursor"`
	AuthorsProcessed int    `json:"authors_processed"`
	AuthorsFailed    int    `json:"authors_failed"`
	Discovered       int    `json:"discovered_repositories"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarizes the shard queue, the index, and the author pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			report, err := collectStatus(cmd.Context(), e.cfg, app.OpenLocal(e.cfg, e.logger))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// collectStatus reads the checkpoints and the artifact without modifying them.
func collectStatus(ctx context.Context, cfg config.Config, local *app.Local) (statusReport, error) {
	r := statusReport{
		StatePath: local.CrawlStore.Path(),
		IndexPath: local.IndexPath,
	}

	st, found := local.CrawlStore.Load(ctx)
	r.StateFound = found
	stats := shard.Summarize(st.Queue)
	r.Shards = len(st.Queue)
	r.Pending, r.Done, r.Overflow = stats.Pending, stats.Done, stats.Overflow
	r.Processed = len(st.ProcessedKeys)
	r.CachedRepos = len(st.RepoCache)
	r.LastFullScan = st.LastFullScan

	data, err := os.ReadFile(local.IndexPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return r, fmt.Errorf("read index: %w", err)
	default:
		var artifact index.Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return r, fmt.Errorf("index %s is malformed: %w", local.IndexPath, err)
		}
		r.IndexFound = true
		r.IndexCount = len(artifact.Items)
		r.GeneratedAt = artifact.GeneratedAt
		if r.SHA256, err = sha256.New().HashFile(local.IndexPath); err != nil {
			return r, err
		}
	}

	if cfg.Authors.Enabled {
		ast, _ := local.AuthorStore.Load(ctx)
		r.AuthorStatePath = local.AuthorStore.Path()
		r.AuthorCursor = ast.CurrentAuthorIndex
		r.AuthorsProcessed = len(ast.ProcessedAuthors)
		for _, rec := range ast.ProcessedAuthors {
			if !rec.Success {
				r.AuthorsFailed++
			}
		}
		r.Discovered = len(ast.DiscoveredRepositories)
	}
	return r, nil
}

func printStatus(w io.Writer, r statusReport) {
	bold.Fprintln(w, "Search queue")
	dim.Fprintf(w, "  %s\n", r.StatePath)
	if !r.StateFound {
		yellow.Fprintln(w, "  no checkpoint yet; the next crawl starts fresh")
	} else {
		fmt.Fprintf(w, "  shards:     %d\n", r.Shards)
		if r.Pending > 0 {
			yellow.Fprintf(w, "  pending:    %d\n", r.Pending)
		} else {
			green.Fprintf(w, "  pending:    %d\n", r.Pending)
		}
		fmt.Fprintf(w, "  done:       %d\n", r.Done)
		if r.Overflow > 0 {
			red.Fprintf(w, "  overflow:   %d (results beyond the cap were not retrieved)\n", r.Overflow)
		}
		fmt.Fprintf(w, "  processed:  %d keys, %d cached repositories\n", r.Processed, r.CachedRepos)
		if r.LastFullScan != nil {
			fmt.Fprintf(w, "  full scan:  %s\n", r.LastFullScan.Format(time.RFC3339))
		}
	}

	fmt.Fprintln(w)
	bold.Fprintln(w, "Index")
	dim.Fprintf(w, "  %s\n", r.IndexPath)
	if !r.IndexFound {
		yellow.Fprintln(w, "  no artifact yet")
	} else {
		green.Fprintf(w, "  plugins:    %d\n", r.IndexCount)
		fmt.Fprintf(w, "  generated:  %s\n", r.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  sha256:     %s\n", r.SHA256)
	}

	if r.AuthorStatePath == "" {
		return
	}
	fmt.Fprintln(w)
	bold.Fprintln(w, "Authors")
	dim.Fprintf(w, "  %s\n", r.AuthorStatePath)
	fmt.Fprintf(w, "  cursor:     %d\n", r.AuthorCursor)
	fmt.Fprintf(w, "  processed:  %d\n", r.AuthorsProcessed)
	if r.AuthorsFailed > 0 {
		red.Fprintf(w, "  failed:     %d\n", r.AuthorsFailed)
	}
	fmt.Fprintf(w, "  discovered: %d repositories\n", r.Discovered)
}

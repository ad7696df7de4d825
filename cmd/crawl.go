// Package cmd defines and implements the CLI commands for the plugin-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/plugin-crawler/internal/app"
	"github.com/JakeFAU/plugin-crawler/internal/server"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the search pass and the author pass",
		Long: `Runs one crawl cycle: every pending search shard is queried, new plugin
files are fetched and indexed, and then each indexed author is expanded. With
--continuous the cycle repeats after --cycle-delay until interrupted. State is
checkpointed after every shard and author, so an interrupted crawl resumes
where it stopped.`,
		RunE: runCrawlCommand,
	}
	cmd.Flags().Bool("continuous", false, "repeat cycles until interrupted")
	cmd.Flags().Duration("cycle-delay", 0, "pause between cycles in continuous mode")
	cmd.Flags().String("query", "", "marker query every shard refines")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}

	a, err := app.Build(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			e.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := e.cfg.Metrics.Addr; addr != "" {
		srv := server.New(a.Ready, e.logger.Named("http"))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}
	g.Go(func() error {
		// The server stops once the driver returns.
		defer cancel()
		return a.Driver.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}

	e.logger.Info("crawl command finished")
	return nil
}

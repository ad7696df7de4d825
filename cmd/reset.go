package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/app"
)

func newResetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Deletes the crawl state, the author state, and the index",
		Long: `Deletes both checkpoints and the index artifact so the next crawl starts from
an empty queue. This cannot be undone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("refusing to reset without --yes")
			}
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if err := resetLocal(app.OpenLocal(e.cfg, e.logger)); err != nil {
				return err
			}
			e.logger.Info("local state cleared",
				zap.String("state", e.cfg.Paths.State),
				zap.String("author_state", e.cfg.Paths.AuthorState),
				zap.String("index", e.cfg.Paths.Index),
			)
			green.Fprintln(cmd.OutOrStdout(), "Reset complete. The next crawl starts from an empty queue.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the reset (required)")
	return cmd
}

func resetLocal(local *app.Local) error {
	if err := local.CrawlStore.Clear(); err != nil {
		return err
	}
	if err := local.AuthorStore.Clear(); err != nil {
		return err
	}
	if err := os.Remove(local.IndexPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove index %s: %w", local.IndexPath, err)
	}
	return nil
}

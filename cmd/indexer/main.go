package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/reindex"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Builds and maintains the catalog search index",
		Long: `indexer rebuilds the catalog search index into a fresh generation and
swaps the public alias onto it, and keeps single projects up to date in between.

Configuration is read from INDEXER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newReindexProjectCmd())
	cmd.AddCommand(newUnindexProjectCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the whole index and swap the alias onto it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, d *deps) reindex.Outcome {
				return d.orchestrator.Reindex(ctx)
			})
		},
	}
}

func newReindexProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex-project NAME",
		Short: "Reindex one project in every live generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, d *deps) reindex.Outcome {
				return d.orchestrator.ReindexProject(ctx, args[0])
			})
		},
	}
}

func newUnindexProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unindex-project NAME",
		Short: "Remove one project from every live generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, d *deps) reindex.Outcome {
				return d.orchestrator.UnindexProject(ctx, args[0])
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete orphaned generations left behind by crashed rebuilds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), func(ctx context.Context, d *deps) reindex.Outcome {
				if minAge <= 0 {
					minAge = d.cfg.Reindex.SweepMinAge
				}
				return d.orchestrator.Sweep(ctx, minAge)
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "Only delete generations older than this (default INDEXER_REINDEX_SWEEP_MIN_AGE)")
	return cmd
}

// runOnce executes a single operation in the foreground. A Retry outcome is not
// rescheduled here; the caller sees a non-zero exit and decides.
func runOnce(ctx context.Context, op func(context.Context, *deps) reindex.Outcome) error {
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	out := op(ctx, d)
	fields := []zap.Field{
		zap.String("run_id", out.RunID),
		zap.Stringer("outcome", out.Kind),
		zap.Int("indexed", out.Indexed),
	}
	if out.Generation != "" {
		fields = append(fields, zap.String("generation", out.Generation))
	}
	if len(out.Deleted) > 0 {
		fields = append(fields, zap.Strings("deleted", out.Deleted))
	}
	switch out.Kind {
	case reindex.Succeeded:
		d.log.Info("done", fields...)
		return nil
	case reindex.Retry:
		return fmt.Errorf("lock busy, retry in %s: %w", out.RetryAfter, out.Err)
	default:
		return fmt.Errorf("run %s failed: %w", out.RunID, out.Err)
	}
}

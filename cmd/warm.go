package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/repocache/pkg/repo"
)

var warmCmd = &cobra.Command{
	Use:   "warm [repo...]",
	Short: "Pre-populate the cache for one or more repositories",
	Long: `Runs every repository-wide query once so later queries are served from
the cache. With the disk tier enabled, large frequently used results are
also spilled to disk and survive restarts.

Repositories default to the "repositories" list of the config file.

Example:
  repocache warm .
  repocache warm ~/src/a ~/src/b --history-limit 500`,
	RunE: runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)

	warmCmd.Flags().Int("history-limit", 100, "Number of commits to warm for commit_history")
	warmCmd.Flags().Bool("fail-fast", false, "Stop at the first failed query")
}

// warmOperations are the queries warmed for each repository.
var warmOperations = []repo.Operation{
	repo.OpStatus,
	repo.OpBranches,
	repo.OpTags,
	repo.OpCommitHistory,
	repo.OpRepositoryMetrics,
	repo.OpConfig,
	repo.OpRemotes,
}

// WarmStats summarizes a warm run.
type WarmStats struct {
	Repositories int           `json:"repositories"`
	Queries      int           `json:"queries"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// WarmStep describes one finished warm query. Operation is empty when the
// whole repository was skipped.
type WarmStep struct {
	Path      string
	Operation repo.Operation
	Done      int
	Total     int
	Err       error
}

func runWarm(cmd *cobra.Command, args []string) error {
	historyLimit, _ := cmd.Flags().GetInt("history-limit")
	failFast, _ := cmd.Flags().GetBool("fail-fast")

	ctx := context.Background()
	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(ctx) }()

	paths := args
	if len(paths) == 0 {
		paths = app.Config.Repositories
	}
	if len(paths) == 0 {
		return fmt.Errorf("no repositories given (pass paths or set repositories in the config file)")
	}

	bar := progressbar.NewOptions64(
		int64(len(paths)*len(warmOperations)),
		progressbar.OptionSetDescription("Warming"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("queries"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	stats, err := warm(ctx, app, paths, historyLimit, failFast, func(s WarmStep) {
		if s.Operation == "" {
			_ = bar.Add(len(warmOperations))
			return
		}
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	s := app.Cache.Stats()
	fmt.Fprintf(os.Stderr, "Warmed %d repositories: %d queries, %d failed in %v\n",
		stats.Repositories, stats.Queries, stats.Failed, stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "Cache: %d items, %d bytes, %d spilled to disk\n", s.Items, s.MemoryUsage, s.SpillWrites)
	return nil
}

// warm runs warmOperations on each repository and calls step after each
// query. A repository that cannot be opened is reported as one step that
// covers all of its operations.
func warm(ctx context.Context, app *App, paths []string, historyLimit int, failFast bool, step func(WarmStep)) (WarmStats, error) {
	start := time.Now()
	var stats WarmStats
	total := len(paths) * len(warmOperations)
	done := 0

	for _, path := range paths {
		rp, err := app.Registry.Get(path)
		if err != nil {
			if failFast {
				return stats, err
			}
			app.Logger.Warn("skipping repository", zap.String("path", path), zap.Error(err))
			stats.Failed += len(warmOperations)
			done += len(warmOperations)
			step(WarmStep{Path: path, Done: done, Total: total, Err: err})
			continue
		}
		stats.Repositories++

		for _, op := range warmOperations {
			params := map[string]string{}
			if op == repo.OpCommitHistory {
				params["limit"] = fmt.Sprint(historyLimit)
			}
			_, err := rp.Query(ctx, op, params)
			done++
			stats.Queries++
			step(WarmStep{Path: path, Operation: op, Done: done, Total: total, Err: err})
			if err != nil {
				stats.Failed++
				if failFast {
					return stats, err
				}
				app.Logger.Warn("warm query failed",
					zap.String("repository", rp.ID()),
					zap.String("operation", string(op)),
					zap.Error(err))
			}
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

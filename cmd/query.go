package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/repocache/pkg/repo"
)

var queryCmd = &cobra.Command{
	Use:   "query <operation>",
	Short: "Run a cached repository query",
	Long: `Runs a repository query through the cache and prints the result as JSON.
Useful for inspecting results and tuning TTLs: --repeat runs the query several
times and shows per-run latency and the cache outcome.

Operations: status, branches, tags, commit_history, file_history,
file_contributors, repository_metrics, config, remotes.

Example:
  repocache query status
  repocache query commit_history --ref main --limit 20
  repocache query file_contributors --path README.md --repeat 3`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: operationNames(),
	RunE:      runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringP("repo", "r", ".", "Repository path")
	queryCmd.Flags().String("ref", "", "Revision for commit_history (default HEAD)")
	queryCmd.Flags().String("path", "", "File path for file_history and file_contributors")
	queryCmd.Flags().Int("limit", 0, "Maximum number of commits (0 = no limit)")
	queryCmd.Flags().Int("repeat", 1, "Number of times to run the query")
	queryCmd.Flags().Bool("show-result", true, "Print the query result")
	queryCmd.Flags().Bool("show-stats", true, "Print cache statistics")
}

func operationNames() []string {
	names := make([]string, len(repo.Operations))
	for i, op := range repo.Operations {
		names[i] = string(op)
	}
	return names
}

func runQuery(cmd *cobra.Command, args []string) error {
	op := repo.Operation(args[0])

	repoPath, _ := cmd.Flags().GetString("repo")
	ref, _ := cmd.Flags().GetString("ref")
	path, _ := cmd.Flags().GetString("path")
	limit, _ := cmd.Flags().GetInt("limit")
	repeat, _ := cmd.Flags().GetInt("repeat")
	showResult, _ := cmd.Flags().GetBool("show-result")
	showStats, _ := cmd.Flags().GetBool("show-stats")

	if repeat < 1 {
		repeat = 1
	}

	ctx := context.Background()
	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(ctx) }()

	rp, err := app.Registry.Get(repoPath)
	if err != nil {
		return err
	}

	params := map[string]string{"ref": ref, "path": path, "limit": strconv.Itoa(limit)}

	var result any
	for i := 0; i < repeat; i++ {
		before := app.Cache.Stats().Hits
		start := time.Now()

		result, err = rp.Query(ctx, op, params)
		if err != nil {
			return err
		}

		outcome := "miss"
		if app.Cache.Stats().Hits > before {
			outcome = "hit"
		}
		if repeat > 1 {
			fmt.Fprintf(os.Stderr, "run %d: %s in %v\n", i+1, outcome, time.Since(start))
		}
	}

	if showResult {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	if showStats {
		s := app.Cache.Stats()
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Repository: %s (%s)\n", rp.Path(), rp.ID())
		fmt.Fprintf(os.Stderr, "Cache:      %s, %d items, %d bytes\n", s.Backend, s.Items, s.MemoryUsage)
		fmt.Fprintf(os.Stderr, "Lookups:    %d hits, %d misses (%.0f%% hit rate)\n", s.Hits, s.Misses, s.HitRate()*100)
		fmt.Fprintf(os.Stderr, "TTL tier:   %v\n", repo.TTL(op))
	}

	return nil
}

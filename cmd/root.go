package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/repocache/pkg/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "repocache",
	Short: "repocache - adaptive cache in front of git repository queries",
	Long: `repocache answers repository queries (status, branches, tags, history,
file history, contributors, metrics, config) from an adaptive in-memory cache
and invalidates exactly the affected entries when the repository changes.

Features:
  - LRU eviction with a memory budget and approximate size accounting
  - Per-operation TTL tiers, adapted to observed access intervals
  - Mutation-aware invalidation (commit, checkout, tag, pull, ...)
  - Optional disk spill for large, frequently used results

Environment Variables:
  REPOCACHE_<SECTION>_<KEY>   Override any config key, e.g. REPOCACHE_CACHE_MAX_ITEMS`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.repocache.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".repocache")
	}

	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig returns the merged file, environment and flag configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

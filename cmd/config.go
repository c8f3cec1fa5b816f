package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/repocache/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage repocache configuration",
	Long:  `Commands for creating and validating repocache.yaml configuration files.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a repocache.yaml template",
	Long: `Creates a repocache.yaml configuration file with all available options
and their default values.

Example:
  repocache config init
  repocache config init --output /etc/repocache/repocache.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a repocache.yaml configuration file",
	Long: `Reads and validates a configuration file, reporting any errors.

Example:
  repocache config validate
  repocache config validate repocache.yaml
  repocache config validate --config /etc/repocache/repocache.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after merging defaults, the config file and
REPOCACHE_* environment variables, with the cache TTL patterns resolved.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringP("output", "o", "repocache.yaml", "output file path")
	configInitCmd.Flags().Bool("stdout", false, "print to stdout instead of file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	toStdout, _ := cmd.Flags().GetBool("stdout")
	output, _ := cmd.Flags().GetString("output")

	template := config.GenerateTemplate()

	if toStdout {
		fmt.Print(template)
		return nil
	}

	// Check if file already exists
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("file %s already exists (use --stdout to print to stdout)", output)
	}

	if err := os.WriteFile(output, []byte(template), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Created %s\n", output)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var cfgPath string

	if len(args) > 0 {
		cfgPath = args[0]
	} else if cfgFile != "" {
		cfgPath = cfgFile
	} else {
		cfgPath = findConfigFile()
		if cfgPath == "" {
			return fmt.Errorf("no config file found (try: repocache config validate <file>)")
		}
	}

	if _, err := config.LoadFromFile(cfgPath); err != nil {
		return fmt.Errorf("validation failed for %s:\n%w", cfgPath, err)
	}

	fmt.Fprintf(os.Stderr, "Config file %s is valid\n", cfgPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Cache.TTLPatterns = cfg.Cache.Engine().PatternTTLs

	fmt.Printf("server:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("cache:        %d items, %d bytes, ttl %v [%v, %v], adaptive=%v\n",
		cfg.Cache.MaxItems, cfg.Cache.MaxMemoryBytes,
		cfg.Cache.DefaultTTL, cfg.Cache.MinTTL, cfg.Cache.MaxTTL, cfg.Cache.AdaptiveTTL)
	fmt.Printf("disk:         enabled=%v dir=%s\n", cfg.Cache.Disk.Enabled, cfg.Cache.Disk.Dir)
	fmt.Println("ttl patterns:")
	for _, p := range cfg.Cache.TTLPatterns {
		fmt.Printf("  %-22s %v\n", p.Pattern, p.TTL)
	}
	fmt.Printf("repositories: %v\n", cfg.Repositories)
	fmt.Printf("logging:      %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	fmt.Printf("tracing:      enabled=%v exporter=%s endpoint=%s\n",
		cfg.Telemetry.Tracing.Enabled, cfg.Telemetry.Tracing.Exporter, cfg.Telemetry.Tracing.Endpoint)
	return nil
}

// findConfigFile searches the default locations.
func findConfigFile() string {
	candidates := []string{
		"repocache.yaml",
		".repocache.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".repocache.yaml"),
			filepath.Join(home, "repocache.yaml"),
		)
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

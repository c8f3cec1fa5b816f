package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for the repocache CLI.

Bash:
  $ repocache completion bash > /etc/bash_completion.d/repocache

Zsh:
  # Ensure completion is enabled in your .zshrc (autoload -Uz compinit; compinit)
  $ repocache completion zsh > "${fpath[1]}/_repocache"

Fish:
  $ repocache completion fish > ~/.config/fish/completions/repocache.fish

PowerShell:
  PS> repocache completion powershell | Out-String | Invoke-Expression
`,
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	Args:      cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(cmd.OutOrStdout(), true)

		case "zsh":
			return rootCmd.GenZshCompletion(cmd.OutOrStdout())

		case "fish":
			return rootCmd.GenFishCompletion(cmd.OutOrStdout(), true)

		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

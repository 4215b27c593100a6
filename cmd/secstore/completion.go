package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/secstore/internal/conffile"
	"github.com/forest6511/secstore/pkg/vault"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(secstore completion bash)

Zsh:
  $ secstore completion zsh > ~/.zsh/completions/_secstore

Fish:
  $ secstore completion fish > ~/.config/fish/completions/secstore.fish

PowerShell:
  PS> secstore completion powershell >> $PROFILE

Secret name completion:
  Set SECSTORE_COMPLETION_ENABLED=1 to complete secret names. Names are
  read from sec.conf without decrypting anything.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	getCmd.ValidArgsFunction = completeSecretNames
	deleteCmd.ValidArgsFunction = completeSecretNames
	listCmd.ValidArgsFunction = completeSecretNames
}

// isDynamicCompletionEnabled checks if secret name completion is opted in.
func isDynamicCompletionEnabled() bool {
	return os.Getenv("SECSTORE_COMPLETION_ENABLED") == "1"
}

// completeSecretNames completes secret names (opt-in only).
func completeSecretNames(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	dir, err := resolveDir()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	names, err := storedNames(filepath.Join(dir, vault.ConfFileName))
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var filtered []string
	for _, name := range names {
		if strings.HasPrefix(name, toComplete) {
			filtered = append(filtered, name)
		}
	}
	return filtered, cobra.ShellCompDirectiveNoFileComp
}

// storedNames lists the names of the data section without prompting or
// decrypting.
func storedNames(path string) ([]string, error) {
	var names []string
	err := conffile.Read(path, map[string]conffile.LineFunc{
		vault.SectionCrypt: func(string, string) error { return nil },
		vault.SectionData: func(name, value string) error {
			if name != vault.FlagKey && value != "" {
				names = append(names, name)
			}
			return nil
		},
	})
	return names, err
}

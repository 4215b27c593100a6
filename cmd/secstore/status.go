package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/secstore/pkg/security"
	"github.com/forest6511/secstore/pkg/vault"
)

var checkJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(checkCmd)

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output as JSON")
}

// statusCmd shows the state of the store
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the state of the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		printStatus()
		return nil
	},
}

func printStatus() {
	cfg := v.Config()
	pending := len(v.PendingNames())

	fmt.Printf("File:        %s\n", v.File())
	fmt.Printf("Passphrase:  %s\n", yesNo(v.HasPassphrase(), "set", "not set"))
	fmt.Printf("Locked:      %s\n", yesNo(pending > 0, "yes", "no"))
	fmt.Printf("Secrets:     %d decrypted, %d encrypted\n", len(v.Names()), pending)
	fmt.Printf("Cipher:      %s\n", cfg.Cipher)
	fmt.Printf("Hash:        %s\n", cfg.HashAlgorithm)
	fmt.Printf("Salt:        %s\n", yesNo(cfg.UseSalt, "on", "off"))
	if cfg.PassphraseCommand != "" {
		fmt.Printf("Command:     %s\n", cfg.PassphraseCommand)
	}
	if err := v.ConfigError(); err != nil {
		fmt.Printf("Config:      %v\n", err)
	}
	if auditLog != nil {
		fmt.Printf("Audit log:   %s\n", auditLog.Path())
	}
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

// reloadCmd re-reads sec.conf
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Discards the in-memory state and reads sec.conf again",
	Long: `Discards the in-memory state and reads sec.conf again. Refused while
secrets are still encrypted, since they would be lost from memory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if err := v.Reload(cmd.Context()); err != nil {
			return explain(err)
		}
		fmt.Printf("Reloaded %s\n", v.File())
		printStatus()
		return nil
	},
}

// configCmd is the parent command for the crypt options
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Shows or changes encryption options",
	Long: `Shows or changes the options of the crypt section of sec.conf:

  cipher              aes128, aes192 or aes256
  hash_algo           sha224, sha256, sha384, sha512, sha512-224, sha512-256,
                      sha3-224, sha3-256, sha3-384, sha3-512,
                      blake2b-160, blake2b-256, blake2b-384, blake2b-512,
                      blake2s-128, blake2s-160, blake2s-224, blake2s-256
  salt                on or off
  passphrase_command  command whose first output line is the passphrase

cipher, hash_algo and salt cannot change while secrets are still encrypted.`,
}

var configGetCmd = &cobra.Command{
	Use:       "get [OPTION]",
	Short:     "Prints crypt options",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: vault.OptionNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		cfg := v.Config()
		if len(args) == 1 {
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		for _, name := range vault.OptionNames() {
			value, _ := cfg.Get(name)
			fmt.Printf("%s = %q\n", name, value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set OPTION VALUE",
	Short:     "Changes a crypt option",
	Args:      cobra.ExactArgs(2),
	ValidArgs: vault.OptionNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if err := v.SetOption(args[0], args[1]); err != nil {
			return explain(fmt.Errorf("failed to set %s: %w", args[0], err))
		}
		if err := saveVault(); err != nil {
			return err
		}

		value, _ := v.Config().Get(args[0])
		fmt.Printf("%s = %q\n", args[0], value)
		return nil
	},
}

// checkCmd reports weak and reused secrets
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Reports weak and duplicated secret values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		values := v.Snapshot()
		defer func() {
			for _, value := range values {
				wipeBytes(value)
			}
		}()

		report, err := security.Check(values)
		if err != nil {
			return err
		}

		if checkJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(report)
		return nil
	},
}

func printReport(r *security.Report) {
	fmt.Printf("Checked %d secrets\n", r.Checked)
	if len(r.Weak) == 0 && len(r.Duplicates) == 0 {
		fmt.Println("No issues found")
		return
	}

	if len(r.Weak) > 0 {
		fmt.Printf("\nWeak (%d):\n", len(r.Weak))
		for _, w := range r.Weak {
			hint := "use 14+ characters"
			if w.Token {
				hint = "tokens should have 32+ characters"
			}
			fmt.Printf("  %s: %d characters, %s\n", w.Name, w.Length, hint)
		}
	}
	if len(r.Duplicates) > 0 {
		fmt.Printf("\nShared values (%d):\n", len(r.Duplicates))
		for _, d := range r.Duplicates {
			fmt.Printf("  %d secrets: %v\n", d.Count, d.Names)
		}
	}
}

// Package main provides the secstore CLI commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/secstore/internal/cli"
	"github.com/forest6511/secstore/internal/logging"
	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/crypto"
	"github.com/forest6511/secstore/pkg/passphrase"
	"github.com/forest6511/secstore/pkg/vault"
)

const (
	envDir         = "SECSTORE_DIR"
	defaultDirName = ".secstore"
	auditDirName   = "audit"
)

// Global flags
var (
	flagDir     string
	flagVerbose bool
	flagDebug   bool
	flagNoAudit bool
)

var (
	logger   logging.Logger
	auditLog *audit.Logger
	v        *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "secstore",
	Short: "secstore keeps named secrets encrypted in sec.conf",
	Long: `secstore stores named secrets in a sec.conf file, each value encrypted
with a key derived from one passphrase.

The passphrase is read from $WEECHAT_PASSPHRASE, then from the configured
passphrase_command, then from a prompt. Enter a single space at the prompt
to continue without it; encrypted values then stay locked until
'secstore decrypt'.

Without a passphrase, secrets are written to sec.conf in plaintext.
Run 'secstore passphrase set' to encrypt them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE runs before every subcommand and builds the vault.
	// Nothing is read from disk until a command loads it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.Logger{Verbose: flagVerbose, Debug: flagDebug}
		if skipVaultSetup(cmd) {
			return nil
		}

		dir, err := resolveDir()
		if err != nil {
			return err
		}

		opts := []vault.Option{
			vault.WithLogger(logger),
			vault.WithResolver(passphrase.NewResolver(passphrase.TermPrompter{}, passphrase.ShellRunner{})),
		}
		if !flagNoAudit {
			auditLog, err = audit.Open(filepath.Join(dir, auditDirName))
			if err != nil {
				return fmt.Errorf("failed to open audit log: %w", err)
			}
			opts = append(opts, vault.WithAudit(auditLog))
		}

		v = vault.New(dir, opts...)
		logger.Debugf("using %s", v.File())
		return nil
	},
}

// Flags for list command
var (
	listValues bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Store directory (default: $SECSTORE_DIR or ~/.secstore)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Show informational messages")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Show debug messages")
	rootCmd.PersistentFlags().BoolVar(&flagNoAudit, "no-audit", false, "Do not record operations in the audit log")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listValues, "values", false, "Show decrypted values")
}

// skipVaultSetup reports whether cmd runs without a store.
func skipVaultSetup(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "completion", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return true
		}
	}
	return false
}

// resolveDir returns the store directory from --dir, $SECSTORE_DIR or the
// home directory.
func resolveDir() (string, error) {
	if flagDir != "" {
		return filepath.Abs(flagDir)
	}
	if dir := os.Getenv(envDir); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// loadVault reads sec.conf, resolving the passphrase when needed.
func loadVault(ctx context.Context) error {
	if err := v.Load(ctx); err != nil {
		// Entries are loaded; only writing is blocked.
		var cfgErr *crypto.ConfigError
		if !errors.As(err, &cfgErr) {
			return explain(err)
		}
		logger.Errorf("%v", err)
		logger.Warnf("%s will not be saved until the option is fixed (secstore config set %s ...)", v.File(), cfgErr.Option)
	}
	if v.IsLocked() {
		logger.Warnf("%d secrets are still encrypted (use 'secstore decrypt')", len(v.PendingNames()))
	}
	return nil
}

// saveVault writes sec.conf after a change.
func saveVault() error {
	if err := v.Save(); err != nil {
		return explain(err)
	}
	logger.Infof("saved %s", v.File())
	return nil
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, vault.ErrLocked), errors.Is(err, vault.ErrConfigReadOnly), errors.Is(err, vault.ErrReloadRefused):
		return fmt.Errorf("%w (use 'secstore decrypt' or 'secstore decrypt --discard' first)", err)
	case errors.Is(err, vault.ErrConfigInvalid):
		return fmt.Errorf("%w (set a supported algorithm with 'secstore config set')", err)
	case errors.Is(err, vault.ErrLoadFailed):
		return fmt.Errorf("%w (fix the crypt section of %s)", err, v.File())
	case errors.Is(err, passphrase.ErrCancelled):
		return &exitError{code: passphrase.ExitCancelled, err: err}
	}
	return err
}

// setCmd sets a secret value
var setCmd = &cobra.Command{
	Use:   "set NAME [VALUE]",
	Short: "Sets a secret value",
	Long: `Sets a secret value. When VALUE is omitted it is read from the terminal
without echo, or from standard input when piped.

Examples:
  secstore set freenode
  echo -n "hunter2" | secstore set libera
  secstore set oftc hunter2`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cli.NormalizeName(args[0])

		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		var value []byte
		if len(args) == 2 {
			value = []byte(args[1])
		} else {
			var err error
			value, err = readSecretValue()
			if err != nil {
				return err
			}
		}
		defer wipeBytes(value)

		if err := v.SetSecret(name, value); err != nil {
			return explain(fmt.Errorf("failed to set secret: %w", err))
		}
		if err := saveVault(); err != nil {
			return err
		}

		fmt.Printf("Secret '%s' saved\n", name)
		if !v.HasPassphrase() {
			logger.Warnf("no passphrase set, secrets are written in plaintext (use 'secstore passphrase set')")
		}
		return nil
	},
}

// readSecretValue reads a value from the terminal without echo, or all of
// stdin when it is not a terminal.
func readSecretValue() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Enter secret value: ")
		value, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret value: %w", err)
		}
		return value, nil
	}

	value, err := io.ReadAll(io.LimitReader(os.Stdin, vault.MaxValueSize+2))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret value: %w", err)
	}
	// Trim one trailing newline for piped single-line input
	if n := len(value); n > 0 && value[n-1] == '\n' {
		value = value[:n-1]
	}
	if n := len(value); n > 0 && value[n-1] == '\r' {
		value = value[:n-1]
	}
	return value, nil
}

// getCmd retrieves a secret value
var getCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Prints a decrypted secret value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cli.NormalizeName(args[0])

		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		value, ok := v.Get(name)
		if !ok {
			return notFound(name)
		}
		defer wipeBytes(value)

		os.Stdout.Write(value)
		fmt.Println()
		return nil
	},
}

// notFound distinguishes a missing secret from one that is still encrypted.
func notFound(name string) error {
	for _, pending := range v.PendingNames() {
		if pending == name {
			return fmt.Errorf("secret '%s' is still encrypted (use 'secstore decrypt')", name)
		}
	}
	return fmt.Errorf("%w: %s", vault.ErrSecretNotFound, name)
}

// deleteCmd deletes a secret
var deleteCmd = &cobra.Command{
	Use:     "del NAME",
	Aliases: []string{"delete", "rm"},
	Short:   "Deletes a secret",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cli.NormalizeName(args[0])

		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if err := v.RemoveSecret(name); err != nil {
			return explain(fmt.Errorf("failed to delete secret: %w", err))
		}
		if err := saveVault(); err != nil {
			return err
		}

		fmt.Printf("Secret '%s' deleted\n", name)
		return nil
	},
}

// listCmd lists secret names
var listCmd = &cobra.Command{
	Use:   "list [PATTERN...]",
	Short: "Lists secret names",
	Long: `Lists secret names, optionally filtered by glob patterns. Entries that
could not be decrypted are marked (encrypted). Values are only shown with
--values.

Examples:
  secstore list
  secstore list "irc.*"
  secstore list --values`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		pending := make(map[string]bool)
		for _, name := range v.PendingNames() {
			pending[name] = true
		}
		names := append(v.Names(), v.PendingNames()...)
		if len(names) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}

		names, err := cli.Select(args, names)
		if err != nil {
			return err
		}

		for _, name := range names {
			switch {
			case pending[name]:
				fmt.Printf("%s (encrypted)\n", name)
			case listValues:
				value, _ := v.Get(name)
				fmt.Printf("%s = %q\n", name, value)
				wipeBytes(value)
			default:
				fmt.Println(name)
			}
		}
		return nil
	},
}

// readLine reads a single line from stdin, trimming trailing newline
func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(value, "\r"), nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

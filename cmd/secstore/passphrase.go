package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/secstore/pkg/passphrase"
	"github.com/forest6511/secstore/pkg/security"
	"github.com/forest6511/secstore/pkg/vault"
)

var decryptDiscard bool

func init() {
	rootCmd.AddCommand(passphraseCmd)
	rootCmd.AddCommand(decryptCmd)

	passphraseCmd.AddCommand(passphraseSetCmd)
	passphraseCmd.AddCommand(passphraseDeleteCmd)

	decryptCmd.Flags().BoolVar(&decryptDiscard, "discard", false, "Drop secrets that cannot be decrypted")
}

// passphraseCmd is the parent command for passphrase operations
var passphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Set or remove the passphrase",
}

// passphraseSetCmd sets or changes the passphrase
var passphraseSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Sets or changes the passphrase; secrets are re-encrypted with it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if v.IsLocked() {
			return explain(vault.ErrLocked)
		}

		p, err := readNewPassphrase()
		if err != nil {
			return err
		}
		defer wipeBytes(p)

		res := security.CheckPassphrase(p)
		fmt.Printf("Passphrase strength: %s\n", res.Strength)
		for _, warning := range res.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}

		changed := v.HasPassphrase()
		if err := v.SetPassphrase(p); err != nil {
			return explain(fmt.Errorf("failed to set passphrase: %w", err))
		}
		if err := saveVault(); err != nil {
			return err
		}

		if changed {
			fmt.Println("Passphrase changed")
		} else {
			fmt.Println("Passphrase added")
		}
		return nil
	},
}

// passphraseDeleteCmd removes the passphrase
var passphraseDeleteCmd = &cobra.Command{
	Use:     "delete",
	Aliases: []string{"del"},
	Short:   "Removes the passphrase; secrets are then stored in plaintext",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if err := v.DeletePassphrase(); err != nil {
			return explain(fmt.Errorf("failed to delete passphrase: %w", err))
		}
		if err := saveVault(); err != nil {
			return err
		}

		fmt.Println("Passphrase deleted")
		logger.Warnf("secrets are now stored in plaintext in %s", v.File())
		return nil
	},
}

// decryptCmd decrypts or discards secrets left encrypted by the last load
var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypts secrets that are still encrypted",
	Long: `Decrypts secrets that could not be decrypted when the store was loaded,
for example after the passphrase prompt was skipped. The passphrase that
works becomes the store passphrase.

With --discard the encrypted secrets are dropped instead. This cannot be
undone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}
		if !v.IsLocked() {
			fmt.Println("There is no encrypted data")
			return nil
		}

		if decryptDiscard {
			n := v.DiscardPending()
			if err := saveVault(); err != nil {
				return err
			}
			fmt.Printf("%d encrypted secrets discarded\n", n)
			return nil
		}

		p, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		defer wipeBytes(p)

		n, err := v.DecryptPending(p)
		if err != nil {
			if errors.Is(err, vault.ErrWrongPassphrase) {
				return fmt.Errorf("%w: no secret could be decrypted", err)
			}
			return err
		}
		if err := saveVault(); err != nil {
			return err
		}

		fmt.Printf("%d secrets decrypted\n", n)
		if left := len(v.PendingNames()); left > 0 {
			logger.Warnf("%d secrets are still encrypted with another passphrase", left)
		}
		return nil
	},
}

// readNewPassphrase asks twice on a terminal; otherwise the first line of
// stdin is used.
func readNewPassphrase() ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return readPassphrase("")
	}

	p1, err := readPassphrase("New passphrase: ")
	if err != nil {
		return nil, err
	}
	p2, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		wipeBytes(p1)
		return nil, err
	}
	defer wipeBytes(p2)

	if !bytes.Equal(p1, p2) {
		wipeBytes(p1)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return p1, nil
}

// readPassphrase reads one passphrase without echo, or one line from stdin
// when it is not a terminal.
func readPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())

	var p []byte
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		p = b
	} else {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		p = []byte(line)
	}

	if len(p) == 0 {
		return nil, vault.ErrEmptyPassphrase
	}
	if len(p) > passphrase.MaxLength {
		wipeBytes(p)
		return nil, vault.ErrPassphraseTooLong
	}
	return p, nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/secstore/internal/cli"
)

// refPrefix starts a secret reference in an evaluated string.
const refPrefix = "${sec.data."

func init() {
	rootCmd.AddCommand(evalCmd)
}

// evalCmd expands secret references in a string
var evalCmd = &cobra.Command{
	Use:   "eval STRING",
	Short: "Expands ${sec.data.NAME} references",
	Long: `Prints STRING with every ${sec.data.NAME} reference replaced by the
decrypted value of NAME. A reference to an unknown or still encrypted
secret is an error.

Example:
  secstore eval 'nickserv identify ${sec.data.freenode}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		out, err := expandRefs(args[0], func(name string) ([]byte, error) {
			name = cli.NormalizeName(name)
			value, ok := v.Get(name)
			if !ok {
				return nil, notFound(name)
			}
			return value, nil
		})
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

// expandRefs replaces ${sec.data.NAME} references using lookup. Values
// returned by lookup are wiped after use. An unterminated reference is
// copied unchanged.
func expandRefs(s string, lookup func(name string) ([]byte, error)) (string, error) {
	var sb strings.Builder
	for {
		start := strings.Index(s, refPrefix)
		if start < 0 {
			sb.WriteString(s)
			return sb.String(), nil
		}
		end := strings.IndexByte(s[start+len(refPrefix):], '}')
		if end < 0 {
			sb.WriteString(s)
			return sb.String(), nil
		}

		name := s[start+len(refPrefix) : start+len(refPrefix)+end]
		if name == "" {
			return "", fmt.Errorf("empty secret reference at offset %d", start)
		}
		value, err := lookup(name)
		if err != nil {
			return "", err
		}

		sb.WriteString(s[:start])
		sb.Write(value)
		wipeBytes(value)
		s = s[start+len(refPrefix)+end+1:]
	}
}

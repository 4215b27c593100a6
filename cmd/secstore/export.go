package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/secstore/internal/cli"
	"github.com/forest6511/secstore/pkg/audit"
)

// Export format constants
const (
	formatEnv  = "env"
	formatJSON = "json"
	formatYAML = "yaml"
)

// Export command flags
var (
	exportFormat string
	exportOutput string
	exportKeys   []string
	exportForce  bool
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", formatEnv, "Output format: env, json, yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file path (default: stdout)")
	exportCmd.Flags().StringSliceVarP(&exportKeys, "key", "k", nil, "Secrets to export (glob pattern supported)")
	exportCmd.Flags().BoolVar(&exportForce, "force", false, "Overwrite existing file")

	_ = exportCmd.RegisterFlagCompletionFunc("key", completeSecretNames)
	_ = exportCmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{formatEnv, formatJSON, formatYAML}, cobra.ShellCompDirectiveNoFileComp
	})
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export decrypted secrets as .env, JSON or YAML",
	Long: `Export decrypted secrets. Names become environment variable names:
'.', '/' and '-' are replaced with '_' and letters are upper-cased.

Examples:
  # Export all secrets to stdout in .env format
  secstore export

  # Export matching secrets to a file
  secstore export -k "irc.*" -o .env

  # Export as YAML
  secstore export -f yaml -o secrets.yaml`,
	Args: cobra.NoArgs,
	RunE: executeExport,
}

// exportEntry is one secret ready for output.
type exportEntry struct {
	name    string
	envName string
	value   []byte
}

func executeExport(cmd *cobra.Command, args []string) error {
	exportFormat = strings.ToLower(exportFormat)
	if exportFormat != formatEnv && exportFormat != formatJSON && exportFormat != formatYAML {
		return fmt.Errorf("invalid format '%s': must be '%s', '%s' or '%s'", exportFormat, formatEnv, formatJSON, formatYAML)
	}

	if err := loadVault(cmd.Context()); err != nil {
		return err
	}
	if n := len(v.PendingNames()); n > 0 {
		logger.Warnf("%d encrypted secrets are not exported", n)
	}

	names, err := selectNames(exportKeys, v.Names())
	if err != nil {
		return err
	}

	entries, err := collectEntries(names)
	if err != nil {
		return err
	}
	defer wipeEntries(entries)

	output, err := generateOutput(entries, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		fmt.Fprint(os.Stderr, "WARNING: DO NOT COMMIT THIS OUTPUT TO VERSION CONTROL\n")
		fmt.Print(output)
	} else {
		if err := writeSecureFile(exportOutput, output, exportForce); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d secrets to %s\n", len(entries), exportOutput)
	}

	recordBulk(audit.OpSecretExport, len(entries), map[string]string{"format": exportFormat})
	return nil
}

// selectNames expands patterns against names, or returns all names when
// no pattern is given.
func selectNames(patterns, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no decrypted secrets in store")
	}
	return cli.Select(patterns, names)
}

// collectEntries fetches values and maps names to environment variable
// names. Two names mapping to the same variable are rejected.
func collectEntries(names []string) ([]exportEntry, error) {
	byEnv := make(map[string]string)
	var entries []exportEntry

	for _, name := range names {
		envName := keyToEnvName(name)
		if other, ok := byEnv[envName]; ok {
			wipeEntries(entries)
			return nil, fmt.Errorf("secrets '%s' and '%s' both map to %s", other, name, envName)
		}
		byEnv[envName] = name

		value, ok := v.Get(name)
		if !ok {
			wipeEntries(entries)
			return nil, notFound(name)
		}
		entries = append(entries, exportEntry{name: name, envName: envName, value: value})
	}
	return entries, nil
}

func wipeEntries(entries []exportEntry) {
	for i := range entries {
		wipeBytes(entries[i].value)
	}
}

// recordBulk writes one audit record for an operation over many secrets.
func recordBulk(op string, count int, ctx map[string]string) {
	if auditLog == nil {
		return
	}
	if ctx == nil {
		ctx = make(map[string]string)
	}
	ctx["count"] = fmt.Sprint(count)
	if err := auditLog.Log(op, audit.SourceCLI, audit.ResultSuccess, "", nil, ctx); err != nil {
		logger.Warnf("failed to write audit log: %v", err)
	}
}

// generateOutput generates output based on format
func generateOutput(entries []exportEntry, format string) (string, error) {
	switch format {
	case formatEnv:
		return generateEnvOutput(entries), nil
	case formatJSON:
		data, err := json.MarshalIndent(entryMap(entries), "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(entryMap(entries))
		if err != nil {
			return "", fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return "# Generated by secstore\n" + string(data), nil
	default:
		return "", fmt.Errorf("unknown format: %s", format)
	}
}

func entryMap(entries []exportEntry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.envName] = string(e.value)
	}
	return m
}

// generateEnvOutput generates .env format output
func generateEnvOutput(entries []exportEntry) string {
	var sb strings.Builder
	sb.WriteString("# Generated by secstore\n")
	sb.WriteString("# WARNING: DO NOT COMMIT THIS FILE TO VERSION CONTROL\n")
	sb.WriteString("#\n")

	for _, e := range entries {
		sb.WriteString(e.envName)
		sb.WriteByte('=')
		sb.WriteString(escapeEnvValue(string(e.value)))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// escapeEnvValue double-quotes values with special characters
func escapeEnvValue(value string) string {
	if !strings.ContainsAny(value, " \"'\\\n\r\t#$=") {
		return value
	}

	escaped := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"\n", "\\n",
		"\r", "\\r",
		"\t", "\\t",
		"$", "\\$",
	).Replace(value)
	return "\"" + escaped + "\""
}

// writeSecureFile writes content to a file with 0600 permissions. It
// refuses system directories and symlinks, and existing files unless
// force is set.
func writeSecureFile(path string, content string, force bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	for _, sensitive := range []string{"/etc/", "/usr/", "/bin/", "/sbin/", "/var/log/", "/var/run/"} {
		if strings.HasPrefix(absPath, sensitive) {
			return fmt.Errorf("security: refusing to write to system directory: %s", absPath)
		}
	}

	if info, err := os.Lstat(absPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("security: refusing to write to symlink: %s", absPath)
		}
		if !force {
			return fmt.Errorf("file already exists: %s (use --force to overwrite)", absPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// O_EXCL unless forced, so a file created after the check is not replaced
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(absPath, flags, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("file already exists: %s (use --force to overwrite)", absPath)
		}
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, writeErr := f.WriteString(content)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("failed to write file: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	return nil
}

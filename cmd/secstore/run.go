package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/passphrase"
)

// Run command flags
var (
	runKeys       []string
	runTimeout    time.Duration
	runNoSanitize bool
	runEnvPrefix  string
)

// Exit codes of the run command
const (
	ExitTimeout         = 124
	ExitCommandNotFound = 127
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&runKeys, "key", "k", nil, "Secrets to inject (glob pattern supported)")
	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 5*time.Minute, "Command timeout")
	runCmd.Flags().BoolVar(&runNoSanitize, "no-sanitize", false, "Disable output sanitization")
	runCmd.Flags().StringVar(&runEnvPrefix, "env-prefix", "", "Environment variable name prefix")

	_ = runCmd.MarkFlagRequired("key")
	_ = runCmd.RegisterFlagCompletionFunc("key", completeSecretNames)
}

// runCmd executes a command with secrets injected as environment variables
var runCmd = &cobra.Command{
	Use:   "run -k PATTERN [flags] -- command [args...]",
	Short: "Run a command with secrets as environment variables",
	Long: `Run a command with the selected secrets injected as environment
variables. Names are converted with these rules:
  - '.', '/' and '-' are replaced with '_'
  - letters are converted to UPPERCASE

Secret values appearing in the command output are replaced with
[REDACTED:NAME] unless --no-sanitize is given.

Examples:
  secstore run -k irc.freenode -- ./bot.sh
  secstore run -k "irc.*" --timeout=30s -- ./connect.sh`,
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dashIndex := cmd.ArgsLenAtDash()
		if dashIndex == -1 || dashIndex >= len(args) {
			return fmt.Errorf("no command specified; use: secstore run -k NAME -- command [args...]")
		}

		if err := loadVault(cmd.Context()); err != nil {
			return err
		}

		names, err := selectNames(runKeys, v.Names())
		if err != nil {
			return err
		}
		entries, err := collectEntries(names)
		if err != nil {
			return err
		}
		defer wipeEntries(entries)

		env, err := buildEnvironment(os.Environ(), entries, runEnvPrefix)
		if err != nil {
			return err
		}

		recordBulk(audit.OpSecretRun, len(entries), map[string]string{"command": args[dashIndex]})
		return executeCommand(cmd.Context(), args[dashIndex:], env, entries)
	},
}

// keyToEnvName converts a secret name to an environment variable name
func keyToEnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "/", "_", "-", "_").Replace(key))
}

// validateEnvName validates that a name is a valid POSIX environment variable name
// Pattern: ^[A-Za-z_][A-Za-z0-9_]*$
func validateEnvName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("environment variable name cannot be empty")
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		letter := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_'
		if i == 0 && !letter {
			return fmt.Errorf("must start with a letter or underscore")
		}
		if !letter && !(c >= '0' && c <= '9') {
			return fmt.Errorf("contains invalid character '%c'", c)
		}
	}
	return nil
}

// reservedEnvVars are critical system variables that must not be overwritten
var reservedEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"PWD": true, "OLDPWD": true, "TERM": true, "LANG": true,
	"IFS": true, "PS1": true, "PS2": true,
	"LC_ALL": true, "LC_CTYPE": true,
	passphrase.EnvVar: true, envDir: true,
}

// ErrReservedEnvVar is returned when attempting to overwrite a reserved environment variable
var ErrReservedEnvVar = errors.New("cannot overwrite reserved environment variable")

// buildEnvironment appends the secrets to base.
func buildEnvironment(base []string, entries []exportEntry, prefix string) ([]string, error) {
	env := append([]string(nil), base...)

	for _, e := range entries {
		name := prefix + e.envName
		if err := validateEnvName(name); err != nil {
			return nil, fmt.Errorf("invalid environment variable name for secret '%s': %w", e.name, err)
		}
		if reservedEnvVars[name] {
			return nil, fmt.Errorf("%w: %s (use --env-prefix to avoid collision)", ErrReservedEnvVar, name)
		}
		if strings.HasPrefix(name, "LC_") {
			logger.Warnf("overwriting locale environment variable: %s", name)
		}
		env = append(env, name+"="+string(e.value))
	}
	return env, nil
}

// executeCommand runs the command with secrets in environment
func executeCommand(parent context.Context, args []string, env []string, entries []exportEntry) error {
	if err := disableCoreDumps(); err != nil {
		return fmt.Errorf("security: failed to disable core dumps (secrets could leak to disk): %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()

	cmdPath, err := exec.LookPath(args[0])
	if err != nil {
		return &exitError{code: ExitCommandNotFound, err: fmt.Errorf("command not found: %s", args[0])}
	}

	cmd := exec.CommandContext(ctx, cmdPath, args[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(terminateSignal())
	}
	cmd.WaitDelay = 5 * time.Second

	var outputWg sync.WaitGroup
	if runNoSanitize {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("failed to create stderr pipe: %w", err)
		}

		sanitizer := newOutputSanitizer(entries)
		outputWg.Add(2)
		go func() {
			defer outputWg.Done()
			sanitizer.copy(os.Stdout, stdoutPipe)
		}()
		go func() {
			defer outputWg.Done()
			sanitizer.copy(os.Stderr, stderrPipe)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signalsToNotify()...)
	defer signal.Stop(sigChan)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	// Forward signals until the command exits
	done := make(chan struct{})
	var sigWg sync.WaitGroup
	sigWg.Add(1)
	go func() {
		defer sigWg.Done()
		for {
			select {
			case sig := <-sigChan:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	// Pipes must be drained before Wait closes them
	outputWg.Wait()
	err = cmd.Wait()
	close(done)
	sigWg.Wait()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &exitError{code: ExitTimeout, err: fmt.Errorf("command '%s' timed out after %v", args[0], runTimeout)}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &exitError{code: exitErr.ExitCode()}
		}
		return err
	}
	return nil
}

// exitError represents a command exit with a specific code
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) ExitCode() int {
	return e.code
}

// minSanitizeLen is the shortest value replaced in output; shorter values
// would match too much unrelated text.
const minSanitizeLen = 4

// outputSanitizer replaces secret values in output. It keeps an overlap
// buffer to catch values spanning read boundaries.
type outputSanitizer struct {
	maxSecretLen int
	replacements []secretReplacement
}

type secretReplacement struct {
	secret      []byte
	placeholder []byte
}

func newOutputSanitizer(entries []exportEntry) *outputSanitizer {
	s := &outputSanitizer{}
	for _, e := range entries {
		if len(e.value) < minSanitizeLen {
			continue
		}
		if len(e.value) > s.maxSecretLen {
			s.maxSecretLen = len(e.value)
		}
		s.replacements = append(s.replacements, secretReplacement{
			secret:      e.value,
			placeholder: []byte(fmt.Sprintf("[REDACTED:%s]", e.envName)),
		})
	}
	return s
}

// binaryThreshold is the share of non-printable bytes above which data is
// passed through unchanged.
const binaryThreshold = 0.05

// isBinaryData detects binary data by the share of control characters.
func isBinaryData(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range data {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7F {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(data)) > binaryThreshold
}

// copy reads from src, sanitizes, and writes to dst.
func (s *outputSanitizer) copy(dst io.Writer, src io.Reader) {
	buf := make([]byte, 32*1024)
	var overlap []byte

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			data := append(overlap, buf[:n]...)

			binary := isBinaryData(data)
			if !binary {
				data = s.sanitize(data)
			}

			// Hold back maxSecretLen-1 bytes that may start a split secret
			writeLen := len(data)
			if readErr == nil && s.maxSecretLen > 1 && !binary {
				writeLen = max(len(data)-(s.maxSecretLen-1), 0)
			}
			if writeLen > 0 {
				_, _ = dst.Write(data[:writeLen])
			}
			overlap = append([]byte(nil), data[writeLen:]...)
		}

		if readErr != nil {
			if len(overlap) > 0 {
				_, _ = dst.Write(overlap)
			}
			return
		}
	}
}

// sanitize replaces secret values with [REDACTED:NAME]
func (s *outputSanitizer) sanitize(data []byte) []byte {
	for _, r := range s.replacements {
		if bytes.Contains(data, r.secret) {
			data = bytes.ReplaceAll(data, r.secret, r.placeholder)
		}
	}
	return data
}

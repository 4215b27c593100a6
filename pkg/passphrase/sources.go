package passphrase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"

	"golang.org/x/term"

	"github.com/forest6511/secstore/pkg/crypto"
)

// ShellRunner runs passphrase commands through the system shell.
type ShellRunner struct {
	Stdin  io.Reader // defaults to os.Stdin (pinentry and the like may prompt)
	Stderr io.Writer // defaults to os.Stderr
}

// RunFirstLine runs command and returns its first line of output, at most
// MaxLength bytes, with the line ending removed.
func (s ShellRunner) RunFirstLine(ctx context.Context, command string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}

	cmd.Stdin = s.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("passphrase: failed to create pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("passphrase: failed to run command: %w", err)
	}

	buf, readErr := io.ReadAll(io.LimitReader(stdout, MaxLength))
	// Drain the rest so the command does not block on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	defer crypto.SecureWipe(buf)

	if readErr != nil {
		return "", fmt.Errorf("passphrase: failed to read command output: %w", readErr)
	}
	if waitErr != nil {
		return "", fmt.Errorf("passphrase: command failed: %w", waitErr)
	}

	return firstLine(buf), nil
}

// firstLine cuts at the first CR, then at the first LF.
func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\r'); i >= 0 {
		b = b[:i]
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// TermPrompter reads a passphrase from the controlling terminal without echo.
type TermPrompter struct {
	In  *os.File  // defaults to os.Stdin
	Out io.Writer // defaults to os.Stderr
}

type readResult struct {
	b   []byte
	err error
}

// PromptPassword shows lines and reads one line without echo. ctrl-c and
// end of input return ErrPromptCancelled; an ended ctx returns a plain
// error.
func (p TermPrompter) PromptPassword(ctx context.Context, lines []string) (string, error) {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNotTerminal
	}

	for _, line := range lines {
		if line != "" {
			fmt.Fprintln(out, line)
		}
	}
	fmt.Fprint(out, "Passphrase: ")

	// ReadPassword restores the terminal itself, except when abandoned below.
	state, err := term.GetState(fd)
	if err != nil {
		return "", fmt.Errorf("passphrase: failed to get terminal state: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	done := make(chan readResult, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		done <- readResult{b, err}
	}()

	select {
	case res := <-done:
		fmt.Fprintln(out)
		defer crypto.SecureWipe(res.b)
		if res.err == io.EOF {
			return "", ErrPromptCancelled
		}
		if res.err != nil {
			return "", fmt.Errorf("passphrase: failed to read passphrase: %w", res.err)
		}
		// ctrl-c typed while the terminal is in raw mode
		if bytes.Equal(res.b, []byte{0x03}) {
			return "", ErrPromptCancelled
		}
		return string(res.b), nil
	case <-sigCh:
		_ = term.Restore(fd, state)
		fmt.Fprintln(out)
		return "", ErrPromptCancelled
	case <-ctx.Done():
		_ = term.Restore(fd, state)
		fmt.Fprintln(out)
		return "", interrupted(ctx)
	}
}

// interrupted is the error for a prompt whose context ended. It is not
// ErrPromptCancelled, so the resolver abandons instead of exiting.
func interrupted(ctx context.Context) error {
	return fmt.Errorf("passphrase: prompt interrupted: %w", ctx.Err())
}

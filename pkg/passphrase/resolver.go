// Package passphrase obtains the passphrase that unlocks secured data.
//
// Sources are tried in a fixed order the first time a passphrase is
// needed: the WEECHAT_PASSPHRASE environment variable (cleared after being
// read), the configured passphrase command, then an interactive prompt.
// After a wrong passphrase only the prompt is retried.
package passphrase

import (
	"context"
	"errors"
	"fmt"
	"os"
)

const (
	// EnvVar holds a passphrase for one process start.
	EnvVar = "WEECHAT_PASSPHRASE"

	// MaxLength bounds a passphrase read from a command or a prompt.
	MaxLength = 4096

	// ExitCancelled is the process exit code after the user aborts the prompt.
	ExitCancelled = 1

	// skipInput entered at the prompt disables the passphrase for the session.
	skipInput = " "
)

var (
	// ErrCancelled is returned when the user aborts the prompt and Abort
	// returned instead of exiting.
	ErrCancelled = errors.New("passphrase: cancelled by user")

	// ErrPromptCancelled is returned by a Prompter on ctrl-c or end of input.
	ErrPromptCancelled = errors.New("passphrase: prompt cancelled")

	// ErrNotTerminal is returned by TermPrompter when stdin is not a terminal.
	ErrNotTerminal = errors.New("passphrase: stdin is not a terminal")
)

// Outcome is the final state of one resolution.
type Outcome int

const (
	// Resolved means a non-empty passphrase was obtained.
	Resolved Outcome = iota + 1
	// Abandoned means the user chose to continue without a passphrase.
	Abandoned
	// Cancelled means the user aborted the prompt.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Abandoned:
		return "abandoned"
	case Cancelled:
		return "cancelled"
	default:
		return "unresolved"
	}
}

// Result carries the outcome and, when Resolved, the passphrase. The caller
// owns Passphrase and should wipe it once stored elsewhere.
type Result struct {
	Outcome    Outcome
	Passphrase []byte
}

// Prompter asks a human for a passphrase without echo. lines are shown
// before the input field; empty lines are skipped.
type Prompter interface {
	PromptPassword(ctx context.Context, lines []string) (string, error)
}

// CommandRunner runs a command and returns the first line of its output.
type CommandRunner interface {
	RunFirstLine(ctx context.Context, command string) (string, error)
}

// Resolver drives the passphrase state machine. The zero value is not
// usable; create it with NewResolver.
type Resolver struct {
	Env      string
	Prompter Prompter
	Runner   CommandRunner

	// Abort is called when the user cancels the prompt. The default exits
	// the process with ExitCancelled; it is the only exit path of this
	// package.
	Abort func()

	abandoned bool
}

// NewResolver returns a resolver reading EnvVar, running commands through
// runner and prompting through prompter.
func NewResolver(prompter Prompter, runner CommandRunner) *Resolver {
	return &Resolver{
		Env:      EnvVar,
		Prompter: prompter,
		Runner:   runner,
		Abort:    func() { os.Exit(ExitCancelled) },
	}
}

// Abandoned reports whether the user disabled the passphrase this session.
func (r *Resolver) Abandoned() bool {
	return r.abandoned
}

// Resolve obtains a passphrase for the first time.
//
// command is the configured passphrase command, empty when unset. After
// the session has been abandoned, Resolve returns Abandoned without asking.
func (r *Resolver) Resolve(ctx context.Context, command string) (Result, error) {
	if r.abandoned {
		return Result{Outcome: Abandoned}, nil
	}

	if r.Env != "" {
		if value, ok := os.LookupEnv(r.Env); ok {
			// One-time use: child processes must not inherit it.
			os.Unsetenv(r.Env)
			if value != "" {
				return Result{Outcome: Resolved, Passphrase: []byte(value)}, nil
			}
		}
	}

	if command != "" && r.Runner != nil {
		line, err := r.Runner.RunFirstLine(ctx, command)
		if err == nil && line != "" {
			return Result{Outcome: Resolved, Passphrase: []byte(line)}, nil
		}
	}

	return r.prompt(ctx, "")
}

// Retry prompts again after a failed decryption; reason is shown to the
// user above the input.
func (r *Resolver) Retry(ctx context.Context, reason string) (Result, error) {
	if r.abandoned {
		return Result{Outcome: Abandoned}, nil
	}
	return r.prompt(ctx, reason)
}

func (r *Resolver) prompt(ctx context.Context, reason string) (Result, error) {
	if r.Prompter == nil {
		r.abandoned = true
		return Result{Outcome: Abandoned}, nil
	}

	lines := []string{
		"Please enter your passphrase to decrypt the secured data:",
		"(enter just one space to skip the passphrase, but this will DISABLE all secured data!)",
		"(press ctrl-c to exit now)",
		reason,
	}

	for {
		input, err := r.Prompter.PromptPassword(ctx, lines)
		switch {
		case errors.Is(err, ErrPromptCancelled):
			if r.Abort != nil {
				r.Abort()
			}
			return Result{Outcome: Cancelled}, ErrCancelled
		case err != nil:
			// Nobody can answer: continue locked rather than block.
			r.abandoned = true
			return Result{Outcome: Abandoned}, fmt.Errorf("passphrase: prompt failed: %w", err)
		}

		switch {
		case input == "":
			continue
		case input == skipInput:
			r.abandoned = true
			return Result{Outcome: Abandoned}, nil
		default:
			if len(input) > MaxLength {
				input = input[:MaxLength]
			}
			return Result{Outcome: Resolved, Passphrase: []byte(input)}, nil
		}
	}
}

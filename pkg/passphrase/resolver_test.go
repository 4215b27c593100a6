package passphrase

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type promptCall struct {
	input string
	err   error
}

type fakePrompter struct {
	answers []promptCall
	seen    [][]string
}

func (f *fakePrompter) PromptPassword(_ context.Context, lines []string) (string, error) {
	f.seen = append(f.seen, lines)
	if len(f.answers) == 0 {
		return "", ErrPromptCancelled
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a.input, a.err
}

type fakeRunner struct {
	line  string
	err   error
	calls []string
}

func (f *fakeRunner) RunFirstLine(_ context.Context, command string) (string, error) {
	f.calls = append(f.calls, command)
	return f.line, f.err
}

func newTestResolver(p Prompter, r CommandRunner) (*Resolver, *int) {
	aborts := 0
	res := NewResolver(p, r)
	res.Env = "SECSTORE_TEST_PASSPHRASE"
	res.Abort = func() { aborts++ }
	return res, &aborts
}

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("SECSTORE_TEST_PASSPHRASE", "from-env")
	runner := &fakeRunner{line: "from-command"}
	prompter := &fakePrompter{}
	r, _ := newTestResolver(prompter, runner)

	res, err := r.Resolve(context.Background(), "pass show x")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Outcome)
	assert.Equal(t, "from-env", string(res.Passphrase))

	_, stillSet := os.LookupEnv("SECSTORE_TEST_PASSPHRASE")
	assert.False(t, stillSet, "environment variable must be cleared after use")
	assert.Empty(t, runner.calls)
	assert.Empty(t, prompter.seen)
}

func TestResolveEmptyEnvFallsThrough(t *testing.T) {
	t.Setenv("SECSTORE_TEST_PASSPHRASE", "")
	runner := &fakeRunner{line: "from-command"}
	r, _ := newTestResolver(&fakePrompter{}, runner)

	res, err := r.Resolve(context.Background(), "pass show x")
	require.NoError(t, err)
	assert.Equal(t, "from-command", string(res.Passphrase))
	assert.Equal(t, []string{"pass show x"}, runner.calls)

	_, stillSet := os.LookupEnv("SECSTORE_TEST_PASSPHRASE")
	assert.False(t, stillSet)
}

func TestResolveCommandFailureFallsBackToPrompt(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
	}{
		{"command error", &fakeRunner{err: errors.New("exit status 1")}},
		{"empty output", &fakeRunner{line: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := &fakePrompter{answers: []promptCall{{input: "typed"}}}
			r, _ := newTestResolver(prompter, tt.runner)

			res, err := r.Resolve(context.Background(), "false")
			require.NoError(t, err)
			assert.Equal(t, Resolved, res.Outcome)
			assert.Equal(t, "typed", string(res.Passphrase))
		})
	}
}

func TestResolveNoCommandSkipsRunner(t *testing.T) {
	runner := &fakeRunner{line: "unused"}
	prompter := &fakePrompter{answers: []promptCall{{input: "typed"}}}
	r, _ := newTestResolver(prompter, runner)

	_, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

func TestPromptLoopsOnEmptyInput(t *testing.T) {
	prompter := &fakePrompter{answers: []promptCall{{input: ""}, {input: ""}, {input: "finally"}}}
	r, _ := newTestResolver(prompter, nil)

	res, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "finally", string(res.Passphrase))
	assert.Len(t, prompter.seen, 3)
}

func TestPromptSkipAbandons(t *testing.T) {
	prompter := &fakePrompter{answers: []promptCall{{input: " "}}}
	r, _ := newTestResolver(prompter, nil)

	res, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Abandoned, res.Outcome)
	assert.Nil(t, res.Passphrase)
	assert.True(t, r.Abandoned())

	// Later needs do not ask again
	res, err = r.Retry(context.Background(), "wrong passphrase")
	require.NoError(t, err)
	assert.Equal(t, Abandoned, res.Outcome)
	res, err = r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Abandoned, res.Outcome)
	assert.Len(t, prompter.seen, 1)
}

func TestPromptCancelAborts(t *testing.T) {
	prompter := &fakePrompter{answers: []promptCall{{err: ErrPromptCancelled}}}
	r, aborts := newTestResolver(prompter, nil)

	res, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 1, *aborts)
}

func TestPromptErrorAbandons(t *testing.T) {
	prompter := &fakePrompter{answers: []promptCall{{err: ErrNotTerminal}}}
	r, aborts := newTestResolver(prompter, nil)

	res, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotTerminal)
	assert.Equal(t, Abandoned, res.Outcome)
	assert.True(t, r.Abandoned())
	assert.Zero(t, *aborts)
}

func TestPromptInterruptedAbandons(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	prompter := &fakePrompter{answers: []promptCall{{err: interrupted(ctx)}}}
	r, aborts := newTestResolver(prompter, nil)

	res, err := r.Resolve(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Abandoned, res.Outcome)
	assert.True(t, r.Abandoned())
	assert.Zero(t, *aborts, "an ended context must not exit the process")
}

func TestRetryShowsReasonAndSkipsEnvAndCommand(t *testing.T) {
	t.Setenv("SECSTORE_TEST_PASSPHRASE", "from-env")
	runner := &fakeRunner{line: "from-command"}
	prompter := &fakePrompter{answers: []promptCall{{input: "second try"}}}
	r, _ := newTestResolver(prompter, runner)

	res, err := r.Retry(context.Background(), "*** Wrong passphrase ***")
	require.NoError(t, err)
	assert.Equal(t, "second try", string(res.Passphrase))
	require.Len(t, prompter.seen, 1)
	assert.Contains(t, prompter.seen[0], "*** Wrong passphrase ***")
	assert.Empty(t, runner.calls)

	_, stillSet := os.LookupEnv("SECSTORE_TEST_PASSPHRASE")
	assert.True(t, stillSet)
}

func TestNoPrompterAbandons(t *testing.T) {
	r, _ := newTestResolver(nil, nil)
	res, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Abandoned, res.Outcome)
}

func TestFirstLine(t *testing.T) {
	tests := map[string]string{
		"secret":            "secret",
		"secret\n":          "secret",
		"secret\r\n":        "secret",
		"line1\nline2\n":    "line1",
		"a\rb\nc":           "a",
		"":                  "",
		"\nsecond":          "",
		"no newline at end": "no newline at end",
	}
	for in, want := range tests {
		assert.Equal(t, want, firstLine([]byte(in)), "%q", in)
	}
}

func TestShellRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}

	s := ShellRunner{}
	line, err := s.RunFirstLine(context.Background(), `printf 'hunter2\r\nsecond line\n'`)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", line)

	_, err = s.RunFirstLine(context.Background(), "exit 3")
	assert.Error(t, err)
}

func TestShellRunnerTruncatesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}

	line, err := ShellRunner{}.RunFirstLine(context.Background(), "head -c 10000 /dev/zero | tr '\\0' 'a'")
	require.NoError(t, err)
	assert.Len(t, line, MaxLength)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "unresolved", Outcome(0).String())
}

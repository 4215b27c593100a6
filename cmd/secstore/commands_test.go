package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/secstore/internal/cli"
	"github.com/forest6511/secstore/internal/logging"
	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/crypto"
	"github.com/forest6511/secstore/pkg/passphrase"
	"github.com/forest6511/secstore/pkg/vault"
)

const testPassphrase = "correct horse battery staple"

// resetGlobals restores flag variables between executions of rootCmd.
func resetGlobals() {
	flagDir, flagVerbose, flagDebug, flagNoAudit = "", false, false, false
	listValues, decryptDiscard, checkJSON = false, false, false
	exportFormat, exportOutput, exportKeys, exportForce = formatEnv, "", nil, false
	runKeys, runEnvPrefix, runNoSanitize = nil, "", false
	auditLimit, auditSince, auditName, auditOp, auditJSON = 100, "", "", "", false
	v, auditLog = nil, nil
}

// execute runs the CLI with args, feeding stdin and discarding stdout.
func execute(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	resetGlobals()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteString(stdin); err != nil {
		t.Fatal(err)
	}
	w.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	oldIn, oldOut := os.Stdin, os.Stdout
	os.Stdin, os.Stdout = r, devNull
	defer func() {
		os.Stdin, os.Stdout = oldIn, oldOut
		r.Close()
		devNull.Close()
	}()

	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	if v != nil {
		v.Close()
	}
	return err
}

// openStore loads the store the way a fresh process would, with the
// passphrase supplied through a private environment variable.
func openStore(t *testing.T, dir, pass string) *vault.Vault {
	t.Helper()
	env := "SECSTORE_TEST_PASSPHRASE"
	t.Setenv(env, pass)

	r := passphrase.NewResolver(nil, nil)
	r.Env = env
	r.Abort = func() {}

	st := vault.New(dir, vault.WithResolver(r), vault.WithLogger(logging.Logger{Out: io.Discard}))
	if err := st.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func mustValue(t *testing.T, st *vault.Vault, name string) string {
	t.Helper()
	value, ok := st.Get(name)
	if !ok {
		t.Fatalf("secret %q not found", name)
	}
	return string(value)
}

func TestCommands_PlaintextLifecycle(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.freenode", "hunter2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := execute(t, "s3cr3t\n", "--dir", dir, "--no-audit", "set", "irc.oftc"); err != nil {
		t.Fatalf("set from stdin failed: %v", err)
	}

	st := openStore(t, dir, "")
	if got := mustValue(t, st, "irc.freenode"); got != "hunter2" {
		t.Errorf("irc.freenode = %q", got)
	}
	if got := mustValue(t, st, "irc.oftc"); got != "s3cr3t" {
		t.Errorf("irc.oftc = %q (trailing newline should be trimmed)", got)
	}
	if st.Encrypted() {
		t.Error("store without passphrase should not be encrypted")
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "config", "set", "cipher", "aes128"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "del", "irc.freenode"); err != nil {
		t.Fatalf("del failed: %v", err)
	}

	st = openStore(t, dir, "")
	if st.Config().Cipher != crypto.AES128 {
		t.Errorf("cipher = %v, want aes128", st.Config().Cipher)
	}
	if names := st.Names(); len(names) != 1 || names[0] != "irc.oftc" {
		t.Errorf("names = %v", names)
	}

	err := execute(t, "", "--dir", dir, "--no-audit", "get", "irc.freenode")
	if !errors.Is(err, vault.ErrSecretNotFound) {
		t.Errorf("get deleted secret: err = %v, want ErrSecretNotFound", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "config", "set", "cipher", "rot13"); err == nil {
		t.Error("config set with unknown cipher should fail")
	}
}

func TestCommands_Inspect(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	for _, name := range []string{"irc.freenode", "irc.libera"} {
		if err := execute(t, "", "--dir", dir, "--no-audit", "set", name, "hunter2"); err != nil {
			t.Fatalf("set %s failed: %v", name, err)
		}
	}

	for _, args := range [][]string{
		{"status"},
		{"config", "get"},
		{"config", "get", "hash_algo"},
		{"check"},
		{"check", "--json"},
		{"list", "irc.*", "--values"},
		{"eval", "identify ${sec.data.irc.libera}"},
	} {
		if err := execute(t, "", append([]string{"--dir", dir, "--no-audit"}, args...)...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "config", "get", "bogus"); !errors.Is(err, vault.ErrUnknownOption) {
		t.Errorf("config get bogus: err = %v, want ErrUnknownOption", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "eval", "${sec.data.irc.oftc}"); !errors.Is(err, vault.ErrSecretNotFound) {
		t.Errorf("eval unknown: err = %v, want ErrSecretNotFound", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "list", "nick.*"); !errors.Is(err, cli.ErrNoMatch) {
		t.Errorf("list nick.*: err = %v, want ErrNoMatch", err)
	}
}

func TestCommands_NormalizesNames(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	// decomposed e + combining acute accent
	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "cafe\u0301", "x-value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	st := openStore(t, dir, "")
	if got := mustValue(t, st, "caf\u00e9"); got != "x-value" {
		t.Errorf("value = %q", got)
	}
}

func TestCommands_PassphraseAndDecrypt(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.freenode", "hunter2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := execute(t, testPassphrase+"\n", "--dir", dir, "--no-audit", "passphrase", "set"); err != nil {
		t.Fatalf("passphrase set failed: %v", err)
	}

	st := openStore(t, dir, testPassphrase)
	if !st.Encrypted() || !st.HasPassphrase() {
		t.Fatal("store should be encrypted after passphrase set")
	}
	if got := mustValue(t, st, "irc.freenode"); got != "hunter2" {
		t.Errorf("irc.freenode = %q", got)
	}

	// No passphrase available: entries stay encrypted and changes are refused.
	err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.oftc", "s3cr3t")
	if !errors.Is(err, vault.ErrLocked) {
		t.Fatalf("set while locked: err = %v, want ErrLocked", err)
	}
	err = execute(t, "", "--dir", dir, "--no-audit", "config", "set", "hash_algo", "sha512")
	if !errors.Is(err, vault.ErrConfigReadOnly) {
		t.Errorf("config set while locked: err = %v, want ErrConfigReadOnly", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "config", "set", "passphrase_command", "false"); err != nil {
		t.Errorf("passphrase_command should be settable while locked: %v", err)
	}

	err = execute(t, "wrong passphrase\n", "--dir", dir, "--no-audit", "decrypt")
	if !errors.Is(err, vault.ErrWrongPassphrase) {
		t.Errorf("decrypt with wrong passphrase: err = %v, want ErrWrongPassphrase", err)
	}
	if err := execute(t, testPassphrase+"\n", "--dir", dir, "--no-audit", "decrypt"); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}

	st = openStore(t, dir, testPassphrase)
	if got := mustValue(t, st, "irc.freenode"); got != "hunter2" {
		t.Errorf("irc.freenode after decrypt = %q", got)
	}
	if st.Config().PassphraseCommand != "false" {
		t.Errorf("passphrase_command = %q", st.Config().PassphraseCommand)
	}
}

func TestCommands_DecryptDiscard(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.freenode", "hunter2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := execute(t, testPassphrase+"\n", "--dir", dir, "--no-audit", "passphrase", "set"); err != nil {
		t.Fatalf("passphrase set failed: %v", err)
	}

	err := execute(t, "", "--dir", dir, "--no-audit", "reload")
	if !errors.Is(err, vault.ErrReloadRefused) {
		t.Errorf("reload while locked: err = %v, want ErrReloadRefused", err)
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "decrypt", "--discard"); err != nil {
		t.Fatalf("decrypt --discard failed: %v", err)
	}

	st := openStore(t, dir, testPassphrase)
	if len(st.Names()) != 0 || st.IsLocked() {
		t.Errorf("store should be empty, names=%v pending=%v", st.Names(), st.PendingNames())
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.oftc", "s3cr3t"); err != nil {
		t.Errorf("set after discard failed: %v", err)
	}
}

func TestCommands_UnsupportedAlgorithm(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()
	conf := "[crypt]\nhash_algo = md5\n\n[data]\n__passphrase__ = off\nirc.freenode = \"hunter2\"\n"
	if err := os.WriteFile(filepath.Join(dir, vault.ConfFileName), []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "get", "irc.freenode"); err != nil {
		t.Errorf("get with an unsupported hash_algo failed: %v", err)
	}
	err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.oftc", "s3cr3t")
	if !errors.Is(err, vault.ErrConfigInvalid) {
		t.Errorf("set: err = %v, want ErrConfigInvalid", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, vault.ConfFileName)); string(data) != conf {
		t.Errorf("sec.conf changed while invalid:\n%s", data)
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "config", "set", "hash_algo", "sha256"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	st := openStore(t, dir, "")
	if got := mustValue(t, st, "irc.freenode"); got != "hunter2" {
		t.Errorf("irc.freenode = %q, want hunter2", got)
	}
	if got := st.Config().HashAlgorithm; got != crypto.SHA256 {
		t.Errorf("hash_algo = %v, want sha256", got)
	}
}

func TestCommands_PassphraseDelete(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(passphrase.EnvVar, "")

	if err := execute(t, "", "--dir", dir, "--no-audit", "passphrase", "delete"); !errors.Is(err, vault.ErrPassphraseNotSet) {
		t.Errorf("delete without passphrase: err = %v, want ErrPassphraseNotSet", err)
	}
	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "k", "v-value"); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, testPassphrase+"\n", "--dir", dir, "--no-audit", "passphrase", "set"); err != nil {
		t.Fatal(err)
	}

	t.Setenv(passphrase.EnvVar, testPassphrase)
	if err := execute(t, "", "--dir", dir, "--no-audit", "passphrase", "delete"); err != nil {
		t.Fatalf("passphrase delete failed: %v", err)
	}

	st := openStore(t, dir, "")
	if st.Encrypted() || st.IsLocked() {
		t.Error("store should be plaintext after passphrase delete")
	}
	if got := mustValue(t, st, "k"); got != "v-value" {
		t.Errorf("k = %q", got)
	}
}

func TestCommands_Export(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "secrets.json")

	for _, kv := range [][2]string{{"irc.freenode", "hunter2"}, {"irc.oftc", "s3cr3t"}, {"smtp", "mail-pass"}} {
		if err := execute(t, "", "--dir", dir, "--no-audit", "set", kv[0], kv[1]); err != nil {
			t.Fatal(err)
		}
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "export", "-k", "irc.*", "-f", "json", "-o", out); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 2 || got["IRC_FREENODE"] != "hunter2" || got["IRC_OFTC"] != "s3cr3t" {
		t.Errorf("exported = %v", got)
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "export", "-f", "xml"); err == nil {
		t.Error("export with unknown format should fail")
	}
}

func TestCommands_Audit(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	if err := execute(t, "", "--dir", dir, "set", "irc.freenode", "hunter2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := execute(t, "", "--dir", dir, "get", "irc.freenode"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := execute(t, "", "--dir", dir, "audit", "verify"); err != nil {
		t.Fatalf("audit verify failed: %v", err)
	}
	if err := execute(t, "", "--dir", dir, "audit", "list", "--since", "1h"); err != nil {
		t.Fatalf("audit list failed: %v", err)
	}

	l, err := audit.Open(filepath.Join(dir, auditDirName))
	if err != nil {
		t.Fatal(err)
	}
	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	ops := make(map[string]bool)
	for _, e := range events {
		ops[e.Operation] = true
	}
	for _, op := range []string{audit.OpStoreLoad, audit.OpSecretSet, audit.OpStoreSave, audit.OpSecretGet} {
		if !ops[op] {
			t.Errorf("missing audit operation %s in %v", op, ops)
		}
	}

	if err := execute(t, "", "--dir", dir, "--no-audit", "audit", "list"); err == nil {
		t.Error("audit list with --no-audit should fail")
	}

	byName := filterEvents(append([]audit.Event(nil), events...), l, "irc.freenode", "secret.")
	if len(byName) == 0 {
		t.Fatal("filterEvents found no secret events for irc.freenode")
	}
	for _, e := range byName {
		if e.NameHMAC != l.NameHMAC("irc.freenode") || !strings.HasPrefix(e.Operation, "secret.") {
			t.Errorf("unexpected event %s %s", e.Operation, e.NameHMAC)
		}
	}
	if got := filterEvents(append([]audit.Event(nil), events...), l, "irc.unknown", ""); len(got) != 0 {
		t.Errorf("filterEvents(unknown) = %d events, want 0", len(got))
	}
	if line := formatEvent(&byName[0]); !strings.Contains(line, byName[0].Operation) {
		t.Errorf("formatEvent() = %q", line)
	}
}

func TestStoredNames(t *testing.T) {
	t.Setenv(passphrase.EnvVar, "")
	dir := t.TempDir()

	if err := execute(t, "", "--dir", dir, "--no-audit", "set", "irc.freenode", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, testPassphrase+"\n", "--dir", dir, "--no-audit", "passphrase", "set"); err != nil {
		t.Fatal(err)
	}

	names, err := storedNames(filepath.Join(dir, vault.ConfFileName))
	if err != nil {
		t.Fatalf("storedNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != "irc.freenode" {
		t.Errorf("names = %v", names)
	}

	if _, err := storedNames(filepath.Join(dir, "missing.conf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolveDir(t *testing.T) {
	resetGlobals()
	env := t.TempDir()
	t.Setenv(envDir, env)

	got, err := resolveDir()
	if err != nil || got != env {
		t.Errorf("resolveDir() = %q, %v; want %q", got, err, env)
	}

	flagDir = filepath.Join(env, "flag")
	got, err = resolveDir()
	if err != nil || got != flagDir {
		t.Errorf("resolveDir() with --dir = %q, %v; want %q", got, err, flagDir)
	}
	flagDir = ""

	t.Setenv(envDir, "")
	got, err = resolveDir()
	if err != nil || filepath.Base(got) != defaultDirName {
		t.Errorf("resolveDir() default = %q, %v", got, err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1m", 30 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"d", 0, true},
		{"xd", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseDuration(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parseDuration(%q) expected error", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("parseDuration(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
			}
		})
	}
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/forest6511/secstore/internal/conffile"
	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/crypto"
	"github.com/forest6511/secstore/pkg/envelope"
	"github.com/forest6511/secstore/pkg/passphrase"
)

// Values are sealed with a trailing NUL, as sec.conf files written by C
// programs are; one trailing NUL is removed after decryption.
const terminator = 0

var fileHeader = []string{
	"secstore -- " + ConfFileName,
	"",
	"WARNING: It is NOT recommended to edit this file by hand,",
	"use secstore commands instead.",
}

// Load reads sec.conf, replacing the in-memory state. A missing file
// leaves the vault empty.
//
// When the file is encrypted and no passphrase is set yet, the resolver is
// asked for one. Entries that cannot be decrypted are kept pending and a
// warning is logged for each; they never fail the load.
//
// An unsupported cipher or hash algorithm in the crypt section does not
// stop the load either: plaintext entries are read, encrypted entries stay
// pending, and Load returns the *crypto.ConfigError afterwards. Until the
// option is set to a supported value, Save and the passphrase operations
// are refused with ErrConfigInvalid.
func (v *Vault) Load(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.load(ctx)
	v.record(audit.OpStoreLoad, "", err)
	return err
}

// Reload discards the in-memory state and loads the file again. It is
// refused with ErrReloadRefused while the vault is locked, leaving the
// state untouched.
func (v *Vault) Reload(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) > 0 {
		v.recordDenied(audit.OpStoreReloadRefused, "", "pending data")
		return ErrReloadRefused
	}

	err := v.load(ctx)
	v.record(audit.OpStoreReload, "", err)
	return err
}

func (v *Vault) load(ctx context.Context) error {
	v.removeAll()
	v.encrypted = false
	v.loadErr = nil
	v.cfgErrs = nil

	r := &reader{v: v, ctx: ctx}
	err := conffile.Read(v.File(), map[string]conffile.LineFunc{
		SectionCrypt: r.crypt,
		SectionData:  r.data,
	})
	if errors.Is(err, os.ErrNotExist) {
		v.log.Debugf("%s not found, starting empty", v.File())
		return nil
	}
	if err != nil {
		v.removeAll()
		v.loadErr = err
		return fmt.Errorf("vault: failed to load: %w", err)
	}

	v.checkAndWarnPermissions()
	v.log.Debugf("loaded %d secrets, %d pending", len(v.decrypted), len(v.pending))
	if err := v.configError(); err != nil {
		return fmt.Errorf("vault: %s: %w", ConfFileName, err)
	}
	return nil
}

// reader receives the lines of one load.
type reader struct {
	v   *Vault
	ctx context.Context
}

func (r *reader) crypt(key, value string) error {
	err := r.v.cfg.set(key, value)
	if errors.Is(err, ErrUnknownOption) {
		r.v.log.Warnf("%s: ignoring unknown option %s.%s", ConfFileName, SectionCrypt, key)
		return nil
	}
	var cfgErr *crypto.ConfigError
	if errors.As(err, &cfgErr) {
		r.v.log.Errorf("%s: %v", ConfFileName, err)
		if r.v.cfgErrs == nil {
			r.v.cfgErrs = make(map[string]*crypto.ConfigError)
		}
		r.v.cfgErrs[key] = cfgErr
		return nil
	}
	return err
}

func (r *reader) data(name, value string) error {
	v := r.v
	if value == "" {
		return nil
	}

	if name == FlagKey {
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", FlagKey, err)
		}
		v.encrypted = on
		if on && v.passphrase == nil && len(v.cfgErrs) == 0 {
			return v.resolve(r.ctx)
		}
		return nil
	}

	if !v.encrypted {
		v.setPlaintext(name, []byte(value))
		return nil
	}

	if err := v.configError(); err != nil {
		v.log.Errorf("Failed to decrypt data %q: %v", name, err)
		v.setPending(name, value)
		return nil
	}

	if v.passphrase == nil {
		v.log.Errorf("Passphrase is not set, unable to decrypt data %q", name)
		v.setPending(name, value)
		return nil
	}

	return v.decryptEntry(r.ctx, name, value)
}

// decryptEntry opens one stored value, asking for another passphrase for
// as long as the hash does not match.
func (v *Vault) decryptEntry(ctx context.Context, name, text string) error {
	env, err := envelope.DecodeText(text)
	if err != nil {
		v.log.Errorf("Failed to decrypt data %q: corrupt data (%v)", name, err)
		v.setPending(name, text)
		return nil
	}

	params := v.cfg.Params()
	for {
		plain, err := envelope.Open(env, v.passphrase, params)
		if err == nil {
			v.setPlaintext(name, trimTerminator(plain))
			crypto.SecureWipe(plain)
			return nil
		}

		var cfgErr *crypto.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			v.log.Errorf("Failed to decrypt data %q: %v", name, err)
			v.setPending(name, text)
			return nil
		case !errors.Is(err, envelope.ErrHashMismatch):
			v.log.Errorf("Failed to decrypt data %q: corrupt data (%v)", name, err)
			v.setPending(name, text)
			return nil
		}

		if v.resolver == nil {
			v.log.Errorf("Wrong passphrase, unable to decrypt data %q", name)
			v.setPending(name, text)
			return nil
		}

		res, err := v.resolver.Retry(ctx, "*** Wrong passphrase (decrypt error: hash mismatch) ***")
		if res.Outcome == passphrase.Cancelled {
			return err
		}
		if res.Outcome != passphrase.Resolved {
			if err != nil {
				v.log.Warnf("%v", err)
			}
			v.setPassphrase(nil)
			v.log.Errorf("Passphrase is not set, unable to decrypt data %q", name)
			v.setPending(name, text)
			return nil
		}
		v.setPassphrase(res.Passphrase)
		crypto.SecureWipe(res.Passphrase)
	}
}

// resolve obtains the passphrase for an encrypted file.
func (v *Vault) resolve(ctx context.Context) error {
	if v.resolver == nil {
		return nil
	}

	res, err := v.resolver.Resolve(ctx, v.cfg.PassphraseCommand)
	switch res.Outcome {
	case passphrase.Resolved:
		v.setPassphrase(res.Passphrase)
		crypto.SecureWipe(res.Passphrase)
		return nil
	case passphrase.Cancelled:
		return err
	}

	if err != nil {
		v.log.Warnf("%v", err)
	}
	v.log.Warnf("No passphrase, secured data stays encrypted. To recover it, use: secstore decrypt")
	return nil
}

// Save writes the vault to sec.conf.
//
// Decrypted values are sealed with the passphrase, or written as plaintext
// when no passphrase is set. Pending entries are written back unchanged.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.save()
	v.record(audit.OpStoreSave, "", err)
	return err
}

func (v *Vault) save() error {
	if v.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, v.loadErr)
	}
	if err := v.configError(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if v.mixed() {
		return fmt.Errorf("%w: cannot write plaintext values next to encrypted ones", ErrLocked)
	}

	w := conffile.NewWriter(fileHeader...)

	w.Section(SectionCrypt)
	w.Line(OptionCipher, v.cfg.Cipher.String())
	w.Line(OptionHashAlgo, v.cfg.HashAlgorithm.String())
	w.QuotedLine(OptionPassphraseCommand, v.cfg.PassphraseCommand)
	w.Line(OptionSalt, formatBool(v.cfg.UseSalt))

	w.Section(SectionData)
	w.Line(FlagKey, formatBool(v.passphrase != nil || len(v.pending) > 0))

	params := v.cfg.Params()
	for _, name := range sortedKeys(v.decrypted) {
		value := v.decrypted[name]
		if v.passphrase == nil {
			w.QuotedLine(name, string(value))
			continue
		}

		buf := make([]byte, 0, len(value)+1)
		buf = append(append(buf, value...), terminator)
		text, err := envelope.SealText(buf, v.passphrase, params)
		crypto.SecureWipe(buf)
		if err != nil {
			return fmt.Errorf("vault: failed to encrypt data %q: %w", name, err)
		}
		w.QuotedLine(name, text)
	}
	for _, name := range sortedKeys(v.pending) {
		w.QuotedLine(name, v.pending[name])
	}

	if err := v.checkDiskSpaceForWrite(len(w.Bytes())); err != nil {
		return err
	}
	if err := w.Commit(v.File()); err != nil {
		return fmt.Errorf("vault: failed to save: %w", err)
	}

	v.encrypted = v.passphrase != nil || len(v.pending) > 0
	return nil
}

// mixed reports whether plaintext values sit next to pending envelopes with
// no passphrase to seal them. Plaintext under the "on" flag would be read
// back as corrupt envelopes, so nothing can be saved in this state.
func (v *Vault) mixed() bool {
	return v.passphrase == nil && len(v.pending) > 0 && len(v.decrypted) > 0
}

// configError returns the crypt options of the last load that name an
// unsupported cipher or hash algorithm, or nil.
func (v *Vault) configError() error {
	if len(v.cfgErrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(v.cfgErrs))
	for _, name := range sortedKeys(v.cfgErrs) {
		errs = append(errs, v.cfgErrs[name])
	}
	return errors.Join(errs...)
}

func trimTerminator(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == terminator {
		return b[:n-1]
	}
	return b
}

package vault

import (
	"fmt"
	"strings"

	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/crypto"
	"github.com/forest6511/secstore/pkg/envelope"
)

// Names of the options in the crypt section.
const (
	OptionCipher            = "cipher"
	OptionHashAlgo          = "hash_algo"
	OptionPassphraseCommand = "passphrase_command"
	OptionSalt              = "salt"
)

// Config is the crypt section of sec.conf.
type Config struct {
	Cipher            crypto.Cipher
	HashAlgorithm     crypto.HashAlgorithm
	UseSalt           bool
	PassphraseCommand string
}

// DefaultConfig returns aes256, sha256, salt on and no passphrase command.
func DefaultConfig() Config {
	return Config{
		Cipher:        crypto.DefaultCipher,
		HashAlgorithm: crypto.DefaultHashAlgorithm,
		UseSalt:       true,
	}
}

// Params returns the envelope parameters for this configuration.
func (c Config) Params() envelope.Params {
	return envelope.Params{
		Cipher:        c.Cipher,
		HashAlgorithm: c.HashAlgorithm,
		UseSalt:       c.UseSalt,
	}
}

// OptionNames returns the crypt options in file order.
func OptionNames() []string {
	return []string{OptionCipher, OptionHashAlgo, OptionPassphraseCommand, OptionSalt}
}

// Get returns the value of an option as written in sec.conf.
func (c Config) Get(name string) (string, error) {
	switch name {
	case OptionCipher:
		return c.Cipher.String(), nil
	case OptionHashAlgo:
		return c.HashAlgorithm.String(), nil
	case OptionPassphraseCommand:
		return c.PassphraseCommand, nil
	case OptionSalt:
		return formatBool(c.UseSalt), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownOption, name)
}

// set parses value into the named option.
func (c *Config) set(name, value string) error {
	switch name {
	case OptionCipher:
		cipher, err := crypto.ParseCipher(value)
		if err != nil {
			return err
		}
		c.Cipher = cipher
	case OptionHashAlgo:
		h, err := crypto.ParseHashAlgorithm(value)
		if err != nil {
			return err
		}
		c.HashAlgorithm = h
	case OptionPassphraseCommand:
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%s: must be a single line", OptionPassphraseCommand)
		}
		c.PassphraseCommand = value
	case OptionSalt:
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("salt: %w", err)
		}
		c.UseSalt = on
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	return nil
}

// affectsCrypto reports whether changing the option would make pending
// entries undecryptable.
func affectsCrypto(name string) bool {
	return name == OptionCipher || name == OptionHashAlgo || name == OptionSalt
}

// Config returns a copy of the current configuration.
func (v *Vault) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg
}

// SetCipher changes the cipher used on the next save.
func (v *Vault) SetCipher(c crypto.Cipher) error {
	if !c.Valid() {
		return &crypto.ConfigError{Option: OptionCipher, Value: c.String(), Err: crypto.ErrUnsupportedCipher}
	}
	return v.SetOption(OptionCipher, c.String())
}

// SetHashAlgorithm changes the hash algorithm used on the next save.
func (v *Vault) SetHashAlgorithm(h crypto.HashAlgorithm) error {
	if !h.Valid() {
		return &crypto.ConfigError{Option: OptionHashAlgo, Value: h.String(), Err: crypto.ErrUnsupportedHash}
	}
	return v.SetOption(OptionHashAlgo, h.String())
}

// SetUseSalt turns the random salt on or off.
func (v *Vault) SetUseSalt(on bool) error {
	return v.SetOption(OptionSalt, formatBool(on))
}

// SetPassphraseCommand sets the command read on the next load. It can be
// changed while locked.
func (v *Vault) SetPassphraseCommand(command string) error {
	return v.SetOption(OptionPassphraseCommand, command)
}

// SetOption sets a crypt option from its sec.conf text form. Options that
// affect encryption are read-only while the vault is locked, unless the
// last load rejected that option: setting it is then the only way to read
// the pending data, and clears the error. Nothing can be changed while
// plaintext and pending values are mixed without a passphrase.
func (v *Vault) SetOption(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, rejected := v.cfgErrs[name]
	if affectsCrypto(name) && len(v.pending) > 0 && !rejected {
		v.recordDenied(audit.OpConfigSet, "", "pending data")
		return fmt.Errorf("%w: %s", ErrConfigReadOnly, name)
	}
	if v.mixed() {
		v.recordDenied(audit.OpConfigSet, "", "pending data")
		return fmt.Errorf("%w: %s cannot be saved while plaintext and encrypted values are mixed", ErrLocked, name)
	}

	cfg := v.cfg
	if err := cfg.set(name, value); err != nil {
		return err
	}
	v.cfg = cfg
	delete(v.cfgErrs, name)

	v.record(audit.OpConfigSet, "", nil)
	return nil
}

// parseBool accepts the boolean spellings found in sec.conf files.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes", "y", "true", "t", "1":
		return true, nil
	case "off", "no", "n", "false", "f", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func formatBool(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

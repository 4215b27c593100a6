// Package vault holds named secrets in memory and persists them to sec.conf.
//
// A Vault keeps two disjoint maps: decrypted values, and entries that are
// still encrypted because the passphrase was unknown or wrong. Encrypted
// entries are never re-encrypted or dropped implicitly; while any exist the
// vault is locked and operations that could lose them are refused.
//
// A Vault serializes all access with a mutex. Load and Reload may block on
// the passphrase command or the interactive prompt.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forest6511/secstore/internal/logging"
	"github.com/forest6511/secstore/pkg/audit"
	"github.com/forest6511/secstore/pkg/crypto"
	"github.com/forest6511/secstore/pkg/envelope"
	"github.com/forest6511/secstore/pkg/passphrase"
)

const (
	ConfFileName = "sec.conf"

	SectionCrypt = "crypt"
	SectionData  = "data"

	// FlagKey is the reserved data key telling whether values are encrypted.
	FlagKey = "__passphrase__"

	// MaxValueSize bounds a secret value.
	MaxValueSize = 1024 * 1024

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024
	DiskWarningPercent = 90
)

var (
	ErrLocked            = errors.New("vault: encrypted data is still pending (decrypt or discard it first)")
	ErrReloadRefused     = errors.New("vault: reload refused while encrypted data is pending")
	ErrConfigReadOnly    = errors.New("vault: option cannot be changed while encrypted data is pending")
	ErrUnknownOption     = errors.New("vault: unknown option")
	ErrSecretNotFound    = errors.New("vault: secret not found")
	ErrPassphraseNotSet  = errors.New("vault: no passphrase is set")
	ErrEmptyPassphrase   = errors.New("vault: passphrase is empty")
	ErrPassphraseTooLong = errors.New("vault: passphrase too long")
	ErrWrongPassphrase   = errors.New("vault: wrong passphrase")
	ErrNoPendingData     = errors.New("vault: no encrypted data pending")
	ErrKeyInvalid        = errors.New("vault: invalid secret name")
	ErrValueInvalid      = errors.New("vault: invalid secret value")
	ErrValueTooLarge     = errors.New("vault: value too large")
	ErrLoadFailed        = errors.New("vault: last load failed, refusing to overwrite the file")
	ErrConfigInvalid     = errors.New("vault: crypt section names an unsupported algorithm, refusing to overwrite the file")
	ErrInsufficientDisk  = errors.New("vault: insufficient disk space")
)

// Vault is the secure context: configuration, passphrase and secrets.
type Vault struct {
	path string // directory holding sec.conf

	mu         sync.Mutex
	cfg        Config
	passphrase []byte // nil when unset
	encrypted  bool   // flag read from the file
	decrypted  map[string][]byte
	pending    map[string]string // base16 envelope text
	loadErr    error
	cfgErrs    map[string]*crypto.ConfigError // by crypt option

	resolver *passphrase.Resolver
	log      logging.Logger
	audit    *audit.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithResolver sets how a passphrase is obtained when the file is
// encrypted. Without one, encrypted entries stay pending.
func WithResolver(r *passphrase.Resolver) Option {
	return func(v *Vault) { v.resolver = r }
}

// WithLogger sets where per-entry warnings go.
func WithLogger(l logging.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithAudit records operations in an audit log.
func WithAudit(a *audit.Logger) Option {
	return func(v *Vault) { v.audit = a }
}

// WithConfig sets the configuration used until a file overrides it.
func WithConfig(c Config) Option {
	return func(v *Vault) { v.cfg = c }
}

// New creates a vault stored in the directory at path. Nothing is read
// until Load.
func New(path string, opts ...Option) *Vault {
	v := &Vault{
		path:      path,
		cfg:       DefaultConfig(),
		decrypted: make(map[string][]byte),
		pending:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the vault directory.
func (v *Vault) Path() string {
	return v.path
}

// File returns the path of sec.conf.
func (v *Vault) File() string {
	return filepath.Join(v.path, ConfFileName)
}

// SetPlaintext stores a decrypted value, replacing a pending entry of the
// same name.
func (v *Vault) SetPlaintext(name string, value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setPlaintext(name, value)
}

// SetPending stores still-encrypted text unless name is already decrypted.
// It reports whether the entry was stored.
func (v *Vault) SetPending(name, text string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setPending(name, text)
}

// RemoveAll clears both maps.
func (v *Vault) RemoveAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeAll()
}

func (v *Vault) setPlaintext(name string, value []byte) {
	if old, ok := v.decrypted[name]; ok {
		crypto.SecureWipe(old)
	}
	v.decrypted[name] = append([]byte(nil), value...)
	delete(v.pending, name)
}

func (v *Vault) setPending(name, text string) bool {
	if _, ok := v.decrypted[name]; ok {
		return false
	}
	v.pending[name] = text
	return true
}

func (v *Vault) removeAll() {
	for name, value := range v.decrypted {
		crypto.SecureWipe(value)
		delete(v.decrypted, name)
	}
	for name := range v.pending {
		delete(v.pending, name)
	}
}

// IsLocked reports whether encrypted entries are pending.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending) > 0
}

// Get returns a copy of a decrypted value. Pending entries are not
// returned.
func (v *Vault) Get(name string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	value, ok := v.decrypted[name]
	if !ok {
		return nil, false
	}
	v.record(audit.OpSecretGet, name, nil)
	return append([]byte(nil), value...), true
}

// Snapshot returns copies of all decrypted values. The caller should wipe
// them when done.
func (v *Vault) Snapshot() map[string][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string][]byte, len(v.decrypted))
	for name, value := range v.decrypted {
		out[name] = append([]byte(nil), value...)
	}
	return out
}

// Names returns the decrypted secret names in order.
func (v *Vault) Names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sortedKeys(v.decrypted)
}

// PendingNames returns the names of still-encrypted entries in order.
func (v *Vault) PendingNames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sortedKeys(v.pending)
}

// HasPassphrase reports whether a passphrase is set.
func (v *Vault) HasPassphrase() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.passphrase != nil
}

// ConfigError returns the unsupported crypt options found by the last load,
// or nil.
func (v *Vault) ConfigError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.configError()
}

// Encrypted returns the flag read from the file by the last load.
func (v *Vault) Encrypted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.encrypted
}

// SetSecret stores a value under name.
func (v *Vault) SetSecret(name string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := validateName(name); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if len(v.pending) > 0 {
		v.recordDenied(audit.OpSecretSet, name, "pending data")
		return ErrLocked
	}

	v.setPlaintext(name, value)
	v.record(audit.OpSecretSet, name, nil)
	return nil
}

// RemoveSecret deletes a decrypted secret.
func (v *Vault) RemoveSecret(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) > 0 {
		v.recordDenied(audit.OpSecretDelete, name, "pending data")
		return ErrLocked
	}
	value, ok := v.decrypted[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	crypto.SecureWipe(value)
	delete(v.decrypted, name)
	v.record(audit.OpSecretDelete, name, nil)
	return nil
}

// SetPassphrase replaces the passphrase used on the next save.
func (v *Vault) SetPassphrase(p []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) > 0 {
		v.recordDenied(audit.OpPassphraseSet, "", "pending data")
		return ErrLocked
	}
	if err := v.configError(); err != nil {
		v.recordDenied(audit.OpPassphraseSet, "", "invalid config")
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if len(p) == 0 {
		return ErrEmptyPassphrase
	}
	if len(p) > passphrase.MaxLength {
		return fmt.Errorf("%w: at most %d bytes", ErrPassphraseTooLong, passphrase.MaxLength)
	}

	v.setPassphrase(p)
	v.record(audit.OpPassphraseSet, "", nil)
	return nil
}

// DeletePassphrase removes the passphrase; values are then saved as
// plaintext.
func (v *Vault) DeletePassphrase() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) > 0 {
		v.recordDenied(audit.OpPassphraseDelete, "", "pending data")
		return ErrLocked
	}
	if err := v.configError(); err != nil {
		v.recordDenied(audit.OpPassphraseDelete, "", "invalid config")
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if v.passphrase == nil {
		return ErrPassphraseNotSet
	}

	v.setPassphrase(nil)
	v.record(audit.OpPassphraseDelete, "", nil)
	return nil
}

// setPassphrase wipes the current passphrase and stores a copy of p.
func (v *Vault) setPassphrase(p []byte) {
	if v.passphrase != nil {
		crypto.SecureWipe(v.passphrase)
		v.passphrase = nil
	}
	if len(p) > 0 {
		v.passphrase = append([]byte(nil), p...)
	}
}

// DecryptPending tries p on every pending entry. Entries that open move to
// the decrypted map, and p becomes the passphrase if at least one did. It
// returns the number of entries decrypted.
func (v *Vault) DecryptPending(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) == 0 {
		return 0, ErrNoPendingData
	}
	if len(p) == 0 {
		return 0, ErrEmptyPassphrase
	}
	if err := v.configError(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	params := v.cfg.Params()
	count := 0
	for _, name := range sortedKeys(v.pending) {
		plain, err := envelope.OpenText(v.pending[name], p, params)
		if err != nil {
			v.log.Debugf("entry %q not decrypted: %v", name, err)
			continue
		}
		v.setPlaintext(name, trimTerminator(plain))
		crypto.SecureWipe(plain)
		count++
	}

	if count == 0 {
		v.record(audit.OpPendingDecrypt, "", ErrWrongPassphrase)
		return 0, ErrWrongPassphrase
	}

	v.setPassphrase(p)
	v.record(audit.OpPendingDecrypt, "", nil)
	return count, nil
}

// DiscardPending drops all still-encrypted entries and returns how many
// were dropped.
func (v *Vault) DiscardPending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.pending)
	for name := range v.pending {
		delete(v.pending, name)
	}
	if n > 0 {
		v.record(audit.OpPendingDiscard, "", nil)
	}
	return n
}

// Close wipes the passphrase and decrypted values from memory.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.setPassphrase(nil)
	v.removeAll()
}

// validateName rejects names that cannot be written as one sec.conf line.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrKeyInvalid)
	case name == FlagKey:
		return fmt.Errorf("%w: %s is reserved", ErrKeyInvalid, FlagKey)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: leading or trailing space", ErrKeyInvalid)
	case strings.ContainsAny(name, "=\r\n\x00"):
		return fmt.Errorf("%w: must not contain '=', line breaks or NUL", ErrKeyInvalid)
	case name[0] == '#' || name[0] == '[':
		return fmt.Errorf("%w: cannot start with '#' or '['", ErrKeyInvalid)
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: empty", ErrValueInvalid)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrValueTooLarge, len(value), MaxValueSize)
	}
	if strings.ContainsAny(string(value), "\r\n\x00") {
		return fmt.Errorf("%w: must not contain line breaks or NUL", ErrValueInvalid)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// record writes an audit event; audit failures never fail the operation.
func (v *Vault) record(op, name string, opErr error) {
	if v.audit == nil {
		return
	}
	var err error
	if opErr != nil {
		err = v.audit.LogError(op, audit.SourceCLI, name, errorCode(opErr), opErr.Error())
	} else {
		err = v.audit.LogSuccess(op, audit.SourceCLI, name)
	}
	if err != nil {
		v.log.Warnf("failed to write audit log: %v", err)
	}
}

func (v *Vault) recordDenied(op, name, reason string) {
	if v.audit == nil {
		return
	}
	if err := v.audit.LogDenied(op, audit.SourceCLI, name, reason); err != nil {
		v.log.Warnf("failed to write audit log: %v", err)
	}
}

func errorCode(err error) string {
	var cfgErr *crypto.ConfigError
	switch {
	case errors.Is(err, ErrWrongPassphrase), errors.Is(err, envelope.ErrHashMismatch):
		return "WRONG_PASSPHRASE"
	case errors.As(err, &cfgErr):
		return "UNAVAILABLE"
	case errors.Is(err, envelope.ErrTooShort), errors.Is(err, envelope.ErrEncoding):
		return "CORRUPT"
	case errors.Is(err, passphrase.ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, os.ErrPermission):
		return "PERMISSION"
	default:
		return "ERROR"
	}
}

// checkAndWarnPermissions warns about group or world access to the vault.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.log.Warnf("vault directory has insecure permissions %04o (expected 0700)", perm)
		}
	}
	if info, err := os.Stat(v.File()); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.log.Warnf("%s has insecure permissions %04o (expected 0600)", ConfFileName, perm)
		}
	}
}

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"` // available to non-root users
	UsedPct   int    `json:"used_pct"`
}

// existingDir walks up from dir to the first directory that exists.
func existingDir(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// checkDiskSpaceForWrite verifies sufficient disk space before writing
// dataSize bytes.
func (v *Vault) checkDiskSpaceForWrite(dataSize int) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		// Do not block the write
		v.log.Warnf("failed to check disk space: %v", err)
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		v.log.Warnf("disk is %d%% full, consider freeing space", info.UsedPct)
	}
	return nil
}

// Package envelope implements the on-disk format of one encrypted secret.
//
// An envelope is laid out as:
//
//	+----------+------------+------------------------------+
//	|   salt   |    hash    |             data             |
//	+----------+------------+------------------------------+
//	  8 bytes     N bytes         variable length
//	           \_________________ encrypted _______________/
//
// The key is derived from the salt and the passphrase. The hash is the
// digest of the plaintext; a matching digest after decryption is the only
// proof that the passphrase was right. Envelopes travel as lowercase
// base16 text inside sec.conf lines.
package envelope

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/forest6511/secstore/pkg/crypto"
)

// SaltSize is the length of the salt at the start of every envelope.
const SaltSize = 8

// DefaultSalt is used instead of a random salt when salting is disabled,
// so the output is reproducible (e.g. sec.conf kept under version control).
// The value is compatible with existing sec.conf files.
var DefaultSalt = [SaltSize]byte{'W', 'e', 'e', 'C', 'h', 'a', 't', '!'}

// Errors matched with errors.Is against a *DecodeError.
var (
	ErrTooShort     = errors.New("envelope: buffer too short")
	ErrEncoding     = errors.New("envelope: invalid base16 encoding")
	ErrHashMismatch = errors.New("envelope: hash mismatch")
)

// DecodeKind classifies why an envelope could not be opened.
type DecodeKind int

const (
	TooShort DecodeKind = iota + 1
	Encoding
	HashMismatch
)

func (k DecodeKind) String() string {
	switch k {
	case TooShort:
		return "buffer too short"
	case Encoding:
		return "invalid encoding"
	case HashMismatch:
		return "hash mismatch"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Open and DecodeText.
type DecodeError struct {
	Kind DecodeKind
	Err  error // underlying cause, if any
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: %s: %v", e.Kind, e.Err)
	}
	return "envelope: " + e.Kind.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error kind.
func (e *DecodeError) Is(target error) bool {
	switch e.Kind {
	case TooShort:
		return target == ErrTooShort
	case Encoding:
		return target == ErrEncoding
	case HashMismatch:
		return target == ErrHashMismatch
	}
	return false
}

// Params selects the algorithms used to seal and open envelopes.
type Params struct {
	Cipher        crypto.Cipher
	HashAlgorithm crypto.HashAlgorithm
	UseSalt       bool
}

// DefaultParams returns aes256 + sha256 with a random salt.
func DefaultParams() Params {
	return Params{
		Cipher:        crypto.DefaultCipher,
		HashAlgorithm: crypto.DefaultHashAlgorithm,
		UseSalt:       true,
	}
}

// Validate returns a *crypto.ConfigError for an unknown cipher or hash.
func (p Params) Validate() error {
	if !p.Cipher.Valid() {
		return &crypto.ConfigError{Option: "cipher", Value: p.Cipher.String(), Err: crypto.ErrUnsupportedCipher}
	}
	if !p.HashAlgorithm.Valid() {
		return &crypto.ConfigError{Option: "hash_algo", Value: p.HashAlgorithm.String(), Err: crypto.ErrUnsupportedHash}
	}
	return nil
}

// MinLength returns the smallest envelope length Open will accept.
func (p Params) MinLength() int {
	return SaltSize + p.HashAlgorithm.Size() + 1
}

// Seal encrypts plaintext with passphrase and returns the envelope bytes.
func Seal(plaintext, passphrase []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	if p.UseSalt {
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("envelope: failed to generate salt: %w", err)
		}
	} else {
		copy(salt, DefaultSalt[:])
	}

	key := crypto.DeriveKey(salt, passphrase, p.Cipher.KeyLen())
	defer crypto.SecureWipe(key)

	digest, err := p.HashAlgorithm.Sum(plaintext)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, len(digest)+len(plaintext))
	body = append(body, digest...)
	body = append(body, plaintext...)
	defer crypto.SecureWipe(body)

	encrypted, err := crypto.Encrypt(p.Cipher, key, body)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to encrypt: %w", err)
	}

	out := make([]byte, 0, SaltSize+len(encrypted))
	out = append(out, salt...)
	return append(out, encrypted...), nil
}

// Open decrypts an envelope produced by Seal.
//
// A wrong passphrase is reported as a *DecodeError of kind HashMismatch.
func Open(envelope, passphrase []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	hashLen := p.HashAlgorithm.Size()
	if len(envelope) <= SaltSize+hashLen {
		return nil, &DecodeError{Kind: TooShort}
	}

	key := crypto.DeriveKey(envelope[:SaltSize], passphrase, p.Cipher.KeyLen())
	defer crypto.SecureWipe(key)

	body, err := crypto.Decrypt(p.Cipher, key, envelope[SaltSize:])
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to decrypt: %w", err)
	}

	claimed, plaintext := body[:hashLen], body[hashLen:]
	digest, err := p.HashAlgorithm.Sum(plaintext)
	if err != nil {
		crypto.SecureWipe(body)
		return nil, err
	}
	if subtle.ConstantTimeCompare(digest, claimed) != 1 {
		crypto.SecureWipe(body)
		return nil, &DecodeError{Kind: HashMismatch}
	}

	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	crypto.SecureWipe(body)
	return out, nil
}

// EncodeText returns the lowercase base16 form of an envelope.
func EncodeText(envelope []byte) string {
	return hex.EncodeToString(envelope)
}

// DecodeText parses the base16 form of an envelope. Upper case digits are
// accepted.
func DecodeText(text string) ([]byte, error) {
	b, err := hex.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Kind: Encoding, Err: err}
	}
	return b, nil
}

// SealText is Seal followed by EncodeText.
func SealText(plaintext, passphrase []byte, p Params) (string, error) {
	env, err := Seal(plaintext, passphrase, p)
	if err != nil {
		return "", err
	}
	return EncodeText(env), nil
}

// OpenText is DecodeText followed by Open.
func OpenText(text string, passphrase []byte, p Params) ([]byte, error) {
	env, err := DecodeText(text)
	if err != nil {
		return nil, err
	}
	return Open(env, passphrase, p)
}

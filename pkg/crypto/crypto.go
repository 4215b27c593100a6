// Package crypto provides cryptographic primitives for secstore.
//
// This package implements the key derivation and symmetric cipher used to
// protect secured data on disk.
//
// # Primitives
//
//   - Key derivation: SHA-512(salt ‖ passphrase), truncated or zero-padded
//     to the key length of the configured cipher
//   - AES-128/192/256 in CFB mode with an implicit zero IV (every key is
//     derived from a fresh salt)
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	key := crypto.DeriveKey(salt, []byte("passphrase"), crypto.AES256.KeyLen())
//	defer crypto.SecureWipe(key)
//
//	ciphertext, err := crypto.Encrypt(crypto.AES256, key, plaintext)
//	plaintext, err := crypto.Decrypt(crypto.AES256, key, ciphertext)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"errors"
	"fmt"
	"runtime"
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key does not match the cipher key length.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length for cipher")

	// ErrUnsupportedCipher indicates an unknown cipher name or value.
	ErrUnsupportedCipher = errors.New("crypto: unsupported cipher")

	// ErrUnsupportedHash indicates an unknown hash algorithm name or value.
	ErrUnsupportedHash = errors.New("crypto: unsupported hash algorithm")
)

// ConfigError reports an unsupported cipher or hash algorithm identifier.
type ConfigError struct {
	Option string // "cipher" or "hash_algo"
	Value  string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("crypto: %s %q is not available", e.Option, e.Value)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DeriveKey derives a keyLen-byte key from salt and passphrase.
//
// The key is the beginning of SHA-512(salt ‖ passphrase). When keyLen is
// larger than the digest, the remaining bytes are zero.
func DeriveKey(salt, passphrase []byte, keyLen int) []byte {
	if keyLen < 1 {
		return nil
	}

	buf := make([]byte, 0, len(salt)+len(passphrase))
	buf = append(buf, salt...)
	buf = append(buf, passphrase...)
	digest := sha512.Sum512(buf)
	SecureWipe(buf)

	key := make([]byte, keyLen)
	copy(key, digest[:])
	SecureWipe(digest[:])
	return key
}

// Encrypt encrypts plaintext with c in CFB mode.
//
// The IV is all zeroes; the output has the same length as plaintext.
func Encrypt(c Cipher, key, plaintext []byte) ([]byte, error) {
	stream, err := newStream(c, key, true)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt reverses Encrypt. CFB gives no integrity: a wrong key yields
// garbage, not an error. Callers check a digest of the result.
func Decrypt(c Cipher, key, ciphertext []byte) ([]byte, error) {
	stream, err := newStream(c, key, false)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func newStream(c Cipher, key []byte, encrypt bool) (cipher.Stream, error) {
	if !c.Valid() {
		return nil, ErrUnsupportedCipher
	}
	if len(key) != c.KeyLen() {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	iv := make([]byte, block.BlockSize())
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}

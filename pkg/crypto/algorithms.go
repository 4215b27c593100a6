package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// Cipher identifies the block cipher used to encrypt secured data.
type Cipher int

const (
	AES128 Cipher = iota + 1
	AES192
	AES256
)

// DefaultCipher is used when sec.conf does not set one.
const DefaultCipher = AES256

var cipherNames = map[Cipher]string{
	AES128: "aes128",
	AES192: "aes192",
	AES256: "aes256",
}

// Valid reports whether c is a known cipher.
func (c Cipher) Valid() bool {
	_, ok := cipherNames[c]
	return ok
}

// KeyLen returns the key length in bytes, 0 for an invalid cipher.
func (c Cipher) KeyLen() int {
	switch c {
	case AES128:
		return 16
	case AES192:
		return 24
	case AES256:
		return 32
	default:
		return 0
	}
}

// String returns the configuration name of the cipher.
func (c Cipher) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}
	return "unknown"
}

// Ciphers returns every supported cipher in configuration order.
func Ciphers() []Cipher {
	return []Cipher{AES128, AES192, AES256}
}

// ParseCipher returns the cipher with the given configuration name.
func ParseCipher(name string) (Cipher, error) {
	for _, c := range Ciphers() {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, &ConfigError{Option: "cipher", Value: name, Err: ErrUnsupportedCipher}
}

// HashAlgorithm identifies the digest used to check decrypted data.
type HashAlgorithm int

const (
	SHA224 HashAlgorithm = iota + 1
	SHA256
	SHA384
	SHA512
	SHA512_224
	SHA512_256
	SHA3_224
	SHA3_256
	SHA3_384
	SHA3_512
	BLAKE2b_160
	BLAKE2b_256
	BLAKE2b_384
	BLAKE2b_512
	BLAKE2s_128
	BLAKE2s_160
	BLAKE2s_224
	BLAKE2s_256
)

// DefaultHashAlgorithm is used when sec.conf does not set one.
const DefaultHashAlgorithm = SHA256

type hashInfo struct {
	name string
	size int
	new  func() hash.Hash
}

var hashes = map[HashAlgorithm]hashInfo{
	SHA224:      {"sha224", sha256.Size224, sha256.New224},
	SHA256:      {"sha256", sha256.Size, sha256.New},
	SHA384:      {"sha384", sha512.Size384, sha512.New384},
	SHA512:      {"sha512", sha512.Size, sha512.New},
	SHA512_224:  {"sha512-224", sha512.Size224, sha512.New512_224},
	SHA512_256:  {"sha512-256", sha512.Size256, sha512.New512_256},
	SHA3_224:    {"sha3-224", 28, sha3.New224},
	SHA3_256:    {"sha3-256", 32, sha3.New256},
	SHA3_384:    {"sha3-384", 48, sha3.New384},
	SHA3_512:    {"sha3-512", 64, sha3.New512},
	BLAKE2b_160: {"blake2b-160", 20, func() hash.Hash { return mustBlake2b(20) }},
	BLAKE2b_256: {"blake2b-256", blake2b.Size256, func() hash.Hash { return mustBlake2b(blake2b.Size256) }},
	BLAKE2b_384: {"blake2b-384", blake2b.Size384, func() hash.Hash { return mustBlake2b(blake2b.Size384) }},
	BLAKE2b_512: {"blake2b-512", blake2b.Size, func() hash.Hash { return mustBlake2b(blake2b.Size) }},
	BLAKE2s_128: {"blake2s-128", 16, func() hash.Hash { return newBlake2s(16) }},
	BLAKE2s_160: {"blake2s-160", 20, func() hash.Hash { return newBlake2s(20) }},
	BLAKE2s_224: {"blake2s-224", 28, func() hash.Hash { return newBlake2s(28) }},
	BLAKE2s_256: {"blake2s-256", blake2s.Size, func() hash.Hash { return mustBlake2s256() }},
}

// blake2b.New only fails for a bad size or an oversized key.
func mustBlake2b(size int) hash.Hash {
	h, err := blake2b.New(size, nil)
	if err != nil {
		panic(err)
	}
	return h
}

func mustBlake2s256() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// Valid reports whether h is a known hash algorithm.
func (h HashAlgorithm) Valid() bool {
	_, ok := hashes[h]
	return ok
}

// Size returns the digest length in bytes, 0 for an invalid algorithm.
func (h HashAlgorithm) Size() int {
	return hashes[h].size
}

// New returns a fresh hash.Hash, or nil for an invalid algorithm.
func (h HashAlgorithm) New() hash.Hash {
	info, ok := hashes[h]
	if !ok {
		return nil
	}
	return info.new()
}

// Sum returns the digest of data.
func (h HashAlgorithm) Sum(data []byte) ([]byte, error) {
	hh := h.New()
	if hh == nil {
		return nil, ErrUnsupportedHash
	}
	hh.Write(data)
	return hh.Sum(nil), nil
}

// String returns the configuration name of the hash algorithm.
func (h HashAlgorithm) String() string {
	if info, ok := hashes[h]; ok {
		return info.name
	}
	return "unknown"
}

// HashAlgorithms returns every supported algorithm in configuration order.
func HashAlgorithms() []HashAlgorithm {
	algos := make([]HashAlgorithm, 0, len(hashes))
	for h := SHA224; h <= BLAKE2s_256; h++ {
		algos = append(algos, h)
	}
	return algos
}

// ParseHashAlgorithm returns the algorithm with the given configuration name.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	for _, h := range HashAlgorithms() {
		if h.String() == name {
			return h, nil
		}
	}
	return 0, &ConfigError{Option: "hash_algo", Value: name, Err: ErrUnsupportedHash}
}

package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/secstore/pkg/crypto"
)

func allParams() []Params {
	var out []Params
	for _, c := range crypto.Ciphers() {
		for _, h := range crypto.HashAlgorithms() {
			out = append(out, Params{Cipher: c, HashAlgorithm: h, UseSalt: true})
		}
	}
	return out
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		[]byte("x"),
		[]byte("api-token-123"),
		[]byte("value with trailing nul\x00"),
		bytes.Repeat([]byte{0xff, 0x00, 0x10}, 200),
	}

	for _, p := range allParams() {
		t.Run(p.Cipher.String()+"/"+p.HashAlgorithm.String(), func(t *testing.T) {
			for _, pt := range plaintexts {
				env, err := Seal(pt, []byte("passphrase"), p)
				require.NoError(t, err)
				assert.Len(t, env, SaltSize+p.HashAlgorithm.Size()+len(pt))

				got, err := Open(env, []byte("passphrase"), p)
				require.NoError(t, err)
				assert.Equal(t, pt, got)
			}
		})
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	for _, p := range allParams() {
		t.Run(p.Cipher.String()+"/"+p.HashAlgorithm.String(), func(t *testing.T) {
			env, err := Seal([]byte("secret"), []byte("passphrase1"), p)
			require.NoError(t, err)

			_, err = Open(env, []byte("passphrase2"), p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHashMismatch)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, HashMismatch, decErr.Kind)
		})
	}
}

func TestSealWithoutSaltIsDeterministic(t *testing.T) {
	p := Params{Cipher: crypto.AES256, HashAlgorithm: crypto.SHA256, UseSalt: false}

	env1, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)
	env2, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)

	assert.Equal(t, env1, env2)
	assert.Equal(t, DefaultSalt[:], env1[:SaltSize])
}

func TestSealWithSaltDiffers(t *testing.T) {
	p := DefaultParams()

	env1, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)
	env2, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)
	assert.NotEqual(t, env1, env2)

	for _, env := range [][]byte{env1, env2} {
		got, err := Open(env, []byte("correct horse"), p)
		require.NoError(t, err)
		assert.Equal(t, []byte("api-token-123"), got)
	}
}

func TestOpenTooShort(t *testing.T) {
	for _, h := range crypto.HashAlgorithms() {
		p := Params{Cipher: crypto.AES256, HashAlgorithm: h}
		for n := 0; n <= SaltSize+h.Size(); n++ {
			_, err := Open(make([]byte, n), []byte("pw"), p)
			if !errors.Is(err, ErrTooShort) {
				t.Fatalf("%s: Open(len %d) error = %v, want %v", h, n, err, ErrTooShort)
			}
		}
		assert.Equal(t, SaltSize+h.Size()+1, p.MinLength())
	}
}

func TestOpenTamperedEnvelope(t *testing.T) {
	p := DefaultParams()
	env, err := Seal([]byte("secret data"), []byte("pw"), p)
	require.NoError(t, err)

	env[len(env)-1] ^= 0x01
	_, err = Open(env, []byte("pw"), p)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestInvalidParams(t *testing.T) {
	_, err := Seal([]byte("x"), []byte("pw"), Params{Cipher: 0, HashAlgorithm: crypto.SHA256})
	assert.ErrorIs(t, err, crypto.ErrUnsupportedCipher)

	_, err = Open(make([]byte, 64), []byte("pw"), Params{Cipher: crypto.AES128, HashAlgorithm: 0})
	assert.ErrorIs(t, err, crypto.ErrUnsupportedHash)

	var cfgErr *crypto.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestTextEncoding(t *testing.T) {
	p := DefaultParams()
	text, err := SealText([]byte("api-token-123"), []byte("pw"), p)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(text), text)

	got, err := OpenText(text, []byte("pw"), p)
	require.NoError(t, err)
	assert.Equal(t, []byte("api-token-123"), got)

	// Upper case digits decode too
	got, err = OpenText(strings.ToUpper(text), []byte("pw"), p)
	require.NoError(t, err)
	assert.Equal(t, []byte("api-token-123"), got)

	for _, bad := range []string{"abc", "zz00", "not hex at all"} {
		_, err := OpenText(bad, []byte("pw"), p)
		assert.ErrorIs(t, err, ErrEncoding, bad)
	}
}

// Concrete scenario: aes256, sha256, no salt, "correct horse"
func TestConcreteScenario(t *testing.T) {
	p := Params{Cipher: crypto.AES256, HashAlgorithm: crypto.SHA256, UseSalt: false}

	env, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)

	got, err := Open(env, []byte("correct horse"), p)
	require.NoError(t, err)
	assert.Equal(t, "api-token-123", string(got))

	_, err = Open(env, []byte("wrong"), p)
	assert.ErrorIs(t, err, ErrHashMismatch)

	again, err := Seal([]byte("api-token-123"), []byte("correct horse"), p)
	require.NoError(t, err)
	assert.Equal(t, env, again)
}

func TestDecodeErrorMessages(t *testing.T) {
	assert.Equal(t, "envelope: buffer too short", (&DecodeError{Kind: TooShort}).Error())
	assert.Equal(t, "envelope: hash mismatch", (&DecodeError{Kind: HashMismatch}).Error())
	assert.False(t, errors.Is(&DecodeError{Kind: TooShort}, ErrHashMismatch))
}

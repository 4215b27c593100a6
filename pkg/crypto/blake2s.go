package crypto

import (
	"encoding/binary"
	"hash"
	"math/bits"
)

// golang.org/x/crypto/blake2s only exposes unkeyed 256-bit digests, and the
// 128-bit variant requires a key. The shorter unkeyed outputs (RFC 7693
// with a different digest length parameter) are computed here.

const blake2sBlockSize = 64

var blake2sIV = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

var blake2sSigma = [10][16]byte{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
	{11, 8, 12, 0, 5, 2, 15, 13, 10, 14, 3, 6, 7, 1, 9, 4},
	{7, 9, 3, 1, 13, 12, 11, 14, 2, 6, 5, 10, 4, 0, 15, 8},
	{9, 0, 5, 7, 2, 4, 10, 15, 14, 1, 11, 12, 6, 8, 3, 13},
	{2, 12, 6, 10, 0, 11, 8, 3, 4, 13, 7, 5, 15, 14, 1, 9},
	{12, 5, 1, 15, 14, 13, 4, 10, 0, 7, 6, 3, 9, 2, 8, 11},
	{13, 11, 7, 14, 12, 1, 3, 9, 5, 0, 15, 4, 8, 6, 2, 10},
	{6, 15, 14, 9, 11, 3, 0, 8, 12, 2, 13, 7, 1, 4, 10, 5},
	{10, 2, 8, 4, 7, 6, 1, 5, 15, 11, 9, 14, 3, 12, 13, 0},
}

type blake2sDigest struct {
	h      [8]uint32
	c      [2]uint32
	size   int
	block  [blake2sBlockSize]byte
	offset int
}

// newBlake2s returns an unkeyed BLAKE2s hash with a size-byte digest (1..32).
func newBlake2s(size int) hash.Hash {
	d := &blake2sDigest{size: size}
	d.Reset()
	return d
}

func (d *blake2sDigest) Size() int      { return d.size }
func (d *blake2sDigest) BlockSize() int { return blake2sBlockSize }

func (d *blake2sDigest) Reset() {
	d.h = blake2sIV
	d.h[0] ^= 0x01010000 ^ uint32(d.size)
	d.c = [2]uint32{}
	d.block = [blake2sBlockSize]byte{}
	d.offset = 0
}

func (d *blake2sDigest) Write(p []byte) (int, error) {
	n := len(p)

	// The last block is kept buffered until Sum so it can be flagged final.
	if d.offset > 0 {
		remaining := blake2sBlockSize - d.offset
		if n <= remaining {
			d.offset += copy(d.block[d.offset:], p)
			return n, nil
		}
		copy(d.block[d.offset:], p[:remaining])
		d.compress(d.block[:], blake2sBlockSize, false)
		d.offset = 0
		p = p[remaining:]
	}

	for len(p) > blake2sBlockSize {
		d.compress(p[:blake2sBlockSize], blake2sBlockSize, false)
		p = p[blake2sBlockSize:]
	}

	if len(p) > 0 {
		d.offset += copy(d.block[:], p)
	}
	return n, nil
}

func (d *blake2sDigest) Sum(b []byte) []byte {
	final := *d
	for i := final.offset; i < blake2sBlockSize; i++ {
		final.block[i] = 0
	}
	final.compress(final.block[:], uint32(final.offset), true)

	var out [32]byte
	for i, w := range final.h {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return append(b, out[:d.size]...)
}

func (d *blake2sDigest) compress(block []byte, n uint32, final bool) {
	d.c[0] += n
	if d.c[0] < n {
		d.c[1]++
	}

	var m [16]uint32
	for i := range m {
		m[i] = binary.LittleEndian.Uint32(block[i*4:])
	}

	var v [16]uint32
	copy(v[:8], d.h[:])
	copy(v[8:], blake2sIV[:])
	v[12] ^= d.c[0]
	v[13] ^= d.c[1]
	if final {
		v[14] = ^v[14]
	}

	for r := range blake2sSigma {
		s := &blake2sSigma[r]
		blake2sG(&v, 0, 4, 8, 12, m[s[0]], m[s[1]])
		blake2sG(&v, 1, 5, 9, 13, m[s[2]], m[s[3]])
		blake2sG(&v, 2, 6, 10, 14, m[s[4]], m[s[5]])
		blake2sG(&v, 3, 7, 11, 15, m[s[6]], m[s[7]])
		blake2sG(&v, 0, 5, 10, 15, m[s[8]], m[s[9]])
		blake2sG(&v, 1, 6, 11, 12, m[s[10]], m[s[11]])
		blake2sG(&v, 2, 7, 8, 13, m[s[12]], m[s[13]])
		blake2sG(&v, 3, 4, 9, 14, m[s[14]], m[s[15]])
	}

	for i := range d.h {
		d.h[i] ^= v[i] ^ v[i+8]
	}
}

func blake2sG(v *[16]uint32, a, b, c, d int, x, y uint32) {
	v[a] += v[b] + x
	v[d] = bits.RotateLeft32(v[d]^v[a], -16)
	v[c] += v[d]
	v[b] = bits.RotateLeft32(v[b]^v[c], -12)
	v[a] += v[b] + y
	v[d] = bits.RotateLeft32(v[d]^v[a], -8)
	v[c] += v[d]
	v[b] = bits.RotateLeft32(v[b]^v[c], -7)
}

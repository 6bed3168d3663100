// Package md5 implements the message digest used by upload.wikimedia.org to shard
// stored files into directories. It is a content-addressing key, not a security
// primitive.
package md5

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/bits"
)

// Size is the length of a digest in bytes.
const Size = 16

const blockSize = 64

// initial accumulator words, little-endian reading of 0123456789abcdeffedcba9876543210.
var iv = [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

var shifts = [4][4]uint{
	{7, 12, 17, 22},
	{5, 9, 14, 20},
	{4, 11, 16, 23},
	{6, 10, 15, 21},
}

var (
	// additive[i] = floor(|sin(i+1)| * 2^32)
	additive [64]uint32
	// wordIndex[i] is the block word consumed by step i.
	wordIndex [64]int
)

func init() {
	for i := range additive {
		additive[i] = uint32(math.Floor(math.Abs(math.Sin(float64(i+1))) * (1 << 32)))
	}
	for i := range wordIndex {
		switch i / 16 {
		case 0:
			wordIndex[i] = i
		case 1:
			wordIndex[i] = (5*i + 1) % 16
		case 2:
			wordIndex[i] = (3*i + 5) % 16
		default:
			wordIndex[i] = (7 * i) % 16
		}
	}
}

func mix(round int, b, c, d uint32) uint32 {
	switch round {
	case 0:
		return (b & c) | (^b & d)
	case 1:
		return (d & b) | (^d & c)
	case 2:
		return b ^ c ^ d
	default:
		return c ^ (b | ^d)
	}
}

// Sum returns the digest of data.
func Sum(data []byte) [Size]byte {
	msg := pad(data)
	state := iv
	var w [16]uint32
	for off := 0; off < len(msg); off += blockSize {
		for j := range w {
			w[j] = binary.LittleEndian.Uint32(msg[off+4*j:])
		}
		a, b, c, d := state[0], state[1], state[2], state[3]
		for i := 0; i < 64; i++ {
			round := i / 16
			t := a + mix(round, b, c, d) + additive[i] + w[wordIndex[i]]
			a, b, c, d = d, b+bits.RotateLeft32(t, int(shifts[round][i%4])), b, c
		}
		state[0] += a
		state[1] += b
		state[2] += c
		state[3] += d
	}

	var out [Size]byte
	for i, v := range state {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

// pad appends 0x80, zero fill up to 56 mod 64 and the bit length as a 64-bit
// little-endian integer.
func pad(data []byte) []byte {
	total := (len(data) + 9 + blockSize - 1) / blockSize * blockSize
	msg := make([]byte, total)
	copy(msg, data)
	msg[len(data)] = 0x80
	binary.LittleEndian.PutUint64(msg[total-8:], uint64(len(data))<<3)
	return msg
}

// ShardKey returns the first digest byte of s as two lowercase hex characters.
func ShardKey(s string) string {
	sum := Sum([]byte(s))
	return hex.EncodeToString(sum[:1])
}

// Hasher exposes the digest through the hex string contract used by the overlay.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShardKey implements overlay.ShardHasher.
func (h *Hasher) ShardKey(name string) string {
	return ShardKey(name)
}

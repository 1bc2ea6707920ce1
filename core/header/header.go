// Package header defines the canonical block header for pouw.
package header

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"
)

// Hash256 is a 32-byte sha3-256 digest. The zero value is the genesis parent.
type Hash256 [32]byte

// ZeroHash is the previous hash of the genesis header.
var ZeroHash Hash256

// Sum hashes arbitrary bytes with sha3-256.
func Sum(data []byte) Hash256 {
	return Hash256(sha3.Sum256(data))
}

// ParseHash decodes a 64 character hex string.
func ParseHash(s string) (Hash256, error) {
	var h Hash256
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

// Short is the 8 byte prefix used in log lines.
func (h Hash256) Short() string { return hex.EncodeToString(h[:8]) }

func (h Hash256) IsZero() bool { return h == ZeroHash }

// Less orders hashes bytewise; fork choice uses it as the tie breaker.
func (h Hash256) Less(o Hash256) bool { return bytes.Compare(h[:], o[:]) < 0 }

func (h Hash256) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash256) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Header links a block into the chain.
// CumulativeWork is derived by the consensus engine and is not part of Hash.
type Header struct {
	Height         uint64  `json:"height"`
	BlockHash      Hash256 `json:"blockHash"`
	PreviousHash   Hash256 `json:"previousHash"`
	ProofDigest    Hash256 `json:"proofDigest"`
	Timestamp      float64 `json:"timestamp"`
	CumulativeWork float64 `json:"cumulativeWork"`
}

const encodedLen = 8 + 32 + 32 + 32 + 8

// Hash returns the sha3-256 of the fixed-width header encoding.
func (h *Header) Hash() Hash256 {
	if h == nil {
		return ZeroHash
	}
	var buf [encodedLen]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Height)
	copy(buf[8:40], h.BlockHash[:])
	copy(buf[40:72], h.PreviousHash[:])
	copy(buf[72:104], h.ProofDigest[:])
	binary.LittleEndian.PutUint64(buf[104:], math.Float64bits(h.Timestamp))
	return Hash256(sha3.Sum256(buf[:]))
}

func (h *Header) IsGenesis() bool {
	return h.Height == 0 && h.PreviousHash.IsZero()
}

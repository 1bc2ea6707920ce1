// Package keyschedule derives the problem seed a block must be built on.
package keyschedule

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"pouw/core/header"
)

// ProblemSeed binds a problem instance to its parent block, height, miner and
// nonce. A miner cannot reuse a solved instance on another parent or claim
// someone else's work under a different address.
func ProblemSeed(parent header.Hash256, height uint64, miner string, nonce uint64) header.Hash256 {
	addr := common.HexToAddress(miner)

	var buf [32 + 8 + common.AddressLength + 8]byte
	copy(buf[:32], parent[:])
	binary.LittleEndian.PutUint64(buf[32:40], height)
	copy(buf[40:40+common.AddressLength], addr[:])
	binary.LittleEndian.PutUint64(buf[40+common.AddressLength:], nonce)

	h := sha3.New256()
	h.Write(buf[:])
	var out header.Hash256
	copy(out[:], h.Sum(nil))
	return out
}

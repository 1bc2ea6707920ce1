// Package core implements the consensus and chain-state engine for pouw:
// the chain index, fork choice, orphan handling and block validation.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"pouw/core/header"
)

// PayloadVersion is the payload encoding this node produces and accepts.
const PayloadVersion = 1

// Payload is the on-chain summary of a block. It repeats the header linkage
// so that the block hash commits to it.
type Payload struct {
	Version      uint32          `json:"version"`
	Height       uint64          `json:"height"`
	PreviousHash header.Hash256  `json:"previousHash"`
	ProofDigest  header.Hash256  `json:"proofDigest"`
	Timestamp    float64         `json:"timestamp"`
	Miner        string          `json:"miner"`
	Tier         string          `json:"tier"`
	Nonce        uint64          `json:"nonce"`
	WorkScore    float64         `json:"workScore"`
	GasUsed      decimal.Decimal `json:"gasUsed"`
	Reward       decimal.Decimal `json:"reward"`
	ParamsDigest header.Hash256  `json:"paramsDigest"`
}

// Encode returns the canonical serialization.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses raw and insists it is already canonical, so that one
// payload has exactly one block hash.
func DecodePayload(raw []byte) (*Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	again, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, raw) {
		return nil, ErrNonCanonical
	}
	return &p, nil
}

// Block is the stored record. BlockHash is sha3-256 of Payload.
type Block struct {
	BlockHash         header.Hash256 `json:"blockHash"`
	HeaderHash        header.Hash256 `json:"headerHash"`
	Payload           []byte         `json:"payload"`
	OffchainContentID string         `json:"offchainContentId"`
}

// Encode serializes the block to JSON for storage and transmission.
func (b *Block) Encode() ([]byte, error) {
	return json.Marshal(b)
}

func DecodeBlock(data []byte) (*Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// SameContent reports whether two submissions of the same hash carry the
// same bytes.
func (b *Block) SameContent(payload []byte, contentID string) bool {
	return bytes.Equal(b.Payload, payload) && b.OffchainContentID == contentID
}

// WorkIndexEntry is one row of the work-ordered index.
type WorkIndexEntry struct {
	Height         uint64         `json:"height"`
	CumulativeWork float64        `json:"cumulativeWork"`
	BlockHash      header.Hash256 `json:"blockHash"`
}

// Beats is the fork-choice order: more work wins, equal work falls to the
// lower hash.
func (e WorkIndexEntry) Beats(o WorkIndexEntry) bool {
	if e.CumulativeWork != o.CumulativeWork {
		return e.CumulativeWork > o.CumulativeWork
	}
	return e.BlockHash.Less(o.BlockHash)
}

// Tip is the head of the best connected chain.
type Tip struct {
	Hash           header.Hash256 `json:"hash"`
	Height         uint64         `json:"height"`
	CumulativeWork float64        `json:"cumulativeWork"`
}

func (t Tip) Entry() WorkIndexEntry {
	return WorkIndexEntry{Height: t.Height, CumulativeWork: t.CumulativeWork, BlockHash: t.Hash}
}

func tipOf(e WorkIndexEntry) Tip {
	return Tip{Hash: e.BlockHash, Height: e.Height, CumulativeWork: e.CumulativeWork}
}

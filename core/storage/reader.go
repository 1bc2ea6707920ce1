package storage

import "pouw/core/header"

// Reader is the read-only header view shared by the network-state walk, the
// miner and the inspect command. The chain index and the consensus engine
// both satisfy it.
type Reader interface {
	// GetHeader returns the connected header with the given block hash.
	GetHeader(hash header.Hash256) (*header.Header, error)

	// TipHeader returns the header of the current best tip.
	TipHeader() (*header.Header, error)
}

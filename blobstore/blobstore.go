// Package blobstore holds off-chain proof bundles under content ids.
//
// Ids are CIDv1 strings with the raw codec and a sha2-256 multihash. Every
// read re-hashes the bytes and refuses content that no longer matches its id.
package blobstore

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

var (
	ErrNotFound  = errors.New("blob not found")
	ErrCorrupt   = errors.New("blob does not match its content id")
	ErrInvalidID = errors.New("invalid content id")
)

// Store is the content-addressed blob store the engine and miner consume.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// ContentID computes the id data is stored under.
func ContentID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Check verifies that data hashes to id.
func Check(id string, data []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return xerrors.Errorf("%s: %v: %w", id, err, ErrInvalidID)
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return xerrors.Errorf("rehash %s: %w", id, err)
	}
	if !got.Equals(c) {
		return xerrors.Errorf("%s: %w", id, ErrCorrupt)
	}
	return nil
}

// MemStore keeps blobs in a map. Used by tests and by nodes that pin
// bundles elsewhere.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (m *MemStore) Put(ctx context.Context, data []byte) (string, error) {
	c, err := ContentID(data)
	if err != nil {
		return "", err
	}
	id := c.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		m.blobs[id] = append([]byte(nil), data...)
	}
	return id, nil
}

func (m *MemStore) Get(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, xerrors.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := Check(id, data); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

package blobstore

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/xerrors"
)

var blobPrefix = []byte("c/")

// BadgerStore persists blobs in their own badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the store under dataDir/blobs. An empty dataDir gives an
// in-memory database.
func OpenBadger(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if dataDir != "" {
		opts = badger.DefaultOptions(filepath.Join(dataDir, "blobs"))
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, xerrors.Errorf("open blob store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func blobKey(id string) []byte {
	return append(append([]byte(nil), blobPrefix...), id...)
}

func (s *BadgerStore) Put(ctx context.Context, data []byte) (string, error) {
	c, err := ContentID(data)
	if err != nil {
		return "", err
	}
	id := c.String()
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blobKey(id)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(blobKey(id), data)
	})
	if err != nil {
		return "", xerrors.Errorf("put %s: %w", id, err)
	}
	return id, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, xerrors.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("get %s: %w", id, err)
	}
	if err := Check(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

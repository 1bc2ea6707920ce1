package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/xerrors"

	"pouw/core/header"
)

// Key layout:
//
//	h/<hash>                 header
//	b/<hash>                 block
//	w/<work bits><^hash>     work index entry, ascending work then descending hash
//	x/<hash>                 work index key for hash
//	t                        tip
//
// Work is a non-negative float64, so its IEEE bits sort like the value. The
// hash is inverted so a reverse scan meets the lowest hash first among equal
// work, which is the fork-choice tie break.
var (
	prefixHeader = []byte("h/")
	prefixBlock  = []byte("b/")
	prefixWork   = []byte("w/")
	prefixByHash = []byte("x/")
	keyTip       = []byte("t")
)

const cacheSize = 4096

// Index is the durable chain index. All records of one block are written in
// a single badger transaction.
type Index struct {
	db      *badger.DB
	headers *lru.Cache[header.Hash256, header.Header]
	blocks  *lru.Cache[header.Hash256, *Block]

	// writeFault, when set, fails block inserts before commit
	writeFault func() error
}

// OpenIndex opens the index under dataDir/index. An empty dataDir keeps
// everything in memory.
func OpenIndex(dataDir string) (*Index, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if dataDir != "" {
		opts = badger.DefaultOptions(filepath.Join(dataDir, "index"))
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, xerrors.Errorf("open index: %w", err)
	}
	headers, _ := lru.New[header.Hash256, header.Header](cacheSize)
	blocks, _ := lru.New[header.Hash256, *Block](cacheSize)
	return &Index{db: db, headers: headers, blocks: blocks}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

func key(prefix []byte, rest ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, r := range rest {
		k = append(k, r...)
	}
	return k
}

func workKey(e WorkIndexEntry) []byte {
	var bits [8]byte
	binary.BigEndian.PutUint64(bits[:], math.Float64bits(e.CumulativeWork))
	var inv header.Hash256
	for i, b := range e.BlockHash {
		inv[i] = ^b
	}
	return key(prefixWork, bits[:], inv[:])
}

func workBound(work float64) []byte {
	var bits [8]byte
	binary.BigEndian.PutUint64(bits[:], math.Float64bits(work))
	return key(prefixWork, bits[:])
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, raw)
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return classify(ErrStorage, err)
}

// GetHeader returns a copy of the stored header.
func (ix *Index) GetHeader(hash header.Hash256) (*header.Header, error) {
	if h, ok := ix.headers.Get(hash); ok {
		return &h, nil
	}
	var h header.Header
	err := ix.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixHeader, hash[:]), &h)
	})
	if err != nil {
		return nil, notFound(err)
	}
	ix.headers.Add(hash, h)
	return &h, nil
}

// GetBlock returns the stored block. Callers must not modify it.
func (ix *Index) GetBlock(hash header.Hash256) (*Block, error) {
	if b, ok := ix.blocks.Get(hash); ok {
		return b, nil
	}
	var b Block
	err := ix.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixBlock, hash[:]), &b)
	})
	if err != nil {
		return nil, notFound(err)
	}
	ix.blocks.Add(hash, &b)
	return &b, nil
}

func (ix *Index) Has(hash header.Hash256) (bool, error) {
	if ix.headers.Contains(hash) {
		return true, nil
	}
	err := ix.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixHeader, hash[:]))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, classify(ErrStorage, err)
	}
}

// InsertConnected writes the header, block and both work index rows. It
// returns ErrDuplicateBlock without writing anything if the hash is present.
func (ix *Index) InsertConnected(hdr *header.Header, blk *Block, entry WorkIndexEntry) error {
	if err := checkRecords(hdr, blk, entry); err != nil {
		return err
	}
	err := ix.db.Update(func(txn *badger.Txn) error {
		return ix.insert(txn, hdr, blk, entry)
	})
	if err != nil {
		return writeErr(err)
	}
	ix.cache(hdr, blk)
	return nil
}

// Connect inserts a block and moves the tip to it if it wins fork choice,
// all in one transaction.
func (ix *Index) Connect(hdr *header.Header, blk *Block, entry WorkIndexEntry) (Tip, bool, error) {
	if err := checkRecords(hdr, blk, entry); err != nil {
		return Tip{}, false, err
	}
	var (
		tip     Tip
		changed bool
	)
	err := ix.db.Update(func(txn *badger.Txn) error {
		if err := ix.insert(txn, hdr, blk, entry); err != nil {
			return err
		}
		var err error
		tip, changed, err = reselect(txn, entry)
		return err
	})
	if err != nil {
		return Tip{}, false, writeErr(err)
	}
	ix.cache(hdr, blk)
	return tip, changed, nil
}

func checkRecords(hdr *header.Header, blk *Block, entry WorkIndexEntry) error {
	if hdr.BlockHash != blk.BlockHash || entry.BlockHash != blk.BlockHash {
		return xerrors.Errorf("insert %s: records disagree on block hash: %w", blk.BlockHash.Short(), ErrInconsistentIndex)
	}
	return nil
}

func (ix *Index) insert(txn *badger.Txn, hdr *header.Header, blk *Block, entry WorkIndexEntry) error {
	hash := blk.BlockHash
	if _, err := txn.Get(key(prefixHeader, hash[:])); err == nil {
		return ErrDuplicateBlock
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	wk := workKey(entry)
	if err := setJSON(txn, key(prefixHeader, hash[:]), hdr); err != nil {
		return err
	}
	if err := setJSON(txn, key(prefixBlock, hash[:]), blk); err != nil {
		return err
	}
	if err := setJSON(txn, wk, entry); err != nil {
		return err
	}
	if err := txn.Set(key(prefixByHash, hash[:]), wk); err != nil {
		return err
	}
	if ix.writeFault != nil {
		return ix.writeFault()
	}
	return nil
}

func (ix *Index) cache(hdr *header.Header, blk *Block) {
	ix.headers.Add(blk.BlockHash, *hdr)
	ix.blocks.Add(blk.BlockHash, blk)
}

func writeErr(err error) error {
	if errors.Is(err, ErrDuplicateBlock) {
		return ErrDuplicateBlock
	}
	return classify(ErrStorage, err)
}

// WorkEntry returns the work index row of a stored block.
func (ix *Index) WorkEntry(hash header.Hash256) (WorkIndexEntry, error) {
	var e WorkIndexEntry
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixByHash, hash[:]))
		if err != nil {
			return err
		}
		wk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, wk, &e)
	})
	if err != nil {
		return e, notFound(err)
	}
	return e, nil
}

// BestTip answers from the last key of the work index: greatest work, and
// the lowest hash among equals.
func (ix *Index) BestTip() (Tip, error) {
	var best WorkIndexEntry
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixWork
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xff sorts after every work key
		it.Seek(key(prefixWork, []byte{0xff}))
		if !it.ValidForPrefix(prefixWork) {
			return badger.ErrKeyNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &best)
		})
	})
	if err != nil {
		return Tip{}, notFound(err)
	}
	return tipOf(best), nil
}

// CurrentTip reads the tip row.
func (ix *Index) CurrentTip() (Tip, error) {
	var t Tip
	err := ix.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyTip, &t)
	})
	if err != nil {
		return Tip{}, notFound(err)
	}
	return t, nil
}

// ReselectTipIfNeeded moves the tip to candidate if candidate beats it.
func (ix *Index) ReselectTipIfNeeded(candidate WorkIndexEntry) (Tip, bool, error) {
	var (
		out     Tip
		changed bool
	)
	err := ix.db.Update(func(txn *badger.Txn) error {
		var err error
		out, changed, err = reselect(txn, candidate)
		return err
	})
	if err != nil {
		return Tip{}, false, classify(ErrStorage, err)
	}
	return out, changed, nil
}

func reselect(txn *badger.Txn, candidate WorkIndexEntry) (Tip, bool, error) {
	var cur Tip
	err := getJSON(txn, keyTip, &cur)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return Tip{}, false, err
	case !candidate.Beats(cur.Entry()):
		return cur, false, nil
	}
	out := tipOf(candidate)
	return out, true, setJSON(txn, keyTip, out)
}

// RangeByWork returns entries with minWork <= work <= maxWork in ascending
// work order. A positive limit caps the result.
func (ix *Index) RangeByWork(minWork, maxWork float64, limit int) ([]WorkIndexEntry, error) {
	// negative floats sort above every stored key
	minWork = math.Max(0, minWork)
	if maxWork < minWork {
		return nil, nil
	}
	var out []WorkIndexEntry
	upper := workBound(math.Nextafter(maxWork, math.Inf(1)))
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixWork
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(workBound(minWork)); it.ValidForPrefix(prefixWork); it.Next() {
			if bytes.Compare(it.Item().Key(), upper) >= 0 {
				break
			}
			var e WorkIndexEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(ErrStorage, err)
	}
	return out, nil
}

// Ancestors walks PreviousHash from hash, returning up to n headers starting
// with hash itself.
func (ix *Index) Ancestors(hash header.Hash256, n int) ([]*header.Header, error) {
	out := make([]*header.Header, 0, n)
	for len(out) < n {
		h, err := ix.GetHeader(hash)
		if err != nil {
			return out, err
		}
		out = append(out, h)
		if h.IsGenesis() {
			break
		}
		hash = h.PreviousHash
	}
	return out, nil
}

// TipHeader returns the header the tip row points at.
func (ix *Index) TipHeader() (*header.Header, error) {
	t, err := ix.CurrentTip()
	if err != nil {
		return nil, err
	}
	return ix.GetHeader(t.Hash)
}

// CheckConsistency recomputes the best tip from the work index and rewrites
// the tip row if it disagrees. It reports whether a repair was made.
func (ix *Index) CheckConsistency() (Tip, bool, error) {
	best, err := ix.BestTip()
	if err != nil {
		return Tip{}, false, err
	}
	cur, err := ix.CurrentTip()
	if err == nil && cur == best {
		return cur, false, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Tip{}, false, err
	}
	err = ix.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keyTip, best)
	})
	if err != nil {
		return Tip{}, false, classify(ErrStorage, err)
	}
	return best, true, nil
}

// Count returns the number of stored blocks.
func (ix *Index) Count() (int, error) {
	n := 0
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixByHash
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classify(ErrStorage, err)
	}
	return n, nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"pouw/blobstore"
	"pouw/core/config"
	"pouw/core/header"
	"pouw/core/keyschedule"
	"pouw/core/reward"
	"pouw/problem"
	"pouw/validator"
)

var log = logging.Logger("pouw/core")

const (
	rejectCacheSize = 4096
	subscriberDepth = 64
)

// Status is the outcome of a submission.
type Status int

const (
	Accepted Status = iota
	Rejected
	Queued
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is returned by Submit. Reason wraps one of the error classes when
// Status is Rejected or Queued.
type Result struct {
	Status Status
	Reason error
	Tip    Tip
}

// Event is published for every newly connected block.
type Event struct {
	Hash           header.Hash256
	Height         uint64
	CumulativeWork float64
	ContentID      string
	Tip            Tip
	TipChanged     bool
}

type Options struct {
	Consensus config.Consensus
	Orphans   config.OrphanConfig
	Index     *Index
	Blobs     blobstore.Store
	Verifier  *validator.Verifier
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Engine is the single writer of the chain index. Validation runs
// concurrently; only insertion and tip selection are serialized.
type Engine struct {
	params       config.Consensus
	paramsDigest header.Hash256
	genesis      header.Hash256
	scanInterval time.Duration

	index    *Index
	blobs    blobstore.Store
	verifier *validator.Verifier
	clock    clock.Clock

	mu  sync.Mutex
	tip atomic.Pointer[Tip]

	orphans  *orphanPool
	rejected *lru.Cache[header.Hash256, error]

	subMu       sync.RWMutex
	subscribers []chan Event

	// RequestBlockByHash is called when a submission is queued on a missing
	// parent. The network layer sets it.
	RequestBlockByHash func(hash header.Hash256)
}

// NewEngine opens the chain held by opts.Index, creating the genesis block
// on first use and repairing the tip row if it disagrees with the work index.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Index == nil || opts.Blobs == nil || opts.Verifier == nil {
		return nil, xerrors.New("engine: index, blob store and verifier are required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	rejected, err := lru.New[header.Hash256, error](rejectCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		params:       opts.Consensus,
		paramsDigest: opts.Consensus.Digest(),
		scanInterval: opts.Orphans.ScanInterval.Std(),
		index:        opts.Index,
		blobs:        opts.Blobs,
		verifier:     opts.Verifier,
		clock:        clk,
		orphans:      newOrphanPool(opts.Orphans.Capacity, opts.Orphans.TTL.Std(), clk),
		rejected:     rejected,
	}
	if err := e.openChain(); err != nil {
		return nil, err
	}
	return e, nil
}

// Genesis builds the genesis header and payload for params. Every node with
// the same params derives the same genesis hash.
func Genesis(params *config.Consensus) (*header.Header, []byte, error) {
	p := Payload{
		Version:      PayloadVersion,
		Timestamp:    params.GenesisTimestamp,
		Miner:        common.Address{}.Hex(),
		GasUsed:      decimal.Zero,
		Reward:       decimal.Zero,
		ParamsDigest: params.Digest(),
	}
	raw, err := p.Encode()
	if err != nil {
		return nil, nil, xerrors.Errorf("encode genesis: %w", err)
	}
	hdr := &header.Header{
		BlockHash: header.Sum(raw),
		Timestamp: params.GenesisTimestamp,
	}
	return hdr, raw, nil
}

func (e *Engine) openChain() error {
	ghdr, graw, err := Genesis(&e.params)
	if err != nil {
		return err
	}
	e.genesis = ghdr.BlockHash

	_, err = e.index.CurrentTip()
	switch {
	case errors.Is(err, ErrNotFound):
		blk := &Block{BlockHash: ghdr.BlockHash, HeaderHash: ghdr.Hash(), Payload: graw}
		entry := WorkIndexEntry{BlockHash: ghdr.BlockHash}
		err := e.index.InsertConnected(ghdr, blk, entry)
		if err != nil && !errors.Is(err, ErrDuplicateBlock) {
			return xerrors.Errorf("insert genesis: %w", err)
		}
		if err == nil {
			log.Infow("created genesis block", "hash", ghdr.BlockHash.Short(), "params", e.paramsDigest.Short())
		}
	case err != nil:
		return err
	}

	ok, err := e.index.Has(e.genesis)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("index holds a different chain than genesis %s: %w", e.genesis.Short(), ErrForeignGenesis)
	}

	tip, repaired, err := e.index.CheckConsistency()
	if err != nil {
		return xerrors.Errorf("consistency check: %w", err)
	}
	if repaired {
		log.Warnw("tip row repaired from work index", "tip", tip.Hash.Short(), "height", tip.Height)
	}
	e.setTip(tip)
	log.Infow("chain opened", "tip", tip.Hash.Short(), "height", tip.Height, "work", tip.CumulativeWork)
	return nil
}

func (e *Engine) setTip(t Tip) {
	e.tip.Store(&t)
	tipHeight.Set(float64(t.Height))
	tipWork.Set(t.CumulativeWork)
}

// Submit validates a block and connects it, queues it on a missing parent,
// or rejects it. Only storage failures and context cancellation are
// returned as errors.
func (e *Engine) Submit(ctx context.Context, hdr *header.Header, payload []byte, contentID string) (Result, error) {
	res, inserted, err := e.submitOne(ctx, hdr, payload, contentID)
	if err != nil {
		return res, err
	}
	switch {
	case inserted:
		e.drainOrphans(ctx, hdr.BlockHash)
		res.Tip = e.Tip()
	case res.Status == Queued:
		// the parent may have connected while this block was being queued
		if ok, _ := e.index.Has(hdr.PreviousHash); ok {
			e.drainOrphans(ctx, hdr.PreviousHash)
			res.Tip = e.Tip()
		}
	}
	return res, nil
}

func (e *Engine) reject(key header.Hash256, reason error) Result {
	if terminal(reason) {
		e.rejected.Add(key, reason)
	}
	submissions.WithLabelValues(Rejected.String()).Inc()
	return Result{Status: Rejected, Reason: reason, Tip: e.Tip()}
}

func (e *Engine) accepted() Result {
	submissions.WithLabelValues(Accepted.String()).Inc()
	return Result{Status: Accepted, Tip: e.Tip()}
}

// submissionDigest identifies a submission by everything it carries, so a
// cached rejection of a forged block cannot shadow the real one.
func submissionDigest(hdr *header.Header, payload []byte, contentID string) header.Hash256 {
	hh := hdr.Hash()
	ph := header.Sum(payload)
	buf := make([]byte, 0, 64+len(contentID))
	buf = append(buf, hh[:]...)
	buf = append(buf, ph[:]...)
	buf = append(buf, contentID...)
	return header.Sum(buf)
}

// submitOne runs the acceptance pipeline for one block. inserted reports
// whether the block was newly connected.
func (e *Engine) submitOne(ctx context.Context, in *header.Header, payload []byte, contentID string) (Result, bool, error) {
	if in == nil {
		return e.reject(header.ZeroHash, classify(ErrValidation, ErrHeaderMismatch)), false, nil
	}
	hdr := *in
	key := submissionDigest(&hdr, payload, contentID)

	p, err := e.checkStructure(&hdr, payload)
	if err != nil {
		return e.reject(key, err), false, nil
	}

	if res, found, err := e.checkDuplicate(&hdr, payload, contentID); err != nil || found {
		return res, false, err
	}
	if reason, ok := e.rejected.Get(key); ok {
		submissions.WithLabelValues(Rejected.String()).Inc()
		return Result{Status: Rejected, Reason: reason, Tip: e.Tip()}, false, nil
	}
	if header.Sum(payload) != hdr.BlockHash {
		return e.reject(key, classify(ErrValidation, ErrHashMismatch)), false, nil
	}
	if hdr.Height == 0 {
		// our own genesis was answered by the duplicate check
		return e.reject(key, classify(ErrValidation, ErrForeignGenesis)), false, nil
	}

	parent, err := e.index.GetHeader(hdr.PreviousHash)
	if errors.Is(err, ErrNotFound) {
		return e.queue(&hdr, payload, contentID), false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if hdr.Height != parent.Height+1 {
		return e.reject(key, classify(ErrValidation, xerrors.Errorf("height %d after parent %d: %w", hdr.Height, parent.Height, ErrBadHeight))), false, nil
	}
	if hdr.Timestamp <= parent.Timestamp {
		return e.reject(key, classify(ErrValidation, ErrBadTimestamp)), false, nil
	}

	verdict, err := e.verifyProof(ctx, &hdr, p, contentID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrStorage) {
			return Result{}, false, err
		}
		return e.reject(key, err), false, nil
	}

	st, err := NetworkStateAt(e.index, parent, e.params.NetworkWindow)
	if err != nil {
		return Result{}, false, storageErr(err)
	}
	out := reward.Compute(&e.params, reward.Input{
		WorkScore:              verdict.Score,
		PreviousCumulativeWork: parent.CumulativeWork,
		Complexity:             verdict.Complexity,
		State:                  st,
	})
	if !reward.WithinTolerance(p.GasUsed, out.Gas, e.params.GasTolerance) {
		return e.reject(key, classify(ErrValidation, xerrors.Errorf("declared %s, computed %s: %w", p.GasUsed, out.Gas, ErrGasMismatch))), false, nil
	}
	if !reward.WithinTolerance(p.Reward, out.Reward, e.params.RewardTolerance) {
		return e.reject(key, classify(ErrValidation, xerrors.Errorf("declared %s, computed %s: %w", p.Reward, out.Reward, ErrRewardMismatch))), false, nil
	}

	hdr.CumulativeWork = parent.CumulativeWork + verdict.Score
	blk := &Block{
		BlockHash:         hdr.BlockHash,
		HeaderHash:        hdr.Hash(),
		Payload:           append([]byte(nil), payload...),
		OffchainContentID: contentID,
	}
	entry := WorkIndexEntry{Height: hdr.Height, CumulativeWork: hdr.CumulativeWork, BlockHash: hdr.BlockHash}

	tip, changed, err := e.connect(&hdr, blk, entry)
	if errors.Is(err, ErrDuplicateBlock) {
		// lost a race with an identical or conflicting submission
		res, _, err := e.checkDuplicate(&hdr, payload, contentID)
		return res, false, err
	}
	if err != nil {
		return Result{}, false, err
	}

	log.Infow("block accepted",
		"hash", hdr.BlockHash.Short(),
		"height", hdr.Height,
		"score", verdict.Score,
		"work", hdr.CumulativeWork,
		"reward", out.Reward.String(),
		"tipChanged", changed)
	submissions.WithLabelValues(Accepted.String()).Inc()
	e.publish(Event{
		Hash:           hdr.BlockHash,
		Height:         hdr.Height,
		CumulativeWork: hdr.CumulativeWork,
		ContentID:      contentID,
		Tip:            tip,
		TipChanged:     changed,
	})
	return Result{Status: Accepted, Tip: tip}, true, nil
}

// connect is the critical section: insert and fork choice under the writer
// lock.
func (e *Engine) connect(hdr *header.Header, blk *Block, entry WorkIndexEntry) (Tip, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tip, changed, err := e.index.Connect(hdr, blk, entry)
	if err != nil {
		return Tip{}, false, err
	}
	if changed {
		e.setTip(tip)
	}
	return tip, changed, nil
}

func (e *Engine) checkStructure(hdr *header.Header, raw []byte) (*Payload, error) {
	if hdr.BlockHash.IsZero() {
		return nil, classify(ErrValidation, ErrHashMismatch)
	}
	p, err := DecodePayload(raw)
	if err != nil {
		return nil, classify(ErrValidation, err)
	}
	if p.Version != PayloadVersion {
		return nil, classify(ErrValidation, xerrors.Errorf("version %d: %w", p.Version, ErrBadVersion))
	}
	if p.Height != hdr.Height || p.PreviousHash != hdr.PreviousHash ||
		p.ProofDigest != hdr.ProofDigest || p.Timestamp != hdr.Timestamp {
		return nil, classify(ErrValidation, ErrHeaderMismatch)
	}
	if !common.IsHexAddress(p.Miner) {
		return nil, classify(ErrValidation, xerrors.Errorf("miner %q: %w", p.Miner, ErrBadMiner))
	}
	if p.ParamsDigest != e.paramsDigest {
		return nil, classify(ErrValidation, xerrors.Errorf("payload %s, local %s: %w", p.ParamsDigest.Short(), e.paramsDigest.Short(), ErrParamsMismatch))
	}
	limit := e.now() + e.params.MaxFutureDrift.Std().Seconds()
	if hdr.Timestamp > limit {
		return nil, classify(ErrValidation, xerrors.Errorf("timestamp %.3f beyond %.3f: %w", hdr.Timestamp, limit, ErrFutureTimestamp))
	}
	return p, nil
}

// checkDuplicate answers submissions of a stored hash: identical content is
// accepted again, anything else is a conflicting duplicate.
func (e *Engine) checkDuplicate(hdr *header.Header, payload []byte, contentID string) (Result, bool, error) {
	blk, err := e.index.GetBlock(hdr.BlockHash)
	if errors.Is(err, ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, true, err
	}
	if blk.SameContent(payload, contentID) && blk.HeaderHash == hdr.Hash() {
		return e.accepted(), true, nil
	}
	submissions.WithLabelValues(Rejected.String()).Inc()
	return Result{Status: Rejected, Reason: classify(ErrValidation, ErrDuplicateBlock), Tip: e.Tip()}, true, nil
}

func (e *Engine) queue(hdr *header.Header, payload []byte, contentID string) Result {
	evicted, added := e.orphans.add(&orphan{
		hdr:       *hdr,
		payload:   append([]byte(nil), payload...),
		contentID: contentID,
	})
	for _, o := range evicted {
		log.Warnw("orphan evicted", "hash", o.hash().Short(), "height", o.hdr.Height, "err", ErrOrphanQueueFull)
		orphansDropped.WithLabelValues("full").Inc()
	}
	orphanCount.Set(float64(e.orphans.size()))
	if added {
		log.Debugw("block queued on missing parent", "hash", hdr.BlockHash.Short(), "parent", hdr.PreviousHash.Short())
		if e.RequestBlockByHash != nil {
			go e.RequestBlockByHash(hdr.PreviousHash)
		}
	}
	submissions.WithLabelValues(Queued.String()).Inc()
	return Result{
		Status: Queued,
		Reason: classify(ErrOrphan, xerrors.Errorf("parent %s unknown", hdr.PreviousHash.Short())),
		Tip:    e.Tip(),
	}
}

// verifyProof fetches the bundle and runs the verifier. Rejections are
// returned in the ErrProof class, hard failures in ErrStorage.
func (e *Engine) verifyProof(ctx context.Context, hdr *header.Header, p *Payload, contentID string) (validator.Verdict, error) {
	data, err := e.blobs.Get(ctx, contentID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return validator.Verdict{}, ctx.Err()
	case errors.Is(err, blobstore.ErrNotFound), errors.Is(err, blobstore.ErrCorrupt):
		return validator.Verdict{}, classify(ErrProof, xerrors.Errorf("bundle %s: %v: %w", contentID, err, ErrBundleUnavailable))
	case errors.Is(err, blobstore.ErrInvalidID):
		return validator.Verdict{}, classify(ErrProof, err)
	default:
		return validator.Verdict{}, storageErr(err)
	}
	if problem.Digest(data) != hdr.ProofDigest {
		return validator.Verdict{}, classify(ErrProof, ErrProofDigest)
	}
	bundle, err := problem.DecodeBundle(data)
	if err != nil {
		return validator.Verdict{}, classify(ErrProof, xerrors.Errorf("%v: %w", err, validator.ErrMalformedProblem))
	}

	verdict, err := e.verifier.Verify(ctx, validator.Claim{
		Problem:       bundle.Problem,
		Solution:      bundle.Solution,
		Tier:          p.Tier,
		ExpectedSeed:  keyschedule.ProblemSeed(hdr.PreviousHash, hdr.Height, p.Miner, p.Nonce),
		DeclaredScore: p.WorkScore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return validator.Verdict{}, ctx.Err()
		}
		return validator.Verdict{}, classify(ErrProof, err)
	}
	return verdict, nil
}

// drainOrphans connects every queued descendant of parent, breadth first.
func (e *Engine) drainOrphans(ctx context.Context, parent header.Hash256) {
	queue := []header.Hash256{parent}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, o := range e.orphans.take(next) {
			res, inserted, err := e.submitOne(ctx, &o.hdr, o.payload, o.contentID)
			switch {
			case err != nil:
				log.Errorw("connecting orphan", "hash", o.hash().Short(), "err", err)
			case inserted:
				queue = append(queue, o.hash())
			case res.Status == Rejected:
				log.Infow("orphan rejected", "hash", o.hash().Short(), "reason", res.Reason)
			}
		}
	}
	orphanCount.Set(float64(e.orphans.size()))
}

// PruneOrphans drops orphans older than the TTL and returns how many went.
func (e *Engine) PruneOrphans() int {
	expired := e.orphans.expire()
	for _, o := range expired {
		log.Infow("orphan discarded", "hash", o.hash().Short(), "parent", o.hdr.PreviousHash.Short(), "err", ErrOrphanExpired)
		orphansDropped.WithLabelValues("expired").Inc()
	}
	orphanCount.Set(float64(e.orphans.size()))
	return len(expired)
}

// Run expires orphans and re-requests their missing parents until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.PruneOrphans()
			if e.RequestBlockByHash == nil {
				continue
			}
			for _, parent := range e.orphans.missingParents() {
				go e.RequestBlockByHash(parent)
			}
		}
	}
}

// Subscribe returns a channel of connected-block events. Slow subscribers
// miss events rather than stall the engine.
func (e *Engine) Subscribe() <-chan Event {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	ch := make(chan Event, subscriberDepth)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

func (e *Engine) publish(ev Event) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			log.Warnw("subscriber full, event dropped", "hash", ev.Hash.Short())
		}
	}
}

func (e *Engine) now() float64 {
	return float64(e.clock.Now().UnixNano()) / float64(time.Second)
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return classify(ErrStorage, err)
}

// Tip returns a copy of the current best tip.
func (e *Engine) Tip() Tip {
	return *e.tip.Load()
}

func (e *Engine) Genesis() header.Hash256 { return e.genesis }

func (e *Engine) Params() config.Consensus { return e.params }

func (e *Engine) TipHeader() (*header.Header, error) {
	return e.index.GetHeader(e.Tip().Hash)
}

func (e *Engine) GetHeader(hash header.Hash256) (*header.Header, error) {
	return e.index.GetHeader(hash)
}

func (e *Engine) BlockByHash(hash header.Hash256) (*Block, error) {
	return e.index.GetBlock(hash)
}

// Has reports whether hash is connected or waiting in the orphan pool.
func (e *Engine) Has(hash header.Hash256) bool {
	if e.orphans.has(hash) {
		return true
	}
	ok, err := e.index.Has(hash)
	return err == nil && ok
}

// OrphanCount is the number of blocks waiting for a parent.
func (e *Engine) OrphanCount() int { return e.orphans.size() }

// BlocksInRange returns the active chain between heights start and end
// inclusive, oldest first. end is capped at the tip height.
func (e *Engine) BlocksInRange(start, end uint64) ([]*Block, error) {
	tip := e.Tip()
	if end > tip.Height {
		end = tip.Height
	}
	if start > end {
		return nil, xerrors.Errorf("[%d, %d] at tip height %d: %w", start, end, tip.Height, ErrEmptyRange)
	}
	out := make([]*Block, end-start+1)
	hash := tip.Hash
	for h := tip.Height; ; h-- {
		hdr, err := e.index.GetHeader(hash)
		if err != nil {
			return nil, storageErr(xerrors.Errorf("walk to height %d: %w", h, err))
		}
		if h <= end {
			blk, err := e.index.GetBlock(hash)
			if err != nil {
				return nil, storageErr(err)
			}
			out[h-start] = blk
		}
		if h == start {
			break
		}
		hash = hdr.PreviousHash
	}
	return out, nil
}

// RangeByWork lists connected blocks by cumulative work, ascending.
func (e *Engine) RangeByWork(minWork, maxWork float64, limit int) ([]WorkIndexEntry, error) {
	return e.index.RangeByWork(minWork, maxWork, limit)
}

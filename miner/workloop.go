// Package miner produces blocks: it derives a problem from the current tip,
// solves it, stores the proof bundle and submits the result to the engine.
package miner

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"

	"pouw/blobstore"
	"pouw/core"
	"pouw/core/config"
	"pouw/core/header"
	"pouw/core/keyschedule"
	"pouw/core/reward"
	"pouw/core/storage"
	"pouw/problem"
)

var log = logging.Logger("pouw/miner")

var (
	blocksMined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pouw",
		Subsystem: "miner",
		Name:      "blocks_total",
		Help:      "Mined blocks by submission status.",
	}, []string{"status"})
	solveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pouw",
		Subsystem: "miner",
		Name:      "solve_seconds",
		Help:      "Time spent solving one problem.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{blocksMined, solveSeconds}
}

// Chain is the engine surface the miner needs.
type Chain interface {
	storage.Reader
	Params() config.Consensus
	Submit(ctx context.Context, hdr *header.Header, payload []byte, contentID string) (core.Result, error)
	Subscribe() <-chan core.Event
}

type Miner struct {
	chain   Chain
	params  config.Consensus
	family  problem.Family
	tier    config.Tier
	address string
	blobs   blobstore.Store
	clock   clock.Clock
}

// New checks the miner address and tier against the chain's parameters.
// clk may be nil for the wall clock.
func New(chain Chain, registry *problem.Registry, blobs blobstore.Store, address, tier string, clk clock.Clock) (*Miner, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("miner address %q is not a hex address", address)
	}
	params := chain.Params()
	t, ok := params.Tier(tier)
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	fam, ok := registry.Lookup(params.ProblemFamily)
	if !ok {
		return nil, fmt.Errorf("problem family %q not registered", params.ProblemFamily)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Miner{
		chain:   chain,
		params:  params,
		family:  fam,
		tier:    t,
		address: common.HexToAddress(address).Hex(),
		blobs:   blobs,
		clock:   clk,
	}, nil
}

// MineOne mines a single block on the current tip.
func (m *Miner) MineOne(ctx context.Context) (core.Result, *header.Header, error) {
	parent, err := m.chain.TipHeader()
	if err != nil {
		return core.Result{}, nil, err
	}
	return m.mineOn(ctx, parent)
}

func (m *Miner) mineOn(ctx context.Context, parent *header.Header) (core.Result, *header.Header, error) {
	height := parent.Height + 1
	nonce := rand.Uint64()
	seed := keyschedule.ProblemSeed(parent.BlockHash, height, m.address, nonce)

	prob, err := m.family.Generate(seed, m.tier)
	if err != nil {
		return core.Result{}, nil, fmt.Errorf("generate: %w", err)
	}
	start := m.clock.Now()
	sol, err := m.family.Solve(ctx, prob)
	if err != nil {
		return core.Result{}, nil, fmt.Errorf("solve: %w", err)
	}
	elapsed := m.clock.Since(start)
	solveSeconds.Observe(elapsed.Seconds())

	score, err := m.family.Score(prob, sol)
	if err != nil {
		return core.Result{}, nil, fmt.Errorf("score: %w", err)
	}
	cx, err := m.family.Complexity(prob)
	if err != nil {
		return core.Result{}, nil, fmt.Errorf("complexity: %w", err)
	}
	bundle := problem.Bundle{
		Problem:      prob,
		Solution:     sol,
		Measurements: problem.Measurements{SolveSeconds: elapsed.Seconds(), Complexity: cx},
	}
	raw, err := bundle.Encode()
	if err != nil {
		return core.Result{}, nil, err
	}
	id, err := m.blobs.Put(ctx, raw)
	if err != nil {
		return core.Result{}, nil, fmt.Errorf("store bundle: %w", err)
	}

	st, err := core.NetworkStateAt(m.chain, parent, m.params.NetworkWindow)
	if err != nil {
		return core.Result{}, nil, err
	}
	out := reward.Compute(&m.params, reward.Input{
		WorkScore:              score,
		PreviousCumulativeWork: parent.CumulativeWork,
		Complexity:             cx,
		State:                  st,
	})

	now := float64(m.clock.Now().UnixNano()) / float64(time.Second)
	p := core.Payload{
		Version:      core.PayloadVersion,
		Height:       height,
		PreviousHash: parent.BlockHash,
		ProofDigest:  problem.Digest(raw),
		Timestamp:    math.Max(now, parent.Timestamp+0.001),
		Miner:        m.address,
		Tier:         m.tier.Name,
		Nonce:        nonce,
		WorkScore:    score,
		GasUsed:      out.Gas,
		Reward:       out.Reward,
		ParamsDigest: m.params.Digest(),
	}
	payload, err := p.Encode()
	if err != nil {
		return core.Result{}, nil, err
	}
	hdr := &header.Header{
		Height:       p.Height,
		BlockHash:    header.Sum(payload),
		PreviousHash: p.PreviousHash,
		ProofDigest:  p.ProofDigest,
		Timestamp:    p.Timestamp,
	}

	res, err := m.chain.Submit(ctx, hdr, payload, id)
	if err != nil {
		return core.Result{}, nil, err
	}
	blocksMined.WithLabelValues(res.Status.String()).Inc()
	return res, hdr, nil
}

// Run mines until ctx is cancelled. A round is abandoned when another
// block moves the tip; failed rounds back off exponentially.
func (m *Miner) Run(ctx context.Context) error {
	events := m.chain.Subscribe()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	log.Infow("miner started", "address", m.address, "tier", m.tier.Name, "family", m.family.Name())

	for ctx.Err() == nil {
		// events from before this round say nothing about its parent
		drain(events)
		parent, err := m.chain.TipHeader()
		if err != nil {
			return err
		}

		round, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case ev := <-events:
					if ev.TipChanged && ev.Tip.Hash != parent.BlockHash {
						cancel()
					}
				}
			}
		}()
		res, hdr, err := m.mineOn(round, parent)
		moved := round.Err() != nil
		close(done)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && moved:
			log.Debugw("tip moved, restarting round", "parent", parent.BlockHash.Short())
		case err != nil:
			wait := bo.NextBackOff()
			log.Warnw("mining round failed", "err", err, "retryIn", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-m.clock.After(wait):
			}
		case res.Status != core.Accepted:
			log.Warnw("mined block not accepted", "hash", hdr.BlockHash.Short(), "status", res.Status, "reason", res.Reason)
		default:
			bo.Reset()
			log.Infow("mined block", "hash", hdr.BlockHash.Short(), "height", hdr.Height, "work", res.Tip.CumulativeWork)
		}
	}
	return nil
}

func drain(events <-chan core.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

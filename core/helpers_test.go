package core

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"pouw/blobstore"
	"pouw/core/config"
	"pouw/core/header"
	"pouw/core/keyschedule"
	"pouw/core/reward"
	"pouw/problem"
	"pouw/validator"
)

const testMiner = "0x00000000000000000000000000000000000000aa"

// fixedFamily reads the score straight out of the solution so tests can
// pick the work of every block.
type fixedFamily struct{}

type fixedSolution struct {
	Score float64 `json:"score"`
}

func solutionFor(score float64) problem.Solution {
	return problem.Solution(fmt.Sprintf(`{"score":%v}`, score))
}

func (fixedFamily) Name() string { return "fixed" }

func (fixedFamily) Generate(seed header.Hash256, tier config.Tier) (problem.Problem, error) {
	inst, err := json.Marshal(map[string]string{"seed": seed.String()})
	if err != nil {
		return problem.Problem{}, err
	}
	return problem.Problem{Family: "fixed", Seed: seed, Size: tier.MinSize, Instance: inst}, nil
}

func (fixedFamily) Solve(context.Context, problem.Problem) (problem.Solution, error) {
	return solutionFor(1), nil
}

func (fixedFamily) Verify(_ problem.Problem, s problem.Solution) (bool, error) {
	var v fixedSolution
	if err := json.Unmarshal(s, &v); err != nil {
		return false, err
	}
	return true, nil
}

func (fixedFamily) Score(_ problem.Problem, s problem.Solution) (float64, error) {
	var v fixedSolution
	err := json.Unmarshal(s, &v)
	return v.Score, err
}

func (fixedFamily) Complexity(p problem.Problem) (problem.Complexity, error) {
	return problem.Complexity{Size: p.Size, SolveOps: 1 << 10, VerifyOps: 8}, nil
}

func testParams() config.Consensus {
	params := config.DefaultConsensus()
	params.ProblemFamily = "fixed"
	return params
}

// candidate is a block ready for submission together with its bundle.
type candidate struct {
	hdr       *header.Header
	payload   []byte
	contentID string
	bundle    []byte
}

func (c *candidate) hash() header.Hash256 { return c.hdr.BlockHash }

// builder makes valid blocks off-engine. It tracks every header it built
// with its cumulative work so blocks can be made before their parents are
// submitted anywhere.
type builder struct {
	t       *testing.T
	params  config.Consensus
	genesis header.Hash256
	headers map[header.Hash256]*header.Header
}

func newBuilder(t *testing.T, params config.Consensus) *builder {
	ghdr, _, err := Genesis(&params)
	require.NoError(t, err)
	return &builder{
		t:       t,
		params:  params,
		genesis: ghdr.BlockHash,
		headers: map[header.Hash256]*header.Header{ghdr.BlockHash: ghdr},
	}
}

func (b *builder) GetHeader(hash header.Hash256) (*header.Header, error) {
	h, ok := b.headers[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (b *builder) TipHeader() (*header.Header, error) { return nil, ErrNotFound }

func (b *builder) build(parent header.Hash256, score float64, nonce uint64) *candidate {
	ph := b.headers[parent]
	require.NotNil(b.t, ph, "unknown parent")
	return b.buildAt(parent, score, nonce, ph.Timestamp+30)
}

// buildAt is build with an explicit timestamp. The payload is passed to
// tweak, if any, before it is hashed.
func (b *builder) buildAt(parent header.Hash256, score float64, nonce uint64, ts float64, tweak ...func(*Payload)) *candidate {
	t := b.t
	ph := b.headers[parent]
	require.NotNil(t, ph, "unknown parent")
	height := ph.Height + 1

	fam := fixedFamily{}
	tier, ok := b.params.Tier("basic")
	require.True(t, ok)
	seed := keyschedule.ProblemSeed(parent, height, testMiner, nonce)
	prob, err := fam.Generate(seed, tier)
	require.NoError(t, err)
	cx, err := fam.Complexity(prob)
	require.NoError(t, err)
	bundle := problem.Bundle{
		Problem:      prob,
		Solution:     solutionFor(score),
		Measurements: problem.Measurements{SolveSeconds: 0.01, Complexity: cx},
	}
	raw, err := bundle.Encode()
	require.NoError(t, err)
	id, err := blobstore.ContentID(raw)
	require.NoError(t, err)

	st, err := NetworkStateAt(b, ph, b.params.NetworkWindow)
	require.NoError(t, err)
	out := reward.Compute(&b.params, reward.Input{
		WorkScore:              score,
		PreviousCumulativeWork: ph.CumulativeWork,
		Complexity:             cx,
		State:                  st,
	})

	p := Payload{
		Version:      PayloadVersion,
		Height:       height,
		PreviousHash: parent,
		ProofDigest:  problem.Digest(raw),
		Timestamp:    ts,
		Miner:        testMiner,
		Tier:         "basic",
		Nonce:        nonce,
		WorkScore:    score,
		GasUsed:      out.Gas,
		Reward:       out.Reward,
		ParamsDigest: b.params.Digest(),
	}
	for _, f := range tweak {
		f(&p)
	}
	payload, err := p.Encode()
	require.NoError(t, err)

	hdr := &header.Header{
		Height:       p.Height,
		BlockHash:    header.Sum(payload),
		PreviousHash: p.PreviousHash,
		ProofDigest:  p.ProofDigest,
		Timestamp:    p.Timestamp,
	}
	stored := *hdr
	stored.CumulativeWork = ph.CumulativeWork + score
	b.headers[hdr.BlockHash] = &stored
	return &candidate{hdr: hdr, payload: payload, contentID: id.String(), bundle: raw}
}

// harness is one engine with its own index and blob store.
type harness struct {
	t      *testing.T
	engine *Engine
	index  *Index
	blobs  *blobstore.MemStore
	clock  *clock.Mock
}

var testOrphans = config.OrphanConfig{
	Capacity:     16,
	TTL:          config.Duration(time.Minute),
	ScanInterval: config.Duration(10 * time.Second),
}

func newHarness(t *testing.T, params config.Consensus) *harness {
	ix, err := OpenIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return newHarnessOn(t, params, ix)
}

func newHarnessOn(t *testing.T, params config.Consensus, ix *Index) *harness {
	clk := clock.NewMock()
	// a day after genesis so built timestamps are in the past
	clk.Set(time.Unix(int64(params.GenesisTimestamp), 0).Add(24 * time.Hour))
	blobs := blobstore.NewMemStore()
	e, err := NewEngine(Options{
		Consensus: params,
		Orphans:   testOrphans,
		Index:     ix,
		Blobs:     blobs,
		Verifier:  validator.NewVerifier(problem.NewRegistry(fixedFamily{}), params),
		Clock:     clk,
	})
	require.NoError(t, err)
	return &harness{t: t, engine: e, index: ix, blobs: blobs, clock: clk}
}

// submit stores the bundle and submits the block.
func (h *harness) submit(c *candidate) Result {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.blobs.Put(ctx, c.bundle)
	require.NoError(h.t, err)
	res, err := h.engine.Submit(ctx, c.hdr, c.payload, c.contentID)
	require.NoError(h.t, err)
	return res
}

package core

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pouw/blobstore"
	"pouw/core/header"
	"pouw/validator"
)

func TestGenesisIsDeterministic(t *testing.T) {
	a := newHarness(t, testParams())
	b := newHarness(t, testParams())

	require.Equal(t, a.engine.Genesis(), b.engine.Genesis())
	tip := a.engine.Tip()
	require.Equal(t, a.engine.Genesis(), tip.Hash)
	require.Zero(t, tip.Height)
	require.Zero(t, tip.CumulativeWork)

	other := testParams()
	other.KDiversity = 0.02
	c := newHarness(t, other)
	require.NotEqual(t, a.engine.Genesis(), c.engine.Genesis())
}

func TestGenesisThenAThenB(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())

	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)

	res := h.submit(blkA)
	require.Equal(t, Accepted, res.Status)
	require.NoError(t, res.Reason)
	require.Equal(t, blkA.hash(), res.Tip.Hash)
	require.Equal(t, 10.0, res.Tip.CumulativeWork)

	res = h.submit(blkB)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, Tip{Hash: blkB.hash(), Height: 2, CumulativeWork: 25}, res.Tip)

	stored, err := h.engine.GetHeader(blkB.hash())
	require.NoError(t, err)
	require.Equal(t, 25.0, stored.CumulativeWork)

	blocks, err := h.engine.BlocksInRange(0, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, h.engine.Genesis(), blocks[0].BlockHash)
	require.Equal(t, blkA.hash(), blocks[1].BlockHash)
	require.Equal(t, blkB.hash(), blocks[2].BlockHash)
	require.Equal(t, blkB.contentID, blocks[2].OffchainContentID)
}

func TestCompetingSiblingReselectsTip(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())

	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(b.genesis, 15, 2)

	res := h.submit(blkA)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, Tip{Hash: blkA.hash(), Height: 1, CumulativeWork: 10}, res.Tip)

	res = h.submit(blkB)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, Tip{Hash: blkB.hash(), Height: 1, CumulativeWork: 15}, res.Tip)
	require.Equal(t, res.Tip, h.engine.Tip())
}

func TestSubmittedCumulativeWorkIsIgnored(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())

	blk := b.build(b.genesis, 10, 1)
	blk.hdr.CumulativeWork = 1e9
	res := h.submit(blk)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, 10.0, res.Tip.CumulativeWork)
}

func TestHeavierForkWins(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())

	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)
	fork1 := b.build(b.genesis, 12, 3)
	fork2 := b.build(fork1.hash(), 14, 4)

	h.submit(blkA)
	h.submit(blkB)
	res := h.submit(fork1)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, blkB.hash(), res.Tip.Hash, "lighter fork must not take the tip")

	res = h.submit(fork2)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, fork2.hash(), res.Tip.Hash)
	require.Equal(t, 26.0, res.Tip.CumulativeWork)

	blocks, err := h.engine.BlocksInRange(1, 2)
	require.NoError(t, err)
	require.Equal(t, fork1.hash(), blocks[0].BlockHash)
	require.Equal(t, fork2.hash(), blocks[1].BlockHash)
}

func TestEqualWorkTieBreaksOnLowerHash(t *testing.T) {
	b := newBuilder(t, testParams())
	x := b.build(b.genesis, 10, 1)
	y := b.build(b.genesis, 10, 2)
	want := x.hash()
	if y.hash().Less(want) {
		want = y.hash()
	}

	for _, order := range [][]*candidate{{x, y}, {y, x}} {
		h := newHarness(t, testParams())
		for _, c := range order {
			require.Equal(t, Accepted, h.submit(c).Status)
		}
		require.Equal(t, want, h.engine.Tip().Hash)
	}
}

func TestForkChoiceIndependentOfArrivalOrder(t *testing.T) {
	b := newBuilder(t, testParams())
	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)
	blkF := b.build(blkA.hash(), 14, 3)
	blkC := b.build(b.genesis, 12, 4)
	blkD := b.build(blkC.hash(), 5, 5)
	blkE := b.build(blkD.hash(), 9, 6)
	all := []*candidate{blkA, blkB, blkF, blkC, blkD, blkE}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		order := append([]*candidate(nil), all...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		h := newHarness(t, testParams())
		last := 0.0
		for _, c := range order {
			res := h.submit(c)
			require.NotEqual(t, Rejected, res.Status, res.Reason)
			require.GreaterOrEqual(t, h.engine.Tip().CumulativeWork, last, "tip work went backwards")
			last = h.engine.Tip().CumulativeWork
		}

		tip := h.engine.Tip()
		require.Equal(t, blkE.hash(), tip.Hash, "permutation %d", i)
		require.Equal(t, 26.0, tip.CumulativeWork)
		best, err := h.index.BestTip()
		require.NoError(t, err)
		require.Equal(t, tip, best)
		require.Zero(t, h.engine.OrphanCount())
	}
}

func TestWorkIncreasesAlongChain(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	parent := b.genesis
	for i := 0; i < 8; i++ {
		c := b.build(parent, float64(1+i%3), uint64(i))
		require.Equal(t, Accepted, h.submit(c).Status)
		parent = c.hash()
	}

	blocks, err := h.engine.BlocksInRange(0, 8)
	require.NoError(t, err)
	prev := -1.0
	for _, blk := range blocks {
		hdr, err := h.engine.GetHeader(blk.BlockHash)
		require.NoError(t, err)
		require.Greater(t, hdr.CumulativeWork, prev)
		prev = hdr.CumulativeWork
	}
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blk := b.build(b.genesis, 10, 1)

	first := h.submit(blk)
	second := h.submit(blk)
	require.Equal(t, Accepted, first.Status)
	require.Equal(t, Accepted, second.Status)
	require.Equal(t, first.Tip, second.Tip)

	n, err := h.index.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// resubmitting genesis is a no-op as well
	ghdr, graw, err := Genesis(&h.engine.params)
	require.NoError(t, err)
	res, err := h.engine.Submit(context.Background(), ghdr, graw, "")
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Status)
}

func TestConflictingDuplicateIsRejected(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blk := b.build(b.genesis, 10, 1)
	h.submit(blk)

	res, err := h.engine.Submit(context.Background(), blk.hdr, blk.payload, "bafkreiconflicting")
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Status)
	require.ErrorIs(t, res.Reason, ErrDuplicateBlock)
	require.ErrorIs(t, res.Reason, ErrValidation)
}

func TestStructuralRejections(t *testing.T) {
	params := testParams()
	b := newBuilder(t, params)
	now := float64(time.Unix(int64(params.GenesisTimestamp), 0).Add(24 * time.Hour).Unix())

	cases := []struct {
		name  string
		make  func() *candidate
		class error
		want  error
	}{
		{"header disagrees with payload", func() *candidate {
			c := b.build(b.genesis, 10, 1)
			c.hdr.Timestamp++
			return c
		}, ErrValidation, ErrHeaderMismatch},
		{"hash does not match payload", func() *candidate {
			c := b.build(b.genesis, 10, 2)
			c.hdr.BlockHash = header.Sum([]byte("other"))
			return c
		}, ErrValidation, ErrHashMismatch},
		{"non canonical payload", func() *candidate {
			c := b.build(b.genesis, 10, 3)
			c.payload = append([]byte(" "), c.payload...)
			c.hdr.BlockHash = header.Sum(c.payload)
			return c
		}, ErrValidation, ErrNonCanonical},
		{"bad miner", func() *candidate {
			return b.buildAt(b.genesis, 10, 4, now-10, func(p *Payload) { p.Miner = "miner-1" })
		}, ErrValidation, ErrBadMiner},
		{"foreign params", func() *candidate {
			return b.buildAt(b.genesis, 10, 5, now-10, func(p *Payload) { p.ParamsDigest = header.Sum([]byte("x")) })
		}, ErrValidation, ErrParamsMismatch},
		{"unsupported version", func() *candidate {
			return b.buildAt(b.genesis, 10, 6, now-10, func(p *Payload) { p.Version = 2 })
		}, ErrValidation, ErrBadVersion},
		{"timestamp before parent", func() *candidate {
			return b.buildAt(b.genesis, 10, 7, params.GenesisTimestamp)
		}, ErrValidation, ErrBadTimestamp},
		{"height skips", func() *candidate {
			return b.buildAt(b.genesis, 10, 8, now-10, func(p *Payload) { p.Height = 5 })
		}, ErrValidation, ErrBadHeight},
		{"foreign genesis", func() *candidate {
			c := b.buildAt(b.genesis, 0, 9, now-10, func(p *Payload) {
				p.Height = 0
				p.PreviousHash = header.ZeroHash
			})
			return c
		}, ErrValidation, ErrForeignGenesis},
		{"inflated score", func() *candidate {
			return b.buildAt(b.genesis, 10, 10, now-10, func(p *Payload) { p.WorkScore = 11 })
		}, ErrProof, validator.ErrScoreMismatch},
		{"zero work", func() *candidate {
			return b.build(b.genesis, 0, 11)
		}, ErrProof, validator.ErrZeroWork},
		{"wrong tier", func() *candidate {
			return b.buildAt(b.genesis, 10, 12, now-10, func(p *Payload) { p.Tier = "gold" })
		}, ErrProof, validator.ErrUnknownTier},
		{"wrong nonce", func() *candidate {
			return b.buildAt(b.genesis, 10, 13, now-10, func(p *Payload) { p.Nonce++ })
		}, ErrProof, validator.ErrMalformedProblem},
		{"proof digest", func() *candidate {
			return b.buildAt(b.genesis, 10, 14, now-10, func(p *Payload) { p.ProofDigest = header.Sum([]byte("y")) })
		}, ErrProof, ErrProofDigest},
		{"reward mismatch", func() *candidate {
			return b.buildAt(b.genesis, 10, 15, now-10, func(p *Payload) { p.Reward = p.Reward.Add(p.Reward) })
		}, ErrValidation, ErrRewardMismatch},
		{"gas mismatch", func() *candidate {
			return b.buildAt(b.genesis, 10, 16, now-10, func(p *Payload) { p.GasUsed = p.GasUsed.Sub(p.GasUsed) })
		}, ErrValidation, ErrGasMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, params)
			res := h.submit(tc.make())
			require.Equal(t, Rejected, res.Status)
			require.ErrorIs(t, res.Reason, tc.class)
			require.ErrorIs(t, res.Reason, tc.want)
			require.Equal(t, h.engine.Genesis(), res.Tip.Hash)
		})
	}
}

func TestRejectionsAreCached(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	bad := b.build(b.genesis, 0, 1)

	first := h.submit(bad)
	require.Equal(t, Rejected, first.Status)
	require.Equal(t, 1, h.engine.rejected.Len())

	second := h.submit(bad)
	require.Equal(t, Rejected, second.Status)
	require.Equal(t, first.Reason, second.Reason)
}

func TestFutureTimestampIsNotCached(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	now := float64(h.clock.Now().Unix())
	blk := b.buildAt(b.genesis, 10, 1, now+3600)

	res := h.submit(blk)
	require.Equal(t, Rejected, res.Status)
	require.ErrorIs(t, res.Reason, ErrFutureTimestamp)
	require.Zero(t, h.engine.rejected.Len())

	h.clock.Add(2 * time.Hour)
	require.Equal(t, Accepted, h.submit(blk).Status)
}

func TestStorageFailureLeavesChainRetryable(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blk := b.build(b.genesis, 10, 1)
	ctx := context.Background()
	_, err := h.blobs.Put(ctx, blk.bundle)
	require.NoError(t, err)

	h.index.writeFault = func() error { return errors.New("disk full") }
	_, err = h.engine.Submit(ctx, blk.hdr, blk.payload, blk.contentID)
	require.ErrorIs(t, err, ErrStorage)
	require.False(t, h.engine.Has(blk.hash()))
	require.Equal(t, h.engine.Genesis(), h.engine.Tip().Hash)
	cur, err := h.index.CurrentTip()
	require.NoError(t, err)
	require.Equal(t, h.engine.Genesis(), cur.Hash)

	h.index.writeFault = nil
	res := h.submit(blk)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, Tip{Hash: blk.hash(), Height: 1, CumulativeWork: 10}, res.Tip)
	cur, err = h.index.CurrentTip()
	require.NoError(t, err)
	require.Equal(t, res.Tip, cur)
}

func TestMissingBundleIsRetried(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blk := b.build(b.genesis, 10, 1)

	res, err := h.engine.Submit(context.Background(), blk.hdr, blk.payload, blk.contentID)
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Status)
	require.ErrorIs(t, res.Reason, ErrProof)
	require.ErrorIs(t, res.Reason, ErrBundleUnavailable)

	require.Equal(t, Accepted, h.submit(blk).Status)
}

func TestOrphansConnectWhenParentArrives(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)
	blkC := b.build(blkB.hash(), 5, 3)

	requested := make(chan header.Hash256, 4)
	h.engine.RequestBlockByHash = func(hash header.Hash256) { requested <- hash }

	res := h.submit(blkC)
	require.Equal(t, Queued, res.Status)
	require.ErrorIs(t, res.Reason, ErrOrphan)
	select {
	case got := <-requested:
		require.Equal(t, blkB.hash(), got)
	case <-time.After(time.Second):
		t.Fatal("parent was not requested")
	}

	require.Equal(t, Queued, h.submit(blkB).Status)
	require.True(t, h.engine.Has(blkB.hash()))
	require.Equal(t, 2, h.engine.OrphanCount())

	res = h.submit(blkA)
	require.Equal(t, Accepted, res.Status)
	require.Equal(t, Tip{Hash: blkC.hash(), Height: 3, CumulativeWork: 30}, res.Tip)
	require.Zero(t, h.engine.OrphanCount())
}

func TestOrphanPoolEvictsOldest(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	missing := b.build(b.genesis, 1, 0)

	var first *candidate
	for i := 0; i < testOrphans.Capacity+1; i++ {
		c := b.build(missing.hash(), 1, uint64(i+1))
		if first == nil {
			first = c
		}
		require.Equal(t, Queued, h.submit(c).Status)
	}
	require.Equal(t, testOrphans.Capacity, h.engine.OrphanCount())
	require.False(t, h.engine.Has(first.hash()))
}

func TestOrphanExpiry(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)

	require.Equal(t, Queued, h.submit(blkB).Status)
	require.Zero(t, h.engine.PruneOrphans())

	h.clock.Add(time.Duration(testOrphans.TTL) + time.Second)
	require.Equal(t, 1, h.engine.PruneOrphans())

	res := h.submit(blkA)
	require.Equal(t, blkA.hash(), res.Tip.Hash, "expired orphan must not connect")
}

func TestRunExpiresOrphans(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blkA := b.build(b.genesis, 10, 1)
	require.Equal(t, Queued, h.submit(b.build(blkA.hash(), 15, 2)).Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Add(time.Duration(testOrphans.ScanInterval))
		return h.engine.OrphanCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSubscribersSeeConnectedBlocks(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	events := h.engine.Subscribe()

	blkA := b.build(b.genesis, 10, 1)
	blkB := b.build(blkA.hash(), 15, 2)
	h.submit(blkB)
	h.submit(blkA)

	var got []header.Hash256
	for len(got) < 2 {
		select {
		case ev := <-events:
			assert.True(t, ev.TipChanged)
			got = append(got, ev.Hash)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	require.Equal(t, []header.Hash256{blkA.hash(), blkB.hash()}, got)
}

func TestReopenKeepsTip(t *testing.T) {
	ix, err := OpenIndex("")
	require.NoError(t, err)
	defer ix.Close() //nolint:errcheck

	b := newBuilder(t, testParams())
	h := newHarnessOn(t, testParams(), ix)
	blkA := b.build(b.genesis, 10, 1)
	h.submit(blkA)

	again := newHarnessOn(t, testParams(), ix)
	require.Equal(t, h.engine.Tip(), again.engine.Tip())
}

func TestOpenRejectsForeignChain(t *testing.T) {
	ix, err := OpenIndex("")
	require.NoError(t, err)
	defer ix.Close() //nolint:errcheck
	newHarnessOn(t, testParams(), ix)

	other := testParams()
	other.MinReward = 0.5
	_, err = NewEngine(Options{
		Consensus: other,
		Orphans:   testOrphans,
		Index:     ix,
		Blobs:     blobstore.NewMemStore(),
		Verifier:  validator.NewVerifier(nil, other),
	})
	require.ErrorIs(t, err, ErrForeignGenesis)
}

func TestBlocksInRangeBounds(t *testing.T) {
	h := newHarness(t, testParams())
	b := newBuilder(t, testParams())
	blkA := b.build(b.genesis, 10, 1)
	h.submit(blkA)

	_, err := h.engine.BlocksInRange(2, 1)
	require.ErrorIs(t, err, ErrEmptyRange)
	_, err = h.engine.BlocksInRange(5, 9)
	require.ErrorIs(t, err, ErrEmptyRange)

	blocks, err := h.engine.BlocksInRange(1, 1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, blkA.hash(), blocks[0].BlockHash)
}

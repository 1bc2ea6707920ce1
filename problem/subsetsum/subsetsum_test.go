package subsetsum

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pouw/core/config"
	"pouw/core/header"
	"pouw/problem"
)

func seedFor(i int) header.Hash256 {
	return header.Sum([]byte{byte(i), byte(i >> 8), 0x5a})
}

func TestGenerateDeterministic(t *testing.T) {
	f := New()
	tier := config.Tier{Name: "basic", MinSize: 8, MaxSize: 20}
	a, err := f.Generate(seedFor(1), tier)
	require.NoError(t, err)
	b, err := f.Generate(seedFor(1), tier)
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	c, err := f.Generate(seedFor(2), tier)
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}

func TestGenerateRespectsTier(t *testing.T) {
	f := New()
	tier := config.Tier{Name: "t", MinSize: 10, MaxSize: 14}
	for i := 0; i < 50; i++ {
		p, err := f.Generate(seedFor(i), tier)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p.Size, tier.MinSize)
		require.LessOrEqual(t, p.Size, tier.MaxSize)
	}

	_, err := f.Generate(seedFor(0), config.Tier{MinSize: 4, MaxSize: 2})
	require.Error(t, err)
	_, err = f.Generate(seedFor(0), config.Tier{MinSize: 1, MaxSize: MaxSize + 1})
	require.Error(t, err)
}

func TestSolveThenVerify(t *testing.T) {
	f := New()
	// boundary sizes of the default basic tier plus one in between
	for _, size := range []int{8, 13, 20} {
		tier := config.Tier{MinSize: size, MaxSize: size}
		for i := 0; i < 5; i++ {
			p, err := f.Generate(seedFor(i), tier)
			require.NoError(t, err)
			require.Equal(t, size, p.Size)

			sol, err := f.Solve(context.Background(), p)
			require.NoError(t, err)

			ok, err := f.Verify(p, sol)
			require.NoError(t, err)
			require.True(t, ok, "size %d seed %d", size, i)
		}
	}
}

func TestNearMissAlwaysRejected(t *testing.T) {
	f := New()
	for _, size := range []int{8, 20} {
		p, err := f.Generate(seedFor(size), config.Tier{MinSize: size, MaxSize: size})
		require.NoError(t, err)
		sol, err := f.Solve(context.Background(), p)
		require.NoError(t, err)

		var sel selection
		require.NoError(t, json.Unmarshal(sol, &sel))
		chosen := make(map[int]bool, len(sel.Indices))
		for _, idx := range sel.Indices {
			chosen[idx] = true
		}

		// flipping any single element changes the sum by a positive amount
		for flip := 0; flip < size; flip++ {
			var near selection
			for i := 0; i < size; i++ {
				in := chosen[i]
				if i == flip {
					in = !in
				}
				if in {
					near.Indices = append(near.Indices, i)
				}
			}
			raw, err := json.Marshal(near)
			require.NoError(t, err)
			ok, err := f.Verify(p, raw)
			require.NoError(t, err)
			assert.False(t, ok, "size %d flip %d", size, flip)
		}
	}
}

func TestVerifyRejectsBadSelections(t *testing.T) {
	f := New()
	p, err := f.Generate(seedFor(3), config.Tier{MinSize: 8, MaxSize: 8})
	require.NoError(t, err)

	for _, raw := range []string{
		`not json`,
		`{"indices":[]}`,
		`{"indices":[3,1]}`,
		`{"indices":[0,0]}`,
		`{"indices":[8]}`,
		`{"indices":[-1]}`,
	} {
		ok, err := f.Verify(p, problem.Solution(raw))
		require.NoError(t, err, raw)
		require.False(t, ok, raw)
	}
}

func TestMalformedInstance(t *testing.T) {
	f := New()
	p, err := f.Generate(seedFor(4), config.Tier{MinSize: 8, MaxSize: 8})
	require.NoError(t, err)

	wrongSize := p
	wrongSize.Size = 9
	_, err = f.Verify(wrongSize, problem.Solution(`{"indices":[0]}`))
	require.Error(t, err)

	zero := p
	zero.Instance = json.RawMessage(`{"numbers":[0,1,2,3,4,5,6,7],"target":3}`)
	_, err = f.Complexity(zero)
	require.Error(t, err)

	foreign := p
	foreign.Family = "other"
	_, err = f.Score(foreign, nil)
	require.Error(t, err)
}

func TestScoreGrowsWithSize(t *testing.T) {
	f := New()
	prev := 0.0
	for _, size := range []int{8, 12, 16, 20} {
		p, err := f.Generate(seedFor(size), config.Tier{MinSize: size, MaxSize: size})
		require.NoError(t, err)
		score, err := f.Score(p, nil)
		require.NoError(t, err)
		require.Greater(t, score, prev)
		prev = score

		c, err := f.Complexity(p)
		require.NoError(t, err)
		require.Equal(t, float64(size), c.VerifyOps)
	}
}

func TestSolveHonoursCancellation(t *testing.T) {
	f := New()
	p, err := f.Generate(seedFor(9), config.Tier{MinSize: 30, MaxSize: 30})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Solve(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
}

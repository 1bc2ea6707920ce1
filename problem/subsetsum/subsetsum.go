// Package subsetsum is the reference problem family: given positive integers
// and a target, find a subset that sums to the target.
package subsetsum

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand"

	"pouw/core/config"
	"pouw/core/header"
	"pouw/problem"
)

const Name = "subset-sum"

// maxValue bounds generated numbers so sums of 40 of them fit easily in a uint64.
const maxValue = 1 << 20

// MaxSize is the largest instance the meet-in-the-middle solver accepts.
const MaxSize = 48

var ErrNoSolution = errors.New("subset-sum: no subset reaches the target")

type instance struct {
	Numbers []uint64 `json:"numbers"`
	Target  uint64   `json:"target"`
}

type selection struct {
	Indices []int `json:"indices"`
}

type Family struct{}

func New() *Family { return &Family{} }

func (*Family) Name() string { return Name }

// Generate draws numbers from a PRNG seeded by the seed bytes and sets the
// target to the sum of a random non-empty subset, so every instance is solvable.
func (*Family) Generate(seed header.Hash256, tier config.Tier) (problem.Problem, error) {
	if tier.MinSize <= 0 || tier.MaxSize < tier.MinSize || tier.MaxSize > MaxSize {
		return problem.Problem{}, fmt.Errorf("subset-sum: unusable tier bounds [%d, %d]", tier.MinSize, tier.MaxSize)
	}
	size := problem.SizeFromSeed(seed, tier)
	rng := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[8:16]))))

	inst := instance{Numbers: make([]uint64, size)}
	picked := 0
	for i := range inst.Numbers {
		inst.Numbers[i] = uint64(rng.Int63n(maxValue)) + 1
		if rng.Intn(2) == 1 {
			inst.Target += inst.Numbers[i]
			picked++
		}
	}
	if picked == 0 {
		inst.Target = inst.Numbers[rng.Intn(size)]
	}

	raw, err := json.Marshal(inst)
	if err != nil {
		return problem.Problem{}, err
	}
	return problem.Problem{Family: Name, Seed: seed, Size: size, Instance: raw}, nil
}

func decodeInstance(p problem.Problem) (instance, error) {
	var inst instance
	if p.Family != Name {
		return inst, fmt.Errorf("subset-sum: problem belongs to family %q", p.Family)
	}
	if err := json.Unmarshal(p.Instance, &inst); err != nil {
		return inst, fmt.Errorf("subset-sum: decode instance: %w", err)
	}
	if p.Size <= 0 || p.Size > MaxSize || len(inst.Numbers) != p.Size {
		return inst, fmt.Errorf("subset-sum: declared size %d, instance has %d numbers", p.Size, len(inst.Numbers))
	}
	for i, n := range inst.Numbers {
		if n == 0 || n > maxValue {
			return inst, fmt.Errorf("subset-sum: number %d out of range: %d", i, n)
		}
	}
	if inst.Target == 0 {
		return inst, errors.New("subset-sum: zero target")
	}
	return inst, nil
}

// Solve runs meet-in-the-middle: O(2^(n/2)) time and memory.
func (*Family) Solve(ctx context.Context, p problem.Problem) (problem.Solution, error) {
	inst, err := decodeInstance(p)
	if err != nil {
		return nil, err
	}
	n := len(inst.Numbers)
	left := n / 2
	right := n - left

	leftSums := make(map[uint64]uint64, 1<<left)
	sums := make([]uint64, 1<<left)
	for mask := uint64(0); mask < 1<<left; mask++ {
		if mask&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if mask > 0 {
			low := bits.TrailingZeros64(mask)
			sums[mask] = sums[mask&(mask-1)] + inst.Numbers[low]
		}
		if _, ok := leftSums[sums[mask]]; !ok {
			leftSums[sums[mask]] = mask
		}
	}

	rsums := make([]uint64, 1<<right)
	for mask := uint64(0); mask < 1<<right; mask++ {
		if mask&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if mask > 0 {
			low := bits.TrailingZeros64(mask)
			rsums[mask] = rsums[mask&(mask-1)] + inst.Numbers[left+low]
		}
		if rsums[mask] > inst.Target {
			continue
		}
		lmask, ok := leftSums[inst.Target-rsums[mask]]
		if !ok {
			continue
		}
		sel := selection{}
		for i := 0; i < left; i++ {
			if lmask&(1<<i) != 0 {
				sel.Indices = append(sel.Indices, i)
			}
		}
		for i := 0; i < right; i++ {
			if mask&(1<<i) != 0 {
				sel.Indices = append(sel.Indices, left+i)
			}
		}
		return json.Marshal(sel)
	}
	return nil, ErrNoSolution
}

// Verify checks the selection in O(n). A malformed instance is an error; a
// malformed or wrong selection is simply not a solution.
func (*Family) Verify(p problem.Problem, s problem.Solution) (bool, error) {
	inst, err := decodeInstance(p)
	if err != nil {
		return false, err
	}
	var sel selection
	if err := json.Unmarshal(s, &sel); err != nil || len(sel.Indices) == 0 {
		return false, nil
	}
	var sum uint64
	prev := -1
	for _, idx := range sel.Indices {
		if idx <= prev || idx >= len(inst.Numbers) {
			return false, nil
		}
		prev = idx
		sum += inst.Numbers[idx]
	}
	return sum == inst.Target, nil
}

func (*Family) Complexity(p problem.Problem) (problem.Complexity, error) {
	if _, err := decodeInstance(p); err != nil {
		return problem.Complexity{}, err
	}
	n := float64(p.Size)
	return problem.Complexity{
		Size:      p.Size,
		SolveOps:  math.Pow(2, n/2) * n,
		VerifyOps: n,
	}, nil
}

// Score is size * log2(1 + asymmetry) / 8.
func (f *Family) Score(p problem.Problem, _ problem.Solution) (float64, error) {
	c, err := f.Complexity(p)
	if err != nil {
		return 0, err
	}
	return float64(c.Size) * math.Log2(1+c.Asymmetry()) / 8, nil
}

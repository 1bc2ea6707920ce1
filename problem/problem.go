// Package problem defines the pluggable NP-complete problem capability that
// miners solve and validators check. Consensus code only talks to a Family
// through a Registry and never depends on which family is in use.
package problem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"pouw/core/config"
	"pouw/core/header"
)

// Problem is one generated instance. Instance is family-encoded.
type Problem struct {
	Family   string          `json:"family"`
	Seed     header.Hash256  `json:"seed"`
	Size     int             `json:"size"`
	Instance json.RawMessage `json:"instance"`
}

// Equal compares instances after compacting their JSON.
func (p Problem) Equal(o Problem) bool {
	if p.Family != o.Family || p.Seed != o.Seed || p.Size != o.Size {
		return false
	}
	var a, b bytes.Buffer
	if json.Compact(&a, p.Instance) != nil || json.Compact(&b, o.Instance) != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// Solution is family-encoded.
type Solution = json.RawMessage

// Complexity is the measured cost of an instance. SolveOps and VerifyOps are
// operation counts, so they agree across machines.
type Complexity struct {
	Size      int     `json:"size"`
	SolveOps  float64 `json:"solveOps"`
	VerifyOps float64 `json:"verifyOps"`
}

// Asymmetry is the solve/verify cost ratio.
func (c Complexity) Asymmetry() float64 {
	if c.VerifyOps <= 0 {
		return 0
	}
	return c.SolveOps / c.VerifyOps
}

// Family is a problem type.
type Family interface {
	Name() string
	// Generate must be a pure function of seed and tier.
	Generate(seed header.Hash256, tier config.Tier) (Problem, error)
	Solve(ctx context.Context, p Problem) (Solution, error)
	Verify(p Problem, s Solution) (bool, error)
	Score(p Problem, s Solution) (float64, error)
	Complexity(p Problem) (Complexity, error)
}

// Registry maps family names to implementations.
type Registry struct {
	mu       sync.RWMutex
	families map[string]Family
}

func NewRegistry(families ...Family) *Registry {
	r := &Registry{families: make(map[string]Family, len(families))}
	for _, f := range families {
		r.Register(f)
	}
	return r
}

// Register adds f, replacing any family with the same name.
func (r *Registry) Register(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[f.Name()] = f
}

func (r *Registry) Lookup(name string) (Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	return f, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.families))
	for name := range r.families {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SizeFromSeed picks a size inside the tier bounds from the seed bytes.
func SizeFromSeed(seed header.Hash256, tier config.Tier) int {
	span := tier.MaxSize - tier.MinSize + 1
	if span <= 1 {
		return tier.MinSize
	}
	var v uint64
	for _, b := range seed[:8] {
		v = v<<8 | uint64(b)
	}
	return tier.MinSize + int(v%uint64(span))
}

// Measurements travel with the bundle for auditing. Validators recompute
// the complexity instead of trusting these.
type Measurements struct {
	SolveSeconds float64    `json:"solveSeconds"`
	Complexity   Complexity `json:"complexity"`
}

// Bundle is the off-chain proof stored in the blob store.
type Bundle struct {
	Problem      Problem      `json:"problem"`
	Solution     Solution     `json:"solution"`
	Measurements Measurements `json:"measurements"`
}

func (b *Bundle) Encode() ([]byte, error) {
	if math.IsNaN(b.Measurements.SolveSeconds) || math.IsInf(b.Measurements.SolveSeconds, 0) {
		return nil, fmt.Errorf("bundle measurements are not finite")
	}
	return json.Marshal(b)
}

func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Digest is the proof digest committed in a block header.
func Digest(bundle []byte) header.Hash256 {
	return header.Sum(bundle)
}

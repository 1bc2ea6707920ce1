// Package validator checks proof bundles without redoing the search: it
// regenerates the instance from the expected seed, verifies the solution and
// recomputes the work score server side.
package validator

import (
	"context"
	"errors"
	"math"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"pouw/core/config"
	"pouw/core/header"
	"pouw/problem"
)

var log = logging.Logger("pouw/validator")

var (
	ErrMalformedProblem       = errors.New("malformed problem")
	ErrSolutionDoesNotSatisfy = errors.New("solution does not satisfy problem")
	ErrSizeOutOfBounds        = errors.New("problem size out of tier bounds")
	ErrScoreMismatch          = errors.New("declared work score mismatch")
	ErrZeroWork               = errors.New("non-positive work score")
	ErrUnknownFamily          = errors.New("unknown problem family")
	ErrUnknownTier            = errors.New("unknown tier")
)

// Claim is what a block asserts about its proof.
type Claim struct {
	Problem       problem.Problem
	Solution      problem.Solution
	Tier          string
	ExpectedSeed  header.Hash256
	DeclaredScore float64
}

// Verdict is the recomputed work of an accepted claim.
type Verdict struct {
	Score      float64
	Complexity problem.Complexity
}

type Verifier struct {
	registry *problem.Registry
	params   config.Consensus
}

func NewVerifier(registry *problem.Registry, params config.Consensus) *Verifier {
	return &Verifier{registry: registry, params: params}
}

// Verify returns the recomputed score or one of the package errors.
func (v *Verifier) Verify(ctx context.Context, c Claim) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if c.Problem.Family != v.params.ProblemFamily {
		return Verdict{}, xerrors.Errorf("family %q not allowed by consensus: %w", c.Problem.Family, ErrUnknownFamily)
	}
	fam, ok := v.registry.Lookup(c.Problem.Family)
	if !ok {
		return Verdict{}, xerrors.Errorf("family %q: %w", c.Problem.Family, ErrUnknownFamily)
	}
	tier, ok := v.params.Tier(c.Tier)
	if !ok {
		return Verdict{}, xerrors.Errorf("tier %q: %w", c.Tier, ErrUnknownTier)
	}
	if c.Problem.Size < tier.MinSize || c.Problem.Size > tier.MaxSize {
		return Verdict{}, xerrors.Errorf("size %d outside [%d, %d]: %w", c.Problem.Size, tier.MinSize, tier.MaxSize, ErrSizeOutOfBounds)
	}

	expected, err := fam.Generate(c.ExpectedSeed, tier)
	if err != nil {
		return Verdict{}, xerrors.Errorf("regenerate: %v: %w", err, ErrMalformedProblem)
	}
	if !expected.Equal(c.Problem) {
		return Verdict{}, xerrors.Errorf("instance does not match seed %s: %w", c.ExpectedSeed.Short(), ErrMalformedProblem)
	}

	ok, err = fam.Verify(c.Problem, c.Solution)
	if err != nil {
		return Verdict{}, xerrors.Errorf("verify: %v: %w", err, ErrMalformedProblem)
	}
	if !ok {
		return Verdict{}, ErrSolutionDoesNotSatisfy
	}

	score, err := fam.Score(c.Problem, c.Solution)
	if err != nil {
		return Verdict{}, xerrors.Errorf("score: %v: %w", err, ErrMalformedProblem)
	}
	if !ScoresAgree(c.DeclaredScore, score, v.params.ScoreEpsilon) {
		return Verdict{}, xerrors.Errorf("declared %v, recomputed %v: %w", c.DeclaredScore, score, ErrScoreMismatch)
	}
	if math.IsNaN(score) || score <= 0 {
		return Verdict{}, xerrors.Errorf("score %v: %w", score, ErrZeroWork)
	}

	cx, err := fam.Complexity(c.Problem)
	if err != nil {
		return Verdict{}, xerrors.Errorf("complexity: %v: %w", err, ErrMalformedProblem)
	}
	log.Debugw("proof verified", "family", fam.Name(), "size", c.Problem.Size, "score", score)
	return Verdict{Score: score, Complexity: cx}, nil
}

// ScoresAgree compares with a relative epsilon.
func ScoresAgree(declared, computed, eps float64) bool {
	diff := math.Abs(declared - computed)
	return diff <= eps*math.Max(1, math.Abs(computed))
}

// Package reward computes block gas and reward from recomputed work. Every
// function is pure: the same inputs give the same decimals on every node.
package reward

import (
	"math"

	"github.com/shopspring/decimal"

	"pouw/core/config"
	"pouw/problem"
)

// NetworkState is the rolling aggregate of a block's ancestry.
type NetworkState struct {
	CumulativeWork       float64 `json:"cumulativeWork"`
	AverageWork          float64 `json:"averageWork"`
	BlockCount           uint64  `json:"blockCount"`
	AverageBlockInterval float64 `json:"averageBlockInterval"`
	GrowthRate           float64 `json:"growthRate"`
}

type Input struct {
	WorkScore              float64
	PreviousCumulativeWork float64
	Complexity             problem.Complexity
	State                  NetworkState
}

type Outcome struct {
	Gas    decimal.Decimal
	Reward decimal.Decimal

	BaseReward      float64
	DeflationFactor float64
	DiversityBonus  float64
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Compute applies the reward curve:
//
//	base      = ln(1 + work / max(1, averageWork))
//	deflation = clamp(1 / (1 + prevWork*KDeflation), MinFloor, 1)
//	diversity = clamp(1 + work*KDiversity, 1, MaxBonus)
//	reward    = max(MinReward, base * deflation * diversity)
func Compute(params *config.Consensus, in Input) Outcome {
	ratio := in.WorkScore / math.Max(1, in.State.AverageWork)
	base := math.Log1p(ratio)
	deflation := clamp(1/(1+in.PreviousCumulativeWork*params.KDeflation), params.MinFloor, 1)
	diversity := clamp(1+in.WorkScore*params.KDiversity, 1, params.MaxBonus)
	r := math.Max(params.MinReward, base*deflation*diversity)

	return Outcome{
		Gas:             round(Gas(params, in.Complexity), params.Decimals),
		Reward:          round(r, params.Decimals),
		BaseReward:      base,
		DeflationFactor: deflation,
		DiversityBonus:  diversity,
	}
}

// Gas is monotonic in problem size and in solve/verify asymmetry.
func Gas(params *config.Consensus, c problem.Complexity) float64 {
	return params.GasBase +
		params.GasPerSize*float64(c.Size) +
		params.GasPerAsymmetry*math.Log2(1+math.Max(0, c.Asymmetry()))
}

func round(v float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(places)
}

// WithinTolerance reports whether a declared amount matches the computed one.
func WithinTolerance(declared, computed decimal.Decimal, tol float64) bool {
	return declared.Sub(computed).Abs().LessThanOrEqual(decimal.NewFromFloat(tol))
}

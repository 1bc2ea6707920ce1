package net

import (
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"pouw/core/config"
)

// Critical is the starting value of both pressures. At λ = η = 1/√2 the
// stability metric is exactly 1.
var Critical = 1 / math.Sqrt2

const (
	windowStep = 1.5
	windowMax  = 4.0
	windowMin  = 0.25
)

// Adjustment is the tolerance window change signalled by a control tick.
type Adjustment int

const (
	Hold Adjustment = iota
	// Widen means pressure ran high: coalesce more, re-broadcast less.
	Widen
	// Narrow means pressure ran low: propagate more aggressively.
	Narrow
)

func (a Adjustment) String() string {
	switch a {
	case Hold:
		return "hold"
	case Widen:
		return "widen"
	case Narrow:
		return "narrow"
	default:
		return fmt.Sprintf("adjustment(%d)", int(a))
	}
}

// Intervals are the periods of the gossip tasks derived from the pressures.
type Intervals struct {
	Broadcast time.Duration
	Listen    time.Duration
	Cleanup   time.Duration
}

// State is the outcome of one control tick.
type State struct {
	Lambda     float64
	Eta        float64
	Stability  float64
	Intervals  Intervals
	Adjustment Adjustment
	// Window scales the coalescing window; 1 is the configured DedupWindow.
	Window float64
}

// Observation holds the traffic counters of one control period.
type Observation struct {
	Attempts   int
	Delivered  int
	Received   int
	Duplicates int
}

// SuccessRatio is delivered/attempted, or target when nothing was sent.
func (o Observation) SuccessRatio(target float64) float64 {
	if o.Attempts == 0 {
		return target
	}
	return float64(o.Delivered) / float64(o.Attempts)
}

// DuplicateRatio is duplicates/received, or target when nothing arrived.
func (o Observation) DuplicateRatio(target float64) float64 {
	if o.Received == 0 {
		return target
	}
	return float64(o.Duplicates) / float64(o.Received)
}

func (o *Observation) add(x Observation) {
	o.Attempts += x.Attempts
	o.Delivered += x.Delivered
	o.Received += x.Received
	o.Duplicates += x.Duplicates
}

// Controller runs the two-variable pressure law. It is not safe for
// concurrent use; the gossip control task owns it.
type Controller struct {
	cfg    config.GossipConfig
	lambda float64
	eta    float64
	window float64
	// run counts consecutive ticks deviating in direction dir
	run int
	dir Adjustment
}

func NewController(cfg config.GossipConfig) *Controller {
	return &Controller{cfg: cfg, lambda: Critical, eta: Critical, window: 1}
}

func (c *Controller) clamp(v float64) float64 {
	return math.Max(c.cfg.MinPressure, math.Min(c.cfg.MaxPressure, v))
}

// Step applies one tick given the success ratio s and duplication ratio d:
//
//	λ' = clamp(λ + gain*(targetSuccess - s))
//	η' = clamp(η + gain*(d - targetDuplication))
//	stability = |complex(-λ', η')|
func (c *Controller) Step(s, d float64) State {
	c.lambda = c.clamp(c.lambda + c.cfg.Gain*(c.cfg.TargetSuccess-s))
	c.eta = c.clamp(c.eta + c.cfg.Gain*(d-c.cfg.TargetDuplication))
	stability := cmplx.Abs(complex(-c.lambda, c.eta))

	dir := Hold
	switch {
	case stability > 1+c.cfg.StabilityThreshold:
		dir = Widen
	case stability < 1-c.cfg.StabilityThreshold:
		dir = Narrow
	}
	if dir == Hold || dir != c.dir {
		c.run = 0
	}
	c.dir = dir

	adj := Hold
	if dir != Hold {
		c.run++
		if c.run >= c.cfg.DeviationTicks {
			adj = dir
			c.run = 0
			if dir == Widen {
				c.window = math.Min(windowMax, c.window*windowStep)
			} else {
				c.window = math.Max(windowMin, c.window/windowStep)
			}
		}
	}

	return State{
		Lambda:     c.lambda,
		Eta:        c.eta,
		Stability:  stability,
		Intervals:  c.intervals(),
		Adjustment: adj,
		Window:     c.window,
	}
}

// Current reports the state without stepping.
func (c *Controller) Current() State {
	return State{
		Lambda:    c.lambda,
		Eta:       c.eta,
		Stability: cmplx.Abs(complex(-c.lambda, c.eta)),
		Intervals: c.intervals(),
		Window:    c.window,
	}
}

func (c *Controller) intervals() Intervals {
	base := float64(c.cfg.BaseInterval.Std())
	return Intervals{
		Broadcast: time.Duration(base / c.lambda),
		Listen:    time.Duration(base / c.eta),
		Cleanup:   time.Duration(base * (c.lambda + c.eta)),
	}
}

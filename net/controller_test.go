package net

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pouw/core/config"
)

func TestControllerStartsCritical(t *testing.T) {
	c := NewController(config.Default().Gossip)
	st := c.Current()
	assert.InDelta(t, 1.0, st.Stability, 1e-12)
	assert.Equal(t, 1.0, st.Window)
	base := float64(config.Default().Gossip.BaseInterval.Std())
	assert.Equal(t, time.Duration(base/Critical), st.Intervals.Broadcast)
	assert.Equal(t, st.Intervals.Broadcast, st.Intervals.Listen)
	assert.Equal(t, time.Duration(base*(Critical+Critical)), st.Intervals.Cleanup)
	assert.InDelta(t, math.Sqrt2*float64(time.Second), float64(st.Intervals.Broadcast), 1)
}

func TestControllerHoldsAtEquilibrium(t *testing.T) {
	c := NewController(config.Default().Gossip)
	for i := 0; i < 1000; i++ {
		st := c.Step(1, 0)
		require.InDelta(t, 1.0, st.Stability, 1e-9, "tick %d", i)
		require.Equal(t, Hold, st.Adjustment, "tick %d", i)
	}
	assert.InDelta(t, Critical, c.Current().Lambda, 1e-12)
	assert.InDelta(t, Critical, c.Current().Eta, 1e-12)
}

func TestControllerWidensUnderDeliveryFailure(t *testing.T) {
	cfg := config.Default().Gossip
	c := NewController(cfg)

	var first int
	for i := 1; i <= 100 && first == 0; i++ {
		if c.Step(0, 0).Adjustment == Widen {
			first = i
		}
	}
	require.NotZero(t, first, "no widen within 100 ticks")
	assert.GreaterOrEqual(t, first, cfg.DeviationTicks)
	assert.Equal(t, windowStep, c.Current().Window)

	// The run counter restarts after an adjustment.
	for i := 1; i < cfg.DeviationTicks; i++ {
		assert.Equal(t, Hold, c.Step(0, 0).Adjustment)
	}
	assert.Equal(t, Widen, c.Step(0, 0).Adjustment)

	for i := 0; i < 200; i++ {
		c.Step(0, 0)
	}
	st := c.Current()
	assert.Equal(t, cfg.MaxPressure, st.Lambda)
	assert.Equal(t, windowMax, st.Window)
	assert.Less(t, st.Intervals.Broadcast, time.Second)
}

func TestControllerNarrowsUnderLowPressure(t *testing.T) {
	cfg := config.Default().Gossip
	cfg.TargetSuccess = 0.5
	cfg.TargetDuplication = 0.5
	c := NewController(cfg)

	narrowed := false
	for i := 0; i < 300; i++ {
		st := c.Step(1, 0)
		require.NotEqual(t, Widen, st.Adjustment)
		narrowed = narrowed || st.Adjustment == Narrow
	}
	assert.True(t, narrowed)

	st := c.Current()
	assert.Equal(t, cfg.MinPressure, st.Lambda)
	assert.Equal(t, cfg.MinPressure, st.Eta)
	assert.Equal(t, windowMin, st.Window)
	assert.Equal(t, 4*time.Second, st.Intervals.Broadcast)
	assert.Equal(t, 4*time.Second, st.Intervals.Listen)
	assert.Equal(t, 500*time.Millisecond, st.Intervals.Cleanup)
}

func TestObservationRatios(t *testing.T) {
	var o Observation
	assert.Equal(t, 0.9, o.SuccessRatio(0.9))
	assert.Equal(t, 0.1, o.DuplicateRatio(0.1))

	o.add(Observation{Attempts: 4, Delivered: 3})
	o.add(Observation{Received: 5, Duplicates: 1})
	assert.Equal(t, 0.75, o.SuccessRatio(1))
	assert.Equal(t, 0.2, o.DuplicateRatio(0))
}

package core

import (
	"math"

	"golang.org/x/xerrors"

	"pouw/core/header"
	"pouw/core/reward"
	"pouw/core/storage"
)

// NetworkStateAt derives the aggregate the reward of a child of parent is
// computed from. It reads only parent's ancestry, never the local tip, so
// every node computes the same state for the same block.
//
// The interval and growth rate come from a window of up to window blocks
// ending at parent.
func NetworkStateAt(r storage.Reader, parent *header.Header, window int) (reward.NetworkState, error) {
	if parent == nil {
		return reward.NetworkState{}, xerrors.New("network state: nil parent")
	}
	st := reward.NetworkState{
		CumulativeWork: parent.CumulativeWork,
		AverageWork:    parent.CumulativeWork / math.Max(1, float64(parent.Height)),
		BlockCount:     parent.Height + 1,
	}
	if window < 2 || parent.IsGenesis() {
		return st, nil
	}

	// walk back to the first header of the window
	first := parent
	for i := 1; i < window && !first.IsGenesis(); i++ {
		prev, err := r.GetHeader(first.PreviousHash)
		if err != nil {
			return st, xerrors.Errorf("network state: ancestor of %s: %w", first.BlockHash.Short(), err)
		}
		first = prev
	}

	blocks := float64(parent.Height - first.Height)
	span := parent.Timestamp - first.Timestamp
	if blocks > 0 && span > 0 {
		st.AverageBlockInterval = span / blocks
		st.GrowthRate = (parent.CumulativeWork - first.CumulativeWork) / span
	}
	return st, nil
}

// Package reward implements the block reward halving curve.
//
// The curve is integer and shift based so that every node computes the same
// payout for a height: reward(h) = initial >> (h / interval).
package reward

import (
	"errors"
	"math"
)

// maxShift is the largest shift that can leave a non-zero uint64.
const maxShift = 63

// ErrZeroInterval is returned by Validate when halving is enabled without an interval.
var ErrZeroInterval = errors.New("halving interval must be positive when max halvings is set")

// Schedule describes the reward curve.
type Schedule struct {
	InitialReward uint64 `json:"initial_reward"`       // Base units at height 0
	Interval      uint64 `json:"halving_interval"`     // Blocks per era (0 = constant reward)
	MaxHalvings   uint64 `json:"max_halvings"`         // Era at which rewards stop (0 = never)
	MinReward     uint64 `json:"min_reward,omitempty"` // Rewards below this snap to zero
}

// Validate checks the schedule for operator mistakes.
func (s Schedule) Validate() error {
	if s.Interval == 0 && s.MaxHalvings > 0 {
		return ErrZeroInterval
	}
	return nil
}

// Era returns the number of halvings that have happened at height.
func (s Schedule) Era(height uint64) uint64 {
	if s.Interval == 0 {
		return 0
	}
	return height / s.Interval
}

// Reward returns the block subsidy at height.
func (s Schedule) Reward(height uint64) uint64 {
	era := s.Era(height)
	if s.MaxHalvings > 0 && era >= s.MaxHalvings {
		return 0
	}
	if era > maxShift {
		return 0
	}
	r := s.InitialReward >> era
	if r < s.MinReward {
		return 0
	}
	return r
}

// NextHalving returns the first height after height at which the reward
// changes, or false when the curve is flat from here on.
func (s Schedule) NextHalving(height uint64) (uint64, bool) {
	if s.Interval == 0 || s.Reward(height) == 0 {
		return 0, false
	}
	next := (s.Era(height) + 1) * s.Interval
	if next < height {
		return 0, false
	}
	return next, true
}

// Cumulative returns the total subsidy paid for heights [0, height], saturating
// at MaxUint64. Runs in O(eras).
func (s Schedule) Cumulative(height uint64) uint64 {
	var total uint64
	start := uint64(0)
	for start <= height {
		r := s.Reward(start)
		end := height
		if next, ok := s.NextHalving(start); ok && next-1 < end {
			end = next - 1
		}
		if r > 0 {
			if end-start == math.MaxUint64 {
				return math.MaxUint64
			}
			blocks := end - start + 1
			if blocks > math.MaxUint64/r || total > math.MaxUint64-blocks*r {
				return math.MaxUint64
			}
			total += blocks * r
		} else if s.Interval == 0 || s.MaxHalvings > 0 && s.Era(start) >= s.MaxHalvings {
			break
		}
		if end == math.MaxUint64 {
			break
		}
		start = end + 1
	}
	return total
}

package reconcile

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSplit = errors.New("reconcile: invalid split")

// SplitAmounts computes the revenue-split amounts for total base units over
// integer percentages that must sum to 100. Each bucket receives
// floor(total * pct / 100).
//
// The flooring remainder is not allocated to any bucket, so the amounts may
// sum to less than total. That shortfall is intentional observed behavior;
// do not "fix" it here without changing the on-chain program to match.
func SplitAmounts(total uint64, percents []uint8) ([]uint64, error) {
	if len(percents) == 0 {
		return nil, fmt.Errorf("%w: no percentages", ErrInvalidSplit)
	}
	var sum uint64
	for _, p := range percents {
		sum += uint64(p)
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: percentages sum to %d, want 100", ErrInvalidSplit, sum)
	}
	if total > math.MaxUint64/100 {
		return nil, fmt.Errorf("%w: total %d too large", ErrInvalidSplit, total)
	}

	out := make([]uint64, len(percents))
	for i, p := range percents {
		out[i] = total * uint64(p) / 100
	}
	return out, nil
}

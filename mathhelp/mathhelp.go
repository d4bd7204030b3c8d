package mathhelp

import (
	"math"

	"golang.org/x/exp/constraints"
)

func BetweenInc(f, p, q int64) bool {
	if p <= q {
		return p <= f && f <= q
	}
	return q <= f && f <= p
}

func Pow2(n uint) uint {
	return 1 << n
}

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AlignOut grows [lo, hi] outward to the enclosing multiples of step,
// anchored at origin. Step must be positive. Multiples are matched with a
// small tolerance so accumulated float error does not add a ghost step.
func AlignOut(lo, hi, origin, step float64) (float64, float64) {
	const eps = 1e-9
	alignedLo := origin + math.Floor((lo-origin)/step+eps)*step
	alignedHi := origin + math.Ceil((hi-origin)/step-eps)*step
	return alignedLo, alignedHi
}

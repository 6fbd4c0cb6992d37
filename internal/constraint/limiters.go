package constraint

import "math"

// ClampMax caps the value at max. Abstains when max is NaN or not positive.
func ClampMax[T Number](name string, max T) Limiter[T] {
	return Limiter[T]{
		Name:  name,
		Bound: Upper,
		Fn: func(v T) (T, bool) {
			if !usable(max) || max <= 0 {
				return v, false
			}
			if v > max {
				return max, true
			}
			return v, true
		},
	}
}

// ClampMin raises the value to at least min. Abstains when min is NaN.
func ClampMin[T Number](name string, min T) Limiter[T] {
	return Limiter[T]{
		Name:  name,
		Bound: Lower,
		Fn: func(v T) (T, bool) {
			if !usable(min) {
				return v, false
			}
			if v < min {
				return min, true
			}
			return v, true
		},
	}
}

// FloorToStep rounds the value down to a multiple of step.
// Abstains when step is NaN or not positive.
func FloorToStep(name string, step float64) Limiter[float64] {
	return Limiter[float64]{
		Name:  name,
		Bound: Upper,
		Fn: func(v float64) (float64, bool) {
			if math.IsNaN(step) || step <= 0 {
				return v, false
			}
			// 1e-9 keeps exact multiples like 0.3/0.1 from flooring one step low
			floored := math.Floor(v/step+1e-9) * step
			return math.Round(floored*1e6) / 1e6, true
		},
	}
}

func usable[T Number](v T) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

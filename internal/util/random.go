package util

import (
	"math/rand/v2"
	"time"
)

// RandomDuration returns a duration drawn uniformly from [min, max).
// If max <= min it returns min.
func RandomDuration(min, max time.Duration) time.Duration {
	return Jitter(min, max, rand.Float64())
}

// Jitter maps f in [0, 1) onto [min, max). It is RandomDuration with the
// random source made explicit.
func Jitter(min, max time.Duration, f float64) time.Duration {
	if max <= min {
		return min
	}
	if f < 0 {
		f = 0
	}
	d := min + time.Duration(f*float64(max-min))
	if d >= max {
		d = max - 1
	}
	return d
}

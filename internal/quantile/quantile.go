// Package quantile computes order statistics over recorded timing samples.
package quantile

import (
	"math"
	"sort"
)

// Sample is a collection of observations, typically nanosecond durations.
type Sample struct {
	// Xs is the slice of sample values.
	Xs []float64

	// Sorted indicates that Xs is sorted in ascending order.
	Sorted bool
}

// Add appends values to the sample and clears the sorted flag.
func (s *Sample) Add(vs ...float64) {
	s.Xs = append(s.Xs, vs...)
	s.Sorted = false
}

// Sort sorts the sample values in place and returns s.
func (s *Sample) Sort() *Sample {
	if !s.Sorted && !sort.Float64sAreSorted(s.Xs) {
		sort.Float64s(s.Xs)
	}
	s.Sorted = true
	return s
}

// Bounds returns the minimum and maximum values of the sample, or zeros
// when it is empty.
func (s Sample) Bounds() (min, max float64) {
	if len(s.Xs) == 0 {
		return 0, 0
	}
	if s.Sorted {
		return s.Xs[0], s.Xs[len(s.Xs)-1]
	}
	min, max = s.Xs[0], s.Xs[0]
	for _, x := range s.Xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

// Sum returns the sum of the sample values.
func (s Sample) Sum() float64 {
	sum := 0.0
	for _, x := range s.Xs {
		sum += x
	}
	return sum
}

// Mean returns the arithmetic mean of the sample, or NaN when it is empty.
func (s Sample) Mean() float64 {
	if len(s.Xs) == 0 {
		return math.NaN()
	}
	m := 0.0
	for i, x := range s.Xs {
		m += (x - m) / float64(i+1)
	}
	return m
}

// Percentile returns the pth percentile of the sample, 0 < p <= 1,
// interpolating between adjacent values (Hyndman and Fan's R8 estimate,
// the recommendation for unknown distributions). It returns 0 for an empty
// sample. The receiver must be sorted.
func (s Sample) Percentile(p float64) float64 {
	n := len(s.Xs)
	if n == 0 {
		return 0
	}
	if !s.Sorted {
		panic("quantile: Percentile of an unsorted sample")
	}

	rank := 1/3.0 + p*(float64(n)+1/3.0)
	kf, frac := math.Modf(rank)
	k := int(kf)
	if k <= 0 {
		return s.Xs[0]
	}
	if k >= n {
		return s.Xs[n-1]
	}
	return s.Xs[k-1] + frac*(s.Xs[k]-s.Xs[k-1])
}

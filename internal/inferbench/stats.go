package inferbench

import (
	"slices"
	"time"
)

type sample interface {
	~int64 | ~float64
}

// Spread is the distribution of one metric across iterations. Durations
// encode as nanoseconds.
type Spread[T sample] struct {
	Min    T `json:"min"`
	Max    T `json:"max"`
	Mean   T `json:"mean"`
	Median T `json:"median"`
	P95    T `json:"p95"`
}

type (
	DurationStats = Spread[time.Duration]
	FloatStats    = Spread[float64]
)

// spreadOf sorts a copy of vals. Zero for no values.
func spreadOf[T sample](vals []T) Spread[T] {
	n := len(vals)
	if n == 0 {
		return Spread[T]{}
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)

	var sum T
	for _, v := range sorted {
		sum += v
	}
	mid := sorted[n/2]
	if n%2 == 0 {
		mid = (sorted[n/2-1] + mid) / 2
	}
	return Spread[T]{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / T(n),
		Median: mid,
		P95:    sorted[nearestRank(n, 95)],
	}
}

// nearestRank is the 0-based index of the pct-th percentile of n sorted
// values: ceil(n*pct/100) - 1, kept within [0, n-1].
func nearestRank(n, pct int) int {
	if n <= 0 {
		return 0
	}
	return min(max((n*pct+99)/100-1, 0), n-1)
}

func pluck[T any](results []IterationResult, field func(IterationResult) T) []T {
	out := make([]T, len(results))
	for i, r := range results {
		out[i] = field(r)
	}
	return out
}

// split partitions the iterations of one prompt into successful runs and a
// count of failed ones.
func split(results []IterationResult, name string) (ok []IterationResult, failed int) {
	for _, r := range results {
		if r.PromptName != name {
			continue
		}
		if r.Error != "" {
			failed++
			continue
		}
		ok = append(ok, r)
	}
	return ok, failed
}

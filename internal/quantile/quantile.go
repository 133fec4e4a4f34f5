package quantile

import (
	"math"
	"sort"
	"time"
)

// Quantile is a collection of possibly weighted data points.
type Quantile struct {
	Xs []float64

	// Weights[i] is the weight of Xs[i]. A nil Weights gives every value a
	// weight of 1.
	Weights []float64

	Sorted bool
}

// FromDurations builds an unweighted Quantile out of durations.
func FromDurations(ds []time.Duration) Quantile {
	xs := make([]float64, len(ds))
	for i, d := range ds {
		xs[i] = float64(d)
	}
	return Quantile{Xs: xs}
}

func (q Quantile) weight(i int) float64 {
	if q.Weights == nil {
		return 1
	}
	return q.Weights[i]
}

// Mean returns the weighted arithmetic mean, or NaN when q holds no weight.
func (q Quantile) Mean() float64 {
	m, total := 0.0, 0.0
	for i, x := range q.Xs {
		w := q.weight(i)
		if w == 0 {
			continue
		}
		total += w
		m += (x - m) * w / total
	}
	if total == 0 {
		return math.NaN()
	}
	return m
}

// Percentile returns the pctileth value of q, pctile being capped to [0, 1].
// Unweighted values are interpolated with method R8 from Hyndman and Fan
// (1996). Weighted values return the first value whose cumulative weight
// exceeds the target. Zero weight values are never returned.
func (q Quantile) Percentile(pctile float64) float64 {
	if len(q.Xs) == 0 {
		return 0
	}
	if !q.Sorted {
		q = q.sortedCopy()
	}

	if pctile <= 0 || pctile >= 1 || q.Weights != nil {
		return q.cumulative(math.Max(0, math.Min(1, pctile)))
	}

	n := 1/3.0 + pctile*(float64(len(q.Xs))+1/3.0)
	kf, frac := math.Modf(n)
	k := int(kf)
	switch {
	case k <= 0:
		return q.Xs[0]
	case k >= len(q.Xs):
		return q.Xs[len(q.Xs)-1]
	}
	return q.Xs[k-1] + frac*(q.Xs[k]-q.Xs[k-1])
}

// cumulative walks sorted values until their weight exceeds pctile of the
// total. Zero weight values are skipped so 0 and 1 yield the bounds.
func (q Quantile) cumulative(pctile float64) float64 {
	var total float64
	last := -1
	for i := range q.Xs {
		if w := q.weight(i); w > 0 {
			total += w
			last = i
		}
	}
	if last < 0 {
		return 0
	}
	if pctile >= 1 {
		return q.Xs[last]
	}
	target := total * pctile
	for i, x := range q.Xs {
		w := q.weight(i)
		if w == 0 {
			continue
		}
		target -= w
		if target < 0 {
			return x
		}
	}
	return q.Xs[last]
}

// Duration is Percentile for quantiles built with FromDurations.
func (q Quantile) Duration(pctile float64) time.Duration {
	return time.Duration(math.Round(q.Percentile(pctile)))
}

func (q Quantile) sortedCopy() Quantile {
	c := Quantile{Xs: append([]float64(nil), q.Xs...)}
	if q.Weights != nil {
		c.Weights = append([]float64(nil), q.Weights...)
	}
	c.Sort()
	return c
}

type weightedSorter Quantile

func (s *weightedSorter) Len() int           { return len(s.Xs) }
func (s *weightedSorter) Less(i, j int) bool { return s.Xs[i] < s.Xs[j] }
func (s *weightedSorter) Swap(i, j int) {
	s.Xs[i], s.Xs[j] = s.Xs[j], s.Xs[i]
	s.Weights[i], s.Weights[j] = s.Weights[j], s.Weights[i]
}

// Sort sorts the values in place and returns q.
func (q *Quantile) Sort() *Quantile {
	switch {
	case q.Sorted:
	case q.Weights == nil:
		sort.Float64s(q.Xs)
	default:
		sort.Stable((*weightedSorter)(q))
	}
	q.Sorted = true
	return q
}

// AddWeighted appends x with weight w. It panics if q already holds
// unweighted values.
func (q *Quantile) AddWeighted(x, w float64) {
	if q.Weights == nil && len(q.Xs) > 0 {
		panic("quantile: mixing weighted and unweighted values")
	}
	q.Xs = append(q.Xs, x)
	q.Weights = append(q.Weights, w)
	q.Sorted = false
}

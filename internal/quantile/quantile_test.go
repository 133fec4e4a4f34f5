package quantile

import (
	"math"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		q      Quantile
		pctile float64
		want   float64
	}{
		{
			name:   "empty",
			q:      Quantile{},
			pctile: 0.5,
			want:   0,
		},
		{
			name:   "median of odd count",
			q:      Quantile{Xs: []float64{5, 1, 3}},
			pctile: 0.5,
			want:   3,
		},
		{
			name:   "lower bound",
			q:      Quantile{Xs: []float64{5, 1, 3}},
			pctile: 0,
			want:   1,
		},
		{
			name:   "upper bound",
			q:      Quantile{Xs: []float64{5, 1, 3}},
			pctile: 1.5,
			want:   5,
		},
		{
			name:   "weighted",
			q:      Quantile{Xs: []float64{10, 20, 30}, Weights: []float64{1, 8, 1}},
			pctile: 0.5,
			want:   20,
		},
		{
			name:   "weighted bounds skip zero weights",
			q:      Quantile{Xs: []float64{10, 20, 30}, Weights: []float64{0, 8, 1}},
			pctile: 0,
			want:   20,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.q.Percentile(test.pctile); math.Abs(got-test.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", test.want, got)
			}
		})
	}
}

func TestPercentileDoesNotSortInPlace(t *testing.T) {
	q := Quantile{Xs: []float64{3, 1, 2}}
	_ = q.Percentile(0.5)
	if q.Xs[0] != 3 {
		t.Fatalf("expected the values to keep their order, got %v", q.Xs)
	}
}

func TestDurations(t *testing.T) {
	q := FromDurations([]time.Duration{4 * time.Millisecond, time.Millisecond, 2 * time.Millisecond})
	if got := q.Duration(0.5); got != 2*time.Millisecond {
		t.Fatalf("expected a median of 2ms, got %v", got)
	}
	if got := q.Duration(1); got != 4*time.Millisecond {
		t.Fatalf("expected a maximum of 4ms, got %v", got)
	}
}

func TestMean(t *testing.T) {
	if m := (Quantile{}).Mean(); !math.IsNaN(m) {
		t.Fatalf("expected NaN, got %v", m)
	}
	q := Quantile{}
	q.AddWeighted(10, 1)
	q.AddWeighted(20, 3)
	if m := q.Mean(); m != 17.5 {
		t.Fatalf("expected 17.5, got %v", m)
	}
}

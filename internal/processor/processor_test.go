package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/testutil"
)

type sumChunk struct {
	weight  time.Duration
	samples int
	indices []int
}

type sumVisitor struct {
	weight    time.Duration
	samples   int
	chunks    int
	indices   []int
	completed bool
}

func (v *sumVisitor) InitializeChunk(_, _ int) *sumChunk {
	return &sumChunk{}
}

func (v *sumVisitor) ProcessSample(s *sample.Sample, _ *sample.Stack, i int, c *sumChunk) {
	c.weight += s.Weight
	c.samples++
	c.indices = append(c.indices, i)
}

func (v *sumVisitor) CompleteChunk(c *sumChunk) {
	v.weight += c.weight
	v.samples += c.samples
	v.chunks++
	v.indices = append(v.indices, c.indices...)
}

func (v *sumVisitor) Complete() {
	v.completed = true
}

func newStore(n int) *sample.Store {
	s := sample.NewStore()
	for i := 0; i < n; i++ {
		s.Append(
			sample.Sample{Time: time.Duration(i), Weight: time.Duration(i + 1)},
			[]frame.Frame{{Function: frame.FunctionID{Number: uint32(i % 3)}}},
			sample.Context{ThreadID: int32(i % 2)},
		)
	}
	s.Seal()
	return s
}

func TestRunSumsEverySample(t *testing.T) {
	store := newStore(100)
	for _, chunks := range []int{1, 3, 8, 1000} {
		v := &sumVisitor{}
		err := Run[*sumChunk](context.Background(), store, sample.Filter{}, v, Options{ThreadCount: chunks})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.weight != 5050 || v.samples != 100 {
			t.Fatalf("chunks=%d: expected 100 samples weighing 5050, got %d weighing %d", chunks, v.samples, v.weight)
		}
		if !v.completed {
			t.Fatal("Complete should be called")
		}
		wantChunks := chunks
		if wantChunks > 100 {
			wantChunks = 100
		}
		if v.chunks != wantChunks {
			t.Fatalf("expected %d chunks, got %d", wantChunks, v.chunks)
		}
	}
}

func TestRunMaxChunks(t *testing.T) {
	v := &sumVisitor{}
	err := Run[*sumChunk](context.Background(), newStore(10), sample.Filter{}, v, Options{ThreadCount: 8, MaxChunks: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.chunks != 1 {
		t.Fatalf("expected a single chunk, got %d", v.chunks)
	}
}

func TestRunThreadFilter(t *testing.T) {
	store := newStore(100)
	v := &sumVisitor{}
	err := Run[*sumChunk](context.Background(), store, sample.ThreadFilter(1), v, Options{ThreadCount: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var want time.Duration
	for i := 1; i < 100; i += 2 {
		want += time.Duration(i + 1)
	}
	if v.weight != want || v.samples != 50 {
		t.Fatalf("expected 50 samples weighing %d, got %d weighing %d", want, v.samples, v.weight)
	}
	if v.weight > store.TotalWeight() {
		t.Fatal("a filtered run cannot weigh more than the whole store")
	}
}

func TestRunEmptyWindow(t *testing.T) {
	v := &sumVisitor{}
	filter := sample.Filter{TimeRange: &sample.TimeRange{Start: time.Hour, End: 2 * time.Hour}}
	err := Run[*sumChunk](context.Background(), newStore(10), filter, v, Options{})
	if err != nil {
		t.Fatalf("an empty window should not be an error: %v", err)
	}
	if v.samples != 0 || v.chunks != 0 || !v.completed {
		t.Fatalf("expected an empty completed run, got %+v", v)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := &sumVisitor{}
	err := Run[*sumChunk](ctx, newStore(10), sample.Filter{}, v, Options{ThreadCount: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if v.completed {
		t.Fatal("Complete should not run after a cancellation")
	}
}

func TestPartitionSingleThreadUsesThreadRanges(t *testing.T) {
	store := newStore(10)
	chunks := Partition(store, sample.ThreadFilter(0), 2)
	var got []sample.IndexRange
	for _, c := range chunks {
		got = append(got, c.Ranges...)
	}
	want := []sample.IndexRange{
		{Start: 0, End: 1},
		{Start: 2, End: 3},
		{Start: 4, End: 5},
		{Start: 6, End: 7},
		{Start: 8, End: 9},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if len(chunks) != 2 || chunks[0].Len() != 3 || chunks[1].Len() != 2 {
		t.Fatalf("expected chunks of 3 and 2 samples, got %+v", chunks)
	}
}

func TestPartitionSplitsWindow(t *testing.T) {
	store := newStore(10)
	chunks := Partition(store, sample.Filter{SampleRange: &sample.IndexRange{Start: 2, End: 9}}, 3)
	want := []Chunk{
		{Ranges: []sample.IndexRange{{Start: 2, End: 5}}},
		{Ranges: []sample.IndexRange{{Start: 5, End: 8}}},
		{Ranges: []sample.IndexRange{{Start: 8, End: 9}}},
	}
	if diff := testutil.Diff(chunks, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics("test")
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("we should be able to register the metrics: %v", err)
	}
	v := &sumVisitor{}
	err := Run[*sumChunk](context.Background(), newStore(10), sample.Filter{}, v, Options{ThreadCount: 2, Metrics: m, Name: "sum"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

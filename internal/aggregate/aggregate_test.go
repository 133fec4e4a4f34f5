package aggregate

import (
	"testing"
	"time"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/testutil"
)

var (
	fnA = frame.FunctionID{SummaryID: 1, Number: 1}
	fnB = frame.FunctionID{SummaryID: 1, Number: 2}
	fnC = frame.FunctionID{SummaryID: 2, Number: 1}
)

func fr(fn frame.FunctionID, module debugmeta.ModuleID, rva uint64) frame.Frame {
	return frame.Frame{
		Function:  fn,
		Module:    module,
		DebugInfo: frame.DebugInfo{RVA: 0x1000 * uint64(fn.Number), Size: 0x100},
		FrameRVA:  rva,
	}
}

func stack(tid int32, frames ...frame.Frame) *sample.Stack {
	return &sample.Stack{Frames: frames, Context: sample.Context{ThreadID: tid}}
}

func TestAccumulatorAddSample(t *testing.T) {
	acc := NewAccumulator()
	// A (module 1) calls B (module 2), which recurses through A.
	acc.AddSample(&sample.Sample{Weight: 10}, stack(1, fr(fnB, 2, 0x2010), fr(fnA, 1, 0x1020), fr(fnB, 2, 0x2030), fr(fnA, 1, 0x1040)), 3)
	acc.AddSample(&sample.Sample{Weight: 5}, stack(2, fr(fnA, 1, 0x1020)), 7)
	acc.AddSample(&sample.Sample{Weight: 2}, stack(2, frame.Frame{IsUnknown: true}, fr(fnC, 3, 0)), 8)
	acc.AddSample(&sample.Sample{Weight: 1}, stack(1, frame.Frame{IsUnknown: true}), 9)
	acc.AddSample(&sample.Sample{Weight: 4}, nil, 10)

	p := NewProfile()
	p.Merge(acc)
	p.Complete()

	if p.TotalWeight() != 22 || p.ProfileWeight() != 17 || p.SampleCount() != 5 {
		t.Fatalf("unexpected totals: total %v, profile %v, samples %d", p.TotalWeight(), p.ProfileWeight(), p.SampleCount())
	}

	want := map[frame.FunctionID]*FunctionProfileData{
		fnA: {
			Function:          fnA,
			Module:            1,
			Weight:            15,
			ExclusiveWeight:   5,
			InstructionWeight: map[uint64]time.Duration{0x20: 15},
			SampleStartIndex:  3,
			SampleEndIndex:    7,
		},
		fnB: {
			Function:          fnB,
			Module:            2,
			Weight:            10,
			ExclusiveWeight:   10,
			InstructionWeight: map[uint64]time.Duration{0x10: 10},
			SampleStartIndex:  3,
			SampleEndIndex:    3,
		},
		fnC: {
			Function:          fnC,
			Module:            3,
			Weight:            2,
			InstructionWeight: map[uint64]time.Duration{},
			SampleStartIndex:  8,
			SampleEndIndex:    8,
		},
	}
	if diff := testutil.Diff(p.Functions(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	wantModules := map[debugmeta.ModuleID]time.Duration{1: 5, 2: 10, 3: 2}
	if diff := testutil.Diff(p.ModuleWeights(), wantModules); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	// The sample with an unknown leaf credits module 3 but no exclusive weight.
	var moduleSum, exclusiveSum time.Duration
	for _, w := range p.ModuleWeights() {
		moduleSum += w
	}
	for _, d := range p.Functions() {
		exclusiveSum += d.ExclusiveWeight
	}
	if moduleSum != p.ProfileWeight() || exclusiveSum != p.ProfileWeight()-2 {
		t.Fatalf("expected modules to sum to %v and exclusive weights to %v, got %v and %v",
			p.ProfileWeight(), p.ProfileWeight()-2, moduleSum, exclusiveSum)
	}

	wantThreads := []ThreadSummary{
		{ThreadID: 1, Weight: 11, SampleCount: 2},
		{ThreadID: 2, Weight: 7, SampleCount: 2},
	}
	if diff := testutil.Diff(p.Threads(), wantThreads); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestProfileMerge(t *testing.T) {
	first, second := NewAccumulator(), NewAccumulator()
	first.AddSample(&sample.Sample{Weight: 3}, stack(1, fr(fnA, 1, 0x1010)), 4)
	second.AddSample(&sample.Sample{Weight: 2}, stack(2, fr(fnA, 1, 0x1010)), 1)
	second.AddSample(&sample.Sample{Weight: 6}, stack(2, fr(fnB, 1, 0x2000), fr(fnA, 1, 0x1030)), 9)

	p := NewProfile()
	p.Merge(first)
	p.Merge(second)
	p.Complete()

	a, ok := p.Function(fnA)
	if !ok {
		t.Fatal("expected A to be aggregated")
	}
	if a.Weight != 11 || a.ExclusiveWeight != 5 {
		t.Fatalf("expected A to weigh 11/5, got %v/%v", a.Weight, a.ExclusiveWeight)
	}
	if a.SampleStartIndex != 1 || a.SampleEndIndex != 9 {
		t.Fatalf("expected A to span samples 1 to 9, got %d to %d", a.SampleStartIndex, a.SampleEndIndex)
	}
	if diff := testutil.Diff(a.HottestInstructions(), []uint64{0x30, 0x10}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	var got []frame.FunctionID
	for _, data := range p.SortedFunctions() {
		got = append(got, data.Function)
	}
	if diff := testutil.Diff(got, []frame.FunctionID{fnA, fnB}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if p.Threads()[0].ThreadID != 2 {
		t.Fatalf("expected thread 2 to be the heaviest, got %+v", p.Threads())
	}
}

func TestAddCounters(t *testing.T) {
	store := sample.NewStore()
	ctx1, ctx2 := sample.Context{ThreadID: 1}, sample.Context{ThreadID: 2}
	store.Append(sample.Sample{Time: 10, Weight: 1}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx1)
	store.Append(sample.Sample{Time: 20, Weight: 1}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx1)
	store.Append(sample.Sample{Time: 30, Weight: 1}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx2)

	store.AppendCounter(sample.CounterEvent{Time: 12, CounterID: 1, Value: 100}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx1)
	store.AppendCounter(sample.CounterEvent{Time: 15, CounterID: 1, Value: 50}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx1)
	store.AppendCounter(sample.CounterEvent{Time: 18, CounterID: 2, Value: 7}, []frame.Frame{fr(fnA, 1, 0x1020)}, ctx1)
	store.AppendCounter(sample.CounterEvent{Time: 25, CounterID: 1, Value: 1}, []frame.Frame{fr(fnA, 1, 0x1010)}, ctx2)
	store.AppendCounter(sample.CounterEvent{Time: 40, CounterID: 1, Value: 9}, []frame.Frame{fr(fnB, 1, 0x2010)}, ctx1)
	store.AppendCounter(sample.CounterEvent{Time: 13, CounterID: 1, Value: 3}, []frame.Frame{{IsUnknown: true}}, ctx1)
	store.AppendCounter(sample.CounterEvent{Time: 14, CounterID: 1, Value: 3}, nil, ctx1)
	store.Seal()

	tests := []struct {
		name   string
		filter sample.Filter
		want   map[frame.FunctionID]map[uint64]*CounterSet
	}{
		{
			name:   "everything",
			filter: sample.Filter{},
			want: map[frame.FunctionID]map[uint64]*CounterSet{
				fnA: {
					0x10: {Values: map[int]uint64{1: 151}},
					0x20: {Values: map[int]uint64{2: 7}},
				},
				fnB: {
					0x10: {Values: map[int]uint64{1: 9}},
				},
			},
		},
		{
			name:   "thread",
			filter: sample.ThreadFilter(2),
			want: map[frame.FunctionID]map[uint64]*CounterSet{
				fnA: {
					0x10: {Values: map[int]uint64{1: 1}},
				},
			},
		},
		{
			name:   "time range",
			filter: sample.Filter{TimeRange: &sample.TimeRange{Start: 10, End: 20}},
			want: map[frame.FunctionID]map[uint64]*CounterSet{
				fnA: {
					0x10: {Values: map[int]uint64{1: 150}},
					0x20: {Values: map[int]uint64{2: 7}},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := NewProfile()
			p.AddCounters(store, test.filter)
			got := make(map[frame.FunctionID]map[uint64]*CounterSet)
			for id, data := range p.Functions() {
				if len(data.Counters) > 0 {
					got[id] = data.Counters
				}
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

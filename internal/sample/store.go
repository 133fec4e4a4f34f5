package sample

import (
	"sort"
	"time"

	"github.com/getsentry/sampletree/internal/frame"
)

// IndexRange is a half-open range of sample indices.
type IndexRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r IndexRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r IndexRange) Intersect(other IndexRange) IndexRange {
	if other.Start > r.Start {
		r.Start = other.Start
	}
	if other.End < r.End {
		r.End = other.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Store is an append-only, randomly indexable sequence of samples and
// their resolved stacks. Once sealed, samples are ordered by time and the
// per-thread index ranges are available. A sealed store is safe for
// concurrent reads.
type Store struct {
	samples      []Sample
	stacks       *StackTable
	contexts     []Context
	contextIndex map[Context]int
	counters     []CounterEvent

	threadRanges map[int32][]IndexRange
	totalWeight  time.Duration
	sorted       bool
	sealed       bool
}

func NewStore() *Store {
	return &Store{
		stacks:       NewStackTable(),
		contextIndex: make(map[Context]int),
		sorted:       true,
	}
}

// Append adds a sample whose stack is given leaf first. An empty frames
// slice records a sample without a stack.
func (s *Store) Append(smpl Sample, frames []frame.Frame, ctx Context) int {
	if s.sealed {
		panic("sample: append to a sealed store")
	}
	smpl.ContextRef = s.addContext(ctx)
	if len(frames) == 0 {
		smpl.StackRef = NoStack
	} else {
		smpl.StackRef = s.stacks.Intern(frames, ctx)
	}
	if n := len(s.samples); n > 0 && s.samples[n-1].Time > smpl.Time {
		s.sorted = false
	}
	s.samples = append(s.samples, smpl)
	s.totalWeight += smpl.Weight
	return len(s.samples) - 1
}

// AppendCounter records a performance counter event with its stack.
func (s *Store) AppendCounter(e CounterEvent, frames []frame.Frame, ctx Context) {
	if s.sealed {
		panic("sample: append to a sealed store")
	}
	if len(frames) == 0 {
		e.StackRef = NoStack
	} else {
		e.StackRef = s.stacks.Intern(frames, ctx)
	}
	s.counters = append(s.counters, e)
}

func (s *Store) addContext(ctx Context) int {
	if ref, ok := s.contextIndex[ctx]; ok {
		return ref
	}
	ref := len(s.contexts)
	s.contexts = append(s.contexts, ctx)
	s.contextIndex[ctx] = ref
	return ref
}

// Seal orders the samples by time and computes the per-thread ranges.
// Calling it more than once is a no-op.
func (s *Store) Seal() {
	if s.sealed {
		return
	}
	if !s.sorted {
		sort.SliceStable(s.samples, func(i, j int) bool {
			return s.samples[i].Time < s.samples[j].Time
		})
		s.sorted = true
	}
	sort.SliceStable(s.counters, func(i, j int) bool {
		return s.counters[i].Time < s.counters[j].Time
	})
	s.threadRanges = make(map[int32][]IndexRange)
	start := 0
	for i := 1; i <= len(s.samples); i++ {
		if i < len(s.samples) && s.ThreadID(i) == s.ThreadID(start) {
			continue
		}
		tid := s.ThreadID(start)
		s.threadRanges[tid] = append(s.threadRanges[tid], IndexRange{Start: start, End: i})
		start = i
	}
	s.sealed = true
}

func (s *Store) Sealed() bool {
	return s.sealed
}

func (s *Store) Len() int {
	return len(s.samples)
}

// At returns the sample at index i and its stack. The stack is nil for
// samples without one.
func (s *Store) At(i int) (*Sample, *Stack) {
	smpl := &s.samples[i]
	return smpl, s.stacks.Stack(smpl.StackRef)
}

func (s *Store) Context(i int) Context {
	return s.contexts[s.samples[i].ContextRef]
}

func (s *Store) ThreadID(i int) int32 {
	return s.contexts[s.samples[i].ContextRef].ThreadID
}

func (s *Store) Stack(ref int) *Stack {
	return s.stacks.Stack(ref)
}

func (s *Store) Counters() []CounterEvent {
	return s.counters
}

func (s *Store) TotalWeight() time.Duration {
	return s.totalWeight
}

// ThreadRanges returns the contiguous index ranges holding the samples of
// a thread, in ascending order.
func (s *Store) ThreadRanges(tid int32) []IndexRange {
	return s.threadRanges[tid]
}

// Threads returns the ids of all threads with samples, sorted.
func (s *Store) Threads() []int32 {
	tids := make([]int32, 0, len(s.threadRanges))
	for tid := range s.threadRanges {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids
}

// Window returns the sample index range selected by the filter's sample
// and time ranges, defaulting to the whole store.
func (s *Store) Window(f Filter) IndexRange {
	w := IndexRange{Start: 0, End: len(s.samples)}
	if f.SampleRange != nil {
		w = w.Intersect(*f.SampleRange)
	}
	if f.TimeRange != nil {
		w = w.Intersect(s.IndexRange(*f.TimeRange))
	}
	return w
}

// IndexRange returns the indices of the samples with a time inside tr,
// both ends included.
func (s *Store) IndexRange(tr TimeRange) IndexRange {
	start := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Time >= tr.Start
	})
	end := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Time > tr.End
	})
	if end < start {
		end = start
	}
	return IndexRange{Start: start, End: end}
}

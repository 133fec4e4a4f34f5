package sample

import (
	"time"

	"github.com/getsentry/sampletree/internal/frame"
)

type TimeRange struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Filter selects the samples an aggregation runs over. Instances restricts
// the samples to those whose call path goes through one of the given
// call-tree node instances.
type Filter struct {
	TimeRange   *TimeRange
	SampleRange *IndexRange
	ThreadIDs   map[int32]struct{}
	Instances   []frame.Path
}

func ThreadFilter(tids ...int32) Filter {
	f := Filter{ThreadIDs: make(map[int32]struct{}, len(tids))}
	for _, tid := range tids {
		f.ThreadIDs[tid] = struct{}{}
	}
	return f
}

// IncludesAll returns true when the filter selects every sample.
func (f Filter) IncludesAll() bool {
	hasRange := f.TimeRange != nil || f.SampleRange != nil
	return !hasRange && len(f.ThreadIDs) == 0 && len(f.Instances) == 0
}

// SingleThread returns the thread id when exactly one thread is selected.
func (f Filter) SingleThread() (int32, bool) {
	if len(f.ThreadIDs) != 1 {
		return 0, false
	}
	for tid := range f.ThreadIDs {
		return tid, true
	}
	return 0, false
}

func (f Filter) MatchesThread(tid int32) bool {
	if len(f.ThreadIDs) == 0 {
		return true
	}
	_, ok := f.ThreadIDs[tid]
	return ok
}

func (f Filter) MatchesInstance(stack *Stack) bool {
	if len(f.Instances) == 0 {
		return true
	}
	for _, p := range f.Instances {
		if stack.HasPrefix(p) {
			return true
		}
	}
	return false
}

package aggregate

import (
	"time"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
)

// Accumulator holds the flat aggregates of one chunk of samples. It is not
// safe for concurrent use: each chunk owns one and folds it into a Profile
// once done.
type Accumulator struct {
	functions map[frame.FunctionID]*FunctionProfileData
	modules   map[debugmeta.ModuleID]time.Duration
	threads   map[int32]*ThreadSummary

	totalWeight   time.Duration
	profileWeight time.Duration
	sampleCount   int

	seen map[frame.FunctionID]struct{}
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		functions: make(map[frame.FunctionID]*FunctionProfileData),
		modules:   make(map[debugmeta.ModuleID]time.Duration),
		threads:   make(map[int32]*ThreadSummary),
		seen:      make(map[frame.FunctionID]struct{}),
	}
}

// AddSample attributes a sample to the functions and the module of its
// stack. Every sample counts toward the total weight. Samples without a
// stack are not attributed to a thread and samples without a resolved
// frame are not attributed to a function.
func (a *Accumulator) AddSample(s *sample.Sample, stack *sample.Stack, index int) {
	a.totalWeight += s.Weight
	a.sampleCount++
	if stack == nil {
		return
	}

	ts, ok := a.threads[stack.Context.ThreadID]
	if !ok {
		ts = &ThreadSummary{ThreadID: stack.Context.ThreadID}
		a.threads[stack.Context.ThreadID] = ts
	}
	ts.Weight += s.Weight
	ts.SampleCount++

	if stack.IsUnknown() {
		return
	}
	a.profileWeight += s.Weight

	moduleCredited := false
	for i, f := range stack.Frames {
		if f.IsUnknown {
			continue
		}
		// The first resolved frame is the canonical module of the sample.
		if !moduleCredited {
			a.modules[f.Module] += s.Weight
			moduleCredited = true
		}
		data := a.function(f)
		if i == 0 {
			data.ExclusiveWeight += s.Weight
		}
		if _, ok := a.seen[f.Function]; ok {
			continue
		}
		a.seen[f.Function] = struct{}{}
		data.Weight += s.Weight
		data.touch(index)
		if offset, ok := f.InstructionOffset(); ok {
			data.InstructionWeight[offset] += s.Weight
		}
	}
	clear(a.seen)
}

func (a *Accumulator) function(f frame.Frame) *FunctionProfileData {
	data, ok := a.functions[f.Function]
	if !ok {
		data = newFunctionProfileData(f)
		a.functions[f.Function] = data
	}
	return data
}

func (a *Accumulator) TotalWeight() time.Duration {
	return a.totalWeight
}

func (a *Accumulator) SampleCount() int {
	return a.sampleCount
}

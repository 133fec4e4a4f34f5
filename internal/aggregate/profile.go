package aggregate

import (
	"sort"
	"time"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
)

// Profile is the merged flat aggregate of a set of samples. Merge is not
// safe for concurrent use, the chunk processor serializes it.
type Profile struct {
	functions map[frame.FunctionID]*FunctionProfileData
	modules   map[debugmeta.ModuleID]time.Duration
	threads   map[int32]*ThreadSummary
	sorted    []ThreadSummary

	totalWeight   time.Duration
	profileWeight time.Duration
	sampleCount   int
}

func NewProfile() *Profile {
	return &Profile{
		functions: make(map[frame.FunctionID]*FunctionProfileData),
		modules:   make(map[debugmeta.ModuleID]time.Duration),
		threads:   make(map[int32]*ThreadSummary),
	}
}

// Merge folds the aggregates of a chunk into the profile.
func (p *Profile) Merge(a *Accumulator) {
	p.totalWeight += a.totalWeight
	p.profileWeight += a.profileWeight
	p.sampleCount += a.sampleCount
	for id, data := range a.functions {
		dst, ok := p.functions[id]
		if !ok {
			p.functions[id] = data
			continue
		}
		dst.merge(data)
	}
	for m, w := range a.modules {
		p.modules[m] += w
	}
	for tid, ts := range a.threads {
		dst, ok := p.threads[tid]
		if !ok {
			dst = &ThreadSummary{ThreadID: tid}
			p.threads[tid] = dst
		}
		dst.Weight += ts.Weight
		dst.SampleCount += ts.SampleCount
	}
}

// Complete orders the thread summaries by descending weight.
func (p *Profile) Complete() {
	p.sorted = make([]ThreadSummary, 0, len(p.threads))
	for _, ts := range p.threads {
		p.sorted = append(p.sorted, *ts)
	}
	sort.Slice(p.sorted, func(i, j int) bool {
		if p.sorted[i].Weight != p.sorted[j].Weight {
			return p.sorted[i].Weight > p.sorted[j].Weight
		}
		return p.sorted[i].ThreadID < p.sorted[j].ThreadID
	})
}

// AddCounters attributes the counter events selected by the filter to the
// instruction offset of the top frame of their stack. Events whose top
// frame is unresolved or has no debug info are dropped.
func (p *Profile) AddCounters(store *sample.Store, filter sample.Filter) {
	var (
		bounded    = filter.TimeRange != nil || filter.SampleRange != nil
		start, end time.Duration
	)
	if bounded {
		w := store.Window(filter)
		if w.Len() == 0 {
			return
		}
		first, _ := store.At(w.Start)
		last, _ := store.At(w.End - 1)
		start, end = first.Time, last.Time
	}
	for _, e := range store.Counters() {
		if bounded && (e.Time < start || e.Time > end) {
			continue
		}
		stack := store.Stack(e.StackRef)
		top, ok := stack.Top()
		if !ok || top.IsUnknown {
			continue
		}
		if !filter.MatchesThread(stack.Context.ThreadID) || !filter.MatchesInstance(stack) {
			continue
		}
		offset, ok := top.InstructionOffset()
		if !ok {
			continue
		}
		data, ok := p.functions[top.Function]
		if !ok {
			data = newFunctionProfileData(top)
			p.functions[top.Function] = data
		}
		data.addCounter(offset, e.CounterID, e.Value)
	}
}

func (p *Profile) Function(id frame.FunctionID) (*FunctionProfileData, bool) {
	data, ok := p.functions[id]
	return data, ok
}

func (p *Profile) Functions() map[frame.FunctionID]*FunctionProfileData {
	return p.functions
}

// SortedFunctions returns the functions by descending inclusive weight.
func (p *Profile) SortedFunctions() []*FunctionProfileData {
	functions := make([]*FunctionProfileData, 0, len(p.functions))
	for _, data := range p.functions {
		functions = append(functions, data)
	}
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].Weight != functions[j].Weight {
			return functions[i].Weight > functions[j].Weight
		}
		return functions[i].Function.Less(functions[j].Function)
	})
	return functions
}

// ModuleWeights credits every sample with a resolved frame to the module of
// its topmost resolved frame, so the weights add up to ProfileWeight.
// Exclusive function weight only goes to a resolved leaf frame: a sample
// whose leaf is unknown credits a module but no exclusive weight.
func (p *Profile) ModuleWeights() map[debugmeta.ModuleID]time.Duration {
	return p.modules
}

// Threads returns the thread summaries sorted by Complete.
func (p *Profile) Threads() []ThreadSummary {
	return p.sorted
}

// TotalWeight is the weight of every sample processed.
func (p *Profile) TotalWeight() time.Duration {
	return p.totalWeight
}

// ProfileWeight is the weight of the samples with at least one resolved
// frame.
func (p *Profile) ProfileWeight() time.Duration {
	return p.profileWeight
}

func (p *Profile) SampleCount() int {
	return p.sampleCount
}

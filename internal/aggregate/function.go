package aggregate

import (
	"sort"
	"time"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
)

type (
	// CounterSet holds accumulated performance counter values by counter
	// id.
	CounterSet struct {
		Values map[int]uint64 `json:"values"`
	}

	// FunctionProfileData is the flat aggregate of a function over every
	// call path it was sampled on.
	FunctionProfileData struct {
		Function        frame.FunctionID   `json:"function"`
		Module          debugmeta.ModuleID `json:"module"`
		Weight          time.Duration      `json:"weight"`
		ExclusiveWeight time.Duration      `json:"exclusive_weight"`
		// InstructionWeight maps an offset inside the function to the
		// weight of the samples observed there.
		InstructionWeight map[uint64]time.Duration `json:"instruction_weight,omitempty"`
		Counters          map[uint64]*CounterSet   `json:"counters,omitempty"`
		// SampleStartIndex and SampleEndIndex bound the indices of the
		// samples the function was seen in. Both are -1 until then.
		SampleStartIndex int `json:"sample_start_index"`
		SampleEndIndex   int `json:"sample_end_index"`
	}

	ThreadSummary struct {
		ThreadID    int32         `json:"thread_id"`
		Weight      time.Duration `json:"weight"`
		SampleCount int           `json:"sample_count"`
	}
)

func NewCounterSet() *CounterSet {
	return &CounterSet{Values: make(map[int]uint64)}
}

func (c *CounterSet) Add(counterID int, value uint64) {
	c.Values[counterID] += value
}

func (c *CounterSet) Merge(other *CounterSet) {
	for id, v := range other.Values {
		c.Values[id] += v
	}
}

func newFunctionProfileData(f frame.Frame) *FunctionProfileData {
	return &FunctionProfileData{
		Function:          f.Function,
		Module:            f.Module,
		InstructionWeight: make(map[uint64]time.Duration),
		SampleStartIndex:  -1,
		SampleEndIndex:    -1,
	}
}

func (d *FunctionProfileData) touch(index int) {
	if d.SampleStartIndex < 0 || index < d.SampleStartIndex {
		d.SampleStartIndex = index
	}
	if index > d.SampleEndIndex {
		d.SampleEndIndex = index
	}
}

func (d *FunctionProfileData) addCounter(offset uint64, counterID int, value uint64) {
	if d.Counters == nil {
		d.Counters = make(map[uint64]*CounterSet)
	}
	set, ok := d.Counters[offset]
	if !ok {
		set = NewCounterSet()
		d.Counters[offset] = set
	}
	set.Add(counterID, value)
}

func (d *FunctionProfileData) merge(other *FunctionProfileData) {
	d.Weight += other.Weight
	d.ExclusiveWeight += other.ExclusiveWeight
	for offset, w := range other.InstructionWeight {
		d.InstructionWeight[offset] += w
	}
	for offset, set := range other.Counters {
		if d.Counters == nil {
			d.Counters = make(map[uint64]*CounterSet)
		}
		dst, ok := d.Counters[offset]
		if !ok {
			dst = NewCounterSet()
			d.Counters[offset] = dst
		}
		dst.Merge(set)
	}
	if other.SampleStartIndex >= 0 {
		d.touch(other.SampleStartIndex)
		d.touch(other.SampleEndIndex)
	}
}

// HottestInstructions returns the instruction offsets of the function by
// descending weight.
func (d *FunctionProfileData) HottestInstructions() []uint64 {
	offsets := make([]uint64, 0, len(d.InstructionWeight))
	for offset := range d.InstructionWeight {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool {
		wi, wj := d.InstructionWeight[offsets[i]], d.InstructionWeight[offsets[j]]
		if wi != wj {
			return wi > wj
		}
		return offsets[i] < offsets[j]
	})
	return offsets
}

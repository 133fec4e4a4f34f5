package speedscope

import (
	"sort"
	"strconv"

	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"
	ValueUnitCount       ValueUnit = "count"

	ProfileTypeSampled ProfileType = "sampled"
)

type (
	Frame struct {
		Name          string `json:"name"`
		Image         string `json:"file,omitempty"`
		IsApplication bool   `json:"is_application"`
		Inline        bool   `json:"inline,omitempty"`
	}

	SampledProfile struct {
		EndValue     uint64      `json:"endValue"`
		IsMainThread bool        `json:"isMainThread"`
		Name         string      `json:"name"`
		Samples      [][]int     `json:"samples"`
		StartValue   uint64      `json:"startValue"`
		ThreadID     int32       `json:"threadID"`
		Type         ProfileType `json:"type"`
		Unit         ValueUnit   `json:"unit"`
		Weights      []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	// Output is a speedscope file with one sampled profile per thread.
	Output struct {
		Schema             string            `json:"$schema"`
		ActiveProfileIndex int               `json:"activeProfileIndex"`
		Exporter           string            `json:"exporter"`
		Name               string            `json:"name"`
		Profiles           []*SampledProfile `json:"profiles"`
		Shared             SharedData        `json:"shared"`
	}

	builder struct {
		registry frame.Registry
		frames   []Frame
		indices  map[frame.FunctionID]int
	}
)

func (b *builder) frameIndex(f frame.Frame) int {
	if i, ok := b.indices[f.Function]; ok {
		return i
	}
	i := len(b.frames)
	b.indices[f.Function] = i
	b.frames = append(b.frames, Frame{
		Name:          frame.FunctionName(b.registry, f.Function),
		Image:         frame.ModuleName(b.registry, f.Module),
		IsApplication: f.Kind == frame.KindNativeUser,
		Inline:        f.FrameRVA == 0 && f.DebugInfo.Size == 0,
	})
	return i
}

// stack returns the frame indices of a stack from the outermost caller down
// to the leaf. Unknown frames are left out.
func (b *builder) stack(s *sample.Stack) []int {
	indices := make([]int, 0, len(s.Frames))
	for i := len(s.Frames) - 1; i >= 0; i-- {
		if s.Frames[i].IsUnknown {
			continue
		}
		indices = append(indices, b.frameIndex(s.Frames[i]))
	}
	return indices
}

// FromStore exports the samples selected by filter. Samples without a stack
// are kept with an empty stack so each profile sums to its thread weight.
func FromStore(store *sample.Store, filter sample.Filter, registry frame.Registry, name string) Output {
	b := &builder{registry: registry, indices: make(map[frame.FunctionID]int)}
	profiles := make(map[int32]*SampledProfile)
	weights := make(map[int32]uint64)

	window := store.Window(filter)
	for i := window.Start; i < window.End; i++ {
		tid := store.ThreadID(i)
		if !filter.MatchesThread(tid) {
			continue
		}
		s, stack := store.At(i)
		if stack == nil && len(filter.Instances) > 0 {
			continue
		}
		if stack != nil && !filter.MatchesInstance(stack) {
			continue
		}
		p, ok := profiles[tid]
		if !ok {
			ctx := store.Context(i)
			p = &SampledProfile{
				IsMainThread: ctx.ThreadID == ctx.ProcessID,
				Name:         threadName(tid),
				StartValue:   uint64(s.Time),
				ThreadID:     tid,
				Type:         ProfileTypeSampled,
				Unit:         ValueUnitNanoseconds,
			}
			profiles[tid] = p
		}
		var indices []int
		if stack != nil {
			indices = b.stack(stack)
		} else {
			indices = []int{}
		}
		p.Samples = append(p.Samples, indices)
		p.Weights = append(p.Weights, uint64(s.Weight))
		p.EndValue = uint64(s.Time + s.Weight)
		weights[tid] += uint64(s.Weight)
	}

	tids := make([]int32, 0, len(profiles))
	for tid := range profiles {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	o := Output{
		Schema:   Schema,
		Exporter: "sampletree",
		Name:     name,
		Profiles: make([]*SampledProfile, 0, len(tids)),
		Shared:   SharedData{Frames: b.frames},
	}
	var heaviest uint64
	for i, tid := range tids {
		o.Profiles = append(o.Profiles, profiles[tid])
		if weights[tid] > heaviest {
			heaviest = weights[tid]
			o.ActiveProfileIndex = i
		}
	}
	if o.Shared.Frames == nil {
		o.Shared.Frames = []Frame{}
	}
	return o
}

func threadName(tid int32) string {
	return "thread " + strconv.FormatInt(int64(tid), 10)
}

// SortSamplesForFlamegraph orders the samples of every profile
// alphabetically by frame name and counts each sample once.
func (o *Output) SortSamplesForFlamegraph() {
	for _, p := range o.Profiles {
		SortSamplesAlphabetically(p.Samples, o.Shared.Frames)
		p.Unit = ValueUnitCount
		for i := range p.Weights {
			p.Weights[i] = 1
		}
	}
}

func SortSamplesAlphabetically(samples [][]int, frames []Frame) {
	sort.SliceStable(samples, func(i, j int) bool {
		c := 0
		for {
			if len(samples[i]) == c {
				return len(samples[j]) != c
			} else if len(samples[j]) == c {
				return false
			}
			if frames[samples[i][c]].Name != frames[samples[j][c]].Name {
				return frames[samples[i][c]].Name < frames[samples[j][c]].Name
			}
			c++
		}
	})
}

package pprofutil

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
)

// Numeric labels read from samples.
const (
	LabelThreadID  = "thread_id"
	LabelProcessID = "pid"
	LabelCPU       = "cpu"
	LabelTimestamp = "timestamp"
)

var ErrNoSampleType = errors.New("pprofutil: sample type not found")

type Options struct {
	// SampleType selects the value used as the sample weight. The profile
	// default sample type is used when empty, or the last one when the
	// profile has no default.
	SampleType string
}

type (
	symbol struct {
		start, end uint64
	}

	importer struct {
		p        *profile.Profile
		store    *sample.Store
		registry *frame.MapRegistry
		symbols  map[frame.FunctionID]*symbol
		frames   map[uint64][]frame.Frame
	}
)

// Parse reads a gzipped or uncompressed pprof profile and imports it.
func Parse(r io.Reader, opts Options) (*sample.Store, *frame.MapRegistry, error) {
	p, err := profile.Parse(r)
	if err != nil {
		return nil, nil, err
	}
	return Import(p, opts)
}

// Import converts a pprof profile into a sealed sample store and the
// registry naming its functions and modules. Every mapping becomes a
// module and functions are identified by their mapping and function ids.
func Import(p *profile.Profile, opts Options) (*sample.Store, *frame.MapRegistry, error) {
	valueIndex, err := sampleTypeIndex(p, opts.SampleType)
	if err != nil {
		return nil, nil, err
	}
	scale := weightScale(p, p.SampleType[valueIndex])

	im := &importer{
		p:        p,
		store:    sample.NewStore(),
		registry: frame.NewMapRegistry(),
		symbols:  make(map[frame.FunctionID]*symbol),
		frames:   make(map[uint64][]frame.Frame),
	}
	im.registerMappings()
	im.collectSymbols()

	var period time.Duration
	if isTimeUnit(p.PeriodType) && p.Period > 0 {
		period = time.Duration(p.Period) * unitScale(p.PeriodType)
	}
	for i, s := range p.Sample {
		if valueIndex >= len(s.Value) {
			return nil, nil, fmt.Errorf("pprofutil: sample %d has %d values", i, len(s.Value))
		}
		ctx := sample.Context{
			ProcessID:       int32(numLabel(s, LabelProcessID)),
			ThreadID:        int32(numLabel(s, LabelThreadID)),
			ProcessorNumber: int32(numLabel(s, LabelCPU)),
		}
		ts := time.Duration(i)
		if period > 0 {
			ts = time.Duration(i) * period
		}
		if v, ok := s.NumLabel[LabelTimestamp]; ok && len(v) > 0 {
			ts = time.Duration(v[0])
		}

		stack := im.stack(s)
		smpl := sample.Sample{
			Time:   ts,
			Weight: time.Duration(s.Value[valueIndex]) * scale,
		}
		if len(s.Location) > 0 {
			smpl.IP = s.Location[0].Address
		}
		if len(stack) > 0 {
			smpl.IsKernel = stack[0].Kind == frame.KindNativeKernel
		}
		im.store.Append(smpl, stack, ctx)

		for j, v := range s.Value {
			if j == valueIndex || v <= 0 {
				continue
			}
			im.store.AppendCounter(sample.CounterEvent{
				Time:      ts,
				CounterID: j,
				Value:     uint64(v),
			}, stack, ctx)
		}
	}
	im.store.Seal()
	return im.store, im.registry, nil
}

func sampleTypeIndex(p *profile.Profile, name string) (int, error) {
	if len(p.SampleType) == 0 {
		return 0, ErrNoSampleType
	}
	if name == "" {
		name = p.DefaultSampleType
	}
	if name == "" {
		return len(p.SampleType) - 1, nil
	}
	for i, st := range p.SampleType {
		if st.Type == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoSampleType, name)
}

func unitScale(vt *profile.ValueType) time.Duration {
	if vt == nil {
		return 1
	}
	switch vt.Unit {
	case "microseconds":
		return time.Microsecond
	case "milliseconds":
		return time.Millisecond
	case "seconds":
		return time.Second
	}
	return 1
}

func isTimeUnit(vt *profile.ValueType) bool {
	if vt == nil {
		return false
	}
	switch vt.Unit {
	case "nanoseconds", "microseconds", "milliseconds", "seconds":
		return true
	}
	return false
}

// weightScale converts a value of the sample type into a duration. Counts
// are converted with the sampling period when it is a time.
func weightScale(p *profile.Profile, vt *profile.ValueType) time.Duration {
	if isTimeUnit(vt) {
		return unitScale(vt)
	}
	if isTimeUnit(p.PeriodType) && p.Period > 0 {
		return time.Duration(p.Period) * unitScale(p.PeriodType)
	}
	return 1
}

func numLabel(s *profile.Sample, key string) int64 {
	if v, ok := s.NumLabel[key]; ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

func moduleID(m *profile.Mapping) debugmeta.ModuleID {
	if m == nil {
		return debugmeta.UnknownModule
	}
	return debugmeta.ModuleID(m.ID)
}

func functionID(m *profile.Mapping, fn *profile.Function) frame.FunctionID {
	id := frame.FunctionID{Number: uint32(fn.ID)}
	if m != nil {
		id.SummaryID = uint32(m.ID)
	}
	return id
}

func isKernel(m *profile.Mapping) bool {
	return m != nil && strings.HasPrefix(m.File, "[kernel")
}

// rva returns the address of a location relative to its mapping.
func rva(loc *profile.Location) uint64 {
	m := loc.Mapping
	if m == nil || loc.Address < m.Start {
		return loc.Address
	}
	return loc.Address - m.Start + m.Offset
}

func (im *importer) registerMappings() {
	for _, m := range im.p.Mapping {
		im.registry.AddModule(debugmeta.Image{
			ID:        moduleID(m),
			CodeFile:  m.File,
			DebugID:   m.BuildID,
			ImageAddr: m.Start,
			ImageSize: m.Limit - m.Start,
			Features: debugmeta.Features{
				HasSymbols:   m.HasFunctions,
				HasDebugInfo: m.HasLineNumbers,
			},
		})
	}
}

// collectSymbols registers every function and estimates the address range
// of the functions that own a location from the addresses seen in them.
func (im *importer) collectSymbols() {
	for _, loc := range im.p.Location {
		for i, line := range loc.Line {
			if line.Function == nil {
				continue
			}
			id := functionID(loc.Mapping, line.Function)
			if _, ok := im.registry.Function(id); !ok {
				name := line.Function.Name
				if name == "" {
					name = line.Function.SystemName
				}
				im.registry.AddFunction(frame.Function{ID: id, Name: name, Module: moduleID(loc.Mapping)})
			}
			if i != len(loc.Line)-1 || loc.Address == 0 {
				continue
			}
			addr := rva(loc)
			sym, ok := im.symbols[id]
			if !ok {
				im.symbols[id] = &symbol{start: addr, end: addr}
				continue
			}
			if addr < sym.start {
				sym.start = addr
			}
			if addr > sym.end {
				sym.end = addr
			}
		}
	}
}

// locationFrames expands a location into frames, inlined callees first.
func (im *importer) locationFrames(loc *profile.Location) []frame.Frame {
	if frames, ok := im.frames[loc.ID]; ok {
		return frames
	}
	kind := frame.KindNativeUser
	if isKernel(loc.Mapping) {
		kind = frame.KindNativeKernel
	}
	module := moduleID(loc.Mapping)
	addr := rva(loc)

	var frames []frame.Frame
	for i, line := range loc.Line {
		if line.Function == nil {
			continue
		}
		f := frame.Frame{
			Function:     functionID(loc.Mapping, line.Function),
			Module:       module,
			FrameAddress: loc.Address,
			Kind:         kind,
		}
		if i == len(loc.Line)-1 {
			f.FrameRVA = addr
			if sym, ok := im.symbols[f.Function]; ok {
				f.DebugInfo = frame.DebugInfo{RVA: sym.start, Size: sym.end - sym.start + 1}
			}
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		frames = append(frames, frame.Frame{
			Module:       module,
			FrameAddress: loc.Address,
			FrameRVA:     addr,
			Kind:         kind,
			IsUnknown:    true,
		})
	}
	im.frames[loc.ID] = frames
	return frames
}

func (im *importer) stack(s *profile.Sample) []frame.Frame {
	var frames []frame.Frame
	for _, loc := range s.Location {
		frames = append(frames, im.locationFrames(loc)...)
	}
	return frames
}

package metrics

import (
	"sort"
	"time"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/profile"
	"github.com/getsentry/sampletree/internal/quantile"
)

type (
	FunctionsMetadata struct {
		MaxVal   time.Duration
		WorstID  string
		Examples []string
	}

	// FunctionAggregate sums what every added result measured for one
	// function. SelfWeights holds the exclusive weight of each call path the
	// function was seen on.
	FunctionAggregate struct {
		Function        frame.FunctionID
		Module          debugmeta.ModuleID
		Weight          time.Duration
		ExclusiveWeight time.Duration
		SelfWeights     []time.Duration
	}

	Aggregator struct {
		MaxUniqueFunctions uint
		MaxNumOfExamples   uint
		Functions          map[frame.FunctionID]*FunctionAggregate
		FunctionsMetadata  map[frame.FunctionID]FunctionsMetadata

		totalWeight time.Duration
	}

	FunctionMetrics struct {
		Name       string        `json:"name"`
		Module     string        `json:"module"`
		FunctionID string        `json:"function_id"`
		P75        time.Duration `json:"p75"`
		P95        time.Duration `json:"p95"`
		P99        time.Duration `json:"p99"`
		Avg        float64       `json:"avg"`
		Sum        time.Duration `json:"sum"`
		Weight     time.Duration `json:"weight"`
		Percent    float64       `json:"percent"`
		Count      uint64        `json:"count"`
		Worst      string        `json:"worst"`
		Examples   []string      `json:"examples"`
	}
)

// NewAggregator returns an Aggregator reporting at most maxUniqueFunctions
// functions, or all of them when it is 0.
func NewAggregator(maxUniqueFunctions uint, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		MaxNumOfExamples:   maxNumOfExamples,
		Functions:          make(map[frame.FunctionID]*FunctionAggregate),
		FunctionsMetadata:  make(map[frame.FunctionID]FunctionsMetadata),
	}
}

// AddResult folds the functions of a computed result into the aggregator.
// ID identifies the result in examples, usually a session or a file name.
func (ma *Aggregator) AddResult(r *profile.Result, ID string) {
	ma.totalWeight += r.Functions.TotalWeight()
	for fn, d := range r.Functions.Functions() {
		var selfWeights []time.Duration
		if r.CallTree != nil {
			for _, n := range r.CallTree.FunctionNodes(fn) {
				selfWeights = append(selfWeights, n.ExclusiveWeight())
			}
		} else {
			selfWeights = []time.Duration{d.ExclusiveWeight}
		}

		f, ok := ma.Functions[fn]
		if !ok {
			ma.Functions[fn] = &FunctionAggregate{
				Function:        fn,
				Module:          d.Module,
				Weight:          d.Weight,
				ExclusiveWeight: d.ExclusiveWeight,
				SelfWeights:     selfWeights,
			}
			ma.FunctionsMetadata[fn] = FunctionsMetadata{
				MaxVal:   d.ExclusiveWeight,
				WorstID:  ID,
				Examples: []string{ID},
			}
			continue
		}
		f.Weight += d.Weight
		f.ExclusiveWeight += d.ExclusiveWeight
		f.SelfWeights = append(f.SelfWeights, selfWeights...)

		funcMetadata := ma.FunctionsMetadata[fn]
		if d.ExclusiveWeight > funcMetadata.MaxVal {
			funcMetadata.MaxVal = d.ExclusiveWeight
			funcMetadata.WorstID = ID
		}
		if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
			funcMetadata.Examples = append(funcMetadata.Examples, ID)
		}
		ma.FunctionsMetadata[fn] = funcMetadata
	}
}

// ToMetrics returns the functions ordered by decreasing exclusive weight,
// named with registry.
func (ma *Aggregator) ToMetrics(registry frame.Registry) []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.Functions))
	for fn, f := range ma.Functions {
		q := quantile.FromDurations(f.SelfWeights)
		q.Sort()
		m := FunctionMetrics{
			Name:       frame.FunctionName(registry, fn),
			Module:     frame.ModuleName(registry, f.Module),
			FunctionID: fn.String(),
			P75:        q.Duration(0.75),
			P95:        q.Duration(0.95),
			P99:        q.Duration(0.99),
			Sum:        f.ExclusiveWeight,
			Weight:     f.Weight,
			Count:      uint64(len(f.SelfWeights)),
			Worst:      ma.FunctionsMetadata[fn].WorstID,
			Examples:   ma.FunctionsMetadata[fn].Examples,
		}
		if len(f.SelfWeights) > 0 {
			m.Avg = q.Mean()
		}
		if ma.totalWeight > 0 {
			m.Percent = 100 * float64(f.ExclusiveWeight) / float64(ma.totalWeight)
		}
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].FunctionID < metrics[j].FunctionID
	})
	if ma.MaxUniqueFunctions > 0 && len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

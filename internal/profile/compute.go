package profile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/processor"
	"github.com/getsentry/sampletree/internal/sample"
)

type (
	Options struct {
		// MaxChunks bounds the number of chunks the samples are split into.
		MaxChunks int
		// ThreadCount overrides processor.DefaultThreadCount.
		ThreadCount int
		// CallTreeThreadCount overrides ThreadCount when a call tree is
		// built. Set it to 1 to build the tree from a single goroutine.
		CallTreeThreadCount int
		SkipCallTree        bool
		SkipCounters        bool
		Metrics             *processor.Metrics
	}

	// Result holds the call tree and the flat aggregates computed over the
	// samples selected by Filter.
	Result struct {
		CallTree  *calltree.Tree
		Functions *aggregate.Profile
		Filter    sample.Filter
		Duration  time.Duration

		options Options
	}

	visitor struct {
		tree    *calltree.Tree
		profile *aggregate.Profile
	}
)

func (v *visitor) InitializeChunk(_, _ int) *aggregate.Accumulator {
	return aggregate.NewAccumulator()
}

func (v *visitor) ProcessSample(s *sample.Sample, stack *sample.Stack, i int, acc *aggregate.Accumulator) {
	acc.AddSample(s, stack, i)
	if v.tree != nil {
		v.tree.UpdateCallTree(s, stack)
	}
}

func (v *visitor) CompleteChunk(acc *aggregate.Accumulator) {
	v.profile.Merge(acc)
}

func (v *visitor) Complete() {
	v.profile.Complete()
}

// Compute visits every sample selected by filter once, growing the call
// tree and the flat aggregates from the same pass.
func Compute(ctx context.Context, store *sample.Store, filter sample.Filter, opts Options) (*Result, error) {
	start := time.Now()
	v := &visitor{profile: aggregate.NewProfile()}
	popts := processor.Options{
		MaxChunks:   opts.MaxChunks,
		ThreadCount: opts.ThreadCount,
		Metrics:     opts.Metrics,
		Name:        "functions",
	}
	if !opts.SkipCallTree {
		v.tree = calltree.NewTree()
		popts.Name = "call_tree"
		if opts.CallTreeThreadCount > 0 {
			popts.ThreadCount = opts.CallTreeThreadCount
		}
	}

	err := processor.Run[*aggregate.Accumulator](ctx, store, filter, v, popts)
	if err != nil {
		return nil, err
	}
	if !opts.SkipCounters {
		v.profile.AddCounters(store, filter)
	}

	r := &Result{
		CallTree:  v.tree,
		Functions: v.profile,
		Filter:    filter,
		Duration:  time.Since(start),
		options:   opts,
	}
	event := log.Debug().
		Int("samples", v.profile.SampleCount()).
		Dur("total_weight", v.profile.TotalWeight()).
		Dur("elapsed", r.Duration)
	if v.tree != nil {
		event = event.Int("nodes", v.tree.NodeCount())
	}
	event.Msg("profile computed")
	return r, nil
}

// Recompute discards the result and computes a new one with the same
// options over the samples selected by filter.
func (r *Result) Recompute(ctx context.Context, store *sample.Store, filter sample.Filter) (*Result, error) {
	return Compute(ctx, store, filter, r.options)
}

// WithInstances returns a copy of filter restricted to the samples whose
// call path goes through one of nodes. Group nodes select every instance
// they were built from.
func WithInstances(filter sample.Filter, nodes ...*calltree.Node) sample.Filter {
	instances := make([]frame.Path, 0, len(filter.Instances)+len(nodes))
	instances = append(instances, filter.Instances...)
	for _, n := range nodes {
		for _, m := range n.Members() {
			instances = append(instances, m.Path())
		}
	}
	filter.Instances = instances
	return filter
}

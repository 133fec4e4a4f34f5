package processor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampletree/internal/sample"
)

// Visitor is run over every sample selected by a filter. Each chunk gets
// its own state of type C which is never shared between goroutines;
// CompleteChunk folds it into the shared result and is called with a
// single lock held.
type Visitor[C any] interface {
	InitializeChunk(index, size int) C
	ProcessSample(s *sample.Sample, stack *sample.Stack, sampleIndex int, chunk C)
	CompleteChunk(chunk C)
	Complete()
}

type Options struct {
	// MaxChunks bounds the number of chunks. Zero means no bound.
	MaxChunks int
	// ThreadCount overrides DefaultThreadCount.
	ThreadCount int
	Metrics     *Metrics
	// Name labels the metrics recorded for this run.
	Name string
}

// Chunk is a set of index ranges processed by a single goroutine.
type Chunk struct {
	Ranges []sample.IndexRange
}

func (c Chunk) Len() int {
	n := 0
	for _, r := range c.Ranges {
		n += r.Len()
	}
	return n
}

// cancellationCheckInterval is the number of samples processed between two
// context checks inside a chunk.
const cancellationCheckInterval = 4096

// DefaultThreadCount returns about 75% of the available hardware threads.
func DefaultThreadCount() int {
	n := runtime.NumCPU() * 3 / 4
	if n < 1 {
		return 1
	}
	return n
}

// Run partitions the samples selected by filter into chunks, runs the
// visitor on every chunk concurrently and waits for all of them. An empty
// selection is not an error: no chunk runs and only Complete is called.
// Run seals the store; stores shared between goroutines must be sealed
// before the first concurrent Run.
func Run[C any](ctx context.Context, store *sample.Store, filter sample.Filter, v Visitor[C], opts Options) error {
	start := time.Now()
	store.Seal()

	count := opts.ThreadCount
	if count <= 0 {
		count = DefaultThreadCount()
	}
	if opts.MaxChunks > 0 && opts.MaxChunks < count {
		count = opts.MaxChunks
	}

	chunks := Partition(store, filter, count)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		if err := gctx.Err(); err != nil {
			break
		}
		i, c := i, c
		g.Go(func() error {
			state := v.InitializeChunk(i, c.Len())
			processed, err := runChunk(gctx, store, filter, v, c, state)
			opts.Metrics.observeChunk(opts.Name, processed)
			if err != nil {
				return err
			}
			mu.Lock()
			v.CompleteChunk(state)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v.Complete()
	opts.Metrics.observeRun(opts.Name, time.Since(start))
	return nil
}

func runChunk[C any](ctx context.Context, store *sample.Store, filter sample.Filter, v Visitor[C], c Chunk, state C) (int, error) {
	processed := 0
	checkThread := len(filter.ThreadIDs) > 0
	for _, r := range c.Ranges {
		for i := r.Start; i < r.End; i++ {
			if processed%cancellationCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return processed, err
				}
			}
			processed++
			if checkThread && !filter.MatchesThread(store.ThreadID(i)) {
				continue
			}
			s, stack := store.At(i)
			if !filter.MatchesInstance(stack) {
				continue
			}
			v.ProcessSample(s, stack, i, state)
		}
	}
	return processed, nil
}

// Partition splits the window selected by filter into at most count chunks
// of contiguous samples. When exactly one thread is selected, the chunks
// are built from that thread's ranges so other samples are never visited.
func Partition(store *sample.Store, filter sample.Filter, count int) []Chunk {
	if count < 1 {
		count = 1
	}
	window := store.Window(filter)
	if window.Len() == 0 {
		return nil
	}

	var ranges []sample.IndexRange
	if tid, ok := filter.SingleThread(); ok {
		for _, r := range store.ThreadRanges(tid) {
			r = r.Intersect(window)
			if r.Len() > 0 {
				ranges = append(ranges, r)
			}
		}
	} else {
		ranges = []sample.IndexRange{window}
	}

	total := 0
	for _, r := range ranges {
		total += r.Len()
	}
	if total == 0 {
		return nil
	}
	if count > total {
		count = total
	}

	chunks := make([]Chunk, 0, count)
	per := (total + count - 1) / count
	var current Chunk
	remaining := per
	for _, r := range ranges {
		for r.Len() > 0 {
			take := r.Len()
			if take > remaining {
				take = remaining
			}
			current.Ranges = append(current.Ranges, sample.IndexRange{Start: r.Start, End: r.Start + take})
			r.Start += take
			remaining -= take
			if remaining == 0 {
				chunks = append(chunks, current)
				current = Chunk{}
				remaining = per
			}
		}
	}
	if len(current.Ranges) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

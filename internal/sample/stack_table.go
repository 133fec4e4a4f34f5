package sample

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/getsentry/sampletree/internal/frame"
)

// StackTable interns stacks so that samples with identical stacks share a
// single Stack. It is meant to be filled by a single goroutine while a
// trace is loaded and only read afterwards.
type StackTable struct {
	stacks  []*Stack
	buckets map[uint64][]int
}

func NewStackTable() *StackTable {
	return &StackTable{
		buckets: make(map[uint64][]int),
	}
}

// Intern returns the reference of an identical stack if one was already
// added, otherwise it stores a copy of frames and returns its reference.
func (t *StackTable) Intern(frames []frame.Frame, ctx Context) int {
	h := fnv.New64()
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(ctx.ProcessID))
	binary.LittleEndian.PutUint32(b[4:], uint32(ctx.ThreadID))
	binary.LittleEndian.PutUint32(b[8:], uint32(ctx.ProcessorNumber))
	h.Write(b[:])
	for _, f := range frames {
		f.WriteToHash(h)
	}
	key := h.Sum64()

	for _, ref := range t.buckets[key] {
		if t.stacks[ref].equal(frames, ctx) {
			return ref
		}
	}

	owned := make([]frame.Frame, len(frames))
	copy(owned, frames)
	ref := len(t.stacks)
	t.stacks = append(t.stacks, &Stack{Frames: owned, Context: ctx})
	t.buckets[key] = append(t.buckets[key], ref)
	return ref
}

// Stack returns the interned stack for ref, or nil if ref is unknown.
func (t *StackTable) Stack(ref int) *Stack {
	if ref < 0 || ref >= len(t.stacks) {
		return nil
	}
	return t.stacks[ref]
}

func (t *StackTable) Len() int {
	return len(t.stacks)
}

// Reset releases all interned stacks so the table can be reused for
// another trace.
func (t *StackTable) Reset() {
	for i := range t.stacks {
		t.stacks[i] = nil
	}
	t.stacks = t.stacks[:0]
	for k := range t.buckets {
		delete(t.buckets, k)
	}
}

func (s *Stack) equal(frames []frame.Frame, ctx Context) bool {
	if s.Context != ctx || len(s.Frames) != len(frames) {
		return false
	}
	for i := range frames {
		if s.Frames[i] != frames[i] {
			return false
		}
	}
	return true
}

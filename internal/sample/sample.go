package sample

import (
	"time"

	"github.com/getsentry/sampletree/internal/frame"
)

type (
	Context struct {
		ProcessID       int32 `json:"process_id"`
		ThreadID        int32 `json:"thread_id"`
		ProcessorNumber int32 `json:"processor_number"`
	}

	// Sample is one timer or PMU triggered capture. Weight is the time
	// attributed to it, derived from the sampling interval.
	Sample struct {
		IP         uint64        `json:"ip"`
		Time       time.Duration `json:"time"`
		Weight     time.Duration `json:"weight"`
		StackRef   int           `json:"stack_ref"`
		ContextRef int           `json:"context_ref"`
		IsKernel   bool          `json:"is_kernel,omitempty"`
	}

	// Stack is a resolved call stack. Frames go from the leaf (index 0) to
	// the outermost caller. Stacks are interned and shared between samples.
	Stack struct {
		Frames  []frame.Frame `json:"frames"`
		Context Context       `json:"context"`
	}

	// CounterEvent is a performance counter overflow attributed to a stack.
	CounterEvent struct {
		Time      time.Duration `json:"time"`
		CounterID int           `json:"counter_id"`
		Value     uint64        `json:"value"`
		StackRef  int           `json:"stack_ref"`
	}
)

// NoStack marks a sample without a captured stack.
const NoStack = -1

// IsUnknown returns true when no frame of the stack could be resolved.
func (s *Stack) IsUnknown() bool {
	if s == nil {
		return true
	}
	for _, f := range s.Frames {
		if !f.IsUnknown {
			return false
		}
	}
	return true
}

// Top returns the innermost frame of the stack.
func (s *Stack) Top() (frame.Frame, bool) {
	if s == nil || len(s.Frames) == 0 {
		return frame.Frame{}, false
	}
	return s.Frames[0], true
}

// Path returns the resolved frames from the outermost caller down to the
// leaf as a path, skipping unknown frames the same way the call tree does.
func (s *Stack) Path() frame.Path {
	if s == nil {
		return nil
	}
	p := make(frame.Path, 0, len(s.Frames))
	for i := len(s.Frames) - 1; i >= 0; i-- {
		if s.Frames[i].IsUnknown {
			continue
		}
		p = append(p, s.Frames[i].Key())
	}
	return p
}

// HasPrefix reports whether the call path of the stack starts with prefix.
func (s *Stack) HasPrefix(prefix frame.Path) bool {
	if len(prefix) == 0 {
		return true
	}
	if s == nil {
		return false
	}
	j := 0
	for i := len(s.Frames) - 1; i >= 0 && j < len(prefix); i-- {
		f := s.Frames[i]
		if f.IsUnknown {
			continue
		}
		if j == 0 {
			if f.Function != prefix[0].Function {
				return false
			}
		} else if f.Key() != prefix[j] {
			return false
		}
		j++
	}
	return j == len(prefix)
}

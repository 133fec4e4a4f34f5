package frame

import (
	"fmt"
	"hash"
	"strconv"

	"github.com/getsentry/sampletree/internal/debugmeta"
)

type (
	// FunctionID is a stable function identity made of the summary the
	// function belongs to and its number inside that summary.
	FunctionID struct {
		SummaryID uint32 `json:"summary_id"`
		Number    uint32 `json:"number"`
	}

	// DebugInfo describes the symbol a frame was resolved to.
	DebugInfo struct {
		RVA  uint64 `json:"rva"`
		Size uint64 `json:"size"`
	}

	Kind uint8

	Frame struct {
		Function     FunctionID         `json:"function"`
		Module       debugmeta.ModuleID `json:"module"`
		DebugInfo    DebugInfo          `json:"debug_info"`
		FrameAddress uint64             `json:"frame_address"`
		FrameRVA     uint64             `json:"frame_rva"`
		Kind         Kind               `json:"kind"`
		IsUnknown    bool               `json:"is_unknown,omitempty"`
	}

	// Key identifies a call-tree node relative to its caller.
	Key struct {
		Function  FunctionID
		DebugInfo DebugInfo
	}

	// Path is a sequence of keys from a root function down to a node.
	Path []Key
)

const (
	KindUnset Kind = iota
	KindNativeUser
	KindNativeKernel
	KindManaged
)

func (k Kind) String() string {
	switch k {
	case KindNativeUser:
		return "native_user"
	case KindNativeKernel:
		return "native_kernel"
	case KindManaged:
		return "managed"
	}
	return "unset"
}

func (id FunctionID) String() string {
	return strconv.FormatUint(uint64(id.SummaryID), 10) + ":" + strconv.FormatUint(uint64(id.Number), 10)
}

// Less orders function ids by summary, then number.
func (id FunctionID) Less(other FunctionID) bool {
	if id.SummaryID != other.SummaryID {
		return id.SummaryID < other.SummaryID
	}
	return id.Number < other.Number
}

// ParseFunctionID parses the representation produced by FunctionID.String.
func ParseFunctionID(s string) (FunctionID, error) {
	var id FunctionID
	_, err := fmt.Sscanf(s, "%d:%d", &id.SummaryID, &id.Number)
	if err != nil {
		return FunctionID{}, fmt.Errorf("frame: malformed function id %q: %w", s, err)
	}
	return id, nil
}

// IsValid returns true when the symbol has a known extent.
func (d DebugInfo) IsValid() bool {
	return d.Size > 0
}

// Offset returns the offset of rva inside the symbol. The second return
// value is false when there is no debug info or rva is outside the symbol.
func (d DebugInfo) Offset(rva uint64) (uint64, bool) {
	if !d.IsValid() || rva < d.RVA || rva-d.RVA >= d.Size {
		return 0, false
	}
	return rva - d.RVA, true
}

func (f Frame) Key() Key {
	return Key{Function: f.Function, DebugInfo: f.DebugInfo}
}

// InstructionOffset returns the offset of the sampled address inside the
// resolved function, if the debug info allows it.
func (f Frame) InstructionOffset() (uint64, bool) {
	if f.IsUnknown {
		return 0, false
	}
	return f.DebugInfo.Offset(f.FrameRVA)
}

func (f Frame) WriteToHash(h hash.Hash) {
	var b [8]byte
	if f.IsUnknown {
		h.Write([]byte("-"))
		putUint64(b[:], f.FrameAddress)
		h.Write(b[:])
		return
	}
	putUint64(b[:], uint64(f.Function.SummaryID)<<32|uint64(f.Function.Number))
	h.Write(b[:])
	putUint64(b[:], f.FrameRVA)
	h.Write(b[:])
	putUint64(b[:], uint64(uint32(f.Module)))
	h.Write(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Equal compares two paths. Roots are matched by function identity only
// since they have no caller.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if i == 0 {
			if p[i].Function != other[i].Function {
				return false
			}
			continue
		}
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

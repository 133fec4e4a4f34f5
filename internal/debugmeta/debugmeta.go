package debugmeta

import (
	"path"
)

type (
	// ModuleID identifies a loaded image inside a single trace.
	ModuleID int32

	Features struct {
		HasDebugInfo bool `json:"has_debug_info"`
		HasSymbols   bool `json:"has_symbols"`
	}

	Image struct {
		ID        ModuleID `json:"id"`
		CodeFile  string   `json:"code_file"`
		DebugID   string   `json:"debug_id,omitempty"`
		Features  Features `json:"features"`
		ImageAddr uint64   `json:"image_addr"`
		ImageSize uint64   `json:"image_size"`
	}

	DebugMeta struct {
		Images []Image `json:"images,omitempty"`
	}
)

// UnknownModule is used for frames whose image could not be determined.
const UnknownModule ModuleID = -1

// Name returns the base name of the image file.
func (i Image) Name() string {
	if i.CodeFile == "" {
		return ""
	}
	return path.Base(i.CodeFile)
}

// Contains reports whether addr falls inside the image mapping.
func (i Image) Contains(addr uint64) bool {
	return addr >= i.ImageAddr && addr-i.ImageAddr < i.ImageSize
}

// RVA converts an absolute address into an address relative to the image base.
func (i Image) RVA(addr uint64) (uint64, bool) {
	if !i.Contains(addr) {
		return 0, false
	}
	return addr - i.ImageAddr, true
}

// Image returns the image with the given id.
func (d DebugMeta) Image(id ModuleID) (Image, bool) {
	for _, img := range d.Images {
		if img.ID == id {
			return img, true
		}
	}
	return Image{}, false
}

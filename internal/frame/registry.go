package frame

import (
	"sync"

	"github.com/getsentry/sampletree/internal/debugmeta"
)

type (
	Function struct {
		ID     FunctionID         `json:"id"`
		Name   string             `json:"name"`
		Module debugmeta.ModuleID `json:"module"`
	}

	// Registry resolves function and module identities. The engine only
	// uses identities as keys and asks the registry for names when
	// presenting or restoring data.
	Registry interface {
		Function(id FunctionID) (Function, bool)
		Module(id debugmeta.ModuleID) (debugmeta.Image, bool)
	}

	MapRegistry struct {
		mu        sync.RWMutex
		functions map[FunctionID]Function
		modules   map[debugmeta.ModuleID]debugmeta.Image
	}
)

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{
		functions: make(map[FunctionID]Function),
		modules:   make(map[debugmeta.ModuleID]debugmeta.Image),
	}
}

func (r *MapRegistry) AddFunction(f Function) {
	r.mu.Lock()
	r.functions[f.ID] = f
	r.mu.Unlock()
}

func (r *MapRegistry) AddModule(img debugmeta.Image) {
	r.mu.Lock()
	r.modules[img.ID] = img
	r.mu.Unlock()
}

func (r *MapRegistry) Function(id FunctionID) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.functions[id]
	return f, ok
}

func (r *MapRegistry) Module(id debugmeta.ModuleID) (debugmeta.Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.modules[id]
	return img, ok
}

// FunctionName returns the registered name of a function, or a placeholder
// built from its identity.
func FunctionName(r Registry, id FunctionID) string {
	if r != nil {
		if f, ok := r.Function(id); ok && f.Name != "" {
			return f.Name
		}
	}
	return "unknown (" + id.String() + ")"
}

// ModuleName returns the base name of a module, or "unknown".
func ModuleName(r Registry, id debugmeta.ModuleID) string {
	if r != nil && id != debugmeta.UnknownModule {
		if img, ok := r.Module(id); ok && img.Name() != "" {
			return img.Name()
		}
	}
	return "unknown"
}

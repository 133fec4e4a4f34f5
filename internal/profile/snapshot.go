package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/storageutil"
)

// Snapshot is the persisted form of a Result.
type Snapshot struct {
	SessionID     string                               `json:"session_id"`
	CreatedAt     time.Time                            `json:"created_at"`
	CallTree      *calltree.FlatTree                   `json:"call_tree,omitempty"`
	Functions     []*aggregate.FunctionProfileData     `json:"functions"`
	Modules       map[debugmeta.ModuleID]time.Duration `json:"modules"`
	Threads       []aggregate.ThreadSummary            `json:"threads"`
	TotalWeight   time.Duration                        `json:"total_weight"`
	ProfileWeight time.Duration                        `json:"profile_weight"`
	SampleCount   int                                  `json:"sample_count"`
	// Symbols and Images carry the names of the functions and modules
	// referenced by the snapshot, when AddSymbols was called.
	Symbols []frame.Function  `json:"symbols,omitempty"`
	Images  []debugmeta.Image `json:"images,omitempty"`
}

func NewSnapshot(sessionID string, r *Result) Snapshot {
	s := Snapshot{
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		Functions:     r.Functions.SortedFunctions(),
		Modules:       r.Functions.ModuleWeights(),
		Threads:       r.Functions.Threads(),
		TotalWeight:   r.Functions.TotalWeight(),
		ProfileWeight: r.Functions.ProfileWeight(),
		SampleCount:   r.Functions.SampleCount(),
	}
	if r.CallTree != nil {
		s.CallTree = r.CallTree.Flatten()
	}
	return s
}

// AddSymbols copies the names of the functions and modules the snapshot
// references out of registry.
func (s *Snapshot) AddSymbols(registry frame.Registry) {
	seen := make(map[frame.FunctionID]struct{}, len(s.Functions))
	addFunction := func(id frame.FunctionID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if f, ok := registry.Function(id); ok {
			s.Symbols = append(s.Symbols, f)
		}
	}
	for _, d := range s.Functions {
		addFunction(d.Function)
	}
	if s.CallTree != nil {
		for _, n := range s.CallTree.Nodes {
			addFunction(n.Function)
		}
	}
	sort.Slice(s.Symbols, func(i, j int) bool { return s.Symbols[i].ID.Less(s.Symbols[j].ID) })

	for id := range s.Modules {
		if img, ok := registry.Module(id); ok {
			s.Images = append(s.Images, img)
		}
	}
	sort.Slice(s.Images, func(i, j int) bool { return s.Images[i].ID < s.Images[j].ID })
}

// Registry returns a registry holding the symbols saved with the snapshot.
func (s Snapshot) Registry() *frame.MapRegistry {
	r := frame.NewMapRegistry()
	for _, f := range s.Symbols {
		r.AddFunction(f)
	}
	for _, img := range s.Images {
		r.AddModule(img)
	}
	return r
}

// StoragePath returns the object name of the snapshot of a session.
func StoragePath(sessionID string) string {
	return fmt.Sprintf("snapshots/%s", sessionID)
}

func (s Snapshot) Save(ctx context.Context, h storageutil.ObjectHandler) error {
	return storageutil.CompressedWrite(ctx, h, StoragePath(s.SessionID), s)
}

// LoadSnapshot reads the snapshot of a session. It returns
// errorutil.ErrSessionNotFound if none was saved.
func LoadSnapshot(ctx context.Context, h storageutil.ObjectHandler, sessionID string) (Snapshot, error) {
	var s Snapshot
	err := storageutil.UnmarshalCompressed(ctx, h, StoragePath(sessionID), &s)
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			return Snapshot{}, fmt.Errorf("profile: %w: %s", errorutil.ErrSessionNotFound, sessionID)
		}
		return Snapshot{}, err
	}
	return s, nil
}

// Tree restores the call tree of the snapshot against registry.
func (s Snapshot) Tree(registry frame.Registry) (*calltree.Tree, calltree.RestoreStats, error) {
	if s.CallTree == nil {
		return nil, calltree.RestoreStats{}, fmt.Errorf("profile: %w: snapshot has no call tree", errorutil.ErrNoResults)
	}
	return calltree.Restore(s.CallTree, registry)
}

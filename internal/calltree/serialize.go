package calltree

import (
	"fmt"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
)

// FlatTreeVersion is the version of the persisted form written by Flatten.
const FlatTreeVersion = 1

var errDataIntegrityVersion = fmt.Errorf("calltree: %w: unsupported flat tree version", errorutil.ErrDataIntegrity)

type (
	FlatCallSiteTarget struct {
		NodeID int64         `json:"node_id"`
		Weight time.Duration `json:"weight"`
	}

	FlatCallSite struct {
		RVA     uint64               `json:"rva"`
		Weight  time.Duration        `json:"weight"`
		Targets []FlatCallSiteTarget `json:"targets"`
	}

	// FlatNode is a node without references to other nodes.
	FlatNode struct {
		ID              int64                  `json:"id"`
		Function        frame.FunctionID       `json:"function"`
		DebugInfo       frame.DebugInfo        `json:"debug_info"`
		Kind            frame.Kind             `json:"kind"`
		Weight          time.Duration          `json:"weight"`
		ExclusiveWeight time.Duration          `json:"exclusive_weight"`
		CallSites       []FlatCallSite         `json:"call_sites,omitempty"`
		ThreadWeights   map[int32]ThreadWeight `json:"thread_weights,omitempty"`
	}

	// FlatTree is the persisted form of a tree. Links between nodes are
	// stored as ids: callers are rebuilt from children on restore.
	FlatTree struct {
		Version       int                `json:"version"`
		Nodes         map[int64]FlatNode `json:"nodes"`
		FunctionNodes map[string][]int64 `json:"function_nodes"`
		Children      map[int64][]int64  `json:"children"`
		Roots         []int64            `json:"roots"`
		NextID        int64              `json:"next_id"`
	}

	// RestoreStats counts the references skipped while restoring a tree.
	RestoreStats struct {
		DanglingFunctions int
		DanglingNodes     int
		DanglingTargets   int
	}
)

func (s RestoreStats) Clean() bool {
	return s.DanglingFunctions == 0 && s.DanglingNodes == 0 && s.DanglingTargets == 0
}

// Flatten returns the persisted form of the tree. Node locks are never
// taken while the function index is locked, so Flatten can run next to
// UpdateCallTree, although nodes inserted meanwhile may be left out.
func (t *Tree) Flatten() *FlatTree {
	ft := &FlatTree{
		Version:       FlatTreeVersion,
		Nodes:         make(map[int64]FlatNode),
		FunctionNodes: make(map[string][]int64),
		Children:      make(map[int64][]int64),
		NextID:        t.nextID.Load(),
	}

	for _, r := range t.Roots() {
		ft.Roots = append(ft.Roots, r.ID)
	}

	t.functionsMu.RLock()
	for fn, nodes := range t.functions {
		ids := make([]int64, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		ft.FunctionNodes[fn.String()] = ids
	}
	nodes := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, n)
	}
	t.functionsMu.RUnlock()

	for _, n := range nodes {
		ft.Nodes[n.ID] = n.flatten()
		if children := n.Children(); len(children) > 0 {
			ids := make([]int64, 0, len(children))
			for _, c := range children {
				ids = append(ids, c.ID)
			}
			ft.Children[n.ID] = ids
		}
	}
	return ft
}

func (n *Node) flatten() FlatNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn := FlatNode{
		ID:              n.ID,
		Function:        n.Function,
		DebugInfo:       n.FunctionDebugInfo,
		Kind:            n.Kind,
		Weight:          n.weight,
		ExclusiveWeight: n.exclusiveWeight,
	}
	if len(n.threadWeights) > 0 {
		fn.ThreadWeights = make(map[int32]ThreadWeight, len(n.threadWeights))
		for tid, w := range n.threadWeights {
			fn.ThreadWeights[tid] = w
		}
	}
	rvas := make([]uint64, 0, len(n.callSites))
	for rva := range n.callSites {
		rvas = append(rvas, rva)
	}
	sort.Slice(rvas, func(i, j int) bool { return rvas[i] < rvas[j] })
	for _, rva := range rvas {
		site := n.callSites[rva]
		fs := FlatCallSite{RVA: rva, Weight: site.Weight}
		for _, t := range site.SortedTargets() {
			fs.Targets = append(fs.Targets, FlatCallSiteTarget{NodeID: t.NodeID, Weight: t.Weight})
		}
		fn.CallSites = append(fn.CallSites, fs)
	}
	return fn
}

// Serialize encodes the flat form of the tree.
func (t *Tree) Serialize() ([]byte, error) {
	return gojson.Marshal(t.Flatten())
}

// Deserialize decodes data produced by Serialize and restores the tree.
func Deserialize(data []byte, registry frame.Registry) (*Tree, RestoreStats, error) {
	var ft FlatTree
	if err := gojson.Unmarshal(data, &ft); err != nil {
		return nil, RestoreStats{}, fmt.Errorf("calltree: %w: %v", errorutil.ErrDataIntegrity, err)
	}
	return Restore(&ft, registry)
}

// Restore rebuilds a tree from its flat form: nodes first, then children
// and callers, then the function index and call-site targets. Functions
// unknown to the registry and references to missing nodes are skipped,
// along with every node no longer reachable from a root. A nil registry
// accepts every function.
func Restore(ft *FlatTree, registry frame.Registry) (*Tree, RestoreStats, error) {
	var stats RestoreStats
	if ft.Version != FlatTreeVersion {
		return nil, stats, fmt.Errorf("%w: %d", errDataIntegrityVersion, ft.Version)
	}

	t := NewTree()
	maxID := ft.NextID

	ids := make([]int64, 0, len(ft.Nodes))
	for id := range ft.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fn := ft.Nodes[id]
		if fn.ID != id {
			return nil, stats, fmt.Errorf("calltree: %w: node %d stored under id %d", errorutil.ErrDataIntegrity, fn.ID, id)
		}
		if registry != nil {
			if _, ok := registry.Function(fn.Function); !ok {
				log.Warn().Int64("node_id", id).Str("function", fn.Function.String()).Msg("calltree: node references an unknown function, skipping")
				stats.DanglingFunctions++
				continue
			}
		}
		n := &Node{
			ID:                id,
			Function:          fn.Function,
			FunctionDebugInfo: fn.DebugInfo,
			Kind:              fn.Kind,
			weight:            fn.Weight,
			exclusiveWeight:   fn.ExclusiveWeight,
		}
		if len(fn.ThreadWeights) > 0 {
			n.threadWeights = make(map[int32]ThreadWeight, len(fn.ThreadWeights))
			for tid, w := range fn.ThreadWeights {
				n.threadWeights[tid] = w
			}
		}
		t.nodes[id] = n
		if id > maxID {
			maxID = id
		}
	}

	parents := make([]int64, 0, len(ft.Children))
	for id := range ft.Children {
		parents = append(parents, id)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	for _, id := range parents {
		parent, ok := t.nodes[id]
		if !ok {
			if _, known := ft.Nodes[id]; !known {
				log.Warn().Int64("node_id", id).Msg("calltree: children of an unknown node, skipping")
				stats.DanglingNodes++
			}
			continue
		}
		for _, childID := range ft.Children[id] {
			child, ok := t.nodes[childID]
			if !ok {
				log.Warn().Int64("node_id", id).Int64("child_id", childID).Msg("calltree: dangling child reference, skipping")
				stats.DanglingNodes++
				continue
			}
			child.caller = parent
			parent.appendChild(child)
		}
	}

	for _, id := range ft.Roots {
		n, ok := t.nodes[id]
		if !ok {
			log.Warn().Int64("node_id", id).Msg("calltree: dangling root reference, skipping")
			stats.DanglingNodes++
			continue
		}
		t.roots[n.Function] = n
	}

	stats.DanglingNodes += t.pruneUnreachable()

	indexed := make(map[int64]struct{}, len(t.nodes))
	for key, nodeIDs := range ft.FunctionNodes {
		fnID, err := frame.ParseFunctionID(key)
		if err != nil {
			return nil, stats, fmt.Errorf("calltree: %w: %v", errorutil.ErrDataIntegrity, err)
		}
		for _, id := range nodeIDs {
			n, ok := t.nodes[id]
			if !ok {
				continue
			}
			if n.Function != fnID {
				return nil, stats, fmt.Errorf("calltree: %w: node %d indexed under function %s", errorutil.ErrDataIntegrity, id, key)
			}
			t.functions[fnID] = append(t.functions[fnID], n)
			indexed[id] = struct{}{}
		}
	}
	for _, id := range ids {
		n, ok := t.nodes[id]
		if !ok {
			continue
		}
		if _, ok := indexed[id]; !ok {
			t.functions[n.Function] = append(t.functions[n.Function], n)
		}
	}

	for _, id := range ids {
		n, ok := t.nodes[id]
		if !ok {
			continue
		}
		for _, fs := range ft.Nodes[id].CallSites {
			site := &CallSite{RVA: fs.RVA, Weight: fs.Weight, Targets: make(map[int64]*CallSiteTarget, len(fs.Targets))}
			for _, target := range fs.Targets {
				tn, ok := t.nodes[target.NodeID]
				if !ok {
					log.Warn().Int64("node_id", id).Int64("target_id", target.NodeID).Msg("calltree: dangling call site target, skipping")
					stats.DanglingTargets++
					continue
				}
				site.Targets[target.NodeID] = &CallSiteTarget{NodeID: target.NodeID, Node: tn, Weight: target.Weight}
			}
			if n.callSites == nil {
				n.callSites = make(map[uint64]*CallSite)
			}
			n.callSites[fs.RVA] = site
		}
	}

	t.nextID.Store(maxID)
	return t, stats, nil
}

// pruneUnreachable drops the restored nodes that cannot be reached from a
// root, such as the descendants of a skipped node, and returns how many
// were dropped.
func (t *Tree) pruneUnreachable() int {
	reachable := make(map[int64]struct{}, len(t.nodes))
	pending := make([]*Node, 0, len(t.roots))
	for _, r := range t.roots {
		pending = append(pending, r)
	}
	for len(pending) > 0 {
		n := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := reachable[n.ID]; ok {
			continue
		}
		reachable[n.ID] = struct{}{}
		pending = append(pending, n.children...)
	}

	var pruned int
	for id := range t.nodes {
		if _, ok := reachable[id]; ok {
			continue
		}
		log.Warn().Int64("node_id", id).Msg("calltree: node unreachable from any root, skipping")
		delete(t.nodes, id)
		pruned++
	}
	return pruned
}

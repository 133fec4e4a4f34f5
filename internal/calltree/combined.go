package calltree

import (
	"sort"

	"github.com/getsentry/sampletree/internal/frame"
)

// CombinedNode merges every instance of fn into a single group node,
// regardless of the call path. When parent is not nil, only the instances
// called by parent (or by one of its members, for groups) are merged. It
// returns nil when no instance matches.
func (t *Tree) CombinedNode(fn frame.FunctionID, parent *Node) *Node {
	instances := t.FunctionNodes(fn)
	if parent != nil {
		callers := make(map[*Node]struct{})
		for _, m := range parent.Members() {
			callers[m] = struct{}{}
		}
		filtered := instances[:0]
		for _, n := range instances {
			if n.caller == nil {
				continue
			}
			if _, ok := callers[n.caller]; ok {
				filtered = append(filtered, n)
			}
		}
		instances = filtered
	}
	if len(instances) == 0 {
		return nil
	}
	return newGroup(instances)
}

// newGroup builds a group node over instances of the same function.
// Children and callers are computed on demand from the members.
func newGroup(instances []*Node) *Node {
	first := instances[0]
	g := &Node{
		Function:          first.Function,
		FunctionDebugInfo: first.FunctionDebugInfo,
		Kind:              first.Kind,
		Variant:           VariantGroup,
		members:           make([]*Node, 0, len(instances)),
		callSites:         make(map[uint64]*CallSite),
		threadWeights:     make(map[int32]ThreadWeight),
	}
	for _, n := range instances {
		for _, m := range n.Members() {
			g.merge(m)
		}
	}
	return g
}

func (n *Node) merge(m *Node) {
	n.members = append(n.members, m)

	m.mu.RLock()
	defer m.mu.RUnlock()
	n.weight += m.weight
	n.exclusiveWeight += m.exclusiveWeight
	for tid, w := range m.threadWeights {
		tw := n.threadWeights[tid]
		tw.Weight += w.Weight
		tw.ExclusiveWeight += w.ExclusiveWeight
		n.threadWeights[tid] = tw
	}
	for rva, site := range m.callSites {
		gs, ok := n.callSites[rva]
		if !ok {
			gs = &CallSite{RVA: rva, Targets: make(map[int64]*CallSiteTarget)}
			n.callSites[rva] = gs
		}
		for id, target := range site.Targets {
			gs.add(id, target.Node, target.Weight)
		}
	}
}

// groupByFunction merges nodes of the same function into group nodes. The
// result is ordered by descending weight.
func groupByFunction(nodes []*Node) []*Node {
	if len(nodes) == 0 {
		return nil
	}
	byFunction := make(map[frame.FunctionID][]*Node)
	var order []frame.FunctionID
	for _, n := range nodes {
		if _, ok := byFunction[n.Function]; !ok {
			order = append(order, n.Function)
		}
		byFunction[n.Function] = append(byFunction[n.Function], n)
	}
	groups := make([]*Node, 0, len(order))
	for _, fn := range order {
		groups = append(groups, newGroup(byFunction[fn]))
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].weight > groups[j].weight
	})
	return groups
}

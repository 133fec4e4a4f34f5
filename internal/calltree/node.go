package calltree

import (
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sampletree/internal/frame"
)

// Variant distinguishes real call-path instances from synthetic groups
// built on demand over several instances of the same function.
type Variant uint8

const (
	VariantInstance Variant = iota
	VariantGroup
)

type (
	ThreadWeight struct {
		Weight          time.Duration `json:"weight"`
		ExclusiveWeight time.Duration `json:"exclusive_weight"`
	}

	CallSiteTarget struct {
		NodeID int64
		Node   *Node
		Weight time.Duration
	}

	// CallSite records, for one call instruction, which callee nodes were
	// observed and with which weight.
	CallSite struct {
		RVA     uint64
		Weight  time.Duration
		Targets map[int64]*CallSiteTarget
	}

	// Node is one call-path instance of a function: the same function
	// reached through two different caller chains is two nodes. A group
	// node aggregates several instances of a function and has several
	// callers instead of one.
	Node struct {
		ID                int64
		Function          frame.FunctionID
		FunctionDebugInfo frame.DebugInfo
		Kind              frame.Kind
		Variant           Variant

		mu              sync.RWMutex
		weight          time.Duration
		exclusiveWeight time.Duration
		children        []*Node
		childIndex      map[frame.Key]*Node
		callSites       map[uint64]*CallSite
		threadWeights   map[int32]ThreadWeight

		// caller is only set on instances; it is nil for roots.
		caller *Node
		// members holds the instances merged into a group node.
		members []*Node
	}
)

func newNode(id int64, f frame.Frame, caller *Node) *Node {
	return &Node{
		ID:                id,
		Function:          f.Function,
		FunctionDebugInfo: f.DebugInfo,
		Kind:              f.Kind,
		caller:            caller,
	}
}

func (n *Node) key() frame.Key {
	return frame.Key{Function: n.Function, DebugInfo: n.FunctionDebugInfo}
}

func (n *Node) frame() frame.Frame {
	return frame.Frame{Function: n.Function, DebugInfo: n.FunctionDebugInfo, Kind: n.Kind}
}

func (n *Node) IsGroup() bool {
	return n.Variant == VariantGroup
}

// Weight is the inclusive weight of the node.
func (n *Node) Weight() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.weight
}

// ExclusiveWeight is the weight of samples where the node was the top frame.
func (n *Node) ExclusiveWeight() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.exclusiveWeight
}

// Caller returns the single caller of an instance, or nil for roots and
// groups.
func (n *Node) Caller() *Node {
	if n.Variant == VariantGroup {
		return nil
	}
	return n.caller
}

// Callers returns the callers of the node. For groups, callers of the same
// function are merged into group nodes.
func (n *Node) Callers() []*Node {
	switch n.Variant {
	case VariantGroup:
		var callers []*Node
		seen := make(map[*Node]struct{}, len(n.members))
		for _, m := range n.members {
			if m.caller == nil {
				continue
			}
			if _, ok := seen[m.caller]; ok {
				continue
			}
			seen[m.caller] = struct{}{}
			callers = append(callers, m.caller)
		}
		return groupByFunction(callers)
	default:
		if n.caller == nil {
			return nil
		}
		return []*Node{n.caller}
	}
}

// Children returns a snapshot of the children. For groups, children of the
// same function are merged into group nodes.
func (n *Node) Children() []*Node {
	switch n.Variant {
	case VariantGroup:
		var children []*Node
		for _, m := range n.members {
			children = append(children, m.Children()...)
		}
		return groupByFunction(children)
	default:
		n.mu.RLock()
		defer n.mu.RUnlock()
		children := make([]*Node, len(n.children))
		copy(children, n.children)
		return children
	}
}

func (n *Node) HasChildren() bool {
	if n.Variant == VariantGroup {
		for _, m := range n.members {
			if m.HasChildren() {
				return true
			}
		}
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children) > 0
}

// Members returns the instances a group node was built from, or the node
// itself for instances.
func (n *Node) Members() []*Node {
	if n.Variant != VariantGroup {
		return []*Node{n}
	}
	members := make([]*Node, len(n.members))
	copy(members, n.members)
	return members
}

// CallSites returns a copy of the call sites of the node keyed by RVA.
func (n *Node) CallSites() map[uint64]*CallSite {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sites := make(map[uint64]*CallSite, len(n.callSites))
	for rva, site := range n.callSites {
		sites[rva] = site.clone()
	}
	return sites
}

// ThreadWeights returns a copy of the per-thread weights of the node.
func (n *Node) ThreadWeights() map[int32]ThreadWeight {
	n.mu.RLock()
	defer n.mu.RUnlock()
	weights := make(map[int32]ThreadWeight, len(n.threadWeights))
	for tid, w := range n.threadWeights {
		weights[tid] = w
	}
	return weights
}

// Backtrace returns the node followed by its callers up to the root.
func (n *Node) Backtrace() []*Node {
	var nodes []*Node
	for c := n; c != nil; c = c.Caller() {
		nodes = append(nodes, c)
	}
	return nodes
}

// Path returns the call path from the root down to the node.
func (n *Node) Path() frame.Path {
	bt := n.Backtrace()
	p := make(frame.Path, len(bt))
	for i, c := range bt {
		p[len(bt)-1-i] = c.key()
	}
	return p
}

func (n *Node) add(w time.Duration, exclusive bool, tid int32) {
	n.mu.Lock()
	n.weight += w
	if n.threadWeights == nil {
		n.threadWeights = make(map[int32]ThreadWeight)
	}
	tw := n.threadWeights[tid]
	tw.Weight += w
	if exclusive {
		n.exclusiveWeight += w
		tw.ExclusiveWeight += w
	}
	n.threadWeights[tid] = tw
	n.mu.Unlock()
}

func (n *Node) addCallSite(rva uint64, target *Node, w time.Duration) {
	n.mu.Lock()
	if n.callSites == nil {
		n.callSites = make(map[uint64]*CallSite)
	}
	site, ok := n.callSites[rva]
	if !ok {
		site = &CallSite{RVA: rva, Targets: make(map[int64]*CallSiteTarget)}
		n.callSites[rva] = site
	}
	site.add(target.ID, target, w)
	n.mu.Unlock()
}

func (s *CallSite) add(id int64, target *Node, w time.Duration) {
	s.Weight += w
	t, ok := s.Targets[id]
	if !ok {
		t = &CallSiteTarget{NodeID: id, Node: target}
		s.Targets[id] = t
	}
	t.Weight += w
}

func (s *CallSite) clone() *CallSite {
	c := &CallSite{
		RVA:     s.RVA,
		Weight:  s.Weight,
		Targets: make(map[int64]*CallSiteTarget, len(s.Targets)),
	}
	for id, t := range s.Targets {
		tc := *t
		c.Targets[id] = &tc
	}
	return c
}

// SortedTargets returns the targets of the call site by descending weight.
func (s *CallSite) SortedTargets() []*CallSiteTarget {
	targets := make([]*CallSiteTarget, 0, len(s.Targets))
	for _, t := range s.Targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Weight != targets[j].Weight {
			return targets[i].Weight > targets[j].Weight
		}
		return targets[i].NodeID < targets[j].NodeID
	})
	return targets
}

// SortNodes orders nodes by descending weight, then by id.
func SortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		wi, wj := nodes[i].Weight(), nodes[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return nodes[i].ID < nodes[j].ID
	})
}

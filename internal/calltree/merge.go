package calltree

// Merge adds every node of other into t. Instances are matched by call
// path, unmatched ones are created with fresh ids. Call-site targets are
// remapped to the matching instances of t once every node exists.
//
// other must not be updated while it is merged.
func (t *Tree) Merge(other *Tree) {
	if other == nil || t == other {
		return
	}
	mapping := make(map[int64]*Node, other.NodeCount())
	for _, r := range other.Roots() {
		t.deepMerge(t.findOrCreateRoot(r.frame()), r, mapping)
	}

	for id, dst := range mapping {
		src, _ := other.Node(id)
		src.mu.RLock()
		for rva, site := range src.callSites {
			for targetID, target := range site.Targets {
				tn, ok := mapping[targetID]
				if !ok {
					continue
				}
				dst.addCallSite(rva, tn, target.Weight)
			}
		}
		src.mu.RUnlock()
	}
}

// deepMerge merges src into dst, recursively.
func (t *Tree) deepMerge(dst, src *Node, mapping map[int64]*Node) {
	mapping[src.ID] = dst
	dst.shallowMerge(src)
	for _, child := range src.Children() {
		t.deepMerge(t.findOrCreateChild(dst, child.frame()), child, mapping)
	}
}

// shallowMerge adds the weights of src to n, without merging the children
// or the call sites.
func (n *Node) shallowMerge(src *Node) {
	if n == src {
		return
	}
	src.mu.RLock()
	defer src.mu.RUnlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.weight += src.weight
	n.exclusiveWeight += src.exclusiveWeight
	if len(src.threadWeights) > 0 && n.threadWeights == nil {
		n.threadWeights = make(map[int32]ThreadWeight, len(src.threadWeights))
	}
	for tid, w := range src.threadWeights {
		tw := n.threadWeights[tid]
		tw.Weight += w.Weight
		tw.ExclusiveWeight += w.ExclusiveWeight
		n.threadWeights[tid] = tw
	}
}

package calltree

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
)

// Tree is a call tree built from samples. Roots are keyed by function
// identity only since they have no caller. Every instance of a function
// is also indexed so that flattened views do not need to walk the tree.
//
// UpdateCallTree is safe for concurrent use: the root set and the function
// index each have their own lock and every node locks itself, so several
// chunks of samples can be inserted at the same time.
type Tree struct {
	rootsMu sync.RWMutex
	roots   map[frame.FunctionID]*Node

	functionsMu sync.RWMutex
	functions   map[frame.FunctionID][]*Node
	nodes       map[int64]*Node

	nextID atomic.Int64
}

func NewTree() *Tree {
	return &Tree{
		roots:     make(map[frame.FunctionID]*Node),
		functions: make(map[frame.FunctionID][]*Node),
		nodes:     make(map[int64]*Node),
	}
}

// UpdateCallTree inserts the stack of a sample into the tree and
// accumulates its weight along the call path. It returns false when
// nothing could be attributed because the stack is empty or unknown.
func (t *Tree) UpdateCallTree(s *sample.Sample, stack *sample.Stack) bool {
	if stack.IsUnknown() {
		return false
	}

	frames := stack.Frames
	tid := stack.Context.ThreadID
	var current *Node
	callerIndex := -1

	// Stacks are captured leaf first, walk them from the outermost caller.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.IsUnknown {
			continue
		}

		var node *Node
		if current == nil {
			node = t.findOrCreateRoot(f)
		} else {
			node = t.findOrCreateChild(current, f)
		}
		// A node is reached at most once per walk since the path only goes
		// deeper, so recursion never inflates inclusive weights.
		node.add(s.Weight, i == 0, tid)

		if current != nil && callerIndex == i+1 {
			if rva := frames[callerIndex].FrameRVA; rva != 0 {
				current.addCallSite(rva, node, s.Weight)
			}
		}

		current = node
		callerIndex = i
	}
	return true
}

func (t *Tree) findOrCreateRoot(f frame.Frame) *Node {
	t.rootsMu.RLock()
	node, ok := t.roots[f.Function]
	t.rootsMu.RUnlock()
	if ok {
		return node
	}

	t.rootsMu.Lock()
	defer t.rootsMu.Unlock()
	if node, ok := t.roots[f.Function]; ok {
		return node
	}
	node = newNode(t.nextID.Add(1), f, nil)
	t.roots[f.Function] = node
	t.register(node)
	return node
}

func (t *Tree) findOrCreateChild(parent *Node, f frame.Frame) *Node {
	key := f.Key()
	parent.mu.RLock()
	node, ok := parent.childIndex[key]
	parent.mu.RUnlock()
	if ok {
		return node
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if node, ok := parent.childIndex[key]; ok {
		return node
	}
	node = newNode(t.nextID.Add(1), f, parent)
	parent.appendChild(node)
	t.register(node)
	return node
}

// appendChild must be called with n.mu held for writing.
func (n *Node) appendChild(child *Node) {
	if n.childIndex == nil {
		n.childIndex = make(map[frame.Key]*Node)
	}
	n.children = append(n.children, child)
	n.childIndex[child.key()] = child
}

func (t *Tree) register(n *Node) {
	t.functionsMu.Lock()
	t.functions[n.Function] = append(t.functions[n.Function], n)
	t.nodes[n.ID] = n
	t.functionsMu.Unlock()
}

// Node returns the node with the given id.
func (t *Tree) Node(id int64) (*Node, bool) {
	t.functionsMu.RLock()
	defer t.functionsMu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// RootNode returns the root node of a function.
func (t *Tree) RootNode(fn frame.FunctionID) (*Node, bool) {
	t.rootsMu.RLock()
	defer t.rootsMu.RUnlock()
	n, ok := t.roots[fn]
	return n, ok
}

// Roots returns the root nodes ordered by id.
func (t *Tree) Roots() []*Node {
	t.rootsMu.RLock()
	roots := make([]*Node, 0, len(t.roots))
	for _, n := range t.roots {
		roots = append(roots, n)
	}
	t.rootsMu.RUnlock()
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

// FunctionNodes returns every instance of a function, ordered by id.
func (t *Tree) FunctionNodes(fn frame.FunctionID) []*Node {
	t.functionsMu.RLock()
	nodes := make([]*Node, len(t.functions[fn]))
	copy(nodes, t.functions[fn])
	t.functionsMu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// SortedFunctionNodes returns every instance of a function by descending
// weight.
func (t *Tree) SortedFunctionNodes(fn frame.FunctionID) []*Node {
	nodes := t.FunctionNodes(fn)
	SortNodes(nodes)
	return nodes
}

// Functions returns the identities of every function present in the tree.
func (t *Tree) Functions() []frame.FunctionID {
	t.functionsMu.RLock()
	fns := make([]frame.FunctionID, 0, len(t.functions))
	for fn := range t.functions {
		fns = append(fns, fn)
	}
	t.functionsMu.RUnlock()
	sort.Slice(fns, func(i, j int) bool { return fns[i].Less(fns[j]) })
	return fns
}

func (t *Tree) NodeCount() int {
	t.functionsMu.RLock()
	defer t.functionsMu.RUnlock()
	return len(t.nodes)
}

// TotalWeight is the sum of the inclusive weights of the roots.
func (t *Tree) TotalWeight() time.Duration {
	var w time.Duration
	for _, r := range t.Roots() {
		w += r.Weight()
	}
	return w
}

// Walk visits the tree depth first, roots ordered by id and children in
// insertion order. Returning false from fn skips the children of a node.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	for _, r := range t.Roots() {
		walk(r, 0, fn)
	}
}

func walk(n *Node, depth int, fn func(n *Node, depth int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children() {
		walk(c, depth+1, fn)
	}
}

// FindPath returns the instance reached by following p from a root.
func (t *Tree) FindPath(p frame.Path) (*Node, bool) {
	if len(p) == 0 {
		return nil, false
	}
	n, ok := t.RootNode(p[0].Function)
	for _, k := range p[1:] {
		if !ok {
			return nil, false
		}
		n, ok = n.child(k)
	}
	return n, ok
}

func (n *Node) child(k frame.Key) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.childIndex[k]
	return c, ok
}

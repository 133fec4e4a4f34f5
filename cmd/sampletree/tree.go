package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/profile"
)

type treeOptions struct {
	maxDepth   int
	minPercent float64
	callSites  bool
	function   string
}

var (
	treeOpts treeOptions

	treeCmd = &cobra.Command{
		Use:   "tree <profile>...",
		Short: "Print the call tree of one or more profiles, merged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := filterFromFlags()
			if err != nil {
				return err
			}
			tree := calltree.NewTree()
			registry := frame.NewMapRegistry()
			var total time.Duration
			for _, src := range args {
				store, fileRegistry, err := loadProfile(ctx, src)
				if err != nil {
					return err
				}
				r, err := profile.Compute(ctx, store, filter, profile.Options{ThreadCount: threadCount, SkipCounters: true})
				if err != nil {
					return err
				}
				if len(args) == 1 {
					tree = r.CallTree
				} else {
					tree.Merge(r.CallTree)
				}
				total += r.Functions.TotalWeight()
				addSymbols(registry, fileRegistry, r)
			}
			if treeOpts.function == "" {
				printTree(cmd.OutOrStdout(), tree, registry, total, treeOpts)
				return nil
			}
			fn, err := frame.ParseFunctionID(treeOpts.function)
			if err != nil {
				return err
			}
			node := tree.CombinedNode(fn, nil)
			if node == nil {
				return fmt.Errorf("function %s was not sampled", fn)
			}
			printCombinedNode(cmd.OutOrStdout(), node, registry, total, treeOpts)
			return nil
		},
	}
)

func init() {
	treeCmd.Flags().IntVar(&treeOpts.maxDepth, "depth", 0, "maximum depth to print, 0 prints everything")
	treeCmd.Flags().Float64Var(&treeOpts.minPercent, "min-percent", 0.5, "hide nodes below this share of the total weight")
	treeCmd.Flags().BoolVar(&treeOpts.callSites, "call-sites", false, "print the call sites of every node")
	treeCmd.Flags().StringVar(&treeOpts.function, "function", "", "merge every call path of a function, as summary:number")
}

func percent(w, total time.Duration) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(w) / float64(total)
}

func printNode(w io.Writer, n *calltree.Node, registry frame.Registry, total time.Duration, depth int) {
	fmt.Fprintf(w, "%6.2f%% %12v %12v  %*s%s\n",
		percent(n.Weight(), total), n.Weight(), n.ExclusiveWeight(), 2*depth, "", frame.FunctionName(registry, n.Function))
}

func printCallSites(w io.Writer, n *calltree.Node, registry frame.Registry, depth int) {
	sites := n.CallSites()
	rvas := make([]uint64, 0, len(sites))
	for rva := range sites {
		rvas = append(rvas, rva)
	}
	sort.Slice(rvas, func(i, j int) bool { return rvas[i] < rvas[j] })
	for _, rva := range rvas {
		site := sites[rva]
		for _, t := range site.SortedTargets() {
			fmt.Fprintf(w, "%34s%*s@%#x -> %s (%v)\n", "", 2*depth, "", rva, frame.FunctionName(registry, t.Node.Function), t.Weight)
		}
	}
}

// printTree prints the tree top-down, heaviest children first.
func printTree(w io.Writer, tree *calltree.Tree, registry frame.Registry, total time.Duration, opts treeOptions) {
	fmt.Fprintf(w, "%7s %12s %12s  %s\n", "total", "weight", "self", "function")
	var visit func(nodes []*calltree.Node, depth int)
	visit = func(nodes []*calltree.Node, depth int) {
		calltree.SortNodes(nodes)
		for _, n := range nodes {
			if percent(n.Weight(), total) < opts.minPercent {
				continue
			}
			printNode(w, n, registry, total, depth)
			if opts.callSites {
				printCallSites(w, n, registry, depth)
			}
			if opts.maxDepth > 0 && depth+1 >= opts.maxDepth {
				continue
			}
			visit(n.Children(), depth+1)
		}
	}
	visit(tree.Roots(), 0)
}

// printCombinedNode prints the callers of a group node, the node and its
// merged callees.
func printCombinedNode(w io.Writer, node *calltree.Node, registry frame.Registry, total time.Duration, opts treeOptions) {
	fmt.Fprintf(w, "%s: %d call paths\n", frame.FunctionName(registry, node.Function), len(node.Members()))
	fmt.Fprintln(w, "callers:")
	for _, c := range node.Callers() {
		printNode(w, c, registry, total, 1)
	}
	printNode(w, node, registry, total, 0)
	if opts.callSites {
		printCallSites(w, node, registry, 0)
	}
	fmt.Fprintln(w, "callees:")
	for _, c := range node.Children() {
		if percent(c.Weight(), total) < opts.minPercent {
			continue
		}
		printNode(w, c, registry, total, 1)
	}
}

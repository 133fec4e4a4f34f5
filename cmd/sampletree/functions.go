package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/getsentry/sampletree/internal/debugmeta"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/metrics"
	"github.com/getsentry/sampletree/internal/profile"
)

var (
	functionsLimit    uint
	functionsExamples uint
	outputJSON        bool

	functionsCmd = &cobra.Command{
		Use:   "functions <profile>...",
		Short: "Report the functions with the highest self weight across profiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := filterFromFlags()
			if err != nil {
				return err
			}
			ma := metrics.NewAggregator(functionsLimit, functionsExamples)
			registry := frame.NewMapRegistry()
			for _, src := range args {
				store, fileRegistry, err := loadProfile(ctx, src)
				if err != nil {
					return err
				}
				r, err := profile.Compute(ctx, store, filter, profile.Options{ThreadCount: threadCount, SkipCounters: true})
				if err != nil {
					return err
				}
				ma.AddResult(r, src)
				addSymbols(registry, fileRegistry, r)
			}
			report := ma.ToMetrics(registry)
			if outputJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
			}
			printFunctions(cmd.OutOrStdout(), report)
			return nil
		},
	}

	modulesCmd = &cobra.Command{
		Use:   "modules <profile>",
		Short: "Report the weight attributed to every module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, registry, err := loadProfile(ctx, args[0])
			if err != nil {
				return err
			}
			filter, err := filterFromFlags()
			if err != nil {
				return err
			}
			r, err := profile.Compute(ctx, store, filter, profile.Options{ThreadCount: threadCount, SkipCallTree: true, SkipCounters: true})
			if err != nil {
				return err
			}
			printModules(cmd.OutOrStdout(), r.Functions.ModuleWeights(), registry, r.Functions.TotalWeight())
			return nil
		},
	}
)

func init() {
	functionsCmd.Flags().UintVarP(&functionsLimit, "limit", "n", 20, "number of functions to report, 0 reports all of them")
	functionsCmd.Flags().UintVar(&functionsExamples, "examples", 5, "number of example profiles kept per function")
	functionsCmd.Flags().BoolVar(&outputJSON, "json", false, "write the report as JSON")
}

func printFunctions(w io.Writer, report []metrics.FunctionMetrics) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "self %\tself\ttotal\tpaths\tp95\tfunction\tmodule\t")
	for _, f := range report {
		fmt.Fprintf(tw, "%.2f\t%v\t%v\t%d\t%v\t%s\t%s\t\n", f.Percent, f.Sum, f.Weight, f.Count, f.P95, f.Name, f.Module)
	}
	tw.Flush()
}

func printModules(w io.Writer, modules map[debugmeta.ModuleID]time.Duration, registry frame.Registry, total time.Duration) {
	ids := make([]debugmeta.ModuleID, 0, len(modules))
	for id := range modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if modules[ids[i]] != modules[ids[j]] {
			return modules[ids[i]] > modules[ids[j]]
		}
		return ids[i] < ids[j]
	})
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "%\tweight\tmodule\t")
	for _, id := range ids {
		fmt.Fprintf(tw, "%.2f\t%v\t%s\t\n", percent(modules[id], total), modules[id], frame.ModuleName(registry, id))
	}
	tw.Flush()
}

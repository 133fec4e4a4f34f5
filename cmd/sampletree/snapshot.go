package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/getsentry/sampletree/internal/profile"
	"github.com/getsentry/sampletree/internal/storageprovider"
)

var (
	storageURL string
	snapshotID string

	snapshotCmd = &cobra.Command{
		Use:   "snapshot <profile>",
		Short: "Compute a profile and save the result",
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
			r, err := profile.Compute(ctx, store, filter, profile.Options{ThreadCount: threadCount})
			if err != nil {
				return err
			}
			h, closer, err := storageprovider.OpenHandler(ctx, storageURL)
			if err != nil {
				return err
			}
			defer closer.Close()

			id := snapshotID
			if id == "" {
				id = uuid.New().String()
			}
			snapshot := profile.NewSnapshot(id, r)
			snapshot.AddSymbols(registry)
			if err := snapshot.Save(ctx, h); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	showSnapshotCmd = &cobra.Command{
		Use:   "show-snapshot <id>",
		Short: "Print the call tree of a saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, closer, err := storageprovider.OpenHandler(ctx, storageURL)
			if err != nil {
				return err
			}
			defer closer.Close()

			s, err := profile.LoadSnapshot(ctx, h, args[0])
			if err != nil {
				return err
			}
			registry := s.Registry()
			tree, stats, err := s.Tree(nil)
			if err != nil {
				return err
			}
			if !stats.Clean() {
				fmt.Fprintf(cmd.ErrOrStderr(), "snapshot has dangling references: %+v\n", stats)
			}
			printTree(cmd.OutOrStdout(), tree, registry, s.TotalWeight, treeOpts)
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{snapshotCmd, showSnapshotCmd} {
		c.Flags().StringVar(&storageURL, "storage", "file://./snapshots", "badger://, gs:// or gocloud.dev/blob URL of the snapshot storage")
	}
	snapshotCmd.Flags().StringVar(&snapshotID, "id", "", "snapshot id, a random one is picked when empty")
	showSnapshotCmd.Flags().IntVar(&treeOpts.maxDepth, "depth", 0, "maximum depth to print, 0 prints everything")
	showSnapshotCmd.Flags().Float64Var(&treeOpts.minPercent, "min-percent", 0.5, "hide nodes below this share of the total weight")
}

package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/getsentry/sampletree/internal/speedscope"
)

var (
	exportOutput     string
	exportFlamegraph bool

	exportCmd = &cobra.Command{
		Use:   "export <profile>",
		Short: "Convert a profile to the speedscope format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, registry, err := loadProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			filter, err := filterFromFlags()
			if err != nil {
				return err
			}
			o := speedscope.FromStore(store, filter, registry, filepath.Base(args[0]))
			if exportFlamegraph {
				o.SortSamplesForFlamegraph()
			}

			var w io.Writer = cmd.OutOrStdout()
			if exportOutput != "" {
				f, err := os.Create(exportOutput)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return json.NewEncoder(w).Encode(o)
		},
	}
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "file to write, defaults to stdout")
	exportCmd.Flags().BoolVar(&exportFlamegraph, "flamegraph", false, "sort samples by name and count each of them once")
}

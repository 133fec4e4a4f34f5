package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gojek/heimdall/v7/httpclient"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/logutil"
	"github.com/getsentry/sampletree/internal/pprofutil"
	"github.com/getsentry/sampletree/internal/profile"
	"github.com/getsentry/sampletree/internal/sample"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	rootCmd = &cobra.Command{
		Use:           "sampletree",
		Short:         "Aggregate sampled call stacks into call trees and function reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logutil.NewLogger(cmd.ErrOrStderr(), logLevel)
			if err != nil {
				return err
			}
			log.Logger = logger
			return nil
		},
	}

	logLevel     string
	sampleType   string
	threadCount  int
	fetchTimeout time.Duration

	threadID int32
	start    time.Duration
	end      time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "log level (must be one of `debug`, `info`, `warn`, `error`)")
	rootCmd.PersistentFlags().StringVar(&sampleType, "sample-type", "", "sample type used as weight, defaults to the profile default")
	rootCmd.PersistentFlags().IntVarP(&threadCount, "threads", "j", 0, "goroutines used to aggregate, 0 picks a default")
	rootCmd.PersistentFlags().DurationVar(&fetchTimeout, "fetch-timeout", 30*time.Second, "timeout when fetching a profile over HTTP")
	rootCmd.PersistentFlags().Int32Var(&threadID, "tid", -1, "only aggregate the samples of this thread")
	rootCmd.PersistentFlags().DurationVar(&start, "start", -1, "only aggregate the samples taken at or after this offset")
	rootCmd.PersistentFlags().DurationVar(&end, "end", -1, "only aggregate the samples taken at or before this offset")

	rootCmd.AddCommand(treeCmd, functionsCmd, modulesCmd, exportCmd, snapshotCmd, showSnapshotCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// filterFromFlags builds the sample filter selected by the --tid, --start
// and --end flags.
func filterFromFlags() (sample.Filter, error) {
	var f sample.Filter
	if threadID >= 0 {
		f = sample.ThreadFilter(threadID)
	}
	if start < 0 && end < 0 {
		return f, nil
	}
	tr := sample.TimeRange{Start: 0, End: time.Duration(1<<63 - 1)}
	if start >= 0 {
		tr.Start = start
	}
	if end >= 0 {
		tr.End = end
	}
	if tr.End < tr.Start {
		return f, fmt.Errorf("--end %v is before --start %v", tr.End, tr.Start)
	}
	f.TimeRange = &tr
	return f, nil
}

// openProfile opens a local file, or fetches src when it is an HTTP URL.
func openProfile(ctx context.Context, src string) (io.ReadCloser, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.Open(src)
	}
	client := httpclient.NewClient(httpclient.WithHTTPTimeout(fetchTimeout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: unexpected status %s", src, resp.Status)
	}
	return resp.Body, nil
}

// addSymbols copies the functions and modules seen by r from src into dst.
// Profiles of the same binaries share function identities.
func addSymbols(dst, src *frame.MapRegistry, r *profile.Result) {
	for fn, d := range r.Functions.Functions() {
		if f, ok := src.Function(fn); ok {
			dst.AddFunction(f)
		}
		if img, ok := src.Module(d.Module); ok {
			dst.AddModule(img)
		}
	}
}

func loadProfile(ctx context.Context, src string) (*sample.Store, *frame.MapRegistry, error) {
	r, err := openProfile(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	store, registry, err := pprofutil.Parse(r, pprofutil.Options{SampleType: sampleType})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", src, err)
	}
	log.Debug().Str("source", src).Int("samples", store.Len()).Dur("total_weight", store.TotalWeight()).Msg("profile loaded")
	return store, registry, nil
}

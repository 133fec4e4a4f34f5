package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/pprof/profile"

	"github.com/getsentry/sampletree/internal/metrics"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/speedscope"
	"github.com/getsentry/sampletree/internal/testutil"
)

func pprofPayload(t *testing.T) []byte {
	t.Helper()
	app := &profile.Mapping{ID: 1, Start: 0x400000, Limit: 0x500000, File: "/usr/bin/app", HasFunctions: true}
	kernel := &profile.Mapping{ID: 2, Start: 0xffff0000, Limit: 0xffffffff, File: "[kernel.kallsyms]"}
	main := &profile.Function{ID: 1, Name: "main"}
	parse := &profile.Function{ID: 2, Name: "parse"}
	inlined := &profile.Function{ID: 3, Name: "skipSpaces"}
	syscall := &profile.Function{ID: 4, Name: "sys_read"}
	l1 := &profile.Location{ID: 1, Mapping: app, Address: 0x401010, Line: []profile.Line{{Function: main}}}
	l2 := &profile.Location{ID: 2, Mapping: app, Address: 0x402020, Line: []profile.Line{{Function: inlined}, {Function: parse}}}
	l3 := &profile.Location{ID: 3, Mapping: app, Address: 0x402040, Line: []profile.Line{{Function: parse}}}
	l4 := &profile.Location{ID: 4, Mapping: kernel, Address: 0xffff1000, Line: []profile.Line{{Function: syscall}}}
	l5 := &profile.Location{ID: 5, Mapping: app, Address: 0x403000}
	ms := int64(time.Millisecond)
	p := &profile.Profile{
		SampleType:        []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		DefaultSampleType: "cpu",
		PeriodType:        &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:            10 * ms,
		Sample: []*profile.Sample{
			{Location: []*profile.Location{l2, l1}, Value: []int64{10 * ms}, NumLabel: map[string][]int64{"thread_id": {7}}},
			{Location: []*profile.Location{l3, l1}, Value: []int64{20 * ms}, NumLabel: map[string][]int64{"thread_id": {7}}},
			{Location: []*profile.Location{l4, l3, l1}, Value: []int64{10 * ms}, NumLabel: map[string][]int64{"thread_id": {8}}},
			{Location: []*profile.Location{l5, l1}, Value: []int64{10 * ms}, NumLabel: map[string][]int64{"thread_id": {8}}},
		},
		Mapping:  []*profile.Mapping{app, kernel},
		Location: []*profile.Location{l1, l2, l3, l4, l5},
		Function: []*profile.Function{main, parse, inlined, syscall},
	}
	var b bytes.Buffer
	if err := p.Write(&b); err != nil {
		t.Fatalf("we should be able to write the profile: %v", err)
	}
	return b.Bytes()
}

func writeProfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpu.pprof")
	if err := os.WriteFile(path, pprofPayload(t), 0o600); err != nil {
		t.Fatalf("we should be able to write the profile: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	threadID, start, end = -1, -1, -1
	treeOpts = treeOptions{minPercent: 0.5}
	exportOutput, exportFlamegraph, outputJSON = "", false, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("sampletree %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func treeLine(pct float64, weight, self time.Duration, depth int, name string) string {
	return fmt.Sprintf("%6.2f%% %12v %12v  %*s%s\n", pct, weight, self, 2*depth, "", name)
}

func TestFilterFromFlags(t *testing.T) {
	defer func() { threadID, start, end = -1, -1, -1 }()

	tests := []struct {
		name    string
		tid     int32
		start   time.Duration
		end     time.Duration
		want    sample.Filter
		wantErr bool
	}{
		{
			name:  "No flags",
			tid:   -1,
			start: -1,
			end:   -1,
			want:  sample.Filter{},
		},
		{
			name:  "Thread",
			tid:   7,
			start: -1,
			end:   -1,
			want:  sample.ThreadFilter(7),
		},
		{
			name:  "Open end",
			tid:   -1,
			start: 10 * time.Millisecond,
			end:   -1,
			want:  sample.Filter{TimeRange: &sample.TimeRange{Start: 10 * time.Millisecond, End: time.Duration(1<<63 - 1)}},
		},
		{
			name:  "Thread and range",
			tid:   8,
			start: -1,
			end:   20 * time.Millisecond,
			want: sample.Filter{
				ThreadIDs: map[int32]struct{}{8: {}},
				TimeRange: &sample.TimeRange{Start: 0, End: 20 * time.Millisecond},
			},
		},
		{
			name:    "Inverted range",
			tid:     -1,
			start:   20 * time.Millisecond,
			end:     10 * time.Millisecond,
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			threadID, start, end = test.tid, test.start, test.end
			got, err := filterFromFlags()
			if test.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestOpenProfile(t *testing.T) {
	payload := pprofPayload(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/cpu.pprof", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{name: "File", src: writeProfile(t)},
		{name: "HTTP", src: server.URL + "/cpu.pprof"},
		{name: "Missing file", src: filepath.Join(t.TempDir(), "missing.pprof"), wantErr: true},
		{name: "Not found", src: server.URL + "/missing", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := openProfile(context.Background(), test.src)
			if test.wantErr {
				if err == nil {
					r.Close()
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("we should be able to read the profile: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
			}
		})
	}
}

func expectedTree() string {
	ms := time.Millisecond
	return fmt.Sprintf("%7s %12s %12s  %s\n", "total", "weight", "self", "function") +
		treeLine(100, 50*ms, 0, 0, "main") +
		treeLine(80, 40*ms, 20*ms, 1, "parse") +
		treeLine(20, 10*ms, 10*ms, 2, "skipSpaces") +
		treeLine(20, 10*ms, 10*ms, 2, "sys_read")
}

func TestTreeCommand(t *testing.T) {
	path := writeProfile(t)
	got := run(t, "tree", path, "-j", "1", "--min-percent", "0")
	if diff := testutil.Diff(got, expectedTree()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	ms := time.Millisecond
	got = run(t, "tree", path, "-j", "1", "--min-percent", "0", "--depth", "2", "--tid", "7")
	want := fmt.Sprintf("%7s %12s %12s  %s\n", "total", "weight", "self", "function") +
		treeLine(100, 30*ms, 0, 0, "main") +
		treeLine(100, 30*ms, 20*ms, 1, "parse")
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestTreeCommandMergesProfiles(t *testing.T) {
	first, second := writeProfile(t), writeProfile(t)
	got := run(t, "tree", first, second, "-j", "1", "--min-percent", "0")

	ms := time.Millisecond
	want := fmt.Sprintf("%7s %12s %12s  %s\n", "total", "weight", "self", "function") +
		treeLine(100, 100*ms, 0, 0, "main") +
		treeLine(80, 80*ms, 40*ms, 1, "parse") +
		treeLine(20, 20*ms, 20*ms, 2, "skipSpaces") +
		treeLine(20, 20*ms, 20*ms, 2, "sys_read")
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFunctionsCommand(t *testing.T) {
	first, second := writeProfile(t), writeProfile(t)
	out := run(t, "functions", first, second, "-j", "1", "--json", "--limit", "3")

	var got []metrics.FunctionMetrics
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("we should be able to decode the report: %v", err)
	}
	names := make([]string, 0, len(got))
	for _, f := range got {
		names = append(names, f.Name)
	}
	if diff := testutil.Diff(names, []string{"parse", "skipSpaces", "sys_read"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	parse := got[0]
	if parse.Sum != 40*time.Millisecond || parse.Weight != 80*time.Millisecond || parse.Count != 2 {
		t.Fatalf("unexpected parse metrics: %+v", parse)
	}
	if diff := testutil.Diff(parse.Examples, []string{first, second}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestSnapshotCommands(t *testing.T) {
	path := writeProfile(t)
	storage := "file://" + t.TempDir()

	out := run(t, "snapshot", path, "-j", "1", "--storage", storage, "--id", "cpu")
	if out != "cpu\n" {
		t.Fatalf("expected the snapshot id, got %q", out)
	}
	got := run(t, "show-snapshot", "cpu", "--storage", storage, "--min-percent", "0")
	if diff := testutil.Diff(got, expectedTree()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestExportCommand(t *testing.T) {
	path := writeProfile(t)
	output := filepath.Join(t.TempDir(), "cpu.speedscope.json")
	run(t, "export", path, "-o", output, "--tid", "7")

	b, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("we should be able to read the export: %v", err)
	}
	var o speedscope.Output
	if err := json.Unmarshal(b, &o); err != nil {
		t.Fatalf("we should be able to decode the export: %v", err)
	}
	if o.Name != "cpu.pprof" || len(o.Profiles) != 1 || o.Profiles[0].ThreadID != 7 {
		t.Fatalf("unexpected export %+v", o)
	}
	ms := uint64(time.Millisecond)
	if diff := testutil.Diff(o.Profiles[0].Weights, []uint64{10 * ms, 20 * ms}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/sample"
)

// GetRequiredQueryParameters attempts to read the specified query parameters
// from the request and returns a map of the key value pairs. If any of the required
// query parameters are missing or blank, it'll write a 400 status code as well as
// the reasoning for the error into the ResponseWriter, and also set return false.
func GetRequiredQueryParameters(w http.ResponseWriter, r *http.Request, paramKeys ...string) (map[string]string, zerolog.Logger, bool) {
	params := make(map[string]string, len(paramKeys))
	logger := log.With()
	for _, key := range paramKeys {
		value := r.URL.Query().Get(key)
		if value == "" {
			http.Error(w, fmt.Sprintf("expected %s query parameter", key), http.StatusBadRequest)
			return nil, zerolog.Nop(), false
		}
		params[key] = value
		logger = logger.Str(key, value)
	}
	return params, logger.Logger(), true
}

// FilterFromQuery builds a sample filter out of the thread, start and end
// query parameters. Start and end are nanoseconds since the start of the
// trace and both are optional.
func FilterFromQuery(r *http.Request) (sample.Filter, error) {
	var f sample.Filter
	q := r.URL.Query()
	if v := q.Get("thread"); v != "" {
		tid, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return f, fmt.Errorf("invalid thread: %w", err)
		}
		f = sample.ThreadFilter(int32(tid))
	}
	start, end := q.Get("start"), q.Get("end")
	if start == "" && end == "" {
		return f, nil
	}
	tr := sample.TimeRange{Start: 0, End: time.Duration(1<<63 - 1)}
	if start != "" {
		ns, err := strconv.ParseInt(start, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid start: %w", err)
		}
		tr.Start = time.Duration(ns)
	}
	if end != "" {
		ns, err := strconv.ParseInt(end, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid end: %w", err)
		}
		tr.End = time.Duration(ns)
	}
	if tr.End < tr.Start {
		return f, fmt.Errorf("end %v is before start %v", tr.End, tr.Start)
	}
	f.TimeRange = &tr
	return f, nil
}

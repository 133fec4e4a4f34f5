package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/httputil"
	"github.com/getsentry/sampletree/internal/metrics"
	"github.com/getsentry/sampletree/internal/pprofutil"
	"github.com/getsentry/sampletree/internal/profile"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/speedscope"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	SessionResponse struct {
		SessionID     string        `json:"session_id"`
		SampleCount   int           `json:"sample_count"`
		TotalWeight   time.Duration `json:"total_weight"`
		ProfileWeight time.Duration `json:"profile_weight"`
		NodeCount     int           `json:"node_count"`
		Threads       []int32       `json:"threads"`
	}

	TreeResponse struct {
		Tree *calltree.FlatTree `json:"tree"`
		// Functions names every function present in the tree.
		Functions map[string]string `json:"functions"`
	}

	ModuleWeight struct {
		ID      int32         `json:"id"`
		Name    string        `json:"name"`
		Weight  time.Duration `json:"weight"`
		Percent float64       `json:"percent"`
	}

	NodeSummary struct {
		Function        string        `json:"function"`
		Name            string        `json:"name"`
		Weight          time.Duration `json:"weight"`
		ExclusiveWeight time.Duration `json:"exclusive_weight"`
	}

	CombinedNodeResponse struct {
		NodeSummary
		Instances int           `json:"instances"`
		Callers   []NodeSummary `json:"callers"`
		Children  []NodeSummary `json:"children"`
	}

	SnapshotResponse struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
	}
)

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	hub := sentry.GetHubFromContext(ctx)
	s := sentry.StartSpan(ctx, "json.marshal")
	b, err := json.Marshal(v)
	s.Finish()
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func captureException(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
	}
}

func (e *environment) computeOptions() profile.Options {
	return profile.Options{
		ThreadCount: e.config.ThreadCount,
		Metrics:     e.processorMetrics,
	}
}

// sessionFromRequest looks the session of the request up. It writes a 404
// and returns false when it is missing or expired.
func (e *environment) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*session, bool) {
	ps := httprouter.ParamsFromContext(r.Context())
	id := ps.ByName("session_id")
	httputil.SetSessionTag(sentry.GetHubFromContext(r.Context()), id)
	s, ok := e.sessions.get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return s, true
}

// resultFromRequest returns the session result, or a new one computed over
// the samples selected by the thread, start and end query parameters.
func (e *environment) resultFromRequest(w http.ResponseWriter, r *http.Request, s *session) (*profile.Result, bool) {
	filter, err := httputil.FilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if filter.IncludesAll() {
		return s.result, true
	}
	ctx := r.Context()
	span := sentry.StartSpan(ctx, "processing")
	span.Description = "Recompute filtered result"
	result, err := s.result.Recompute(ctx, s.store, filter)
	span.Finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, false
		}
		captureException(ctx, err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return result, true
}

func (e *environment) postSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Import pprof profile"
	store, registry, err := pprofutil.Parse(r.Body, pprofutil.Options{SampleType: r.URL.Query().Get("sample_type")})
	s.Finish()
	if err != nil {
		log.Debug().Err(err).Msg("invalid profile")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Compute call tree and functions"
	result, err := profile.Compute(ctx, store, sample.Filter{}, e.computeOptions())
	s.Finish()
	if err != nil {
		captureException(ctx, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:       uuid.New().String(),
		created:  time.Now().UTC(),
		store:    store,
		registry: registry,
		result:   result,
	}
	e.sessions.add(sess)
	httputil.SetSessionTag(sentry.GetHubFromContext(ctx), sess.id)

	if e.functionsWriter != nil {
		if err := e.publishFunctions(ctx, sess); err != nil {
			captureException(ctx, err)
			log.Err(err).Str("session_id", sess.id).Msg("error publishing function report")
		}
	}

	writeJSON(ctx, w, http.StatusCreated, SessionResponse{
		SessionID:     sess.id,
		SampleCount:   result.Functions.SampleCount(),
		TotalWeight:   result.Functions.TotalWeight(),
		ProfileWeight: result.Functions.ProfileWeight(),
		NodeCount:     result.CallTree.NodeCount(),
		Threads:       store.Threads(),
	})
}

func (e *environment) publishFunctions(ctx context.Context, sess *session) error {
	ma := metrics.NewAggregator(e.config.MaxUniqueFunctions, 1)
	ma.AddResult(sess.result, sess.id)
	b, err := json.Marshal(buildFunctionsKafkaMessage(e.config.Environment, sess, ma.ToMetrics(sess.registry)))
	if err != nil {
		return err
	}
	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Send function report to Kafka"
	defer s.Finish()
	return e.functionsWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sess.id),
		Value: b,
	})
}

func (e *environment) deleteSession(w http.ResponseWriter, r *http.Request) {
	ps := httprouter.ParamsFromContext(r.Context())
	if !e.sessions.remove(ps.ByName("session_id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getTree(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	result, ok := e.resultFromRequest(w, r, sess)
	if !ok {
		return
	}
	names := make(map[string]string)
	for _, fn := range result.CallTree.Functions() {
		names[fn.String()] = frame.FunctionName(sess.registry, fn)
	}
	writeJSON(r.Context(), w, http.StatusOK, TreeResponse{
		Tree:      result.CallTree.Flatten(),
		Functions: names,
	})
}

func (e *environment) getFunctions(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	limit := e.config.MaxUniqueFunctions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = uint(n)
	}
	result, ok := e.resultFromRequest(w, r, sess)
	if !ok {
		return
	}
	ma := metrics.NewAggregator(limit, 1)
	ma.AddResult(result, sess.id)
	writeJSON(r.Context(), w, http.StatusOK, ma.ToMetrics(sess.registry))
}

func (e *environment) getModules(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	result, ok := e.resultFromRequest(w, r, sess)
	if !ok {
		return
	}
	total := result.Functions.TotalWeight()
	modules := make([]ModuleWeight, 0, len(result.Functions.ModuleWeights()))
	for id, weight := range result.Functions.ModuleWeights() {
		m := ModuleWeight{
			ID:     int32(id),
			Name:   frame.ModuleName(sess.registry, id),
			Weight: weight,
		}
		if total > 0 {
			m.Percent = 100 * float64(weight) / float64(total)
		}
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].Weight != modules[j].Weight {
			return modules[i].Weight > modules[j].Weight
		}
		return modules[i].ID < modules[j].ID
	})
	writeJSON(r.Context(), w, http.StatusOK, modules)
}

func (e *environment) getThreads(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	result, ok := e.resultFromRequest(w, r, sess)
	if !ok {
		return
	}
	threads := result.Functions.Threads()
	if threads == nil {
		threads = []aggregate.ThreadSummary{}
	}
	writeJSON(r.Context(), w, http.StatusOK, threads)
}

// getSpeedscope exports the samples of a session, restricted by the
// thread and time range parameters, in the speedscope format.
func (e *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	filter, err := httputil.FilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	s := sentry.StartSpan(ctx, "export")
	s.Description = "Export speedscope profile"
	o := speedscope.FromStore(sess.store, filter, sess.registry, sess.id)
	s.Finish()
	if r.URL.Query().Get("flamegraph") == "true" {
		o.SortSamplesForFlamegraph()
	}
	writeJSON(ctx, w, http.StatusOK, o)
}

func nodeSummary(registry frame.Registry, n *calltree.Node) NodeSummary {
	return NodeSummary{
		Function:        n.Function.String(),
		Name:            frame.FunctionName(registry, n.Function),
		Weight:          n.Weight(),
		ExclusiveWeight: n.ExclusiveWeight(),
	}
}

// getCombinedNode merges every call path of a function into one node. The
// optional parent parameter restricts it to the paths called by a function.
func (e *environment) getCombinedNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	params, logger, ok := httputil.GetRequiredQueryParameters(w, r, "function")
	if !ok {
		return
	}
	fn, err := frame.ParseFunctionID(params["function"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, ok := e.resultFromRequest(w, r, sess)
	if !ok {
		return
	}

	var parent *calltree.Node
	if v := r.URL.Query().Get("parent"); v != "" {
		parentFn, err := frame.ParseFunctionID(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		parent = result.CallTree.CombinedNode(parentFn, nil)
		if parent == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}
	node := result.CallTree.CombinedNode(fn, parent)
	if node == nil {
		logger.Debug().Msg("function not found in the call tree")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	response := CombinedNodeResponse{
		NodeSummary: nodeSummary(sess.registry, node),
		Instances:   len(node.Members()),
		Callers:     []NodeSummary{},
		Children:    []NodeSummary{},
	}
	for _, caller := range node.Callers() {
		response.Callers = append(response.Callers, nodeSummary(sess.registry, caller))
	}
	for _, child := range node.Children() {
		response.Children = append(response.Children, nodeSummary(sess.registry, child))
	}
	writeJSON(r.Context(), w, http.StatusOK, response)
}

func (e *environment) postSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.sessionFromRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	snapshot := profile.NewSnapshot(sess.id, sess.result)
	snapshot.AddSymbols(sess.registry)
	s := sentry.StartSpan(ctx, "storage.write")
	s.Description = "Write snapshot"
	err := snapshot.Save(ctx, e.snapshots)
	s.Finish()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		captureException(ctx, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, SnapshotResponse{
		SessionID: sess.id,
		Path:      profile.StoragePath(sess.id),
	})
}

func (e *environment) getSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	id := ps.ByName("session_id")
	httputil.SetSessionTag(sentry.GetHubFromContext(ctx), id)

	s := sentry.StartSpan(ctx, "storage.read")
	s.Description = "Read snapshot"
	snapshot, err := profile.LoadSnapshot(ctx, e.snapshots, id)
	s.Finish()
	if err != nil {
		if errors.Is(err, errorutil.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		captureException(ctx, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusOK, snapshot)
}

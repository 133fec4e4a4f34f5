package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/httputil"
	"github.com/getsentry/sampletree/internal/logutil"
	"github.com/getsentry/sampletree/internal/processor"
	"github.com/getsentry/sampletree/internal/storageprovider"
	"github.com/getsentry/sampletree/internal/storageutil"
)

type environment struct {
	config ServiceConfig

	sessions *sessionCache

	functionsWriter KafkaWriter

	snapshots       storageutil.ObjectHandler
	snapshotsCloser io.Closer

	registry         *prometheus.Registry
	processorMetrics *processor.Metrics
}

var release string

func newEnvironment(cfg ServiceConfig) (*environment, error) {
	e := environment{
		config:           cfg,
		sessions:         newSessionCache(cfg.SessionCacheSize, cfg.SessionTTL),
		functionsWriter:  newFunctionsWriter(cfg),
		registry:         prometheus.NewRegistry(),
		processorMetrics: processor.NewMetrics("sampletree"),
	}
	if err := e.processorMetrics.Register(e.registry); err != nil {
		return nil, err
	}

	var err error
	e.snapshots, e.snapshotsCloser, err = storageprovider.OpenHandler(context.Background(), cfg.SnapshotStorage)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *environment) shutdown() {
	if e.snapshotsCloser != nil {
		if err := e.snapshotsCloser.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.functionsWriter != nil {
		if err := e.functionsWriter.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/sessions", e.postSession},
		{http.MethodDelete, "/sessions/:session_id", e.deleteSession},
		{http.MethodGet, "/sessions/:session_id/tree", e.getTree},
		{http.MethodGet, "/sessions/:session_id/functions", e.getFunctions},
		{http.MethodGet, "/sessions/:session_id/modules", e.getModules},
		{http.MethodGet, "/sessions/:session_id/threads", e.getThreads},
		{http.MethodGet, "/sessions/:session_id/combined", e.getCombinedNode},
		{http.MethodGet, "/sessions/:session_id/speedscope", e.getSpeedscope},
		{http.MethodPost, "/sessions/:session_id/snapshot", e.postSnapshot},
		{http.MethodGet, "/snapshots/:session_id", e.getSnapshot},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	return router, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading the configuration")
	}
	if err := logutil.ConfigureLogger(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("error configuring the logger")
	}

	env, err := newEnvironment(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:                   env.config.SentryDSN,
		EnableTracing:         true,
		Environment:           env.config.Environment,
		Release:               release,
		TracesSampleRate:      1.0,
		BeforeSendTransaction: httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + env.config.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan os.Signal)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", env.config.Port).Str("environment", env.config.Environment).Msg("starting server")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scopetree/scopetree"
	"github.com/scopetree/scopetree/internal/httputil"
	"github.com/scopetree/scopetree/internal/logutil"
)

type environment struct {
	config ServiceConfig
	policy scopetree.FlushPolicy

	store *traceStore
	cron  *cron.Cron
}

var release string

func newEnvironment() (*environment, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}
	policy, err := scopetree.ParseFlushPolicy(config.Flush)
	if err != nil {
		return nil, err
	}
	store, err := openTraceStore(config)
	if err != nil {
		return nil, err
	}
	return &environment{
		config: config,
		policy: policy,
		store:  store,
	}, nil
}

func (e *environment) shutdown() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	if err := e.store.close(); err != nil {
		sentry.CaptureException(err)
		log.Err(err).Msg("error closing the trace store")
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
		{http.MethodGet, "/traces", e.getTraces},
		{http.MethodGet, "/traces/:trace_id", e.getTrace},
		{http.MethodGet, "/traces/:trace_id/raw", e.getRawTrace},
		{http.MethodGet, "/traces/:trace_id/pprof", e.getTracePprof},
		{http.MethodGet, "/traces/:trace_id/stats", e.getTraceStats},
		{http.MethodPost, "/simulate", e.postSimulate},
		{http.MethodPost, "/traces", e.postTraces},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

// handler wraps the router the way main serves it, so tests exercise the
// same middleware chain.
func (e *environment) handler() (http.Handler, error) {
	router, err := e.newRouter()
	if err != nil {
		return nil, err
	}
	return sentryhttp.New(sentryhttp.Options{}).Handle(router), nil
}

func main() {
	logutil.ConfigureLogger("scopetreed")

	env, err := newEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	if !env.config.Debug {
		log.Logger = log.Sample(logutil.LevelSampler{Level: zerolog.InfoLevel})
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              env.config.SentryDSN,
		EnableTracing:    true,
		Environment:      env.config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env.cron = cron.New()
	_, err = env.cron.AddFunc("@hourly", func() {
		if err := env.store.runGC(); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("error collecting store garbage")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't set up cron function")
	}
	env.cron.Start()

	handler, err := env.handler()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    fmt.Sprintf(":%d", env.config.Port),
		Handler: handler,
	}

	waitForShutdown := make(chan struct{})
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

	log.Info().
		Int("port", env.config.Port).
		Str("environment", env.config.Environment).
		Msg("scopetreed listening")

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/scopetree/scopetree"
	"github.com/scopetree/scopetree/export/pprofile"
	"github.com/scopetree/scopetree/export/speedscope"
	"github.com/scopetree/scopetree/internal/httputil"
	"github.com/scopetree/scopetree/stats"
)

type (
	// TraceRecord is the stored unit: every trace of one recording run,
	// plus how the run came to be.
	TraceRecord struct {
		ID         string            `json:"id"`
		Scenario   string            `json:"scenario"`
		ReceivedAt time.Time         `json:"received_at"`
		DurationNS uint64            `json:"duration_ns"`
		Traces     []scopetree.Trace `json:"traces"`
	}

	recordSummary struct {
		ID         string `json:"id"`
		Scenario   string `json:"scenario"`
		Traces     int    `json:"traces"`
		DurationNS uint64 `json:"duration_ns"`
	}

	listResponse struct {
		TraceIDs []string `json:"trace_ids"`
	}

	statsResponse struct {
		Scopes []stats.ScopeMetrics `json:"scopes"`
	}
)

// span returns the wall nanoseconds the traces cover, from the earliest
// root start to the latest root stop.
func span(traces []scopetree.Trace) uint64 {
	var min, max uint64
	for _, t := range traces {
		if len(t.Frames) == 0 {
			continue
		}
		root := t.FramesByIndex()[0]
		if min == 0 || root.StartWallNS < min {
			min = root.StartWallNS
		}
		if root.StopWallNS > max {
			max = root.StopWallNS
		}
	}
	if max < min {
		return 0
	}
	return max - min
}

func traceIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	ps := httprouter.ParamsFromContext(r.Context())
	raw := ps.ByName("trace_id")
	if _, err := uuid.Parse(raw); err != nil {
		http.Error(w, "malformed trace id", http.StatusBadRequest)
		return "", false
	}
	return raw, true
}

// record loads a stored record, writing the error response itself when
// that fails.
func (e *environment) record(w http.ResponseWriter, hub *sentry.Hub, id string) (TraceRecord, bool) {
	rec, err := e.store.get(id)
	if err != nil {
		if errors.Is(err, errTraceNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return TraceRecord{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, hub *sentry.Hub, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) postSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	params, logger, ok := httputil.RequiredQueryParameters(w, r, "scenario")
	if !ok {
		return
	}
	scenario := params["scenario"]
	switch scenario {
	case "sequential", "fanout", "deep":
	default:
		http.Error(w, fmt.Sprintf("unknown scenario %q", scenario), http.StatusBadRequest)
		return
	}
	hub.Scope().SetTag("scenario", scenario)

	workers := 4
	if raw := r.URL.Query().Get("workers"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 64 {
			http.Error(w, "workers must be between 1 and 64", http.StatusBadRequest)
			return
		}
		workers = n
	}

	traces, err := runScenario(scenario, workers, e.policy)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	rec := TraceRecord{
		ID:         uuid.New().String(),
		Scenario:   scenario,
		ReceivedAt: time.Now().UTC(),
		DurationNS: span(traces),
		Traces:     traces,
	}
	if err := e.store.put(rec); err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	logger.Info().Str("trace_id", rec.ID).Int("traces", len(traces)).Msg("scenario recorded")

	writeJSON(w, hub, recordSummary{
		ID:         rec.ID,
		Scenario:   rec.Scenario,
		Traces:     len(rec.Traces),
		DurationNS: rec.DurationNS,
	})
}

func (e *environment) postTraces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var traces []scopetree.Trace
	if err := json.NewDecoder(r.Body).Decode(&traces); err != nil {
		http.Error(w, "malformed trace payload", http.StatusBadRequest)
		return
	}
	if len(traces) == 0 {
		http.Error(w, "empty trace payload", http.StatusBadRequest)
		return
	}
	for _, t := range traces {
		if !t.Complete {
			http.Error(w, fmt.Sprintf("stack %d: trace is incomplete", t.StackID), http.StatusBadRequest)
			return
		}
		if err := t.Validate(); err != nil {
			http.Error(w, fmt.Sprintf("stack %d: %s", t.StackID, err), http.StatusBadRequest)
			return
		}
	}

	rec := TraceRecord{
		ID:         uuid.New().String(),
		Scenario:   "upload",
		ReceivedAt: time.Now().UTC(),
		DurationNS: span(traces),
		Traces:     traces,
	}
	if err := e.store.put(rec); err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, hub, recordSummary{
		ID:         rec.ID,
		Scenario:   rec.Scenario,
		Traces:     len(rec.Traces),
		DurationNS: rec.DurationNS,
	})
}

func (e *environment) getTraces(w http.ResponseWriter, r *http.Request) {
	hub := sentry.GetHubFromContext(r.Context())

	ids, err := e.store.list()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, hub, listResponse{TraceIDs: ids})
}

func (e *environment) getTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	id, ok := traceIDFromRequest(w, r)
	if !ok {
		return
	}
	hub.Scope().SetTag("trace_id", id)

	rec, ok := e.record(w, hub, id)
	if !ok {
		return
	}

	out, err := speedscope.FromTraces(rec.Traces)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out.ProfileID = rec.ID

	s := sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()

	b, err := speedscope.Marshal(out)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) getRawTrace(w http.ResponseWriter, r *http.Request) {
	hub := sentry.GetHubFromContext(r.Context())
	id, ok := traceIDFromRequest(w, r)
	if !ok {
		return
	}

	raw, err := e.store.getRaw(id)
	if err != nil {
		if errors.Is(err, errTraceNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json.lz4"`, id))
	_, _ = w.Write(raw)
}

func (e *environment) getTracePprof(w http.ResponseWriter, r *http.Request) {
	hub := sentry.GetHubFromContext(r.Context())
	id, ok := traceIDFromRequest(w, r)
	if !ok {
		return
	}

	rec, ok := e.record(w, hub, id)
	if !ok {
		return
	}

	p, err := pprofile.FromTraces(rec.Traces)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	p.TimeNanos = rec.ReceivedAt.UnixNano()

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := p.Write(w); err != nil {
		hub.CaptureException(err)
	}
}

func (e *environment) getTraceStats(w http.ResponseWriter, r *http.Request) {
	hub := sentry.GetHubFromContext(r.Context())
	id, ok := traceIDFromRequest(w, r)
	if !ok {
		return
	}

	rec, ok := e.record(w, hub, id)
	if !ok {
		return
	}

	agg := stats.NewAggregator(100, 5)
	for _, t := range rec.Traces {
		if err := agg.AddTrace(t); err != nil {
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, hub, statsResponse{Scopes: agg.ToMetrics()})
}

// Package handlers implements the HTTP handlers for the QueryForge API.
// All handlers depend on the Store interface and the pipeline, never on
// each other.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/internal/pipeline"
	"github.com/queryforge/queryforge/internal/store"
	"github.com/queryforge/queryforge/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Pipeline  *pipeline.Pipeline
	Providers []models.ProviderConfig
}

// New creates a Handlers instance.
func New(s store.Store, p *pipeline.Pipeline, providers []models.ProviderConfig) *Handlers {
	return &Handlers{Store: s, Pipeline: p, Providers: providers}
}

// ── Generation ───────────────────────────────────────────────

// Generate submits a mapping document and starts a run. Responds 202
// with the initial run snapshot; progress streams from the events
// endpoint.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := h.Pipeline.Start(r.Context(), &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("run_id", run.ID).Str("level", string(run.Request.Level)).Msg("🔥 Generation run accepted")
	respondJSON(w, http.StatusAccepted, run)
}

// ── Runs ─────────────────────────────────────────────────────

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: models.RunStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	runs, err := h.Store.ListRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.GenerationRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// GetRunSQL returns just the generated statement as text/plain, ready to
// paste into a SQL console.
func (h *Handlers) GetRunSQL(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if run.SQL == "" {
		respondError(w, http.StatusConflict, "Run has not produced SQL (status: "+string(run.Status)+")")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(run.SQL))
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.Pipeline.Cancel(runID); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("run_id", runID).Msg("Run cancellation requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRun(r.Context(), chi.URLParam(r, "runID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Event stream ─────────────────────────────────────────────

// StreamEvents serves the run's progress as Server-Sent Events. The
// Last-Event-ID header (or last_event_id query param) resumes from any
// previously seen sequence number; for finished runs the stored history
// is replayed and the stream closes.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	afterSeq := uint64(0)
	header := r.Header.Get("Last-Event-ID")
	if header == "" {
		header = r.URL.Query().Get("last_event_id")
	}
	if header != "" {
		if n, err := strconv.ParseUint(header, 10, 64); err == nil {
			afterSeq = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if emitter := h.Pipeline.Events(runID); emitter != nil {
		w.WriteHeader(http.StatusOK)
		for evt := range emitter.Subscribe(r.Context(), afterSeq) {
			writeSSE(w, &evt)
			flusher.Flush()
		}
		return
	}

	// Finished run: replay the persisted history.
	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	for i := range run.Events {
		if run.Events[i].Sequence <= afterSeq {
			continue
		}
		writeSSE(w, &run.Events[i])
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, evt *models.ProgressEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	w.Write([]byte("id: " + strconv.FormatUint(evt.Sequence, 10) + "\n"))
	w.Write([]byte("event: " + string(evt.Phase) + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

// ── Providers ────────────────────────────────────────────────

// ListProviders returns the configured providers. API keys never appear
// in the response (the model strips them from JSON).
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	providers := h.Providers
	if providers == nil {
		providers = []models.ProviderConfig{}
	}
	respondJSON(w, http.StatusOK, providers)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

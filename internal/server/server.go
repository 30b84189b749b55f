// internal/server/server.go
// Package server exposes deliberations over HTTP. A POST runs one in batch
// mode, or streams its progress as server-sent events when the client
// accepts text/event-stream. A client that disconnects mid-stream cancels
// the deliberation's in-flight model calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"council/internal/cache"
	"council/internal/council"
	"council/internal/events"
	"council/internal/logging"
	"council/internal/models"
	"council/internal/notify"
	"council/internal/store"
)

const maxRequestBody = 2 << 20

// Engine runs deliberations. *orchestrator.Orchestrator satisfies it.
type Engine interface {
	Run(ctx context.Context, question string, opts council.Options) (*council.Result, error)
	Stream(ctx context.Context, question string, opts council.Options) <-chan events.Event
	CircuitStats() []models.CircuitStats
	ResetCircuit(model string) bool
	Council() []string
}

type Server struct {
	engine   Engine
	defaults council.Options
	cache    *cache.Cache
	store    *store.Store
	notifier *notify.Client
	log      *logging.Logger
	now      func() time.Time

	httpServer *http.Server
}

type Option func(*Server)

// WithCache fronts the engine with a result cache
func WithCache(c *cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithStore enables saving results and the history endpoints
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

func WithNotifier(n *notify.Client) Option {
	return func(s *Server) { s.notifier = n }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server. defaults are the options a request starts from.
func New(engine Engine, defaults council.Options, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		defaults: defaults,
		log:      logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AskRequest is the body of POST /v1/deliberations. Options is merged over
// the server defaults, so a client only names what it changes.
type AskRequest struct {
	Question string          `json:"question"`
	Options  json.RawMessage `json:"options,omitempty"`
	Save     bool            `json:"save,omitempty"`
	NoCache  bool            `json:"no_cache,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply. Result carries the
// partial result of a failed deliberation.
type ErrorResponse struct {
	Error  string          `json:"error"`
	Stage  int             `json:"stage,omitempty"`
	Result *council.Result `json:"result,omitempty"`
}

// Handler returns the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/deliberations", s.handleAsk)
	mux.HandleFunc("GET /v1/deliberations", s.handleList)
	mux.HandleFunc("GET /v1/deliberations/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/circuits", s.handleCircuits)
	mux.HandleFunc("POST /v1/circuits/reset/{model...}", s.handleResetCircuit)
	mux.HandleFunc("GET /v1/cache", s.handleCache)
	mux.HandleFunc("DELETE /v1/cache", s.handlePurgeCache)
	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	// No write timeout: streamed deliberations run for minutes
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"council":   s.engine.Council(),
		"persisted": s.store != nil,
		"cached":    s.cache != nil,
		"time":      s.now().UTC(),
	})
}

// decodeAsk validates a request and layers its options over the defaults
func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (AskRequest, council.Options, error) {
	var req AskRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, council.Options{}, fmt.Errorf("invalid JSON: %w", err)
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, council.Options{}, errors.New("question is required")
	}

	opts := s.defaults
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			return req, opts, fmt.Errorf("invalid options: %w", err)
		}
		if _, ok := council.ParseVotingMethod(string(opts.VotingMethod)); !ok {
			return req, opts, fmt.Errorf("unknown voting method %q", opts.VotingMethod)
		}
	}
	return req, opts.Normalize(), nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, opts, err := s.decodeAsk(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.stream(w, r, req, opts)
		return
	}

	var result *council.Result
	if s.cache != nil && !req.NoCache {
		result, err = s.cache.Run(r.Context(), req.Question, opts)
	} else {
		result, err = s.engine.Run(r.Context(), req.Question, opts)
	}

	var derr *council.DeliberationError
	if errors.As(err, &derr) {
		result = derr.Partial
	}
	s.notifier.NotifyResult(result, err)
	s.save(req, result)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, council.ErrCanceled) || r.Context().Err() != nil:
		s.log.Info("client went away", "question", truncate(req.Question, 60))
	case derr != nil:
		writeError(w, http.StatusBadGateway, ErrorResponse{Error: derr.Err.Error(), Stage: derr.Stage, Result: result})
	default:
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// stream relays events as SSE. Each event is written and flushed as it
// arrives; the request context is the deliberation context.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, req AskRequest, opts council.Options) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.cache != nil && !req.NoCache {
		if hit, ok := s.cache.Lookup(req.Question, opts); ok {
			writeEvent(w, events.NewComplete(hit))
			rc.Flush()
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := s.notifier.Tee(s.engine.Stream(ctx, req.Question, opts))
	var sent int
	for ev := range stream {
		if ev.Terminal() && ev.Result != nil {
			if ev.Type == events.DeliberationComplete && s.cache != nil {
				s.cache.Store(ev.Result)
			}
			s.save(req, ev.Result)
		}
		if ctx.Err() != nil {
			continue
		}
		err := writeEvent(w, ev)
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.log.Info("stream client disconnected", "sent", sent, "error", err.Error())
			cancel()
			continue
		}
		sent++
	}
	if r.Context().Err() != nil {
		s.log.Info("stream canceled by client", "sent", sent)
	}
}

func (s *Server) save(req AskRequest, result *council.Result) {
	if !req.Save || result == nil || s.store == nil {
		return
	}
	if err := s.store.Save(result); err != nil {
		s.log.Error("save result failed", "id", result.ID, "error", err.Error())
		return
	}
	s.log.Info("saved result", "id", result.ID)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "persistence is disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := s.store.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "persistence is disabled"})
		return
	}
	result, err := s.store.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case err != nil:
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.WithCouncil(s.engine.CircuitStats(), s.engine.Council()))
}

// handleResetCircuit closes one model's circuit. Model IDs carry a slash,
// so the wildcard takes the rest of the path.
func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "model is required"})
		return
	}
	if !s.engine.ResetCircuit(model) {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "circuit breaking is disabled"})
		return
	}
	s.log.Info("circuit reset", "model", model)
	writeJSON(w, http.StatusOK, models.WithCouncil(s.engine.CircuitStats(), s.engine.Council()))
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "cache is disabled"})
		return
	}
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"entries":  stats.Entries,
		"size":     stats.Size,
		"hit_rate": stats.HitRate(),
	})
}

func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "cache is disabled"})
		return
	}
	s.cache.Purge()
	s.log.Info("cache purged")
	w.WriteHeader(http.StatusNoContent)
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	writeJSON(w, status, body)
}

func truncate(s string, maxLen int) string {
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return s
}

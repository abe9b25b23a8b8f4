package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"scan-console/internal/config"
	"scan-console/internal/journal"
	"scan-console/internal/models"
	"scan-console/internal/notify"
	"scan-console/internal/ratelimit"
	"scan-console/internal/store"
	"scan-console/internal/telemetry"
	"scan-console/internal/upstream"
	"scan-console/internal/watcher"
)

// Server wires the console-facing HTTP handlers.
type Server struct {
	cfg      config.Config
	store    *store.Store
	upstream *upstream.Client
	watcher  *watcher.Watcher
	hub      *notify.Hub
	journal  *journal.Journal
	limiter  *ratelimit.Bucket
	log      *zap.Logger
}

// New constructs the API server. journal and limiter may be nil.
func New(cfg config.Config, st *store.Store, up *upstream.Client, w *watcher.Watcher, hub *notify.Hub, jn *journal.Journal, limiter *ratelimit.Bucket, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		upstream: up,
		watcher:  w,
		hub:      hub,
		journal:  jn,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/scans", s.handleList)
	r.Post("/scans", s.handleCreate)
	r.Post("/scans/reload", s.handleReload)
	r.Get("/scans/{id}", s.handleGet)
	r.Delete("/scans/{id}", s.handleDelete)
	r.Get("/scans/{id}/history", s.handleHistory)
	r.Get("/events", s.handleEvents)
	return r
}

type listResponse struct {
	Scans []models.Scan `json:"scans"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
}

// handleList serves the current store snapshot. A page query parameter
// supersedes the tracked set with a fresh upstream fetch; in-flight poll
// results for scans that paged away are dropped by the store.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		if err := s.load(r, page); err != nil {
			http.Error(w, "upstream list failed", http.StatusBadGateway)
			return
		}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Scans: s.store.List(),
		Total: s.store.Total(),
		Page:  s.watcher.Page(),
	})
}

func (s *Server) load(r *http.Request, page int) error {
	result, err := s.upstream.ListScans(r.Context(), page, s.cfg.PageSize)
	if err != nil {
		s.log.Error("list scans failed", zap.Int("page", page), zap.Error(err))
		return err
	}
	s.store.ReplaceAll(result.Scans, result.Total)
	s.watcher.SetPage(page)
	s.watcher.Kick()
	return nil
}

type createRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.Repo == "" {
		http.Error(w, "owner and repo are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	sc, err := s.upstream.CreateScan(r.Context(), req.Owner, req.Repo)
	if err != nil {
		s.log.Error("create scan failed", zap.String("owner", req.Owner), zap.String("repo", req.Repo), zap.Error(err))
		http.Error(w, "create scan failed", http.StatusBadGateway)
		return
	}

	s.store.Upsert(sc)
	s.watcher.Kick()
	writeJSON(w, http.StatusAccepted, sc)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleDelete removes a scan upstream and locally. Removing the id from
// the store is what stops polling it, so that happens before the response
// is written.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.upstream.DeleteScan(r.Context(), id); err != nil && !errors.Is(err, upstream.ErrNotFound) {
		s.log.Error("delete scan failed", zap.String("scan_id", id), zap.Error(err))
		http.Error(w, "delete scan failed", http.StatusBadGateway)
		return
	}
	s.store.Remove(id)
	s.watcher.Kick()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.load(r, s.watcher.Page()); err != nil {
		http.Error(w, "upstream list failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "history not enabled", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	transitions, err := s.journal.History(r.Context(), id)
	if err != nil {
		s.log.Error("history query failed", zap.String("scan_id", id), zap.Error(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

// handleEvents streams notices as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-ch:
			if !open {
				return
			}
			raw, err := json.Marshal(n)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: notice\ndata: %s\n\n", raw)
			flusher.Flush()
		}
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/index"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/rag"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

// Answerer answers and searches.
type Answerer interface {
	AnswerQuestion(ctx context.Context, question string) (*rag.Answer, error)
	Search(ctx context.Context, query string, k int) (*search.Result, error)
}

// IndexSource exposes the loaded index.
type IndexSource interface {
	Snapshot() *vecindex.Snapshot
}

// Store is the read side of the document store.
type Store interface {
	ListArticles(ctx context.Context, f db.ArticleFilter) ([]db.Document, error)
	Sources(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

// RebuildFunc rebuilds the index from the store.
type RebuildFunc func(ctx context.Context) (*index.BuildResult, error)

const maxArticlesLimit = 200

// Handler handles API requests.
type Handler struct {
	answerer      Answerer
	index         IndexSource
	store         Store
	rebuild       RebuildFunc
	emissionsFile string
}

// NewHandler creates a new Handler.
func NewHandler(cfg ServerConfig) *Handler {
	return &Handler{
		answerer:      cfg.Answerer,
		index:         cfg.Index,
		store:         cfg.Store,
		rebuild:       cfg.Rebuild,
		emissionsFile: cfg.EmissionsFile,
	}
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// Status reports the loaded index.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.index.Snapshot()
	resp := map[string]any{
		"size":     snap.Size(),
		"build_id": snap.BuildID(),
		"ready":    snap.Size() > 0,
	}
	if snap != nil && snap.Manifest != nil {
		resp["manifest"] = snap.Manifest
	}
	h.jsonResponse(w, resp)
}

type askRequest struct {
	Question string `json:"question"`
}

// Ask answers a question given as ?q= or a JSON body {"question": ...}.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("q")
	if r.Method == http.MethodPost {
		var req askRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			h.jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		question = req.Question
	}
	if strings.TrimSpace(question) == "" {
		h.jsonError(w, "question is required", http.StatusBadRequest)
		return
	}

	answer, err := h.answerer.AnswerQuestion(r.Context(), question)
	if err != nil {
		h.fail(w, r, "ask failed", err)
		return
	}
	h.jsonResponse(w, answer)
}

// Search returns the nearest documents without generating an answer.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		h.jsonError(w, "query parameter 'q' is required", http.StatusBadRequest)
		return
	}
	k, ok := intParam(r, "k", 0)
	if !ok || k < 0 {
		h.jsonError(w, "invalid k", http.StatusBadRequest)
		return
	}

	result, err := h.answerer.Search(r.Context(), query, k)
	if err != nil {
		h.fail(w, r, "search failed", err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"query":    query,
		"count":    len(result.Hits),
		"results":  result.Hits,
		"misses":   result.Misses,
		"build_id": result.BuildID,
	})
}

// Articles lists stored articles, newest first.
func (h *Handler) Articles(w http.ResponseWriter, r *http.Request) {
	limit, ok1 := intParam(r, "limit", 50)
	offset, ok2 := intParam(r, "offset", 0)
	if !ok1 || !ok2 || limit < 0 || offset < 0 {
		h.jsonError(w, "invalid limit or offset", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxArticlesLimit)

	docs, err := h.store.ListArticles(r.Context(), db.ArticleFilter{
		Source: r.URL.Query().Get("source"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, "list articles failed", err)
		return
	}
	if docs == nil {
		docs = []db.Document{}
	}
	h.jsonResponse(w, map[string]any{
		"count":    len(docs),
		"articles": docs,
	})
}

// Sources lists the distinct article sources.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.Sources(r.Context())
	if err != nil {
		h.fail(w, r, "list sources failed", err)
		return
	}
	if sources == nil {
		sources = []string{}
	}
	h.jsonResponse(w, map[string]any{"sources": sources})
}

// Stats returns corpus KPIs, index size and the latest emissions.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "stats failed", err)
		return
	}

	resp := map[string]any{
		"corpus":        stats,
		"index_size":    h.index.Snapshot().Size(),
		"index_build":   h.index.Snapshot().BuildID(),
		"emissions":     nil,
		"emissions_log": h.emissionsFile,
	}
	if h.emissionsFile != "" {
		summary, err := usage.Latest(h.emissionsFile)
		switch {
		case err == nil:
			resp["emissions"] = summary
		case !errors.Is(err, usage.ErrNoEmissions):
			logger.Warn(r.Context(), "failed to read emissions log", "path", h.emissionsFile, "error", err)
		}
	}
	h.jsonResponse(w, resp)
}

// Rebuild rebuilds the index from the store.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if h.rebuild == nil {
		h.jsonError(w, "rebuild is not available", http.StatusNotImplemented)
		return
	}

	// a disconnecting client must not abandon a half-embedded build
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Minute)
	defer cancel()

	result, err := h.rebuild(ctx)
	if err != nil {
		h.fail(w, r, "rebuild failed", err)
		return
	}
	h.jsonResponse(w, result)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, vecindex.ErrEmptyIndex):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrQueryTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, index.ErrRebuildInProgress):
		return http.StatusConflict
	case errors.Is(err, index.ErrNoEligibleDocuments):
		return http.StatusUnprocessableEntity
	case errors.Is(err, search.ErrQueryEmbeddingFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.Error(r.Context(), msg, err, "status", status)
	} else {
		logger.Debug(r.Context(), msg, "status", status, "error", err)
	}
	h.jsonError(w, err.Error(), status)
}

func intParam(r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// Package httpapi serves the daemon's HTTP surface: graph projection,
// cluster listing, stats, search, ask, manual overrides, and metrics.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/graph"
	"github.com/semafold/semafold/internal/metrics"
	"github.com/semafold/semafold/internal/query"
	"github.com/semafold/semafold/internal/registry"
)

// Registry is the slice of registry behavior the API needs.
type Registry interface {
	Snapshot() registry.Snapshot
	Stats() registry.Stats
	FindByPath(path string) (registry.Document, bool)
	FindClusterByLabel(label string) (registry.Cluster, bool)
	Override(docID string, target registry.ClusterID) (registry.Document, error)
	Unpin(docID string) error
}

// Runtime reports pipeline counters the registry does not track.
type Runtime interface {
	QuarantineCount() int
	PassCount() uint64
}

// Server wires the HTTP handlers.
type Server struct {
	reg       Registry
	engine    *query.Engine
	mx        *metrics.Metrics
	runtime   Runtime
	rootLabel string
	trigger   func()
	logger    *slog.Logger
}

// NewServer creates the API server. trigger requests a reconciliation
// and convergence pass after manual overrides.
func NewServer(reg Registry, engine *query.Engine, mx *metrics.Metrics, runtime Runtime, rootLabel string, trigger func(), logger *slog.Logger) *Server {
	return &Server{
		reg:       reg,
		engine:    engine,
		mx:        mx,
		runtime:   runtime,
		rootLabel: rootLabel,
		trigger:   trigger,
		logger:    logger,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(noCache)

	r.Get("/graph", s.handleGraph)
	r.Get("/clusters", s.handleClusters)
	r.Get("/stats", s.handleStats)
	r.Post("/search", s.handleSearch)
	r.Post("/ask", s.handleAsk)
	r.Post("/move-file", s.handleMoveFile)
	r.Post("/unpin", s.handleUnpin)
	r.Handle("/metrics", promhttp.HandlerFor(s.mx.Registry, promhttp.HandlerOpts{}))

	return r
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, graph.Project(s.reg.Snapshot(), s.rootLabel))
}

type clusterView struct {
	ID      registry.ClusterID `json:"id"`
	Label   string             `json:"label"`
	Members []string           `json:"members"`
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	views := make([]clusterView, 0, len(snap.Clusters))
	for _, c := range snap.Clusters {
		if c.Retired {
			continue
		}
		members := snap.Members(c.ID)
		if members == nil {
			members = []string{}
		}
		views = append(views, clusterView{ID: c.ID, Label: c.Label, Members: members})
	}
	writeJSON(w, http.StatusOK, views)
}

type statsView struct {
	registry.Stats
	Quarantined     int    `json:"quarantined"`
	ReconcilePasses uint64 `json:"reconcile_passes"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	view := statsView{Stats: s.reg.Stats()}
	if s.runtime != nil {
		view.Quarantined = s.runtime.QuarantineCount()
		view.ReconcilePasses = s.runtime.PassCount()
	}
	writeJSON(w, http.StatusOK, view)
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	matches, err := s.engine.Search(r.Context(), req.Query, req.K)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mx.Searches.Inc()
	writeJSON(w, http.StatusOK, matches)
}

type askRequest struct {
	Question string `json:"question"`
	// ClusterID, when non-zero, scopes retrieval to one cluster.
	ClusterID int64 `json:"cluster_id"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	ans, err := s.engine.Ask(r.Context(), req.Question, registry.ClusterID(req.ClusterID))
	if err != nil {
		writeError(w, err)
		return
	}
	s.mx.Asks.Inc()
	writeJSON(w, http.StatusOK, ans)
}

type moveFileRequest struct {
	Path    string `json:"path"`
	DocID   string `json:"doc_id"`
	Cluster string `json:"cluster"`
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	var req moveFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	docID := req.DocID
	if docID == "" {
		doc, ok := s.reg.FindByPath(req.Path)
		if !ok {
			writeError(w, errors.NotFoundError("document", req.Path))
			return
		}
		docID = doc.ID
	}

	c, ok := s.reg.FindClusterByLabel(req.Cluster)
	if !ok {
		writeError(w, errors.NotFoundError("cluster", req.Cluster))
		return
	}

	doc, err := s.reg.Override(docID, c.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.trigger()
	s.logger.Info("manual override",
		slog.String("doc", doc.ID),
		slog.Int64("cluster", int64(c.ID)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":  doc.ID,
		"cluster": c.ID,
		"pinned":  true,
	})
}

type unpinRequest struct {
	Path  string `json:"path"`
	DocID string `json:"doc_id"`
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	var req unpinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	docID := req.DocID
	if docID == "" {
		doc, ok := s.reg.FindByPath(req.Path)
		if !ok {
			writeError(w, errors.NotFoundError("document", req.Path))
			return
		}
		docID = doc.ID
	}

	if err := s.reg.Unpin(docID); err != nil {
		writeError(w, err)
		return
	}

	s.trigger()
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": docID, "pinned": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeQueryEmpty:
		status = http.StatusBadRequest
	case errors.ErrCodeUpstreamFailed, errors.ErrCodeEmbeddingFailed:
		status = http.StatusBadGateway
	}

	body := errorBody{Code: errors.GetCode(err), Message: err.Error()}
	if body.Code == "" {
		body.Code = errors.ErrCodeInternal
	}
	writeJSON(w, status, body)
}

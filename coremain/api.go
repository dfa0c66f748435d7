package coremain

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/offline_sync"
)

// apiError is the body of every non 2xx api response.
type apiError struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Online    bool      `json:"online"`
	QueueSize int       `json:"queue_size"`
	Timestamp time.Time `json:"timestamp"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

func (e *Engine) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(e.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", e.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(e.metricsReg, promhttp.HandlerOpts{}))

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", e.handleCacheStats)
		r.Delete("/", e.handleCacheClear)
	})
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", e.handleQueueList)
		r.Post("/", e.handleQueueEnqueue)
		r.Delete("/", e.handleQueueClear)
		r.Post("/sync", e.handleQueueSync)
		r.Delete("/{id}", e.handleQueueRemove)
	})
	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", e.handleBreakers)
		r.Post("/{name}/reset", e.handleBreakerReset)
	})
	r.Route("/connectivity", func(r chi.Router) {
		r.Get("/", e.handleConnectivity)
		r.Post("/", e.handleSetConnectivity)
	})
	return r
}

func (e *Engine) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		e.logger.Debug("api request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Message: err.Error()})
}

func (e *Engine) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Online:    e.monitor.IsOnline(),
		QueueSize: e.queue.QueueSize(),
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.cache.Stats())
}

func (e *Engine) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := e.cache.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleQueueList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.queue.Pending())
}

func (e *Engine) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	var op offline_sync.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := e.queue.Enqueue(r.Context(), op)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id})
	case errors.Is(err, offline_sync.ErrDuplicateID):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, offline_sync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (e *Engine) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := e.queue.ClearQueue(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueSync runs a pass and waits for it. ?force=true skips the
// connectivity check.
func (e *Engine) handleQueueSync(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	run := e.queue.Sync
	if force {
		run = e.queue.ForceSync
	}
	res, err := run(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, offline_sync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, offline_sync.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (e *Engine) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	ok, err := e.queue.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("operation not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := []circuit_breaker.Snapshot{}
	if e.breakers != nil {
		snapshots = e.breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (e *Engine) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if e.breakers == nil || !e.breakers.Reset(chi.URLParam(r, "name")) {
		writeError(w, http.StatusNotFound, errors.New("breaker not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.monitor.Status())
}

// handleSetConnectivity feeds an external online signal, e.g. from the OS
// network manager, into the monitor.
func (e *Engine) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	e.monitor.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, e.monitor.Status())
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"quotekeeper/internal/qk"
)

// opsTarget is what the ops surface drives. QKApp implements it.
type opsTarget interface {
	HealthCheck(ctx context.Context) qk.Mode
	SyncNow(ctx context.Context) (*qk.SyncReport, error)
	Status(ctx context.Context, withProviders bool) (*Status, error)
}

// OpsRouter serves the local ops endpoints:
//
//	GET  /healthz            liveness
//	POST /api/health-check   probe the remote now
//	POST /api/sync           run one reconciliation pass
//	GET  /api/status         manager, scheduler and (?providers=1) provider status
type OpsRouter struct {
	*mux.Router
	target opsTarget
}

// NewOpsRouter creates the ops router for target.
func NewOpsRouter(target opsTarget) *OpsRouter {
	r := &OpsRouter{Router: mux.NewRouter(), target: target}

	r.HandleFunc("/healthz", r.healthz).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health-check", r.healthCheck).Methods("POST")
	api.HandleFunc("/sync", r.sync).Methods("POST")
	api.HandleFunc("/status", r.status).Methods("GET")

	return r
}

func (r *OpsRouter) healthz(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *OpsRouter) healthCheck(w http.ResponseWriter, req *http.Request) {
	mode := r.target.HealthCheck(req.Context())
	respondJSON(w, http.StatusOK, map[string]qk.Mode{"mode": mode})
}

func (r *OpsRouter) sync(w http.ResponseWriter, req *http.Request) {
	report, err := r.target.SyncNow(req.Context())
	if errors.Is(err, qk.ErrRemoteUnavailable) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "report": report})
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (r *OpsRouter) status(w http.ResponseWriter, req *http.Request) {
	withProviders := req.URL.Query().Get("providers") == "1"
	st, err := r.target.Status(req.Context(), withProviders)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Serve starts the scheduler and the ops HTTP server on listen, and blocks
// until ctx is canceled.
func (a *QKApp) Serve(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}

	srv := &http.Server{
		Handler:           NewOpsRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.StartScheduler(ctx)
	a.logger.Info("ops server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down ops server: %w", err)
	}
	a.scheduler.Stop()
	return nil
}

package ipc

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health and instrumentation.
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Demand and planning.
	mux.HandleFunc("GET /api/v1/demand", h.GetDemand)
	mux.HandleFunc("POST /api/v1/plan", h.GeneratePlan)
	mux.HandleFunc("GET /api/v1/plans", h.ListPlans)
	mux.HandleFunc("GET /api/v1/plan/{planID}", h.GetPlan)
	mux.HandleFunc("POST /api/v1/plan/{planID}/regenerate", h.RegeneratePlan)
	mux.HandleFunc("POST /api/v1/scenarios", h.GenerateScenarios)

	// Execution lifecycle.
	mux.HandleFunc("POST /api/v1/executions", h.StartExecution)
	mux.HandleFunc("GET /api/v1/executions/{execID}", h.GetExecution)
	mux.HandleFunc("GET /api/v1/executions/{execID}/plan", h.GetExecutionPlan)
	mux.HandleFunc("POST /api/v1/executions/{execID}/pause", h.PauseExecution)
	mux.HandleFunc("POST /api/v1/executions/{execID}/resume", h.ResumeExecution)
	mux.HandleFunc("POST /api/v1/executions/{execID}/stop", h.StopExecution)
	mux.HandleFunc("POST /api/v1/executions/{execID}/batches/{index}/complete", h.CompleteBatch)
	mux.HandleFunc("GET /api/v1/executions/{execID}/events", h.ListExecutionEvents)
	mux.HandleFunc("GET /api/v1/executions/{execID}/events/stream", h.StreamExecutionEvents)

	// Water levels.
	mux.HandleFunc("GET /api/v1/levels", h.ListLevels)
	mux.HandleFunc("PUT /api/v1/levels/{fieldID}", h.SetLevel)
	mux.HandleFunc("GET /api/v1/levels/{fieldID}/history", h.LevelHistory)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

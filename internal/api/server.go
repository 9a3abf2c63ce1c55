package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"travelkit/internal/config"
	"travelkit/internal/db"
	"travelkit/internal/payment"
	"travelkit/internal/workflow"
)

// Server is the HTTP API over the formation workflow.
type Server struct {
	cfg      *config.Config
	db       *db.DB
	svc      *workflow.Service
	payments *payment.Gateway
	version  string
}

// NewServer creates a Server.
func NewServer(cfg *config.Config, database *db.DB, svc *workflow.Service, payments *payment.Gateway, version string) *Server {
	return &Server{
		cfg:      cfg,
		db:       database,
		svc:      svc,
		payments: payments,
		version:  version,
	}
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSetConfig)

	mux.HandleFunc("GET /api/destinations", s.handleListDestinations)
	mux.HandleFunc("POST /api/destinations", s.handleCreateDestination)

	mux.HandleFunc("POST /api/interests", s.handleCreateInterest)
	mux.HandleFunc("GET /api/interests/{id}", s.handleGetInterest)

	mux.HandleFunc("POST /api/cluster", s.handleCluster)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)

	mux.HandleFunc("GET /api/groups/{id}", s.handleGroupStatus)
	mux.HandleFunc("POST /api/groups/{id}/initiate", s.handleInitiate)
	mux.HandleFunc("POST /api/groups/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /api/groups/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/groups/{id}/members", s.handleAddMember)
	mux.HandleFunc("DELETE /api/groups/{id}/members/{interestID}", s.handleRemoveMember)

	mux.HandleFunc("POST /api/confirm/{token}", s.handleConfirmReply)

	mux.HandleFunc("POST /api/webhooks/payment", s.handlePaymentWebhook)
	mux.HandleFunc("GET /api/stats/{destinationID}", s.handleStats)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeWorkflowError maps workflow and store errors onto HTTP codes.
func writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrTokenNotFound), errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrAlreadyResponded), errors.Is(err, workflow.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrWindowClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, payment.ErrProviderDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

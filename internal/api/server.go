// Package api is the HTTP boundary: staff commands, payment webhooks, the
// status projection, and the live event stream. Every route except /health
// and /metrics runs behind tenant resolution and per-tenant rate limiting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/disputeworks/core/internal/batch"
	"github.com/disputeworks/core/internal/dispute"
	"github.com/disputeworks/core/internal/events"
	"github.com/disputeworks/core/internal/store"
)

// Server wires the HTTP routes to the command layer.
type Server struct {
	gw       *store.Gateway
	disputes *dispute.Engine
	pipeline *batch.Pipeline
	bus      *events.Bus

	webhookSecret string
	limiter       *rateLimiter
	stream        *eventStream
	httpServer    *http.Server
	logger        *log.Logger
}

// NewServer builds the server. webhookSecret is CORE_PAYMENT_WEBHOOK_SECRET;
// an empty secret disables the webhook route rather than accepting unsigned
// payloads.
func NewServer(gw *store.Gateway, disputes *dispute.Engine, pipeline *batch.Pipeline, bus *events.Bus, webhookSecret string) *Server {
	return &Server{
		gw:            gw,
		disputes:      disputes,
		pipeline:      pipeline,
		bus:           bus,
		webhookSecret: webhookSecret,
		limiter:       newRateLimiter(120),
		stream:        newEventStream(bus),
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	tenanted := r.NewRoute().Subrouter()
	tenanted.Use(s.tenantMiddleware, s.limiter.middleware, s.metricsMiddleware)

	tenanted.HandleFunc("/commands/dispute/{clientId}/advance-round", s.handleAdvanceRound).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/dispute/{clientId}/sign-croa", s.handleSignCROA).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/dispute/{clientId}/clear-hold", s.handleClearHold).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/dispute/{clientId}/cancel", s.handleCancel).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/letters/{letterId}/approve", s.handleApproveLetter).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/letters/{letterId}/record-response", s.handleRecordResponse).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/letters/batch/{batchId}/approve", s.handleApproveBatch).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/credit-report/import", s.handleImportReport).Methods(http.MethodPost)
	tenanted.HandleFunc("/commands/requires-action/{id}/clear", s.handleClearRequiresAction).Methods(http.MethodPost)
	tenanted.HandleFunc("/status/client/{id}", s.handleClientStatus).Methods(http.MethodGet)
	tenanted.HandleFunc("/events/stream", s.stream.handle).Methods(http.MethodGet)

	if s.webhookSecret != "" {
		r.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods(http.MethodPost)
	} else {
		s.logger.Printf("⚠️ Payment webhook secret not configured, /webhooks/payments disabled")
	}
	return r
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context, port string) error {
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("Shutdown error: %v", err)
		}
	}()

	s.logger.Printf("🚀 Listening on :%s", port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := s.gw.DB().PingContext(ctx); err != nil {
		dbStatus = "error"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"service":  "dispute-core",
		"database": dbStatus,
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// Package httpapi exposes the dispatch core over HTTP and websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/auth"
	"github.com/example/freight-dispatch/internal/bidding"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/earnings"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/realtime"
)

// maxBody bounds request bodies, webhooks included.
const maxBody = 1 << 20

// Checker reports whether a dependency is ready to serve.
type Checker func(ctx context.Context) error

type Deps struct {
	Jobs     *jobs.Machine
	Bids     *bidding.Ledger
	Payments *payments.Gate
	Drivers  *drivers.Manager
	Earnings *earnings.Ledger
	Hub      *realtime.Hub
	Auth     *auth.Verifier
	Logger   *slog.Logger
	Ready    map[string]Checker
}

type Server struct {
	jobs     *jobs.Machine
	bids     *bidding.Ledger
	payments *payments.Gate
	drivers  *drivers.Manager
	earnings *earnings.Ledger
	hub      *realtime.Hub
	auth     *auth.Verifier
	logger   *slog.Logger
	ready    map[string]Checker
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		jobs:     d.Jobs,
		bids:     d.Bids,
		payments: d.Payments,
		drivers:  d.Drivers,
		earnings: d.Earnings,
		hub:      d.Hub,
		auth:     d.Auth,
		logger:   d.Logger,
		ready:    d.Ready,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods(http.MethodPost)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.requireAuth)
	ws.HandleFunc("", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/v1").Subrouter()
	api.Use(s.requireAuth)

	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/settle", s.handleSettle).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)

	api.HandleFunc("/jobs/{id}/bids", s.handleSubmitBid).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/bids", s.handleListJobBids).Methods(http.MethodGet)
	api.HandleFunc("/bids/{id}/accept", s.handleAcceptBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/decline", s.handleDeclineBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/counter", s.handleCounterBid).Methods(http.MethodPost)

	api.HandleFunc("/jobs/{id}/payment/confirm", s.handleConfirmPayment).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/payment/intent", s.handlePaymentIntent).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/payment/refund", s.handleRefund).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/bids", s.handleDriverBids).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/earnings", s.handleListEarnings).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/earnings", s.handleAddEarning).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/earnings/summary", s.handleEarningsSummary).Methods(http.MethodGet)
	api.HandleFunc("/earnings/pay", s.handleMarkPaid).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, actor(r))
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "unreadable body"))
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// actor is set by requireAuth on every /v1 and /ws route.
func actor(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

func requireRole(a models.Actor, roles ...models.Role) error {
	for _, role := range roles {
		if a.Role == role {
			return nil
		}
	}
	return apperr.New(apperr.Forbidden, "role %s may not do this", a.Role)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.InvalidArgument, "request body is required")
		}
		return apperr.New(apperr.InvalidArgument, "malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var statusByKind = map[apperr.Kind]int{
	apperr.NotFound:          http.StatusNotFound,
	apperr.InvalidState:      http.StatusConflict,
	apperr.InvalidTransition: http.StatusConflict,
	apperr.InvalidArgument:   http.StatusBadRequest,
	apperr.Forbidden:         http.StatusForbidden,
	apperr.Conflict:          http.StatusConflict,
	apperr.Internal:          http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err), "kind": string(kind)})
}

// fail logs internal failures with their cause and writes the response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, err)
}

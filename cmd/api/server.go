package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"escrowflow/auth"
	"escrowflow/cart"
	"escrowflow/catalog"
	"escrowflow/idempotency"
	"escrowflow/ledger"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("forbidden")
)

// Server exposes the escrow ledger over HTTP.
type Server struct {
	logger         *slog.Logger
	ledgerService  *ledger.Service
	authService    *auth.Service
	catalogService *catalog.Service
	checkout       *cart.Checkout
	idempotency    *idempotency.Middleware
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Routes registers the API and its middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/products", s.handleListProducts)
		r.Get("/products/{id}", s.handleGetProduct)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			if s.idempotency != nil {
				r.Use(s.idempotency.Handler)
			}

			r.Get("/me", s.handleMe)
			r.Post("/products", s.handleCreateProduct)
			r.Post("/checkout", s.handleCheckout)

			r.Get("/transactions", s.handleListTransactions)
			r.Post("/transactions", s.handleCreateTransaction)
			r.Get("/transactions/{id}", s.handleGetTransaction)
			r.Post("/transactions/{id}/capture", s.handleCapture)
			r.Post("/transactions/{id}/ship", s.handleShip)
			r.Post("/transactions/{id}/confirm", s.handleConfirm)
			r.Post("/transactions/{id}/disputes", s.handleOpenDispute)

			r.Get("/disputes", s.handleListDisputes)
			r.Get("/disputes/{id}", s.handleGetDispute)
			r.Post("/disputes/{id}/response", s.handleRespond)
			r.Post("/disputes/{id}/investigate", s.handleInvestigate)
			r.Post("/disputes/{id}/resolve", s.handleResolve)

			r.Get("/summary", s.handleSummary)
		})
	})
	return r
}

// authenticate maps a Bearer token to the calling user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, errUnauthenticated.Error())
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		outcome := "success"
		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			outcome, level = "failure", slog.LevelError
		case rec.status >= 400:
			outcome, level = "failure", slog.LevelWarn
		}
		s.log().Log(r.Context(), level, "http request completed",
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func actorFromContext(ctx context.Context) (string, auth.Role) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return userID, role
}

// idempotencyScope namespaces Idempotency-Key values by caller.
func idempotencyScope(r *http.Request) string {
	userID, _ := actorFromContext(r.Context())
	return userID
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrDisputeAlreadyExists), errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrTransactionLocked):
		return http.StatusLocked
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, catalog.ErrInvalidProduct),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrEmptyCart),
		errors.Is(err, cart.ErrOwnProduct),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, auth.ErrMissingFields):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "request failed",
			"operation", "http_request",
			"outcome", "failure",
			"path", r.URL.Path,
			"error", err.Error(),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

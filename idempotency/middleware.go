package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
	maxKeyLength   = 255
)

// Middleware replays responses for repeated Idempotency-Key requests.
type Middleware struct {
	store  Store
	ttl    time.Duration
	scope  func(*http.Request) string
	logger *slog.Logger
}

// NewMiddleware builds the middleware. scope returns the caller identity that
// namespaces keys; it may return "" for anonymous requests.
func NewMiddleware(store Store, ttl time.Duration, scope func(*http.Request) string, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if scope == nil {
		scope = func(*http.Request) string { return "" }
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Middleware{store: store, ttl: ttl, scope: scope, logger: logger.With("module", "idempotency")}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		scoped := m.scope(r) + ":" + key
		hash := requestHash(r, body)

		existing, reserved, err := m.store.Reserve(r.Context(), scoped, hash, m.ttl)
		if err != nil {
			m.logger.Error("reserve failed", "operation", "reserve", "outcome", "error", "error", err.Error())
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !reserved {
			m.replay(w, r, existing, hash)
			return
		}

		ctx := context.WithoutCancel(r.Context())
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		returned := false
		defer func() {
			// a panicking handler must not leave the key pending for the whole TTL
			if !returned {
				m.release(ctx, scoped)
			}
		}()
		next.ServeHTTP(rec, r)
		returned = true

		if rec.status >= http.StatusInternalServerError {
			m.release(ctx, scoped)
			return
		}
		if err := m.store.Complete(ctx, scoped, Record{
			RequestHash:  hash,
			ResponseCode: rec.status,
			ContentType:  rec.Header().Get("Content-Type"),
			ResponseBody: rec.body.Bytes(),
		}, m.ttl); err != nil {
			m.logger.Error("complete failed", "operation", "complete", "outcome", "error", "error", err.Error())
		}
	})
}

func (m *Middleware) release(ctx context.Context, key string) {
	if err := m.store.Release(ctx, key); err != nil {
		m.logger.Error("release failed", "operation", "release", "outcome", "error", "error", err.Error())
	}
}

func (m *Middleware) replay(w http.ResponseWriter, r *http.Request, rec Record, hash string) {
	switch {
	case rec.RequestHash != hash:
		writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
	case rec.Status != StatusCompleted:
		writeError(w, http.StatusConflict, "request with this Idempotency-Key is still in progress")
	default:
		m.logger.Info("replayed response", "operation", "replay", "outcome", "ok", "path", r.URL.Path)
		if rec.ContentType != "" {
			w.Header().Set("Content-Type", rec.ContentType)
		}
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(rec.ResponseCode)
		_, _ = w.Write(rec.ResponseBody)
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":"`+msg+`"}`)
}

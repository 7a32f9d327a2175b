package idempotency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d,"echo":%q}`, n, body)
	})
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/tx-1/capture", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls atomic.Int32
	m := NewMiddleware(NewMemoryStore(), time.Hour, nil, nil)
	h := m.Handler(countingHandler(&calls, http.StatusOK))

	first := post(h, "k1", `{"a":1}`)
	second := post(h, "k1", `{"a":1}`)

	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if first.Body.String() != second.Body.String() || second.Code != http.StatusOK {
		t.Fatalf("expected verbatim replay, got %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestMiddlewareRejectsDifferentBody(t *testing.T) {
	var calls atomic.Int32
	m := NewMiddleware(NewMemoryStore(), time.Hour, nil, nil)
	h := m.Handler(countingHandler(&calls, http.StatusCreated))

	post(h, "k1", `{"a":1}`)
	rr := post(h, "k1", `{"a":2}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestMiddlewareConflictWhileInFlight(t *testing.T) {
	store := NewMemoryStore()
	if _, ok, _ := store.Reserve(context.Background(), ":k1", requestHash(httptest.NewRequest(http.MethodPost, "/api/transactions/tx-1/capture", nil), []byte("{}")), time.Hour); !ok {
		t.Fatalf("expected reservation")
	}
	var calls atomic.Int32
	h := NewMiddleware(store, time.Hour, nil, nil).Handler(countingHandler(&calls, http.StatusOK))

	rr := post(h, "k1", "{}")
	if rr.Code != http.StatusConflict || calls.Load() != 0 {
		t.Fatalf("expected 409 without running handler, got %d (%d calls)", rr.Code, calls.Load())
	}
}

func TestMiddlewareReleasesOnServerError(t *testing.T) {
	var calls atomic.Int32
	h := NewMiddleware(NewMemoryStore(), time.Hour, nil, nil).Handler(countingHandler(&calls, http.StatusInternalServerError))

	post(h, "k1", "{}")
	post(h, "k1", "{}")
	if calls.Load() != 2 {
		t.Fatalf("expected retry after server error to run again, got %d calls", calls.Load())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls atomic.Int32
	scope := func(r *http.Request) string { return r.Header.Get("X-Actor") }
	h := NewMiddleware(NewMemoryStore(), time.Hour, scope, nil).Handler(countingHandler(&calls, http.StatusOK))

	for _, actor := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "same")
		req.Header.Set("X-Actor", actor)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected keys to be scoped per caller, got %d calls", calls.Load())
	}
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var calls atomic.Int32
	h := NewMiddleware(NewMemoryStore(), time.Hour, nil, nil).Handler(countingHandler(&calls, http.StatusOK))
	post(h, "", "{}")
	post(h, "", "{}")
	if calls.Load() != 2 {
		t.Fatalf("expected both requests to run, got %d", calls.Load())
	}
}

type brokenStore struct{ Store }

func (brokenStore) Reserve(context.Context, string, string, time.Duration) (Record, bool, error) {
	return Record{}, false, errors.Join(ErrStoreUnavailable, errors.New("dial tcp: refused"))
}

func TestMiddlewareFailsClosed(t *testing.T) {
	var calls atomic.Int32
	h := NewMiddleware(brokenStore{}, time.Hour, nil, nil).Handler(countingHandler(&calls, http.StatusOK))
	rr := post(h, "k1", "{}")
	if rr.Code != http.StatusServiceUnavailable || calls.Load() != 0 {
		t.Fatalf("expected 503 without running handler, got %d", rr.Code)
	}
}

func TestMiddlewareReleasesAfterPanic(t *testing.T) {
	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			panic("handler blew up")
		}
		w.WriteHeader(http.StatusCreated)
	})
	h := middleware.Recoverer(NewMiddleware(NewMemoryStore(), time.Hour, nil, nil).Handler(inner))

	if rr := post(h, "k1", "{}"); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from recovered panic, got %d", rr.Code)
	}
	rr := post(h, "k1", "{}")
	if rr.Code != http.StatusCreated || calls.Load() != 2 {
		t.Fatalf("expected retry to run the handler again, got %d after %d calls: %s", rr.Code, calls.Load(), rr.Body.String())
	}
}

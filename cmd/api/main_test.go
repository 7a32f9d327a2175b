package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/cart"
	"escrowflow/catalog"
	"escrowflow/idempotency"
	"escrowflow/ledger"
	"escrowflow/pricing"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	auth    *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	authService := auth.NewService(auth.NewMemoryRepository(), "test-secret")
	ledgerService := ledger.NewService(ledger.NewMemoryStore(), pricing.Standard, nil)
	catalogService := catalog.NewService(catalog.NewMemoryRepository())

	server := &Server{
		ledgerService:  ledgerService,
		authService:    authService,
		catalogService: catalogService,
		checkout:       cart.NewCheckout(catalogService, ledgerService, nil),
		idempotency:    idempotency.NewMiddleware(idempotency.NewMemoryStore(), time.Hour, idempotencyScope, nil),
	}
	return &testEnv{server: server, handler: server.Routes(), auth: authService}
}

func (e *testEnv) token(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := e.auth.IssueToken(userID, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

type parties struct {
	buyer, seller, admin string
}

func (e *testEnv) parties(t *testing.T) parties {
	return parties{
		buyer:  e.token(t, "buyer-1", auth.RoleBuyer),
		seller: e.token(t, "seller-1", auth.RoleSeller),
		admin:  e.token(t, "admin-1", auth.RoleAdmin),
	}
}

func (e *testEnv) createTransaction(t *testing.T, buyer, amount string) transactionResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/transactions", buyer,
		`{"sellerId":"seller-1","productRef":"prod-1","amount":"`+amount+`"}`)
	expectStatus(t, rec, http.StatusCreated)
	return decode[transactionResponse](t, rec)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	expectStatus(t, rec, http.StatusOK)
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/transactions", "", "")
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = env.do(t, http.MethodGet, "/api/transactions", "not-a-jwt", "")
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestCreateTransaction_Success(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)

	tx := env.createTransaction(t, p.buyer, "100.00")
	if tx.Status != "pending" || tx.Amount != "100.00" || tx.EscrowFee != "0.00" || tx.BuyerID != "buyer-1" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.TrackingNumber != nil {
		t.Fatalf("pending transaction must not carry a tracking number")
	}
}

func TestCreateTransaction_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)

	rec := env.do(t, http.MethodPost, "/api/transactions", p.buyer, `{"sellerId":"seller-1","productRef":"x","amount":"0"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/transactions", p.buyer, `{"sellerId":"buyer-1","productRef":"x","amount":"10"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/transactions", p.buyer, `{"unknown":true}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestTransactionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	tx := env.createTransaction(t, p.buyer, "100.00")
	base := "/api/transactions/" + tx.ID

	rec := env.do(t, http.MethodPost, base+"/capture", p.seller, "")
	expectStatus(t, rec, http.StatusForbidden)

	rec = env.do(t, http.MethodPost, base+"/capture", p.buyer, "")
	expectStatus(t, rec, http.StatusOK)
	captured := decode[transactionResponse](t, rec)
	if captured.Status != "in_escrow" || captured.EscrowFee != "4.00" || captured.CapturedAt == nil {
		t.Fatalf("unexpected captured transaction: %+v", captured)
	}

	rec = env.do(t, http.MethodPost, base+"/capture", p.buyer, "")
	expectStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodPost, base+"/ship", p.seller, "")
	expectStatus(t, rec, http.StatusOK)
	shipped := decode[transactionResponse](t, rec)
	if shipped.Status != "delivered" || shipped.TrackingNumber == nil {
		t.Fatalf("unexpected shipped transaction: %+v", shipped)
	}

	rec = env.do(t, http.MethodPost, base+"/confirm", p.buyer, "")
	expectStatus(t, rec, http.StatusOK)
	done := decode[transactionResponse](t, rec)
	if done.Status != "completed" || done.CompletedAt == nil || *done.TrackingNumber != *shipped.TrackingNumber {
		t.Fatalf("unexpected completed transaction: %+v", done)
	}
}

func TestGetTransaction_AccessRules(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	tx := env.createTransaction(t, p.buyer, "20.00")

	stranger := env.token(t, "buyer-2", auth.RoleBuyer)
	rec := env.do(t, http.MethodGet, "/api/transactions/"+tx.ID, stranger, "")
	expectStatus(t, rec, http.StatusForbidden)

	rec = env.do(t, http.MethodGet, "/api/transactions/"+tx.ID, p.admin, "")
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodGet, "/api/transactions/missing", p.buyer, "")
	expectStatus(t, rec, http.StatusNotFound)
}

func TestDisputeResolution(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	tx := env.createTransaction(t, p.buyer, "89.99")
	base := "/api/transactions/" + tx.ID
	expectStatus(t, env.do(t, http.MethodPost, base+"/capture", p.buyer, ""), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, base+"/ship", p.seller, ""), http.StatusOK)

	rec := env.do(t, http.MethodPost, base+"/disputes", p.buyer, `{"buyerClaim":"arrived damaged"}`)
	expectStatus(t, rec, http.StatusCreated)
	d := decode[disputeResponse](t, rec)
	if d.Status != "open" || d.OpenedBy != "buyer-1" || d.SellerID != "seller-1" {
		t.Fatalf("unexpected dispute: %+v", d)
	}

	expectStatus(t, env.do(t, http.MethodPost, base+"/confirm", p.buyer, ""), http.StatusLocked)
	expectStatus(t, env.do(t, http.MethodPost, base+"/disputes", p.seller, `{"buyerClaim":"again"}`), http.StatusConflict)

	disputePath := "/api/disputes/" + d.ID
	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/response", p.buyer, `{"response":"x"}`), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/response", p.seller, `{"response":"shipped intact"}`), http.StatusOK)

	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/investigate", p.buyer, ""), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/resolve", p.admin, `{"outcome":"full_refund"}`), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/investigate", p.admin, ""), http.StatusOK)

	expectStatus(t, env.do(t, http.MethodPost, disputePath+"/resolve", p.admin, `{"outcome":"partial_refund","amount":"89.99"}`), http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, disputePath+"/resolve", p.admin, `{"outcome":"partial_refund","amount":"30.00"}`)
	expectStatus(t, rec, http.StatusOK)
	result := decode[struct {
		Dispute     disputeResponse     `json:"dispute"`
		Transaction transactionResponse `json:"transaction"`
	}](t, rec)
	if result.Dispute.Status != "resolved" || result.Dispute.Resolution == nil || result.Dispute.Resolution.RefundAmount != "30.00" {
		t.Fatalf("unexpected dispute: %+v", result.Dispute)
	}
	if result.Transaction.Status != "completed" || result.Transaction.RefundedAmount != "30.00" {
		t.Fatalf("unexpected transaction: %+v", result.Transaction)
	}
	if result.Dispute.SellerResponse != "shipped intact" {
		t.Fatalf("seller response lost: %+v", result.Dispute)
	}
}

func TestOpenDispute_RequiresHeldFunds(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	tx := env.createTransaction(t, p.buyer, "15.00")

	rec := env.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/disputes", p.buyer, `{"buyerClaim":"never paid"}`)
	expectStatus(t, rec, http.StatusConflict)
}

func TestListAndSummaryScoping(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	first := env.createTransaction(t, p.buyer, "100.00")
	env.createTransaction(t, p.buyer, "50.00")
	other := env.token(t, "buyer-2", auth.RoleBuyer)
	env.createTransaction(t, other, "10.00")
	expectStatus(t, env.do(t, http.MethodPost, "/api/transactions/"+first.ID+"/capture", p.buyer, ""), http.StatusOK)

	rec := env.do(t, http.MethodGet, "/api/transactions", p.buyer, "")
	expectStatus(t, rec, http.StatusOK)
	list := decode[struct {
		Items []transactionResponse `json:"items"`
		Total int                   `json:"total"`
	}](t, rec)
	if list.Total != 2 {
		t.Fatalf("buyer should see 2 transactions, got %d", list.Total)
	}

	rec = env.do(t, http.MethodGet, "/api/transactions?status=in_escrow", p.seller, "")
	expectStatus(t, rec, http.StatusOK)
	list = decode[struct {
		Items []transactionResponse `json:"items"`
		Total int                   `json:"total"`
	}](t, rec)
	if list.Total != 1 || list.Items[0].ID != first.ID {
		t.Fatalf("unexpected seller listing: %+v", list)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/transactions?status=lost", p.buyer, ""), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/transactions?as=admin", p.buyer, ""), http.StatusBadRequest)

	rec = env.do(t, http.MethodGet, "/api/summary", p.admin, "")
	expectStatus(t, rec, http.StatusOK)
	sum := decode[summaryResponse](t, rec)
	if sum.TotalTransactions != 3 || sum.FeeRevenue != "4.00" || sum.FundsHeld != "100.00" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestIdempotentCreateReplays(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)
	body := `{"sellerId":"seller-1","productRef":"prod-1","amount":"12.50"}`

	first := env.do(t, http.MethodPost, "/api/transactions", p.buyer, body, idempotency.HeaderKey, "k-1")
	expectStatus(t, first, http.StatusCreated)
	second := env.do(t, http.MethodPost, "/api/transactions", p.buyer, body, idempotency.HeaderKey, "k-1")
	expectStatus(t, second, http.StatusCreated)

	if second.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Fatalf("expected replayed header")
	}
	if decode[transactionResponse](t, first).ID != decode[transactionResponse](t, second).ID {
		t.Fatalf("replay created a second transaction")
	}

	mismatch := env.do(t, http.MethodPost, "/api/transactions", p.buyer, strings.Replace(body, "12.50", "13.00", 1), idempotency.HeaderKey, "k-1")
	expectStatus(t, mismatch, http.StatusUnprocessableEntity)

	rec := env.do(t, http.MethodGet, "/api/transactions", p.buyer, "")
	if got := decode[struct {
		Total int `json:"total"`
	}](t, rec).Total; got != 1 {
		t.Fatalf("expected one transaction, got %d", got)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"ann@example.com","password":"correct horse","name":"Ann","role":"seller"}`)
	expectStatus(t, rec, http.StatusCreated)

	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"ann@example.com","password":"correct horse","name":"Ann"}`), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/register", "", `{"email":"eve@example.com","password":"correct horse","name":"Eve","role":"admin"}`), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"ann@example.com","password":"wrong pass"}`), http.StatusUnauthorized)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"ann@example.com","password":"correct horse"}`)
	expectStatus(t, rec, http.StatusOK)
	login := decode[struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}](t, rec)
	if login.Token == "" || login.User.Role != "seller" {
		t.Fatalf("unexpected login payload: %+v", login)
	}

	rec = env.do(t, http.MethodGet, "/api/me", login.Token, "")
	expectStatus(t, rec, http.StatusOK)
	if me := decode[userResponse](t, rec); me.Email != "ann@example.com" {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestCheckoutPlacesFundedTransactions(t *testing.T) {
	env := newTestEnv(t)
	p := env.parties(t)

	expectStatus(t, env.do(t, http.MethodPost, "/api/products", p.buyer, `{"name":"Lamp","price":"25.00"}`), http.StatusForbidden)

	rec := env.do(t, http.MethodPost, "/api/products", p.seller, `{"name":"Lamp","description":"brass","price":"25.00"}`)
	expectStatus(t, rec, http.StatusCreated)
	product := decode[productResponse](t, rec)

	expectStatus(t, env.do(t, http.MethodGet, "/api/products/"+product.ID, "", ""), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/api/products/missing", "", ""), http.StatusNotFound)

	ownPurchase := env.do(t, http.MethodPost, "/api/checkout", p.seller, `{"items":[{"productId":"`+product.ID+`","quantity":1}]}`)
	expectStatus(t, ownPurchase, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/checkout", p.buyer, `{"items":[{"productId":"`+product.ID+`","quantity":2}]}`)
	expectStatus(t, rec, http.StatusCreated)
	order := decode[struct {
		Items []transactionResponse `json:"items"`
		Total string                `json:"total"`
	}](t, rec)
	if len(order.Items) != 1 || order.Total != "50.00" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if tx := order.Items[0]; tx.Status != "in_escrow" || tx.Amount != "50.00" || tx.ProductRef != product.ID {
		t.Fatalf("unexpected placed transaction: %+v", tx)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&ledger.TransitionError{Entity: "transaction", ID: "t", State: "pending", Action: ledger.ActionShip}, http.StatusConflict},
		{ledger.ErrDisputeAlreadyExists, http.StatusConflict},
		{ledger.ErrTransactionLocked, http.StatusLocked},
		{&ledger.ValidationError{Field: "amount", Reason: "must be positive"}, http.StatusBadRequest},
		{ledger.ErrNotFound, http.StatusNotFound},
		{errForbidden, http.StatusForbidden},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

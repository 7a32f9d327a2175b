package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/cart"
	"escrowflow/catalog"
	"escrowflow/ledger"
)

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type productResponse struct {
	ID          string `json:"id"`
	SellerID    string `json:"sellerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"`
	CreatedAt   string `json:"createdAt"`
}

type transactionResponse struct {
	ID             string  `json:"id"`
	ProductRef     string  `json:"productRef"`
	BuyerID        string  `json:"buyerId"`
	SellerID       string  `json:"sellerId"`
	Amount         string  `json:"amount"`
	EscrowFee      string  `json:"escrowFee"`
	RefundedAmount string  `json:"refundedAmount"`
	Status         string  `json:"status"`
	TrackingNumber *string `json:"trackingNumber,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	CapturedAt     *string `json:"capturedAt,omitempty"`
	DeliveredAt    *string `json:"deliveredAt,omitempty"`
	CompletedAt    *string `json:"completedAt,omitempty"`
	UpdatedAt      string  `json:"updatedAt"`
}

type resolutionResponse struct {
	Outcome      string `json:"outcome"`
	RefundAmount string `json:"refundAmount"`
	Description  string `json:"description"`
}

type disputeResponse struct {
	ID             string              `json:"id"`
	TransactionID  string              `json:"transactionId"`
	BuyerID        string              `json:"buyerId"`
	SellerID       string              `json:"sellerId"`
	OpenedBy       string              `json:"openedBy"`
	BuyerClaim     string              `json:"buyerClaim"`
	SellerResponse string              `json:"sellerResponse,omitempty"`
	Status         string              `json:"status"`
	Resolution     *resolutionResponse `json:"resolution,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	UpdatedAt      string              `json:"updatedAt"`
	ResolvedAt     *string             `json:"resolvedAt,omitempty"`
}

type summaryResponse struct {
	TotalTransactions int    `json:"totalTransactions"`
	Completed         int    `json:"completed"`
	ActiveDisputes    int    `json:"activeDisputes"`
	FeeRevenue        string `json:"feeRevenue"`
	FundsHeld         string `json:"fundsHeld"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: string(u.Role)}
}

func toProductResponse(p catalog.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		SellerID:    p.SellerID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price.StringFixed(2),
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		ProductRef:     t.ProductRef,
		BuyerID:        t.BuyerID,
		SellerID:       t.SellerID,
		Amount:         t.Amount.StringFixed(2),
		EscrowFee:      t.EscrowFee.StringFixed(2),
		RefundedAmount: t.RefundedAmount.StringFixed(2),
		Status:         string(t.Status),
		TrackingNumber: t.TrackingNumber,
		CreatedAt:      formatTime(t.CreatedAt),
		CapturedAt:     formatTimePtr(t.CapturedAt),
		DeliveredAt:    formatTimePtr(t.DeliveredAt),
		CompletedAt:    formatTimePtr(t.CompletedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

func toTransactionResponses(items []ledger.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, toTransactionResponse(t))
	}
	return out
}

func toDisputeResponse(d ledger.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:             d.ID,
		TransactionID:  d.TransactionID,
		BuyerID:        d.BuyerID,
		SellerID:       d.SellerID,
		OpenedBy:       d.OpenedBy,
		BuyerClaim:     d.BuyerClaim,
		SellerResponse: d.SellerResponse,
		Status:         string(d.Status),
		CreatedAt:      formatTime(d.CreatedAt),
		UpdatedAt:      formatTime(d.UpdatedAt),
		ResolvedAt:     formatTimePtr(d.ResolvedAt),
	}
	if d.Resolution != nil {
		resp.Resolution = &resolutionResponse{
			Outcome:      string(d.Resolution.Outcome),
			RefundAmount: d.Resolution.RefundAmount.StringFixed(2),
			Description:  d.Resolution.Description,
		}
	}
	return resp
}

// Auth

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := actorFromContext(r.Context())
	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

// Catalog and checkout

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	products, err := s.catalogService.List(r.Context(), catalog.Filter{
		SellerID: r.URL.Query().Get("sellerId"),
		Limit:    limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]productResponse, 0, len(products))
	for _, p := range products {
		items = append(items, toProductResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalogService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	userID, role := actorFromContext(r.Context())
	if role != auth.RoleSeller {
		writeError(w, http.StatusForbidden, "only sellers can list products")
		return
	}
	var req struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Price       decimal.Decimal `json:"price"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.catalogService.Create(r.Context(), catalog.CreateParams{
		SellerID:    userID,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(p))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, role := actorFromContext(r.Context())
	if role == auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admins cannot purchase")
		return
	}
	var req struct {
		Items []struct {
			ProductID string `json:"productId"`
			Quantity  int    `json:"quantity"`
		} `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	items := make([]cart.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, cart.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	c, err := s.checkout.Build(r.Context(), userID, items)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	placed, err := s.checkout.PlaceOrder(r.Context(), userID, c)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
		writeJSON(w, status, map[string]any{"error": msg, "items": toTransactionResponses(placed)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"items": toTransactionResponses(placed),
		"total": c.Total().StringFixed(2),
	})
}

// Transactions

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, role := actorFromContext(r.Context())
	if role == auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admins cannot purchase")
		return
	}
	var req struct {
		SellerID   string          `json:"sellerId"`
		ProductRef string          `json:"productRef"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := s.ledgerService.CreateTransaction(r.Context(), ledger.CreateTransactionParams{
		BuyerID:    userID,
		SellerID:   req.SellerID,
		ProductRef: req.ProductRef,
		Amount:     req.Amount,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// scopedFilter restricts listings to the caller's side of the trade unless
// the caller is an admin. The "as" query parameter picks buyer or seller.
func scopedFilter(r *http.Request) (ledger.TransactionFilter, error) {
	userID, role := actorFromContext(r.Context())
	q := r.URL.Query()
	filter := ledger.TransactionFilter{Status: ledger.Status(q.Get("status"))}
	if role == auth.RoleAdmin {
		filter.BuyerID = q.Get("buyerId")
		filter.SellerID = q.Get("sellerId")
		return filter, nil
	}

	as := q.Get("as")
	if as == "" {
		as = string(role)
	}
	switch auth.Role(as) {
	case auth.RoleBuyer:
		filter.BuyerID = userID
	case auth.RoleSeller:
		filter.SellerID = userID
	default:
		return filter, &ledger.ValidationError{Field: "as", Reason: "must be buyer or seller"}
	}
	return filter, nil
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := scopedFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items, err := s.ledgerService.ListTransactions(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toTransactionResponses(items), "total": len(items)})
}

// loadTransaction fetches the path transaction and checks the caller may act
// on it as one of the given parties. Admins may always read.
func (s *Server) loadTransaction(r *http.Request, parties ...auth.Role) (ledger.Transaction, error) {
	userID, role := actorFromContext(r.Context())
	tx, err := s.ledgerService.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(parties) == 0 && role == auth.RoleAdmin {
		return tx, nil
	}
	if len(parties) == 0 {
		parties = []auth.Role{auth.RoleBuyer, auth.RoleSeller}
	}
	for _, p := range parties {
		if (p == auth.RoleBuyer && tx.BuyerID == userID) || (p == auth.RoleSeller && tx.SellerID == userID) {
			return tx, nil
		}
	}
	return ledger.Transaction{}, errForbidden
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.loadTransaction(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// transition authorises the caller as party on the path transaction and
// applies the command.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, party auth.Role, apply func(context.Context, string) (ledger.Transaction, error)) {
	tx, err := s.loadTransaction(r, party)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	updated, err := apply(r.Context(), tx.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(updated))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, auth.RoleBuyer, s.ledgerService.CaptureFunds)
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, auth.RoleSeller, s.ledgerService.MarkShipped)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, auth.RoleBuyer, s.ledgerService.ConfirmReceipt)
}

// Disputes

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := actorFromContext(r.Context())
	tx, err := s.loadTransaction(r, auth.RoleBuyer, auth.RoleSeller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req struct {
		BuyerClaim     string `json:"buyerClaim"`
		SellerResponse string `json:"sellerResponse"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := s.ledgerService.OpenDispute(r.Context(), ledger.OpenDisputeParams{
		TransactionID:  tx.ID,
		OpenedBy:       userID,
		BuyerClaim:     req.BuyerClaim,
		SellerResponse: req.SellerResponse,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	txFilter, err := scopedFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	items, err := s.ledgerService.ListDisputes(r.Context(), ledger.DisputeFilter{
		BuyerID:       txFilter.BuyerID,
		SellerID:      txFilter.SellerID,
		TransactionID: q.Get("transactionId"),
		Status:        ledger.DisputeStatus(q.Get("status")),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// loadDispute mirrors loadTransaction for the path dispute.
func (s *Server) loadDispute(r *http.Request, parties ...auth.Role) (ledger.Dispute, error) {
	userID, role := actorFromContext(r.Context())
	d, err := s.ledgerService.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return ledger.Dispute{}, err
	}
	if len(parties) == 0 {
		if role == auth.RoleAdmin {
			return d, nil
		}
		parties = []auth.Role{auth.RoleBuyer, auth.RoleSeller}
	}
	for _, p := range parties {
		switch {
		case p == auth.RoleAdmin && role == auth.RoleAdmin,
			p == auth.RoleBuyer && d.BuyerID == userID,
			p == auth.RoleSeller && d.SellerID == userID:
			return d, nil
		}
	}
	return ledger.Dispute{}, errForbidden
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadDispute(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadDispute(r, auth.RoleSeller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req struct {
		Response string `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.ledgerService.RespondToDispute(r.Context(), d.ID, req.Response)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(updated))
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadDispute(r, auth.RoleAdmin)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	updated, err := s.ledgerService.StartInvestigation(r.Context(), d.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(updated))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadDispute(r, auth.RoleAdmin)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req struct {
		Outcome     string              `json:"outcome"`
		Amount      decimal.NullDecimal `json:"amount"`
		Description string              `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome := ledger.Outcome{Kind: ledger.OutcomeKind(req.Outcome), Description: req.Description}
	if req.Amount.Valid {
		outcome.Amount = req.Amount.Decimal
	}

	result, err := s.ledgerService.ResolveDispute(r.Context(), d.ID, outcome)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dispute":     toDisputeResponse(result.Dispute),
		"transaction": toTransactionResponse(result.Transaction),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := scopedFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sum, err := s.ledgerService.Summary(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		TotalTransactions: sum.TotalTransactions,
		Completed:         sum.Completed,
		ActiveDisputes:    sum.ActiveDisputes,
		FeeRevenue:        sum.FeeRevenue.StringFixed(2),
		FundsHeld:         sum.FundsHeld.StringFixed(2),
	})
}

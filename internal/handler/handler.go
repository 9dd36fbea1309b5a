package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/honeynil/LeadMarketService/internal/gateway"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/auth"
	"github.com/honeynil/LeadMarketService/internal/models"
	service "github.com/honeynil/LeadMarketService/internal/services"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/honeynil/LeadMarketService/pkg/money"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	services *service.Services
	gateways *gateway.Registry
}

func NewHandler(s *service.Services, gateways *gateway.Registry) *Handler {
	return &Handler{services: s, gateways: gateways}
}

type errorResponse struct {
	Error          string `json:"error"`
	Reason         string `json:"reason,omitempty"`
	ShortfallCents int64  `json:"shortfall_cents,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors to statuses. Unknown errors are logged and
// reported as a bare 500 so storage details never reach the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var insufficient *pkgerrors.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		status = http.StatusPaymentRequired
		resp = errorResponse{
			Error:          pkgerrors.ErrInsufficientFunds.Error(),
			Reason:         pkgerrors.Reason(err),
			ShortfallCents: insufficient.Shortfall(),
		}
	case errors.Is(err, pkgerrors.ErrLeadUnavailable):
		status = http.StatusConflict
		resp = errorResponse{Error: pkgerrors.ErrLeadUnavailable.Error(), Reason: pkgerrors.Reason(err)}
	case errors.Is(err, pkgerrors.ErrLeadNotFound):
		status = http.StatusNotFound
		resp = errorResponse{Error: pkgerrors.ErrLeadNotFound.Error(), Reason: pkgerrors.Reason(err)}
	case errors.Is(err, pkgerrors.ErrPaymentNotFound),
		errors.Is(err, pkgerrors.ErrUnknownGateway),
		errors.Is(err, pkgerrors.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidWebhookSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
		resp = errorResponse{Error: pkgerrors.ErrGatewayUnavailable.Error()}
	case errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidIntent),
		errors.Is(err, pkgerrors.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		resp = errorResponse{Error: "internal error"}
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "user not authenticated"})
	}
	return p, ok
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/{gateway}", h.GatewayWebhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/leads", h.ListLeads).Methods("GET")
	r.HandleFunc("/leads/{id:[0-9]+}", h.GetLead).Methods("GET")
	r.HandleFunc("/leads/{id:[0-9]+}/purchase", h.PurchaseLead).Methods("POST")
	r.HandleFunc("/checkout", h.Checkout).Methods("POST")
	r.HandleFunc("/purchases", h.ListPurchases).Methods("GET")
	r.HandleFunc("/payments", h.CreatePayment).Methods("POST")
	r.HandleFunc("/payments/{id}", h.GetPayment).Methods("GET")
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/ledger", h.GetLedger).Methods("GET")
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (h *Handler) PurchaseLead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	leadID, err := pathID(r)
	if err != nil {
		h.badRequest(w, "invalid lead id")
		return
	}

	result, err := h.services.Purchases.Purchase(r.Context(), p.UserID, leadID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		LeadIDs []int64 `json:"lead_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	result, err := h.services.Checkout.Checkout(r.Context(), p.UserID, req.LeadIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount   string               `json:"amount"`
		Currency string               `json:"currency"`
		Gateway  string               `json:"gateway"`
		Intent   models.PaymentIntent `json:"intent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	amount, err := money.ToCents(req.Amount)
	if err != nil {
		h.badRequest(w, "amount must be a decimal with at most two fraction digits")
		return
	}
	if req.Intent.Kind == "" {
		req.Intent.Kind = models.IntentTopUp
	}

	result, err := h.services.Payments.CreatePaymentInvoice(r.Context(), p.UserID, amount, req.Currency, req.Gateway, req.Intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.badRequest(w, "invalid payment id")
		return
	}

	payment, err := h.services.Payments.GetPaymentStatus(r.Context(), id, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// GatewayWebhook hands the body to verification exactly as received.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["gateway"]
	provider, err := h.gateways.Get(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.badRequest(w, "unreadable body")
		return
	}

	accepted, err := h.services.Payments.HandleGatewayWebhook(r.Context(), provider.Name(), payload, r.Header.Get(provider.SignatureHeader()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	balance, err := h.services.Ledger.Balance(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"balance_cents": balance,
		"balance":       money.FromCents(balance),
	})
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.services.Ledger.History(r.Context(), p.UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	purchases, err := h.services.Catalog.ListPurchases(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, purchases)
}

func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.badRequest(w, "invalid lead id")
		return
	}
	lead, err := h.services.Catalog.GetLead(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lead)
}

func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseLeadQuery(r)
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	result, err := h.services.Catalog.ListLeads(r.Context(), filter, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func parseLeadQuery(r *http.Request) (models.LeadFilter, models.PageRequest, error) {
	q := r.URL.Query()
	var (
		filter models.LeadFilter
		page   models.PageRequest
	)
	parseFloat := func(key string) (*float64, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.New(key + " must be a number")
		}
		return &v, nil
	}

	var err error
	if filter.MinScore, err = parseFloat("score_min"); err != nil {
		return filter, page, err
	}
	if filter.MaxScore, err = parseFloat("score_max"); err != nil {
		return filter, page, err
	}
	if raw := q.Get("max_price"); raw != "" {
		if filter.MaxPriceCents, err = money.ToCents(raw); err != nil {
			return filter, page, errors.New("max_price must be a decimal amount")
		}
	}
	filter.Unscored = q.Get("unscored") == "true"
	filter.OnlyAvailable = q.Get("available") != "false"
	page.Page, _ = strconv.Atoi(q.Get("page"))
	page.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return filter, page.Normalize(), nil
}

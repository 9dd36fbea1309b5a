package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/pkg/money"
)

const (
	NOWPaymentsName           = "nowpayments"
	nowPaymentsDefaultBaseURL = "https://api.nowpayments.io"
)

type NOWPaymentsConfig struct {
	BaseURL     string
	APIKey      string
	IPNSecret   string
	PayCurrency string
}

type NOWPayments struct {
	cfg    NOWPaymentsConfig
	client *http.Client
}

func NewNOWPayments(cfg NOWPaymentsConfig, client *http.Client) *NOWPayments {
	if cfg.BaseURL == "" {
		cfg.BaseURL = nowPaymentsDefaultBaseURL
	}
	if cfg.PayCurrency == "" {
		cfg.PayCurrency = "usdttrc20"
	}
	return &NOWPayments{cfg: cfg, client: client}
}

func (n *NOWPayments) Name() string            { return NOWPaymentsName }
func (n *NOWPayments) SignatureHeader() string { return "x-nowpayments-sig" }

// VerifySignature expects hex HMAC-SHA512 of the body keyed by the IPN secret.
func (n *NOWPayments) VerifySignature(payload []byte, signature string) bool {
	if signature == "" || n.cfg.IPNSecret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(n.cfg.IPNSecret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// nowPaymentsID accepts payment_id as either a JSON number or a string.
type nowPaymentsID string

func (id *nowPaymentsID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = nowPaymentsID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*id = nowPaymentsID(num.String())
	return nil
}

type nowPaymentsPayment struct {
	PaymentID      nowPaymentsID `json:"payment_id"`
	PaymentStatus  string        `json:"payment_status"`
	PayAddress     string        `json:"pay_address"`
	OrderID        string        `json:"order_id"`
	ExpirationDate string        `json:"expiration_estimate_date"`
}

func (n *NOWPayments) headers() map[string]string {
	return map[string]string{"x-api-key": n.cfg.APIKey}
}

func (n *NOWPayments) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body, err := json.Marshal(map[string]any{
		"price_amount":     json.Number(money.FromCents(req.AmountCents)),
		"price_currency":   strings.ToLower(req.Currency),
		"pay_currency":     n.cfg.PayCurrency,
		"order_id":         req.PaymentID.String(),
		"ipn_callback_url": req.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode nowpayments request: %w", err)
	}
	var resp nowPaymentsPayment
	if err := doJSON(ctx, n.client, http.MethodPost, n.cfg.BaseURL+"/v1/payment", n.headers(), body, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentID == "" {
		return nil, fmt.Errorf("nowpayments returned no payment id")
	}
	inv := n.toInvoice(resp)
	inv.Status = models.PaymentProcessing
	return inv, nil
}

func (n *NOWPayments) GetInvoice(ctx context.Context, externalReference string) (*Invoice, error) {
	var resp nowPaymentsPayment
	url := n.cfg.BaseURL + "/v1/payment/" + externalReference
	if err := doJSON(ctx, n.client, http.MethodGet, url, n.headers(), nil, &resp); err != nil {
		return nil, err
	}
	return n.toInvoice(resp), nil
}

func (n *NOWPayments) toInvoice(p nowPaymentsPayment) *Invoice {
	inv := &Invoice{
		ExternalReference: string(p.PaymentID),
		Status:            n.mapStatus(p.PaymentStatus),
		PayAddress:        p.PayAddress,
	}
	if p.ExpirationDate != "" {
		if t, err := time.Parse(time.RFC3339, p.ExpirationDate); err == nil {
			inv.ExpiresAt = &t
		}
	}
	return inv
}

func (n *NOWPayments) ParseNotification(payload []byte) (*Notification, error) {
	var p nowPaymentsPayment
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid nowpayments notification: %w", err)
	}
	return &Notification{
		ExternalReference: string(p.PaymentID),
		OrderID:           p.OrderID,
		Status:            n.mapStatus(p.PaymentStatus),
		RawStatus:         p.PaymentStatus,
	}, nil
}

func (n *NOWPayments) mapStatus(s string) models.PaymentStatus {
	switch s {
	case "finished":
		return models.PaymentPaid
	case "failed", "refunded":
		return models.PaymentFailed
	case "expired":
		return models.PaymentExpired
	}
	// waiting, confirming, confirmed, sending, partially_paid
	return models.PaymentProcessing
}

package gateway

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
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
	CryptomusName           = "cryptomus"
	cryptomusDefaultBaseURL = "https://api.cryptomus.com"
)

type CryptomusConfig struct {
	BaseURL    string
	MerchantID string
	APIKey     string
}

type Cryptomus struct {
	cfg    CryptomusConfig
	client *http.Client
}

func NewCryptomus(cfg CryptomusConfig, client *http.Client) *Cryptomus {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cryptomusDefaultBaseURL
	}
	return &Cryptomus{cfg: cfg, client: client}
}

func (c *Cryptomus) Name() string            { return CryptomusName }
func (c *Cryptomus) SignatureHeader() string { return "sign" }

// sign is md5(base64(body) + apiKey) in lowercase hex; requests and
// callbacks use the same scheme.
func (c *Cryptomus) sign(body []byte) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + c.cfg.APIKey))
	return hex.EncodeToString(sum[:])
}

func (c *Cryptomus) VerifySignature(payload []byte, signature string) bool {
	if signature == "" || c.cfg.APIKey == "" {
		return false
	}
	expected := c.sign(payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

type cryptomusInvoice struct {
	UUID          string `json:"uuid"`
	OrderID       string `json:"order_id"`
	Address       string `json:"address"`
	URL           string `json:"url"`
	ExpiredAt     int64  `json:"expired_at"`
	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status"`
}

type cryptomusResponse struct {
	State  int              `json:"state"`
	Result cryptomusInvoice `json:"result"`
}

func (c *Cryptomus) call(ctx context.Context, path string, req any) (*Invoice, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cryptomus request: %w", err)
	}
	headers := map[string]string{
		"merchant": c.cfg.MerchantID,
		"sign":     c.sign(body),
	}
	var resp cryptomusResponse
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+path, headers, body, &resp); err != nil {
		return nil, err
	}
	if resp.State != 0 || resp.Result.UUID == "" {
		return nil, fmt.Errorf("cryptomus returned state %d", resp.State)
	}
	return c.toInvoice(resp.Result), nil
}

func (c *Cryptomus) toInvoice(r cryptomusInvoice) *Invoice {
	inv := &Invoice{
		ExternalReference: r.UUID,
		Status:            c.mapStatus(firstNonEmpty(r.PaymentStatus, r.Status)),
		PayAddress:        r.Address,
		PayURL:            r.URL,
	}
	if r.ExpiredAt > 0 {
		t := time.Unix(r.ExpiredAt, 0).UTC()
		inv.ExpiresAt = &t
	}
	return inv
}

func (c *Cryptomus) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	payload := map[string]any{
		"amount":       money.FromCents(req.AmountCents),
		"currency":     req.Currency,
		"order_id":     req.PaymentID.String(),
		"url_callback": req.CallbackURL,
	}
	if req.Lifetime > 0 {
		payload["lifetime"] = int(req.Lifetime.Seconds())
	}
	inv, err := c.call(ctx, "/v1/payment", payload)
	if err != nil {
		return nil, err
	}
	// A fresh invoice is waiting for funds.
	inv.Status = models.PaymentProcessing
	return inv, nil
}

func (c *Cryptomus) GetInvoice(ctx context.Context, externalReference string) (*Invoice, error) {
	return c.call(ctx, "/v1/payment/info", map[string]string{"uuid": externalReference})
}

func (c *Cryptomus) ParseNotification(payload []byte) (*Notification, error) {
	var n cryptomusInvoice
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("invalid cryptomus notification: %w", err)
	}
	raw := firstNonEmpty(n.Status, n.PaymentStatus)
	return &Notification{
		ExternalReference: n.UUID,
		OrderID:           n.OrderID,
		Status:            c.mapStatus(raw),
		RawStatus:         raw,
	}, nil
}

func (c *Cryptomus) mapStatus(s string) models.PaymentStatus {
	switch s {
	case "paid", "paid_over":
		return models.PaymentPaid
	case "fail", "cancel", "wrong_amount", "system_fail", "refund_process", "refund_fail", "refund_paid":
		return models.PaymentFailed
	case "process", "check", "confirm_check", "wrong_amount_waiting":
		return models.PaymentProcessing
	}
	return models.PaymentProcessing
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/honeynil/LeadMarketService/internal/models"
	"github.com/honeynil/LeadMarketService/pkg/money"
)

const (
	CryptoCloudName           = "cryptocloud"
	cryptoCloudDefaultBaseURL = "https://api.cryptocloud.plus"
	cryptoCloudInvoicePrefix  = "INV-"
	cryptoCloudExpiryLayout   = "2006-01-02 15:04:05.999999"
)

type CryptoCloudConfig struct {
	BaseURL string
	ShopID  string
	APIKey  string
	// Secret signs postback tokens.
	Secret string
}

// CryptoCloud authenticates postbacks with an HS256 JWT whose "id" claim
// is the invoice uuid. The token arrives in the body, or in the header when
// a proxy moves it there.
type CryptoCloud struct {
	cfg    CryptoCloudConfig
	client *http.Client
}

func NewCryptoCloud(cfg CryptoCloudConfig, client *http.Client) *CryptoCloud {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cryptoCloudDefaultBaseURL
	}
	return &CryptoCloud{cfg: cfg, client: client}
}

func (c *CryptoCloud) Name() string            { return CryptoCloudName }
func (c *CryptoCloud) SignatureHeader() string { return "x-cryptocloud-token" }

type cryptoCloudPostback struct {
	Status    string `json:"status"`
	InvoiceID string `json:"invoice_id"`
	OrderID   string `json:"order_id"`
	Token     string `json:"token"`
}

type cryptoCloudClaims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

// decodePostback accepts both JSON and form-encoded postbacks.
func decodePostback(payload []byte) (*cryptoCloudPostback, error) {
	var p cryptoCloudPostback
	if err := json.Unmarshal(payload, &p); err == nil {
		return &p, nil
	}
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid cryptocloud postback: %w", err)
	}
	return &cryptoCloudPostback{
		Status:    form.Get("status"),
		InvoiceID: form.Get("invoice_id"),
		OrderID:   form.Get("order_id"),
		Token:     form.Get("token"),
	}, nil
}

func (c *CryptoCloud) VerifySignature(payload []byte, signature string) bool {
	if c.cfg.Secret == "" {
		return false
	}
	p, err := decodePostback(payload)
	if err != nil {
		return false
	}
	token := signature
	if token == "" {
		token = p.Token
	}
	if token == "" {
		return false
	}
	claims := &cryptoCloudClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(c.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return false
	}
	return trimInvoicePrefix(claims.ID) == trimInvoicePrefix(p.InvoiceID)
}

func (c *CryptoCloud) ParseNotification(payload []byte) (*Notification, error) {
	p, err := decodePostback(payload)
	if err != nil {
		return nil, err
	}
	status := models.PaymentProcessing
	if p.Status == "success" {
		status = models.PaymentPaid
	}
	return &Notification{
		ExternalReference: trimInvoicePrefix(p.InvoiceID),
		OrderID:           p.OrderID,
		Status:            status,
		RawStatus:         p.Status,
	}, nil
}

type cryptoCloudInvoice struct {
	UUID       string `json:"uuid"`
	Link       string `json:"link"`
	Address    string `json:"address"`
	Status     string `json:"status"`
	ExpiryDate string `json:"expiry_date"`
}

func (c *CryptoCloud) headers() map[string]string {
	return map[string]string{"Authorization": "Token " + c.cfg.APIKey}
}

func (c *CryptoCloud) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body, err := json.Marshal(map[string]any{
		"shop_id":  c.cfg.ShopID,
		"amount":   json.Number(money.FromCents(req.AmountCents)),
		"currency": strings.ToUpper(req.Currency),
		"order_id": req.PaymentID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode cryptocloud request: %w", err)
	}
	var resp struct {
		Status string             `json:"status"`
		Result cryptoCloudInvoice `json:"result"`
	}
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/v2/invoice/create", c.headers(), body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Result.UUID == "" {
		return nil, fmt.Errorf("cryptocloud returned status %q", resp.Status)
	}
	inv := c.toInvoice(resp.Result)
	inv.Status = models.PaymentProcessing
	return inv, nil
}

func (c *CryptoCloud) GetInvoice(ctx context.Context, externalReference string) (*Invoice, error) {
	body, err := json.Marshal(map[string][]string{"uuids": {cryptoCloudInvoicePrefix + trimInvoicePrefix(externalReference)}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Status string               `json:"status"`
		Result []cryptoCloudInvoice `json:"result"`
	}
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/v2/invoice/merchant/info", c.headers(), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("cryptocloud invoice %s not found", externalReference)
	}
	return c.toInvoice(resp.Result[0]), nil
}

func (c *CryptoCloud) toInvoice(r cryptoCloudInvoice) *Invoice {
	inv := &Invoice{
		ExternalReference: trimInvoicePrefix(r.UUID),
		Status:            c.mapStatus(r.Status),
		PayAddress:        r.Address,
		PayURL:            r.Link,
	}
	if r.ExpiryDate != "" {
		if t, err := time.Parse(cryptoCloudExpiryLayout, r.ExpiryDate); err == nil {
			t = t.UTC()
			inv.ExpiresAt = &t
		}
	}
	return inv
}

func (c *CryptoCloud) mapStatus(s string) models.PaymentStatus {
	switch s {
	case "paid", "overpaid":
		return models.PaymentPaid
	case "canceled":
		return models.PaymentFailed
	}
	// created, partial
	return models.PaymentProcessing
}

func trimInvoicePrefix(id string) string {
	return strings.TrimPrefix(id, cryptoCloudInvoicePrefix)
}

// Package gateway talks to the external cryptocurrency payment providers and
// normalizes their invoices and callbacks into payment statuses.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
)

//go:generate mockgen -source=gateway.go -destination=mocks/gateway_mock.go -package=mocks

type InvoiceRequest struct {
	PaymentID   uuid.UUID
	AmountCents int64
	Currency    string
	CallbackURL string
	Lifetime    time.Duration
}

// Invoice is the provider's view of a payment.
type Invoice struct {
	ExternalReference string
	Status            models.PaymentStatus
	PayAddress        string
	PayURL            string
	ExpiresAt         *time.Time
}

// Notification is a verified callback body translated to our statuses.
// OrderID echoes the payment id we sent when creating the invoice.
type Notification struct {
	ExternalReference string
	OrderID           string
	Status            models.PaymentStatus
	RawStatus         string
}

type Provider interface {
	Name() string
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, externalReference string) (*Invoice, error)
	// SignatureHeader names the request header that carries the callback signature.
	SignatureHeader() string
	// VerifySignature checks signature against the exact bytes received.
	VerifySignature(payload []byte, signature string) bool
	ParseNotification(payload []byte) (*Notification, error)
}

type Registry struct {
	providers   map[string]Provider
	defaultName string
}

func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers)), defaultName: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, or the default one for an empty name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownGateway, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

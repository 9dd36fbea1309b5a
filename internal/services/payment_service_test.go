package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LeadMarketService/internal/gateway"
	gatewaymocks "github.com/honeynil/LeadMarketService/internal/gateway/mocks"
	"github.com/honeynil/LeadMarketService/internal/infrastructure/kafka"
	kafkamocks "github.com/honeynil/LeadMarketService/internal/infrastructure/kafka/mocks"
	"github.com/honeynil/LeadMarketService/internal/models"
	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"github.com/honeynil/LeadMarketService/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const ipnSecret = "ipn-secret"

func signIPN(payload []byte) string {
	mac := hmac.New(sha512.New, []byte(ipnSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func finishedPayload(externalRef string, orderID uuid.UUID) []byte {
	return []byte(`{"payment_id":` + externalRef + `,"payment_status":"finished","order_id":"` + orderID.String() + `"}`)
}

func newNOWPaymentsService(h *harness, baseURL string) *paymentService {
	provider := gateway.NewNOWPayments(gateway.NOWPaymentsConfig{BaseURL: baseURL, APIKey: "api", IPNSecret: ipnSecret}, http.DefaultClient)
	return NewPaymentService(h.payments, h.ledger, h.engine, gateway.NewRegistry(gateway.NOWPaymentsName, provider), nil, PaymentConfig{
		GatewayTimeout: time.Second,
		RetryInitial:   time.Millisecond,
	})
}

// processingPayment stores a payment as it looks after invoice creation.
func processingPayment(t *testing.T, h *harness, userID, amount int64, externalRef string, intent models.PaymentIntent, expiresAt time.Time) *models.Payment {
	t.Helper()
	p := &models.Payment{
		UserID:            userID,
		AmountCents:       amount,
		Currency:          "USD",
		Gateway:           gateway.NOWPaymentsName,
		ExternalReference: externalRef,
		Status:            models.PaymentProcessing,
		Intent:            intent,
		ExpiresAt:         &expiresAt,
	}
	require.NoError(t, h.payments.Create(context.Background(), p))
	return p
}

func webhookStatuses(h *harness) []models.WebhookStatus {
	var out []models.WebhookStatus
	for _, w := range h.payments.Webhooks() {
		out = append(out, w.Status)
	}
	return out
}

func TestPaymentService_InvoiceRoundTrip(t *testing.T) {
	var seen struct {
		PriceAmount json.Number `json:"price_amount"`
		Callback    string      `json:"ipn_callback_url"`
		OrderID     string      `json:"order_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_, _ = w.Write([]byte(`{"payment_id":5077,"payment_status":"waiting","pay_address":"TAddr","order_id":"` + seen.OrderID + `","expiration_estimate_date":"2030-01-01T00:00:00.000Z"}`))
	}))
	defer srv.Close()

	h := newHarness()
	h.users.Put(1, 0)
	svc := newNOWPaymentsService(h, srv.URL)
	svc.cfg.CallbackBaseURL = "https://leads.example/"
	ctx := context.Background()

	amount, err := money.ToCents("12.34")
	require.NoError(t, err)
	inv, err := svc.CreatePaymentInvoice(ctx, 1, amount, "usd", "", models.PaymentIntent{Kind: models.IntentTopUp})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentProcessing, inv.Status)
	assert.Equal(t, "TAddr", inv.PayAddress)
	require.NotNil(t, inv.ExpiresAt)
	assert.Equal(t, 2030, inv.ExpiresAt.Year())
	assert.Equal(t, "12.34", seen.PriceAmount.String())
	assert.Equal(t, "https://leads.example/webhooks/nowpayments", seen.Callback)
	assert.Equal(t, inv.PaymentID.String(), seen.OrderID)

	payload := finishedPayload("5077", inv.PaymentID)
	accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN(payload))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, amount, h.balance(t, 1))

	stored, err := h.payments.GetByID(ctx, inv.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)
}

func TestPaymentService_DuplicatePaidWebhook(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 100)
	svc := newNOWPaymentsService(h, "")
	p := processingPayment(t, h, 1, 1234, "5077", models.PaymentIntent{Kind: models.IntentTopUp}, time.Now().Add(time.Hour))
	payload := finishedPayload("5077", p.ID)
	sig := signIPN(payload)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, sig)
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	assert.Equal(t, int64(1334), h.balance(t, 1))
	stored, err := h.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, stored.Status)
	assert.Equal(t, []models.WebhookStatus{models.WebhookApplied, models.WebhookIgnored}, webhookStatuses(h))

	history, err := h.ledger.History(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPaymentService_ConcurrentDuplicateWebhooks(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 0)
	svc := newNOWPaymentsService(h, "")
	p := processingPayment(t, h, 1, 500, "42", models.PaymentIntent{Kind: models.IntentTopUp}, time.Now().Add(time.Hour))
	payload := finishedPayload("42", p.ID)
	sig := signIPN(payload)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HandleGatewayWebhook(context.Background(), gateway.NOWPaymentsName, payload, sig)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), h.balance(t, 1))
}

func TestPaymentService_InvalidSignature(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 0)
	svc := newNOWPaymentsService(h, "")
	p := processingPayment(t, h, 1, 500, "42", models.PaymentIntent{Kind: models.IntentTopUp}, time.Now().Add(time.Hour))
	payload := finishedPayload("42", p.ID)
	ctx := context.Background()

	accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN([]byte("something else")))
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidWebhookSignature)
	assert.False(t, accepted)

	// Re-encoding the body changes the bytes and breaks the signature.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	reencoded, _ := json.Marshal(decoded)
	_, err = svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, reencoded, signIPN(payload))
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidWebhookSignature)

	stored, err := h.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentProcessing, stored.Status)
	assert.Equal(t, int64(0), h.balance(t, 1))
	webhooks := h.payments.Webhooks()
	require.Len(t, webhooks, 2)
	assert.False(t, webhooks[0].SignatureValid)
	assert.Equal(t, models.WebhookRejected, webhooks[0].Status)
	assert.NotEmpty(t, webhooks[0].PayloadHash)
}

func TestPaymentService_MalformedSignedWebhook(t *testing.T) {
	h := newHarness()
	svc := newNOWPaymentsService(h, "")
	payload := []byte(`{"payment_id": [oops`)

	accepted, err := svc.HandleGatewayWebhook(context.Background(), gateway.NOWPaymentsName, payload, signIPN(payload))
	assert.False(t, accepted)
	require.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	assert.Equal(t, pkgerrors.ErrInvalidInput.Error(), err.Error(), "decoder details stay in the log")

	webhooks := h.payments.Webhooks()
	require.Len(t, webhooks, 1)
	assert.True(t, webhooks[0].SignatureValid)
	assert.Equal(t, models.WebhookRejected, webhooks[0].Status)
}

func TestPaymentService_UnknownGatewayAndPayment(t *testing.T) {
	h := newHarness()
	svc := newNOWPaymentsService(h, "")
	ctx := context.Background()

	_, err := svc.HandleGatewayWebhook(ctx, "paypal", []byte(`{}`), "")
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownGateway)

	payload := finishedPayload("999", uuid.New())
	accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN(payload))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, []models.WebhookStatus{models.WebhookUnmatched}, webhookStatuses(h))
}

func TestPaymentService_WebhookBeforeInvoiceStored(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 0)
	svc := newNOWPaymentsService(h, "")
	p := &models.Payment{UserID: 1, AmountCents: 300, Currency: "USD", Gateway: gateway.NOWPaymentsName, Intent: models.PaymentIntent{Kind: models.IntentTopUp}}
	require.NoError(t, h.payments.Create(context.Background(), p))

	payload := finishedPayload("77", p.ID)
	accepted, err := svc.HandleGatewayWebhook(context.Background(), gateway.NOWPaymentsName, payload, signIPN(payload))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, int64(300), h.balance(t, 1))

	stored, err := h.payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "77", stored.ExternalReference)
}

func TestPaymentService_ExpiryThenLatePaid(t *testing.T) {
	h := newHarness()
	h.users.Put(1, 0)
	svc := newNOWPaymentsService(h, "")
	p := processingPayment(t, h, 1, 900, "5", models.PaymentIntent{Kind: models.IntentTopUp}, time.Now().Add(-time.Minute))
	ctx := context.Background()

	got, err := svc.GetPaymentStatus(ctx, p.ID, models.Principal{UserID: 1, Role: models.RoleBuyer})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentExpired, got.Status)

	payload := finishedPayload("5", p.ID)
	accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN(payload))
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.Equal(t, int64(0), h.balance(t, 1))
	stored, err := h.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentExpired, stored.Status)
	assert.Equal(t, []models.WebhookStatus{models.WebhookLatePaid}, webhookStatuses(h))
	issues := h.payments.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, "paid after expired", issues[0].Reason)
}

func TestPaymentService_UnlockLead(t *testing.T) {
	ctx := context.Background()
	intent := models.PaymentIntent{Kind: models.IntentUnlockLead, LeadID: 9}

	t.Run("lead bought with the fresh credit", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 0)
		h.leads.Put(9, 500, models.NumericScore(7))
		svc := newNOWPaymentsService(h, "")
		p := processingPayment(t, h, 1, 500, "1", intent, time.Now().Add(time.Hour))

		payload := finishedPayload("1", p.ID)
		_, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN(payload))
		require.NoError(t, err)

		purchase, err := h.purchases.GetByLeadID(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purchase.UserID)
		assert.Equal(t, int64(0), h.balance(t, 1))
		assert.Empty(t, h.payments.Issues())
	})

	t.Run("lead sold meanwhile keeps the credit", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		producer := kafkamocks.NewMockKafkaProducer(ctrl)
		h := newHarness()
		h.users.Put(1, 0)
		h.users.Put(2, 1000)
		h.leads.Put(9, 500, models.NumericScore(7))
		svc := newNOWPaymentsService(h, "")
		svc.producer = producer
		p := processingPayment(t, h, 1, 500, "1", intent, time.Now().Add(time.Hour))

		_, err := h.engine.Purchase(ctx, 2, 9)
		require.NoError(t, err)

		producer.EXPECT().Send(gomock.Any(), kafka.TopicPaymentStatus, p.ID.String(), gomock.Any()).Return(nil)
		producer.EXPECT().Send(gomock.Any(), kafka.TopicPaymentUnlockFailed, p.ID.String(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ string, value []byte) error {
				var event kafka.PaymentUnlockFailedEvent
				require.NoError(t, json.Unmarshal(value, &event))
				assert.Equal(t, int64(9), event.LeadID)
				return nil
			})

		payload := finishedPayload("1", p.ID)
		accepted, err := svc.HandleGatewayWebhook(ctx, gateway.NOWPaymentsName, payload, signIPN(payload))
		require.NoError(t, err)
		assert.True(t, accepted)

		assert.Equal(t, int64(500), h.balance(t, 1))
		issues := h.payments.Issues()
		require.Len(t, issues, 1)
		assert.Equal(t, "unlock failed: lead_unavailable", issues[0].Reason)
		assert.Equal(t, int64(9), issues[0].LeadID)
	})
}

func newMockService(t *testing.T, h *harness, cfg PaymentConfig) (*paymentService, *gatewaymocks.MockProvider) {
	ctrl := gomock.NewController(t)
	provider := gatewaymocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("mockpay").AnyTimes()
	svc := NewPaymentService(h.payments, h.ledger, h.engine, gateway.NewRegistry("mockpay", provider), nil, cfg)
	return svc, provider
}

func TestPaymentService_CreateInvoiceRetries(t *testing.T) {
	ctx := context.Background()
	topUp := models.PaymentIntent{Kind: models.IntentTopUp}

	t.Run("transient failures then success", func(t *testing.T) {
		h := newHarness()
		svc, provider := newMockService(t, h, PaymentConfig{RetryInitial: time.Millisecond})
		gomock.InOrder(
			provider.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).Return(nil, pkgerrors.ErrGatewayUnavailable).Times(2),
			provider.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).Return(&gateway.Invoice{ExternalReference: "ext-1", Status: models.PaymentProcessing, PayURL: "https://pay/1"}, nil),
		)

		inv, err := svc.CreatePaymentInvoice(ctx, 1, 1000, "usd", "", topUp)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentProcessing, inv.Status)
		assert.Equal(t, "https://pay/1", inv.PayURL)
		require.NotNil(t, inv.ExpiresAt)
		assert.True(t, inv.ExpiresAt.After(time.Now()))
	})

	t.Run("timeouts leave the payment pending", func(t *testing.T) {
		h := newHarness()
		svc, provider := newMockService(t, h, PaymentConfig{
			GatewayTimeout:    20 * time.Millisecond,
			RetryInitial:      time.Millisecond,
			MaxInvoiceRetries: 1,
		})
		provider.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ gateway.InvoiceRequest) (*gateway.Invoice, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}).Times(2)

		_, err := svc.CreatePaymentInvoice(ctx, 1, 1000, "usd", "", topUp)
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)

		pending, err := h.payments.ListStalePending(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, models.PaymentPending, pending[0].Status)
	})

	t.Run("rejection fails the payment", func(t *testing.T) {
		h := newHarness()
		svc, provider := newMockService(t, h, PaymentConfig{RetryInitial: time.Millisecond})
		provider.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).Return(nil, errors.New("gateway rejected request: status 400"))

		_, err := svc.CreatePaymentInvoice(ctx, 1, 1000, "usd", "", topUp)
		require.Error(t, err)
		assert.NotErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)

		pending, err := h.payments.ListStalePending(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness()
		svc, _ := newMockService(t, h, PaymentConfig{})

		_, err := svc.CreatePaymentInvoice(ctx, 1, 0, "usd", "", topUp)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		_, err = svc.CreatePaymentInvoice(ctx, 1, 100, "usd", "", models.PaymentIntent{Kind: models.IntentUnlockLead})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidIntent)
		_, err = svc.CreatePaymentInvoice(ctx, 1, 100, "usd", "paypal", topUp)
		assert.ErrorIs(t, err, pkgerrors.ErrUnknownGateway)
	})
}

func TestPaymentService_GetPaymentStatus(t *testing.T) {
	ctx := context.Background()
	owner := models.Principal{UserID: 1, Role: models.RoleBuyer}

	newPayment := func(t *testing.T, h *harness) *models.Payment {
		expires := time.Now().Add(time.Hour)
		p := &models.Payment{
			UserID:            1,
			AmountCents:       700,
			Currency:          "USD",
			Gateway:           "mockpay",
			ExternalReference: "ext-9",
			Status:            models.PaymentProcessing,
			Intent:            models.PaymentIntent{Kind: models.IntentTopUp},
			ExpiresAt:         &expires,
		}
		require.NoError(t, h.payments.Create(ctx, p))
		return p
	}

	t.Run("poll applies paid", func(t *testing.T) {
		h := newHarness()
		h.users.Put(1, 0)
		svc, provider := newMockService(t, h, PaymentConfig{})
		p := newPayment(t, h)
		provider.EXPECT().GetInvoice(gomock.Any(), "ext-9").Return(&gateway.Invoice{ExternalReference: "ext-9", Status: models.PaymentPaid}, nil)

		got, err := svc.GetPaymentStatus(ctx, p.ID, owner)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPaid, got.Status)
		assert.Equal(t, int64(700), h.balance(t, 1))

		// Terminal payments are served from storage.
		got, err = svc.GetPaymentStatus(ctx, p.ID, owner)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPaid, got.Status)
		assert.Equal(t, int64(700), h.balance(t, 1))
	})

	t.Run("gateway down returns stored state", func(t *testing.T) {
		h := newHarness()
		svc, provider := newMockService(t, h, PaymentConfig{})
		p := newPayment(t, h)
		provider.EXPECT().GetInvoice(gomock.Any(), "ext-9").Return(nil, pkgerrors.ErrGatewayUnavailable)

		got, err := svc.GetPaymentStatus(ctx, p.ID, owner)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentProcessing, got.Status)
	})

	t.Run("other buyers cannot see it", func(t *testing.T) {
		h := newHarness()
		svc, provider := newMockService(t, h, PaymentConfig{})
		p := newPayment(t, h)

		_, err := svc.GetPaymentStatus(ctx, p.ID, models.Principal{UserID: 2, Role: models.RoleBuyer})
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentNotFound)

		provider.EXPECT().GetInvoice(gomock.Any(), "ext-9").Return(&gateway.Invoice{Status: models.PaymentProcessing}, nil)
		got, err := svc.GetPaymentStatus(ctx, p.ID, models.Principal{UserID: 2, Role: models.RoleAdmin})
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
	})
}

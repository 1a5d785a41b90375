package app_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/utter/adapters/payment"
	"github.com/artpar/utter/adapters/sqlite"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/domain/credit"
)

const webhookSecret = "whsec_app_test"

func newBilling(t *testing.T, h *harness, priceIDs map[credit.PackID]string) (*app.BillingService, *sqlite.BillingEventStore) {
	t.Helper()
	events := sqlite.NewBillingEventStore(h.db)
	return app.NewBillingService(app.BillingConfig{
		Payments:   payment.NewDummyProvider(webhookSecret),
		Events:     events,
		Ledger:     h.ledger,
		Catalog:    credit.NewCatalog(priceIDs),
		IDs:        h.ids,
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
		SuccessURL: "https://utter.test/billing/success",
		CancelURL:  "https://utter.test/billing/cancel",
	}), events
}

func checkoutPayload(eventID, eventType, actor, packID string) []byte {
	metadata := fmt.Sprintf(`{"user_id": %q}`, actor)
	if packID != "" {
		metadata = fmt.Sprintf(`{"user_id": %q, "pack_id": %q}`, actor, packID)
	}
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": "2023-10-16",
  "type": %q,
  "data": {
    "object": {
      "id": "cs_test_%s",
      "object": "checkout.session",
      "client_reference_id": %q,
      "payment_status": "paid",
      "metadata": %s
    }
  }
}`, eventID, eventType, eventID, actor, metadata))
}

func sign(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	}).Header
}

func TestBillingService_GrantsOncePerEvent(t *testing.T) {
	h := newHarness(t)
	svc, events := newBilling(t, h, nil)
	ctx := context.Background()

	payload := checkoutPayload("evt_1", billing.EventCheckoutCompleted, alice, "pack_150k")
	res, err := svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.False(t, res.Duplicate)
	assert.Equal(t, billing.StatusProcessed, res.Status)
	assert.Equal(t, int64(150000), h.balance(t, alice))

	res, err = svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(150000), h.balance(t, alice), "redelivery grants nothing")

	stored, err := events.GetByProviderID(ctx, "dummy", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusProcessed, stored.Status)
	assert.Equal(t, int64(150000), stored.CreditsGranted)
	assert.Equal(t, alice, stored.Actor)
	h.audit(t, alice)
}

func TestBillingService_IgnoresOtherEvents(t *testing.T) {
	h := newHarness(t)
	svc, _ := newBilling(t, h, nil)
	ctx := context.Background()

	payload := checkoutPayload("evt_2", "checkout.session.expired", alice, "pack_150k")
	res, err := svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusIgnored, res.Status)
	assert.Equal(t, int64(0), h.balance(t, alice))

	res, err = svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestBillingService_RejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	svc, _ := newBilling(t, h, nil)

	payload := checkoutPayload("evt_3", billing.EventCheckoutCompleted, alice, "pack_150k")
	_, err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	requireKind(t, err, app.ErrValidation)
	assert.Equal(t, int64(0), h.balance(t, alice))
}

func TestBillingService_UnknownPackFailsEvent(t *testing.T) {
	h := newHarness(t)
	svc, events := newBilling(t, h, nil)
	ctx := context.Background()

	payload := checkoutPayload("evt_4", billing.EventCheckoutCompleted, alice, "")
	res, err := svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err, "processor still gets a success answer")
	assert.Equal(t, billing.StatusFailed, res.Status)
	assert.Equal(t, int64(0), h.balance(t, alice))

	stored, err := events.GetByProviderID(ctx, "dummy", "evt_4")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorDetail)

	// A failed event is retried on redelivery rather than reported as a duplicate.
	res, err = svc.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, billing.StatusFailed, res.Status)
}

func TestBillingService_CreateCheckout(t *testing.T) {
	h := newHarness(t)
	svc, _ := newBilling(t, h, map[credit.PackID]string{credit.Pack150K: "price_small"})
	ctx := context.Background()

	url, err := svc.CreateCheckout(ctx, alice, "pack_150k")
	require.NoError(t, err)
	assert.Contains(t, url, "https://utter.test/billing/success?session_id=cs_dummy_")

	_, err = svc.CreateCheckout(ctx, alice, "pack_500k")
	requireKind(t, err, app.ErrPaymentsDisabled)

	_, err = svc.CreateCheckout(ctx, alice, "pack_9000k")
	requireKind(t, err, app.ErrValidation)

	assert.Len(t, svc.Packs(), 2)
}

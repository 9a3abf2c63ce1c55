package payment

import (
	"context"
	"errors"
	"testing"
)

func TestMockProvider_IdempotentIntent(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()

	key := IdempotencyKey(42, "deposit")
	first, err := p.CreateIntent(ctx, key, 243)
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	second, err := p.CreateIntent(ctx, key, 243)
	if err != nil {
		t.Fatalf("CreateIntent retry: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry created a new intent: %s vs %s", first.ID, second.ID)
	}

	tx1, err := p.CaptureIntent(ctx, first.ID)
	if err != nil {
		t.Fatalf("CaptureIntent: %v", err)
	}
	tx2, _ := p.CaptureIntent(ctx, first.ID)
	if tx1 != tx2 {
		t.Errorf("double capture: %s vs %s", tx1, tx2)
	}
}

func TestMockProvider_IdempotentRefund(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()

	intent, _ := p.CreateIntent(ctx, "k1", 100)
	txID, _ := p.CaptureIntent(ctx, intent.ID)

	key := IdempotencyKey(42, "refund-1")
	r1, err := p.Refund(ctx, key, txID, 100)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	r2, _ := p.Refund(ctx, key, txID, 100)
	if r1 != r2 {
		t.Errorf("refund retry created new refund: %s vs %s", r1, r2)
	}
}

func TestGateway_BreakerOpensAfterFailures(t *testing.T) {
	p := NewMockProvider()
	p.FailNext = 10
	g := NewGateway(p, "whsec_test")
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = g.CreateIntent(ctx, IdempotencyKey(int64(i), "deposit"), 50)
	}
	if !errors.Is(lastErr, ErrProviderDown) {
		t.Fatalf("err after 6 consecutive failures = %v, want ErrProviderDown", lastErr)
	}
}

func TestGateway_WebhookSignature(t *testing.T) {
	g := NewGateway(NewMockProvider(), "whsec_test")

	payload := []byte(`{"event":"payment.succeeded","intent_id":"pi_1"}`)
	sig := g.Sign(payload)
	if !g.VerifyWebhook(payload, sig) {
		t.Fatal("valid signature rejected")
	}
	if g.VerifyWebhook(payload, "deadbeef") {
		t.Fatal("bogus signature accepted")
	}
	if g.VerifyWebhook([]byte(`{"tampered":true}`), sig) {
		t.Fatal("tampered payload accepted")
	}
}

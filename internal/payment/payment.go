package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"travelkit/internal/logger"
	"github.com/sony/gobreaker"
)

// ErrProviderDown is returned while the circuit breaker is open.
var ErrProviderDown = errors.New("payment provider unavailable")

// Intent is a provider-side charge authorization for a deposit.
type Intent struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider is the outbound payment port. Implementations must be
// idempotent on the key: retrying a call with the same key returns the
// original result instead of charging twice.
type Provider interface {
	// CreateIntent authorizes a deposit charge.
	CreateIntent(ctx context.Context, key string, amount float64) (Intent, error)
	// CaptureIntent settles an authorized intent, returning the
	// transaction id.
	CaptureIntent(ctx context.Context, intentID string) (string, error)
	// Refund returns money against a settled transaction, returning
	// the refund id.
	Refund(ctx context.Context, key, txID string, amount float64) (string, error)
}

// IdempotencyKey builds the provider idempotency key for one charge or
// refund attempt of a confirmation.
func IdempotencyKey(confirmationID int64, attempt string) string {
	return fmt.Sprintf("conf-%d-%s", confirmationID, attempt)
}

// Gateway wraps a Provider with a circuit breaker so a flapping
// provider fails fast instead of stalling workflow transitions.
type Gateway struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	secret   []byte
}

// NewGateway creates a Gateway around the given provider. The webhook
// secret signs and verifies provider callbacks.
func NewGateway(provider Provider, webhookSecret string) *Gateway {
	settings := gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("PAY", fmt.Sprintf("Breaker %s: %s -> %s", name, from, to))
		},
	}
	return &Gateway{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		secret:   []byte(webhookSecret),
	}
}

// CreateIntent authorizes a deposit through the breaker.
func (g *Gateway) CreateIntent(ctx context.Context, key string, amount float64) (Intent, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.provider.CreateIntent(ctx, key, amount)
	})
	if err != nil {
		return Intent{}, g.mapErr(err)
	}
	return v.(Intent), nil
}

// CaptureIntent settles an intent through the breaker.
func (g *Gateway) CaptureIntent(ctx context.Context, intentID string) (string, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.provider.CaptureIntent(ctx, intentID)
	})
	if err != nil {
		return "", g.mapErr(err)
	}
	return v.(string), nil
}

// Refund refunds a transaction through the breaker.
func (g *Gateway) Refund(ctx context.Context, key, txID string, amount float64) (string, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return g.provider.Refund(ctx, key, txID, amount)
	})
	if err != nil {
		return "", g.mapErr(err)
	}
	return v.(string), nil
}

func (g *Gateway) mapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrProviderDown
	}
	return err
}

// Sign computes the HMAC-SHA256 hex signature of a webhook payload.
func (g *Gateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a webhook payload against its signature in
// constant time.
func (g *Gateway) VerifyWebhook(payload []byte, signature string) bool {
	return hmac.Equal([]byte(g.Sign(payload)), []byte(signature))
}

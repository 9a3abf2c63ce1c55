package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is an in-process provider for development and tests.
// It honors idempotency keys and can be told to fail on demand.
type MockProvider struct {
	mu       sync.Mutex
	intents  map[string]Intent // by idempotency key
	captured map[string]string // intent id -> tx id
	refunds  map[string]string // by idempotency key

	// FailNext makes that many upcoming calls return an error.
	FailNext int
}

// NewMockProvider creates an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		intents:  make(map[string]Intent),
		captured: make(map[string]string),
		refunds:  make(map[string]string),
	}
}

func (m *MockProvider) failing() bool {
	if m.FailNext > 0 {
		m.FailNext--
		return true
	}
	return false
}

// CreateIntent authorizes a charge. Repeats with the same key return
// the original intent.
func (m *MockProvider) CreateIntent(_ context.Context, key string, amount float64) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing() {
		return Intent{}, errors.New("mock: provider error")
	}
	if intent, ok := m.intents[key]; ok {
		return intent, nil
	}
	intent := Intent{
		ID:        "pi_" + uuid.NewString(),
		Amount:    amount,
		Currency:  "EUR",
		CreatedAt: time.Now(),
	}
	m.intents[key] = intent
	return intent, nil
}

// CaptureIntent settles an intent. Capturing twice returns the same
// transaction id.
func (m *MockProvider) CaptureIntent(_ context.Context, intentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing() {
		return "", errors.New("mock: provider error")
	}
	if txID, ok := m.captured[intentID]; ok {
		return txID, nil
	}
	found := false
	for _, intent := range m.intents {
		if intent.ID == intentID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("mock: unknown intent %s", intentID)
	}
	txID := "txn_" + uuid.NewString()
	m.captured[intentID] = txID
	return txID, nil
}

// Refund refunds a captured transaction. Repeats with the same key
// return the original refund id.
func (m *MockProvider) Refund(_ context.Context, key, txID string, amount float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing() {
		return "", errors.New("mock: provider error")
	}
	if refundID, ok := m.refunds[key]; ok {
		return refundID, nil
	}
	refundID := "re_" + uuid.NewString()
	m.refunds[key] = refundID
	return refundID, nil
}

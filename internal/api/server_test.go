package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"travelkit/internal/config"
	"travelkit/internal/db"
	"travelkit/internal/engine"
	"travelkit/internal/notify"
	"travelkit/internal/payment"
	"travelkit/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *db.DB, *payment.Gateway) {
	t.Helper()
	database, err := db.OpenAt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.Default()
	gateway := payment.NewGateway(payment.NewMockProvider(), "whsec_test")
	svc := workflow.New(database, cfg,
		notify.NewDispatcher(1000, notify.LogSender{}),
		gateway, "https://travelkit.test")
	return NewServer(cfg, database, svc, gateway, "test"), database, gateway
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/api/status", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
}

func TestInterestValidation(t *testing.T) {
	s, database, _ := newTestServer(t)
	h := s.Handler()

	destID, _ := database.CreateDestination(engine.Destination{
		Name: "Lisbon", BasePrice: 900, MaxDiscount: 0.25, Active: true,
	})

	// party_size zero is rejected.
	rec := doJSON(t, h, "POST", "/api/interests", map[string]interface{}{
		"destination_id": destID,
		"party_size":     0,
		"date_from":      time.Now().AddDate(0, 0, 20),
		"date_to":        time.Now().AddDate(0, 0, 27),
	})
	if rec.Code != 400 {
		t.Errorf("zero party_size status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/interests", map[string]interface{}{
		"destination_id": destID,
		"party_size":     2,
		"date_from":      time.Now().AddDate(0, 0, 20),
		"date_to":        time.Now().AddDate(0, 0, 27),
		"user_email":     "ana@example.com",
	})
	if rec.Code != 200 {
		t.Fatalf("valid interest status = %d: %s", rec.Code, rec.Body.String())
	}
	var it engine.Interest
	json.Unmarshal(rec.Body.Bytes(), &it)
	if it.ID == 0 || it.Status != engine.InterestOpen {
		t.Errorf("created interest = %+v, want open with id", it)
	}
}

func TestConfirmationFlowOverHTTP(t *testing.T) {
	s, database, _ := newTestServer(t)
	h := s.Handler()

	destID, _ := database.CreateDestination(engine.Destination{
		Name: "Lisbon", BasePrice: 900, MaxDiscount: 0.25, Active: true,
	})
	for i := 0; i < 4; i++ {
		doJSON(t, h, "POST", "/api/interests", map[string]interface{}{
			"destination_id": destID,
			"party_size":     2,
			"date_from":      time.Now().AddDate(0, 0, 20),
			"date_to":        time.Now().AddDate(0, 0, 27),
			"budget_min":     500,
			"budget_max":     1200,
			"user_email":     "u@example.com",
		})
	}

	rec := doJSON(t, h, "POST", "/api/cluster", map[string]interface{}{"destination_id": destID})
	if rec.Code != 200 {
		t.Fatalf("cluster status = %d: %s", rec.Code, rec.Body.String())
	}
	var clusterRes workflow.ClusterResult
	json.Unmarshal(rec.Body.Bytes(), &clusterRes)
	if clusterRes.GroupsCreated != 1 {
		t.Fatalf("GroupsCreated = %d, want 1", clusterRes.GroupsCreated)
	}
	groupID := clusterRes.GroupIDs[0]

	rec = doJSON(t, h, "POST", fmt.Sprintf("/api/groups/%d/initiate", groupID), nil)
	if rec.Code != 200 {
		t.Fatalf("initiate status = %d: %s", rec.Code, rec.Body.String())
	}

	// Unknown token is a 404.
	rec = doJSON(t, h, "POST", "/api/confirm/bogus", map[string]interface{}{"confirmed": true})
	if rec.Code != 404 {
		t.Errorf("bogus token status = %d, want 404", rec.Code)
	}

	confs, _ := database.GroupConfirmations(groupID)
	for _, c := range confs {
		rec = doJSON(t, h, "POST", "/api/confirm/"+c.Token, map[string]interface{}{"confirmed": true})
		if rec.Code != 200 {
			t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	// A second reply on the same token conflicts, and the body carries
	// the original payment intent so the caller can reconcile.
	rec = doJSON(t, h, "POST", "/api/confirm/"+confs[0].Token, map[string]interface{}{"confirmed": false})
	if rec.Code != 409 {
		t.Errorf("double reply status = %d, want 409", rec.Code)
	}
	var conflict struct {
		Error           string  `json:"error"`
		PaymentIntentID string  `json:"payment_intent_id"`
		DepositAmount   float64 `json:"deposit_amount"`
	}
	json.Unmarshal(rec.Body.Bytes(), &conflict)
	if conflict.PaymentIntentID == "" {
		t.Errorf("conflict body missing payment_intent_id: %s", rec.Body.String())
	}
	if conflict.DepositAmount <= 0 {
		t.Errorf("conflict DepositAmount = %v, want > 0", conflict.DepositAmount)
	}

	rec = doJSON(t, h, "GET", fmt.Sprintf("/api/groups/%d", groupID), nil)
	if rec.Code != 200 {
		t.Fatalf("group status = %d", rec.Code)
	}
	var report workflow.FormationStatus
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Group.Status != engine.GroupConfirmed {
		t.Errorf("group status = %q, want confirmed", report.Group.Status)
	}
	if report.ConfirmedPeople != 8 {
		t.Errorf("ConfirmedPeople = %d, want 8", report.ConfirmedPeople)
	}
}

func TestPaymentWebhookSignature(t *testing.T) {
	s, _, gateway := newTestServer(t)
	h := s.Handler()

	payload := []byte(`{"event":"payment.succeeded","confirmation_id":1,"intent_id":"pi_1","tx_id":"txn_1"}`)

	req := httptest.NewRequest("POST", "/api/webhooks/payment", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Errorf("unsigned webhook status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("X-Signature", gateway.Sign(payload))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("signed webhook status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestSetConfigValidates(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	// Weights that do not sum to 1.0 are rejected wholesale.
	rec := doJSON(t, h, "POST", "/api/config", map[string]interface{}{
		"compat": map[string]interface{}{
			"date_weight":   0.9,
			"size_weight":   0.9,
			"budget_weight": 0.1,
			"lead_weight":   0.1,
		},
	})
	if rec.Code != 400 {
		t.Fatalf("bad weights status = %d, want 400", rec.Code)
	}
	if s.cfg.Compat.DateWeight != 0.40 {
		t.Errorf("rejected patch leaked into config: DateWeight = %v", s.cfg.Compat.DateWeight)
	}

	rec = doJSON(t, h, "POST", "/api/config", map[string]interface{}{
		"pricing": map[string]interface{}{
			"tiers":        s.cfg.Pricing.Tiers,
			"max_discount": 0.30,
		},
	})
	if rec.Code != 200 {
		t.Fatalf("valid patch status = %d: %s", rec.Code, rec.Body.String())
	}
	if s.cfg.Pricing.MaxDiscount != 0.30 {
		t.Errorf("MaxDiscount = %v, want 0.30", s.cfg.Pricing.MaxDiscount)
	}
}

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Message
}

func (c *captureSender) Send(_ context.Context, _ string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func TestDispatcher_DeduplicatesByKey(t *testing.T) {
	cap := &captureSender{}
	d := NewDispatcher(100, cap)
	ctx := context.Background()

	payload := Reminder{UserName: "Ana", GroupName: "Lisbon - Jun 05",
		ConfirmURL: "https://x/confirm/t", Deadline: time.Now().Add(48 * time.Hour)}

	key := Key(1, 2, TemplateReminder, "deadline-2d")
	for i := 0; i < 3; i++ {
		if err := d.Notify(ctx, key, "ana@example.com", payload); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if len(cap.sent) != 1 {
		t.Fatalf("sent = %d, want 1 (dedupe by key)", len(cap.sent))
	}

	// A different occasion for the same member is a new notification.
	d.Notify(ctx, Key(1, 2, TemplateReminder, "deadline-1d"), "ana@example.com", payload)
	if len(cap.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(cap.sent))
	}
}

func TestTemplates_RenderFields(t *testing.T) {
	msg := ConfirmationRequest{
		UserName: "Ana", GroupName: "Lisbon - Jun 05", Destination: "Lisbon",
		DateFrom: time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC),
		Price:    810, Deposit: 243,
		ConfirmURL: "https://x/confirm/tok",
		Deadline:   time.Date(2026, 5, 29, 12, 0, 0, 0, time.UTC),
	}.Render()

	for _, want := range []string{"Ana", "Lisbon - Jun 05", "810.00", "243.00", "https://x/confirm/tok"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}

	// The cancellation note promises an initiated refund, never a
	// completed one: the refund job may still be retrying.
	cancelled := GroupCancelled{UserName: "Ana", GroupName: "G", Reason: "below minimum size", RefundInitiated: true}.Render()
	if !strings.Contains(cancelled.Body, "refund of your deposit has been initiated") {
		t.Errorf("cancelled body missing refund-initiated note:\n%s", cancelled.Body)
	}
	if strings.Contains(cancelled.Body, "has been refunded") {
		t.Errorf("cancelled body claims a completed refund:\n%s", cancelled.Body)
	}
}

func TestWebhookSender_PostsJSON(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	err := s.Send(context.Background(), "ana@example.com", Message{Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	if err := s.Send(context.Background(), "x", Message{}); err == nil {
		t.Fatal("want error on 502")
	}
}

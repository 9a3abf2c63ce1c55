package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"travelkit/internal/logger"
	"golang.org/x/time/rate"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Renderer is implemented by every template payload.
type Renderer interface {
	Render() Message
}

// Sender delivers a rendered message to one recipient over one channel.
type Sender interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// Key identifies one logical notification so resends after crashes or
// workflow retries collapse into a single delivery.
func Key(groupID, interestID int64, template, occasion string) string {
	return fmt.Sprintf("%d:%d:%s:%s", groupID, interestID, template, occasion)
}

// Dispatcher renders template payloads and fans them out to the
// configured senders, deduplicating by key and rate-limiting the
// outbound channel.
type Dispatcher struct {
	senders []Sender
	limiter *rate.Limiter

	mu   sync.Mutex
	seen map[string]time.Time
}

// seenTTL bounds the dedupe map; a key older than this may deliver
// again, which is acceptable for notification traffic.
const seenTTL = 48 * time.Hour

// NewDispatcher creates a Dispatcher sending at most perSecond
// notifications per second (burst 10).
func NewDispatcher(perSecond float64, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 10),
		seen:    make(map[string]time.Time),
	}
}

// Notify renders and delivers one notification. A key already
// delivered within the TTL is dropped silently; sender errors are
// logged per channel but do not fail the workflow that triggered them.
func (d *Dispatcher) Notify(ctx context.Context, key, recipient string, payload Renderer) error {
	d.mu.Lock()
	if sentAt, ok := d.seen[key]; ok && time.Since(sentAt) < seenTTL {
		d.mu.Unlock()
		return nil
	}
	d.seen[key] = time.Now()
	// Opportunistic sweep of expired keys.
	if len(d.seen) > 4096 {
		for k, v := range d.seen {
			if time.Since(v) >= seenTTL {
				delete(d.seen, k)
			}
		}
	}
	d.mu.Unlock()

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := payload.Render()
	for _, s := range d.senders {
		if err := s.Send(ctx, recipient, msg); err != nil {
			logger.Warn("NOTIFY", fmt.Sprintf("Send %s to %s failed: %v", key, recipient, err))
		}
	}
	return nil
}

// LogSender writes notifications to the log. The default channel in
// development.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipient string, msg Message) error {
	logger.Info("NOTIFY", fmt.Sprintf("-> %s | %s", recipient, msg.Subject))
	return nil
}

// WebhookSender posts notifications as JSON to an external delivery
// service (mailer bridge, ops channel).
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender creates a WebhookSender with a bounded timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Send(ctx context.Context, recipient string, msg Message) error {
	payload, err := json.Marshal(struct {
		Recipient string `json:"recipient"`
		Message
	}{recipient, msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

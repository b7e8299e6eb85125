package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Notifier sends templated messages. Rate-limited per recipient so a
// misfiring trigger cannot flood a consumer's phone.
type Notifier interface {
	Send(ctx context.Context, tenantID string, ch Channel, template, recipient string, vars map[string]string) error
}

const (
	notifyWindow      = time.Minute
	notifyPerWindow   = 5
	notifyCleanupEvery = 5 * time.Minute
)

// HTTPNotifier posts to the notification service. The per-recipient limiter
// is a sliding minute window; exceeding it is a Transient error so the task
// backoff naturally spaces deliveries out.
type HTTPNotifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	runner   *Runner

	mu      sync.Mutex
	windows map[string]*notifyWindowState
	logger  *log.Logger
}

type notifyWindowState struct {
	count int
	start time.Time
}

// NewHTTPNotifier builds the notifier and starts its window cleanup.
func NewHTTPNotifier(endpoint, apiKey string, runner *Runner) *HTTPNotifier {
	n := &HTTPNotifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
		runner:   runner,
		windows:  make(map[string]*notifyWindowState),
		logger:   log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	go n.cleanup()
	return n
}

func (n *HTTPNotifier) Send(ctx context.Context, tenantID string, ch Channel, template, recipient string, vars map[string]string) error {
	if !n.allow(recipient) {
		return Transient("notifier", fmt.Errorf("recipient %q rate limited", maskRecipient(recipient)))
	}

	return n.runner.Call(ctx, tenantID, "notifier", TimeoutDefault, func(ctx context.Context) error {
		payload, err := json.Marshal(map[string]interface{}{
			"channel":   string(ch),
			"template":  template,
			"recipient": recipient,
			"vars":      vars,
		})
		if err != nil {
			return Permanent("notifier.request", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/v1/send", bytes.NewReader(payload))
		if err != nil {
			return Permanent("notifier.request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+n.apiKey)

		resp, err := n.client.Do(req)
		if err != nil {
			return Transient("notifier.call", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return Transient("notifier.call", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return Permanent("notifier.call", fmt.Errorf("status %d", resp.StatusCode))
		default:
			return Transient("notifier.call", fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

// allow implements the sliding per-recipient window.
func (n *HTTPNotifier) allow(recipient string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	w, ok := n.windows[recipient]
	if !ok || now.Sub(w.start) > notifyWindow {
		n.windows[recipient] = &notifyWindowState{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > notifyPerWindow {
		n.logger.Printf("🚫 Rate limit: recipient=%s count=%d", maskRecipient(recipient), w.count)
		return false
	}
	return true
}

func (n *HTTPNotifier) cleanup() {
	ticker := time.NewTicker(notifyCleanupEvery)
	defer ticker.Stop()

	for range ticker.C {
		n.mu.Lock()
		now := time.Now()
		for key, w := range n.windows {
			if now.Sub(w.start) > 2*notifyWindow {
				delete(n.windows, key)
			}
		}
		n.mu.Unlock()
	}
}

// maskRecipient keeps logs free of raw contact details.
func maskRecipient(r string) string {
	if len(r) <= 4 {
		return "****"
	}
	return r[:2] + "****" + r[len(r)-2:]
}

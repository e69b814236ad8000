// Package dispatcher fans runtime outbox events out to subscriber endpoints.
// Deliveries are HMAC-signed, rate limited per subscription and acknowledged
// back to the runtime so restarts resume from the last delivered sequence.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"swapmesh/core/events"
)

// Subscription is one delivery target.
type Subscription struct {
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	URL            string `json:"url" yaml:"url"`
	Secret         string `json:"secret" yaml:"secret"`
	// EventPrefixes filters by event type prefix; empty delivers everything.
	EventPrefixes []string `json:"event_prefixes" yaml:"event_prefixes"`
	// RatePerMinute caps deliveries per rolling minute; zero uses the default.
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute"`
}

func (s Subscription) matches(eventType string) bool {
	if len(s.EventPrefixes) == 0 {
		return true
	}
	for _, prefix := range s.EventPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// Config wires a dispatcher.
type Config struct {
	RuntimeBaseURL string
	ConsumerID     string
	ActorID        string
	AuthScopes     string
	Subscriptions  []Subscription
	BatchLimit     int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Dispatcher pulls outbox entries from the runtime and delivers them.
type Dispatcher struct {
	baseURL       string
	consumerID    string
	actorID       string
	authScopes    string
	subscriptions []Subscription
	batchLimit    int
	client        *http.Client
	limiter       *DeliveryLimiter
	log           *slog.Logger
	nowFn         func() time.Time

	// after is the last sequence delivered to every matching subscription.
	after uint64
}

// New validates the config and builds a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.RuntimeBaseURL == "" {
		return nil, fmt.Errorf("dispatcher: runtime base url is required")
	}
	if _, err := url.Parse(cfg.RuntimeBaseURL); err != nil {
		return nil, fmt.Errorf("dispatcher: invalid runtime base url: %w", err)
	}
	if cfg.ConsumerID == "" {
		return nil, fmt.Errorf("dispatcher: consumer id is required")
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("dispatcher: at least one subscription is required")
	}
	for i, sub := range cfg.Subscriptions {
		if sub.SubscriptionID == "" || sub.URL == "" {
			return nil, fmt.Errorf("dispatcher: subscription %d requires an id and url", i)
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	batch := cfg.BatchLimit
	if batch <= 0 {
		batch = 100
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		baseURL:       strings.TrimRight(cfg.RuntimeBaseURL, "/"),
		consumerID:    cfg.ConsumerID,
		actorID:       cfg.ActorID,
		authScopes:    cfg.AuthScopes,
		subscriptions: cfg.Subscriptions,
		batchLimit:    batch,
		client:        client,
		limiter:       NewDeliveryLimiter(),
		log:           log,
		nowFn:         time.Now,
	}, nil
}

// SetNowFunc overrides the time source, primarily used in tests.
func (d *Dispatcher) SetNowFunc(now func() time.Time) {
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

type outboxEntry struct {
	Sequence uint64          `json:"sequence"`
	Envelope events.Envelope `json:"envelope"`
}

type eventsPage struct {
	Events []outboxEntry `json:"events"`
}

// RunOnce pulls one batch and delivers it in sequence order. Delivery stops at
// the first entry that cannot be delivered to every matching subscription;
// that entry is retried on the next pass.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	page, err := d.fetch(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, entry := range page.Events {
		if err := d.deliver(ctx, entry); err != nil {
			d.log.Warn("delivery stopped",
				"sequence", entry.Sequence,
				"event_type", entry.Envelope.Type,
				"error", err)
			break
		}
		d.after = entry.Sequence
		delivered++
	}
	if delivered > 0 {
		if err := d.ack(ctx); err != nil {
			d.log.Warn("acknowledge checkpoint", "sequence", d.after, "error", err)
		}
	}
	return delivered, nil
}

// Start polls on the interval until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.RunOnce(ctx)
			if err != nil {
				d.log.Error("dispatch pass failed", "error", err)
				continue
			}
			if n > 0 {
				d.log.Info("dispatched events", "count", n, "sequence", d.after)
			}
		}
	}
}

func (d *Dispatcher) fetch(ctx context.Context) (*eventsPage, error) {
	u := fmt.Sprintf("%s/v1/events?after=%d&limit=%d", d.baseURL, d.after, d.batchLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	d.authHeaders(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read events page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch events: status %d: %s", resp.StatusCode, string(body))
	}
	var page eventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode events page: %w", err)
	}
	return &page, nil
}

// deliver posts the entry to every matching subscription. An entry counts as
// delivered only when every matching subscription accepted it.
func (d *Dispatcher) deliver(ctx context.Context, entry outboxEntry) error {
	now := d.nowFn()
	for _, sub := range d.subscriptions {
		if !sub.matches(entry.Envelope.Type) {
			continue
		}
		if !d.limiter.Allow(sub.SubscriptionID, sub.RatePerMinute, now) {
			return fmt.Errorf("subscription %s rate limited until %s",
				sub.SubscriptionID, d.limiter.ResetAt(sub.SubscriptionID, now).Format(time.RFC3339))
		}
		if err := d.post(ctx, sub, entry); err != nil {
			return fmt.Errorf("subscription %s: %w", sub.SubscriptionID, err)
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub Subscription, entry outboxEntry) error {
	body, err := json.Marshal(map[string]interface{}{
		"sequence": entry.Sequence,
		"event":    entry.Envelope,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", entry.Envelope.Type)
	req.Header.Set("X-Webhook-Sequence", strconv.FormatUint(entry.Sequence, 10))
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Signature(sub.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) ack(ctx context.Context) error {
	body, err := json.Marshal(map[string]interface{}{
		"consumer": d.consumerID,
		"sequence": d.after,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/events/ack", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authHeaders(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ack returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) authHeaders(req *http.Request) {
	req.Header.Set("X-Actor-Type", "service")
	req.Header.Set("X-Actor-Id", d.actorID)
	if d.authScopes != "" {
		req.Header.Set("X-Auth-Scopes", d.authScopes)
	}
}

// Signature computes the hex HMAC-SHA256 a subscriber should verify.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"swapmesh/core/events"
)

type fakeRuntime struct {
	mu      sync.Mutex
	entries []outboxEntry
	acked   uint64
}

func (f *fakeRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		f.mu.Lock()
		defer f.mu.Unlock()
		var page []outboxEntry
		for _, e := range f.entries {
			if e.Sequence > after {
				page = append(page, e)
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"events": page})
	})
	mux.HandleFunc("/v1/events/ack", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Consumer string `json:"consumer"`
			Sequence uint64 `json:"sequence"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.acked = req.Sequence
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	})
	return mux
}

func (f *fakeRuntime) ackedSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

type capture struct {
	mu         sync.Mutex
	bodies     [][]byte
	signatures []string
	types      []string
	status     int
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signatures = append(c.signatures, r.Header.Get("X-Webhook-Signature"))
		c.types = append(c.types, r.Header.Get("X-Webhook-Event"))
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func seedEntries(types ...string) []outboxEntry {
	out := make([]outboxEntry, 0, len(types))
	for i, typ := range types {
		out = append(out, outboxEntry{
			Sequence: uint64(i) + 1,
			Envelope: events.Envelope{
				EventID: "evt_" + strconv.Itoa(i+1),
				Type:    typ,
			},
		})
	}
	return out
}

func newDispatcher(t *testing.T, runtimeURL string, subs ...Subscription) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		RuntimeBaseURL: runtimeURL,
		ConsumerID:     "webhookd-test",
		ActorID:        "webhookd",
		AuthScopes:     "events:read",
		Subscriptions:  subs,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestRunOnceDeliversAndAcks(t *testing.T) {
	runtime := &fakeRuntime{entries: seedEntries("intent.created", "receipt.created")}
	runtimeSrv := httptest.NewServer(runtime.handler())
	defer runtimeSrv.Close()

	sink := &capture{}
	sinkSrv := httptest.NewServer(sink.handler())
	defer sinkSrv.Close()

	d := newDispatcher(t, runtimeSrv.URL, Subscription{
		SubscriptionID: "sub-all",
		URL:            sinkSrv.URL,
		Secret:         "s3cret",
	})

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 || sink.count() != 2 {
		t.Fatalf("expected 2 deliveries, got n=%d captured=%d", n, sink.count())
	}
	if runtime.ackedSequence() != 2 {
		t.Fatalf("expected ack at sequence 2, got %d", runtime.ackedSequence())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.types[0] != "intent.created" || sink.types[1] != "receipt.created" {
		t.Fatalf("unexpected delivery order: %v", sink.types)
	}
	for i, body := range sink.bodies {
		if sink.signatures[i] != Signature("s3cret", body) {
			t.Fatalf("delivery %d carries a bad signature", i)
		}
	}
}

func TestPrefixFilteringSkipsOtherEvents(t *testing.T) {
	runtime := &fakeRuntime{entries: seedEntries("intent.created", "receipt.created", "intent.cancelled")}
	runtimeSrv := httptest.NewServer(runtime.handler())
	defer runtimeSrv.Close()

	sink := &capture{}
	sinkSrv := httptest.NewServer(sink.handler())
	defer sinkSrv.Close()

	d := newDispatcher(t, runtimeSrv.URL, Subscription{
		SubscriptionID: "sub-intents",
		URL:            sinkSrv.URL,
		EventPrefixes:  []string{"intent."},
	})

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	// All three entries advance the checkpoint, only two are delivered.
	if n != 3 || sink.count() != 2 {
		t.Fatalf("expected 3 processed / 2 delivered, got n=%d captured=%d", n, sink.count())
	}
	if runtime.ackedSequence() != 3 {
		t.Fatalf("expected ack at sequence 3, got %d", runtime.ackedSequence())
	}
}

func TestFailedDeliveryStopsAndRetries(t *testing.T) {
	runtime := &fakeRuntime{entries: seedEntries("intent.created", "receipt.created")}
	runtimeSrv := httptest.NewServer(runtime.handler())
	defer runtimeSrv.Close()

	sink := &capture{status: http.StatusBadGateway}
	sinkSrv := httptest.NewServer(sink.handler())
	defer sinkSrv.Close()

	d := newDispatcher(t, runtimeSrv.URL, Subscription{
		SubscriptionID: "sub-flaky",
		URL:            sinkSrv.URL,
	})

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 || runtime.ackedSequence() != 0 {
		t.Fatalf("nothing should be acked on failure, got n=%d acked=%d", n, runtime.ackedSequence())
	}

	// Endpoint recovers; the same entries are retried from the start.
	sink.mu.Lock()
	sink.status = http.StatusOK
	sink.mu.Unlock()
	n, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if n != 2 || runtime.ackedSequence() != 2 {
		t.Fatalf("expected full redelivery, got n=%d acked=%d", n, runtime.ackedSequence())
	}
}

func TestRateLimitedSubscriptionDefersDelivery(t *testing.T) {
	runtime := &fakeRuntime{entries: seedEntries("intent.created", "intent.updated")}
	runtimeSrv := httptest.NewServer(runtime.handler())
	defer runtimeSrv.Close()

	sink := &capture{}
	sinkSrv := httptest.NewServer(sink.handler())
	defer sinkSrv.Close()

	d := newDispatcher(t, runtimeSrv.URL, Subscription{
		SubscriptionID: "sub-slow",
		URL:            sinkSrv.URL,
		RatePerMinute:  1,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.SetNowFunc(func() time.Time { return now })

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 || sink.count() != 1 {
		t.Fatalf("expected one delivery before the limit, got n=%d", n)
	}

	// The window rolls over and the remaining entry drains.
	now = now.Add(2 * time.Minute)
	n, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 1 || sink.count() != 2 {
		t.Fatalf("expected deferred delivery after window reset, got n=%d captured=%d", n, sink.count())
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{ConsumerID: "c", Subscriptions: []Subscription{{SubscriptionID: "s", URL: "http://x"}}}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := New(Config{RuntimeBaseURL: "http://runtime", ConsumerID: "c"}); err == nil {
		t.Fatal("expected error for missing subscriptions")
	}
	if _, err := New(Config{RuntimeBaseURL: "http://runtime", ConsumerID: "c", Subscriptions: []Subscription{{URL: "http://x"}}}); err == nil {
		t.Fatal("expected error for subscription without id")
	}
}

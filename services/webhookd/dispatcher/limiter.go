package dispatcher

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultDeliveryLimit is the fallback maximum number of deliveries per
	// subscription in a window.
	DefaultDeliveryLimit = 60

	defaultWindow     = time.Minute
	defaultEntryTTL   = 5 * time.Minute
	defaultSubscriber = 4096
)

// DeliveryLimiter bounds deliveries per subscription across rolling windows
// while keeping its tracking table bounded. Safe for concurrent use.
type DeliveryLimiter struct {
	mu      sync.Mutex
	windows map[string]deliveryWindow

	window time.Duration
	ttl    time.Duration
	cap    int
}

type deliveryWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// LimiterOption configures a DeliveryLimiter.
type LimiterOption func(*DeliveryLimiter)

// NewDeliveryLimiter constructs a limiter with sensible defaults.
func NewDeliveryLimiter(opts ...LimiterOption) *DeliveryLimiter {
	l := &DeliveryLimiter{
		windows: make(map[string]deliveryWindow),
		window:  defaultWindow,
		ttl:     defaultEntryTTL,
		cap:     defaultSubscriber,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.window <= 0 {
		l.window = defaultWindow
	}
	if l.ttl < 0 {
		l.ttl = 0
	}
	if l.cap < 0 {
		l.cap = 0
	}
	return l
}

// WithWindow overrides the rolling window duration.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *DeliveryLimiter) { l.window = d }
}

// WithEntryTTL overrides how long idle subscriptions stay tracked.
func WithEntryTTL(d time.Duration) LimiterOption {
	return func(l *DeliveryLimiter) { l.ttl = d }
}

// WithSubscriptionCap sets the maximum number of tracked subscriptions.
func WithSubscriptionCap(cap int) LimiterOption {
	return func(l *DeliveryLimiter) { l.cap = cap }
}

// Allow reports whether the subscription may receive another delivery within
// its limit. Limits at or below zero fall back to DefaultDeliveryLimit.
func (l *DeliveryLimiter) Allow(subscriptionID string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = DefaultDeliveryLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state := l.windows[subscriptionID]
	if state.windowStart.IsZero() {
		state.windowStart = now
	}
	if now.Sub(state.windowStart) >= l.window {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		state.lastSeen = now
		l.windows[subscriptionID] = state
		return false
	}
	state.count++
	state.lastSeen = now
	l.windows[subscriptionID] = state

	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}
	return true
}

// ResetAt returns when the subscription's current window resets.
func (l *DeliveryLimiter) ResetAt(subscriptionID string, now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state := l.windows[subscriptionID]
	if state.windowStart.IsZero() {
		state.windowStart = now
	}
	state.lastSeen = now
	l.windows[subscriptionID] = state
	return state.windowStart.Add(l.window)
}

// Len returns the number of tracked subscriptions. Primarily for testing.
func (l *DeliveryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *DeliveryLimiter) pruneLocked(now time.Time) {
	if l.ttl > 0 {
		for id, state := range l.windows {
			if now.Sub(state.lastSeen) > l.ttl {
				delete(l.windows, id)
			}
		}
	}
	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}
}

func (l *DeliveryLimiter) enforceCapLocked() {
	if l.cap <= 0 || len(l.windows) <= l.cap {
		return
	}
	type entry struct {
		id       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.windows))
	for id, state := range l.windows {
		entries = append(entries, entry{id: id, lastSeen: state.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(l.windows) - l.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(l.windows, entries[i].id)
	}
}

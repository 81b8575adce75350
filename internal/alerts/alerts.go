// Package alerts delivers risk notifications to external webhook endpoints.
//
// Wallet trackers register webhook URLs to be notified when a wallet's
// approvals are rescored or its cached views are purged. Deliveries are
// HMAC-signed so receivers can verify the payload.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alphawhale/guardian/internal/retry"
	"github.com/alphawhale/guardian/internal/risk"
)

// EventType represents the type of alert event
type EventType string

const (
	EventRiskUpdated  EventType = "risk.updated"
	EventRiskCritical EventType = "risk.critical"
	EventCachePurged  EventType = "cache.purged"
)

// Event represents an alert event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Wallet    string                 `json:"wallet,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents an alert subscription
type Subscription struct {
	ID          string        `json:"id"`
	Wallet      string        `json:"wallet"`
	URL         string        `json:"url"`
	Secret      string        `json:"-"` // Used for HMAC signing
	Events      []EventType   `json:"events"`
	MinSeverity risk.Severity `json:"minSeverity,omitempty"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// Store persists alert subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByWallet(ctx context.Context, wallet string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends alert events to subscribed endpoints
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a new alert dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to the wallet's subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByWallet(ctx, event.Wallet)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !d.wants(sub, event) {
			continue
		}
		// Send async to avoid blocking the scoring path
		go d.send(sub, event)
	}

	return nil
}

func (d *Dispatcher) wants(sub *Subscription, event *Event) bool {
	if !sub.Active {
		return false
	}
	subscribed := false
	for _, et := range sub.Events {
		if et == event.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if sub.MinSeverity != "" {
		sev, _ := event.Data["severity"].(string)
		if risk.Severity(sev).Rank() < sub.MinSeverity.Rank() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(sub, "failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = retry.Do(ctx, 3, time.Second, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateError(sub, err.Error())
		return
	}
	d.updateSuccess(sub)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guardian-Event", string(event.Type))
	req.Header.Set("X-Guardian-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Guardian-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an HMAC signature against a payload. Receivers
// use this to authenticate deliveries.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(payload, secret)), []byte(signature))
}

func (d *Dispatcher) updateSuccess(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(sub *Subscription, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store. Reads and writes
// copy the subscription so callers can mutate their copy freely.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByWallet(ctx context.Context, wallet string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Wallet, wallet) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

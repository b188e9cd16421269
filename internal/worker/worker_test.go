package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driplinehq/dripline/internal/channel"
	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/queue"
)

type fakeStore struct {
	mu sync.Mutex

	due      []queue.Item
	dueErr   error
	statuses map[string]queue.Status

	sent        []string
	failed      map[string]string // id -> last error
	skipped     map[string]string // id -> reason
	retries     map[string]int
	retryAt     map[string]time.Time
	cancelled   map[string]bool // parent id -> cancelled
	addresses   map[string]string
	addrErr     error // overrides the lookup result when set
	counterHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:  make(map[string]queue.Status),
		failed:    make(map[string]string),
		skipped:   make(map[string]string),
		retries:   make(map[string]int),
		retryAt:   make(map[string]time.Time),
		cancelled: make(map[string]bool),
		addresses: make(map[string]string),
	}
}

func (s *fakeStore) status(id string) queue.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok {
		return st
	}
	return queue.StatusPending
}

func (s *fakeStore) Due(_ context.Context, _ time.Time, _ int) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.dueErr
}

func (s *fakeStore) MarkSent(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok && st != queue.StatusPending {
		return false, nil
	}
	s.statuses[id] = queue.StatusSent
	s.sent = append(s.sent, id)
	return true, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok && st != queue.StatusPending {
		return false, nil
	}
	s.statuses[id] = queue.StatusFailed
	s.failed[id] = lastError
	return true, nil
}

func (s *fakeStore) MarkSkipped(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok && st != queue.StatusPending {
		return false, nil
	}
	s.statuses[id] = queue.StatusSkipped
	s.skipped[id] = reason
	return true, nil
}

func (s *fakeStore) MarkRetry(_ context.Context, id string, nextAt time.Time, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok && st != queue.StatusPending {
		return false, nil
	}
	s.retries[id]++
	s.retryAt[id] = nextAt
	return true, nil
}

func (s *fakeStore) ParentCancelled(_ context.Context, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[parentID], nil
}

func (s *fakeStore) RecipientAddress(_ context.Context, _, recipientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addrErr != nil {
		return "", s.addrErr
	}
	if addr, ok := s.addresses[recipientID]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("recipient %s: %w", recipientID, errs.ErrRecipientNotFound)
}

func (s *fakeStore) IncrementSentCounter(_ context.Context, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterHits++
	return nil
}

type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	results []error // one per call, last repeats
	calls   int
	itemIDs []string
}

func (a *fakeAdapter) Name() string {
	if a.name == "" {
		return channel.Chat
	}
	return a.name
}

func (a *fakeAdapter) Send(_ context.Context, msg channel.Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.itemIDs = append(a.itemIDs, msg.ItemID)
	if len(a.results) == 0 {
		return "prov-1", nil
	}
	idx := a.calls - 1
	if idx >= len(a.results) {
		idx = len(a.results) - 1
	}
	if err := a.results[idx]; err != nil {
		return "", err
	}
	return "prov-1", nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeResolver struct {
	adapter channel.Adapter
	err     error
}

func (r *fakeResolver) Resolve(_ context.Context, _ string) (channel.Adapter, error) {
	return r.adapter, r.err
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Minute,
		BatchSize:      10,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
		RetryCooldown:  5 * time.Minute,
		SendTimeout:    time.Second,
		SendsPerSecond: 1000,
	}
}

func newTestWorker(store *fakeStore, resolver AdapterResolver) *Worker {
	w := New(store, resolver, testConfig(), logging.New("test"))
	w.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return w
}

func pendingItem(id string) queue.Item {
	return queue.Item{
		ID:          id,
		TenantID:    "t1",
		RecipientID: "r1",
		Channel:     channel.Chat,
		Kind:        "followup",
		Payload:     "hello",
		Status:      queue.StatusPending,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
}

func TestDeliverSuccess(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "+55 11 91234-5678"
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	outcome := w.Deliver(context.Background(), pendingItem("i1"))
	if outcome != OutcomeSent {
		t.Fatalf("Deliver() = %v, want sent", outcome)
	}
	if store.status("i1") != queue.StatusSent {
		t.Errorf("item status = %v, want sent", store.status("i1"))
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
	if len(adapter.itemIDs) != 1 || adapter.itemIDs[0] != "i1" {
		t.Errorf("adapter saw item ids %v, want [i1]", adapter.itemIDs)
	}
	if store.counterHits != 1 {
		t.Errorf("sent counter updated %d times, want 1", store.counterHits)
	}
}

func TestDeliverNonPendingIsNoop(t *testing.T) {
	store := newFakeStore()
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	item := pendingItem("i1")
	item.Status = queue.StatusSent

	if got := w.Deliver(context.Background(), item); got != OutcomeNoop {
		t.Fatalf("Deliver() = %v, want noop", got)
	}
	if adapter.callCount() != 0 {
		t.Errorf("adapter called %d times for non-pending item, want 0", adapter.callCount())
	}
}

func TestDeliverParentCancelledSkips(t *testing.T) {
	store := newFakeStore()
	store.cancelled["c9"] = true
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	item := pendingItem("i1")
	item.ParentID = "c9"

	if got := w.Deliver(context.Background(), item); got != OutcomeSkipped {
		t.Fatalf("Deliver() = %v, want skipped", got)
	}
	if store.skipped["i1"] != "parent_cancelled" {
		t.Errorf("skip reason = %q, want parent_cancelled", store.skipped["i1"])
	}
	if adapter.callCount() != 0 {
		t.Errorf("adapter called %d times for cancelled parent, want 0", adapter.callCount())
	}
}

func TestDeliverInvalidAddressFails(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "not-a-number"
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if store.failed["i1"] != "invalid_address" {
		t.Errorf("last error = %q, want invalid_address", store.failed["i1"])
	}
	if adapter.callCount() != 0 {
		t.Errorf("adapter called %d times for invalid address, want 0", adapter.callCount())
	}
}

func TestDeliverRecipientGoneFails(t *testing.T) {
	store := newFakeStore()
	// No address row for r1: the recipient was deleted after scheduling.
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if store.failed["i1"] != "recipient_not_found" {
		t.Errorf("last error = %q, want recipient_not_found", store.failed["i1"])
	}
	if adapter.callCount() != 0 {
		t.Errorf("adapter called %d times for missing recipient, want 0", adapter.callCount())
	}
}

func TestDeliverAddressLookupTroubleLeavesItem(t *testing.T) {
	store := newFakeStore()
	store.addrErr = errors.New("connection reset")
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeNoop {
		t.Fatalf("Deliver() = %v, want noop", got)
	}
	if store.status("i1") != queue.StatusPending {
		t.Errorf("item status = %v, want still pending", store.status("i1"))
	}
	if adapter.callCount() != 0 {
		t.Errorf("adapter called %d times during lookup trouble, want 0", adapter.callCount())
	}
}

func TestDeliverNoChannelConfiguredFails(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	w := newTestWorker(store, &fakeResolver{err: &errs.NoChannelError{TenantID: "t1"}})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if store.failed["i1"] != "no_channel_configured" {
		t.Errorf("last error = %q, want no_channel_configured", store.failed["i1"])
	}
}

func TestDeliverTenantNotFoundFails(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	w := newTestWorker(store, &fakeResolver{err: errs.ErrTenantNotFound})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if store.failed["i1"] != "tenant_not_found" {
		t.Errorf("last error = %q, want tenant_not_found", store.failed["i1"])
	}
}

func TestDeliverInfraTroubleLeavesItem(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	w := newTestWorker(store, &fakeResolver{err: errs.ErrInfraUnavailable})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeNoop {
		t.Fatalf("Deliver() = %v, want noop", got)
	}
	if store.status("i1") != queue.StatusPending {
		t.Errorf("item status = %v, want still pending", store.status("i1"))
	}
}

func TestDeliverTerminalFailureNoRetry(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	adapter := &fakeAdapter{results: []error{
		&channel.Error{Class: channel.Terminal, Reason: "unknown_recipient"},
	}}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times for terminal failure, want 1", adapter.callCount())
	}
}

func TestDeliverRetryBudgetExactlyMaxRetries(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	adapter := &fakeAdapter{results: []error{
		&channel.Error{Class: channel.Retryable, Reason: "http_5xx"},
	}}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	// MaxRetries bounds total attempts, not extra attempts.
	if adapter.callCount() != 3 {
		t.Errorf("adapter called %d times, want exactly 3", adapter.callCount())
	}
	if store.retries["i1"] != 3 {
		t.Errorf("retry count = %d, want 3", store.retries["i1"])
	}
}

func TestDeliverRecoversMidRetry(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	adapter := &fakeAdapter{results: []error{
		&channel.Error{Class: channel.Retryable, Reason: "timeout"},
		nil,
	}}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeSent {
		t.Fatalf("Deliver() = %v, want sent", got)
	}
	if adapter.callCount() != 2 {
		t.Errorf("adapter called %d times, want 2", adapter.callCount())
	}
}

func TestDeliverRateLimitedCoolsDown(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	adapter := &fakeAdapter{results: []error{
		&channel.Error{Class: channel.RateLimited, Reason: "http_429"},
	}}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	if got := w.Deliver(context.Background(), pendingItem("i1")); got != OutcomeRetried {
		t.Fatalf("Deliver() = %v, want retried", got)
	}
	// Rate limits never spin in-pass: one call, item pushed to a later pass.
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
	wantAt := base.Add(testConfig().RetryCooldown)
	if !store.retryAt["i1"].Equal(wantAt) {
		t.Errorf("rescheduled at %v, want %v", store.retryAt["i1"], wantAt)
	}
}

func TestDeliverRateLimitedExhaustsBudget(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	adapter := &fakeAdapter{results: []error{
		&channel.Error{Class: channel.RateLimited, Reason: "http_429"},
	}}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	// The item already burned two retries in earlier passes.
	item := pendingItem("i1")
	item.RetryCount = 2

	if got := w.Deliver(context.Background(), item); got != OutcomeFailed {
		t.Fatalf("Deliver() = %v, want failed", got)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
}

func TestRunPass(t *testing.T) {
	store := newFakeStore()
	store.addresses["r1"] = "5511912345678"
	store.due = []queue.Item{pendingItem("i1"), pendingItem("i2")}
	adapter := &fakeAdapter{}
	w := newTestWorker(store, &fakeResolver{adapter: adapter})

	stats := w.RunPass(context.Background())
	if stats.Found != 2 {
		t.Errorf("Found = %d, want 2", stats.Found)
	}
	if stats.Sent != 2 {
		t.Errorf("Sent = %d, want 2", stats.Sent)
	}
}

func TestRunPassQueryFailure(t *testing.T) {
	store := newFakeStore()
	store.dueErr = errors.New("db down")
	w := newTestWorker(store, &fakeResolver{adapter: &fakeAdapter{}})

	stats := w.RunPass(context.Background())
	if stats.Found != 0 {
		t.Errorf("Found = %d, want 0 when the due query fails", stats.Found)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		cap  time.Duration
		n    int
		want time.Duration
	}{
		{name: "first retry", base: time.Second, cap: 10 * time.Second, n: 1, want: time.Second},
		{name: "second retry", base: time.Second, cap: 10 * time.Second, n: 2, want: 2 * time.Second},
		{name: "third retry", base: time.Second, cap: 10 * time.Second, n: 3, want: 4 * time.Second},
		{name: "capped", base: time.Second, cap: 10 * time.Second, n: 6, want: 10 * time.Second},
		{name: "zero clamps to first", base: time.Second, cap: 10 * time.Second, n: 0, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoff(tt.base, tt.cap, tt.n); got != tt.want {
				t.Errorf("backoff(%v, %v, %d) = %v, want %v", tt.base, tt.cap, tt.n, got, tt.want)
			}
		})
	}
}

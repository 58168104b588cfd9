package deadletter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

func newLocalStore(t *testing.T) *statestore.Client {
	t.Helper()
	return statestore.New(nil, "", t.TempDir(), nil)
}

func seedRecord(t *testing.T, store *statestore.Client, webhookURL string, ts time.Time) sentinel.DeadLetterRecord {
	t.Helper()
	event := sentinel.Event{SchemaVersion: 1, Kind: sentinel.EventChangeDetected, URL: "https://example.com/page", Timestamp: ts}
	preview, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	record := sentinel.DeadLetterRecord{
		ID:             uuid.NewString(),
		WebhookURL:     webhookURL,
		TargetURL:      "https://example.com/page",
		StateKey:       "statekey",
		ErrorDetail:    "delivery failed",
		PayloadPreview: preview,
		Timestamp:      ts,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	key := ts.Format(time.RFC3339Nano) + "-" + record.ID
	if err := store.Put(context.Background(), statestore.StoreDeadLetter, key, raw); err != nil {
		t.Fatalf("seed dead-letter record: %v", err)
	}
	return record
}

func TestListReturnsNewestFirst(t *testing.T) {
	store := newLocalStore(t)
	older := seedRecord(t, store, "https://hooks.example.com/a", time.Unix(1000, 0))
	newer := seedRecord(t, store, "https://hooks.example.com/b", time.Unix(2000, 0))

	records, err := List(context.Background(), store, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != newer.ID || records[1].ID != older.ID {
		t.Fatalf("expected newest-first ordering")
	}
}

func TestReplayDeliversToStoredURL(t *testing.T) {
	var received bool
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	store := newLocalStore(t)
	seedRecord(t, store, hook.URL, time.Unix(3000, 0))

	summary, err := Replay(context.Background(), store, ReplayOptions{
		Limit:               10,
		MaxConcurrency:      2,
		UseStoredWebhookURL: true,
		Policy:              sentinel.RunPolicy{AllowLocalhost: true, WebhookTimeout: 2 * time.Second, WebhookDeliveryMode: sentinel.DeliveryAll},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", summary.Delivered)
	}
	if !received {
		t.Fatalf("expected webhook endpoint to receive the replay")
	}
}

func TestReplayDryRunSkipsDelivery(t *testing.T) {
	var received bool
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	store := newLocalStore(t)
	seedRecord(t, store, hook.URL, time.Unix(4000, 0))

	summary, err := Replay(context.Background(), store, ReplayOptions{
		Limit:               10,
		DryRun:              true,
		UseStoredWebhookURL: true,
		Policy:              sentinel.RunPolicy{AllowLocalhost: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", summary.Skipped)
	}
	if received {
		t.Fatalf("expected no delivery in dry-run mode")
	}
}

func TestReplayUsesCurrentConfiguredURLWhenNotUsingStored(t *testing.T) {
	var received bool
	current := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer current.Close()

	store := newLocalStore(t)
	seedRecord(t, store, "https://stale.example.com/old-hook", time.Unix(5000, 0))

	summary, err := Replay(context.Background(), store, ReplayOptions{
		Limit:               10,
		UseStoredWebhookURL: false,
		Policy:              sentinel.RunPolicy{AllowLocalhost: true, WebhookURLs: []string{current.URL}, WebhookDeliveryMode: sentinel.DeliveryAll},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Delivered != 1 || !received {
		t.Fatalf("expected delivery to the current configured webhook url")
	}
}

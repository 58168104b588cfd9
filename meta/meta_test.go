package meta

import (
	"context"
	"testing"
	"time"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

func newLocalStore(t *testing.T) *statestore.Client {
	t.Helper()
	return statestore.New(nil, "", t.TempDir(), nil)
}

func TestLoadReturnsZeroValueWhenAbsent(t *testing.T) {
	store := newLocalStore(t)
	m, err := Load(context.Background(), store, "some-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.StateKey != "some-key" || m.WebhookFailureCount != 0 {
		t.Fatalf("expected zero-value meta, got %+v", m)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	m := sentinel.TargetMeta{StateKey: "k1", WebhookFailureCount: 2, LastOutcome: sentinel.EventChangeDetected}
	if err := Save(ctx, store, m); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := Load(ctx, store, "k1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.WebhookFailureCount != 2 || got.LastOutcome != sentinel.EventChangeDetected {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestCircuitOpenRespectsExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	m := sentinel.TargetMeta{CircuitOpenUntil: &future}
	if !CircuitOpen(m, now) {
		t.Fatalf("expected circuit open before expiry")
	}
	if CircuitOpen(m, future.Add(time.Second)) {
		t.Fatalf("expected circuit closed after expiry")
	}
}

func TestCircuitOpenWithNoOpenUntilIsClosed(t *testing.T) {
	m := sentinel.TargetMeta{}
	if CircuitOpen(m, time.Now()) {
		t.Fatalf("expected closed circuit when CircuitOpenUntil is nil")
	}
}

func TestRecordDeliveryFailureTripsAtThreshold(t *testing.T) {
	policy := sentinel.RunPolicy{
		WebhookCircuitBreakerEnabled:   true,
		WebhookCircuitFailureThreshold: 3,
		WebhookCircuitCooldown:         time.Minute,
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := sentinel.TargetMeta{}

	if RecordDeliveryFailure(&m, policy, now) {
		t.Fatalf("should not trip on first failure")
	}
	if RecordDeliveryFailure(&m, policy, now) {
		t.Fatalf("should not trip on second failure")
	}
	if !RecordDeliveryFailure(&m, policy, now) {
		t.Fatalf("expected breaker to trip on third failure")
	}
	if m.CircuitOpenUntil == nil || !m.CircuitOpenUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected circuit open until now+cooldown, got %v", m.CircuitOpenUntil)
	}
}

func TestRecordDeliveryFailureNoopWhenBreakerDisabled(t *testing.T) {
	policy := sentinel.RunPolicy{WebhookCircuitBreakerEnabled: false, WebhookCircuitFailureThreshold: 1}
	m := sentinel.TargetMeta{}
	if RecordDeliveryFailure(&m, policy, time.Now()) {
		t.Fatalf("expected no trip when breaker disabled")
	}
	if m.WebhookFailureCount != 0 {
		t.Fatalf("expected failure count untouched when breaker disabled")
	}
}

func TestRecordDeliverySuccessResetsBreaker(t *testing.T) {
	future := time.Now().Add(time.Minute)
	m := sentinel.TargetMeta{WebhookFailureCount: 5, CircuitOpenUntil: &future}
	RecordDeliverySuccess(&m)
	if m.WebhookFailureCount != 0 || m.CircuitOpenUntil != nil {
		t.Fatalf("expected reset breaker state, got %+v", m)
	}
}

func TestShouldDebounce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Second)

	if ShouldDebounce("", nil, "sig", time.Minute, now) {
		t.Fatalf("expected no debounce without prior notification")
	}
	if !ShouldDebounce("sig", &last, "sig", time.Minute, now) {
		t.Fatalf("expected debounce within window with matching signature")
	}
	if ShouldDebounce("sig-old", &last, "sig-new", time.Minute, now) {
		t.Fatalf("expected no debounce when signature changed")
	}
	if ShouldDebounce("sig", &last, "sig", 10*time.Second, now) {
		t.Fatalf("expected no debounce when window elapsed")
	}
}

// Package meta implements the Target Meta / Circuit Breaker: the
// per-state-key operational record (last outcome, webhook failure streak,
// debounce markers) and the cooldown that suppresses webhook I/O after
// repeated delivery failures.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

func metaKey(stateKey string) string {
	return "meta-" + stateKey
}

// Load fetches the TargetMeta for stateKey, returning a zero-value record
// (not an error) when none has been persisted yet.
func Load(ctx context.Context, store *statestore.Client, stateKey string) (sentinel.TargetMeta, error) {
	raw, err := store.Get(ctx, statestore.StoreState, metaKey(stateKey))
	if err == statestore.ErrNotFound {
		return sentinel.TargetMeta{StateKey: stateKey}, nil
	}
	if err != nil {
		return sentinel.TargetMeta{}, fmt.Errorf("meta: load %s: %w", stateKey, err)
	}
	var m sentinel.TargetMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return sentinel.TargetMeta{}, fmt.Errorf("meta: decode %s: %w", stateKey, err)
	}
	return m, nil
}

// Save persists m under its state key.
func Save(ctx context.Context, store *statestore.Client, m sentinel.TargetMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("meta: encode %s: %w", m.StateKey, err)
	}
	if err := store.Put(ctx, statestore.StoreState, metaKey(m.StateKey), raw); err != nil {
		return fmt.Errorf("meta: save %s: %w", m.StateKey, err)
	}
	return nil
}

// CircuitOpen reports whether the breaker recorded in m is currently open,
// per §4.9's "no webhook HTTP request is issued for that target until time
// >= circuit_open_until" invariant.
func CircuitOpen(m sentinel.TargetMeta, now time.Time) bool {
	return m.CircuitOpenUntil != nil && now.Before(*m.CircuitOpenUntil)
}

// RecordDeliverySuccess resets the consecutive-failure counter and closes
// the circuit, mirroring JakeFAU's thresholdDomainBlocker semantics
// generalized with an explicit reset path (the crawler's blocker is
// monotonic; a webhook target must be able to recover after a cooldown).
func RecordDeliverySuccess(m *sentinel.TargetMeta) {
	m.WebhookFailureCount = 0
	m.CircuitOpenUntil = nil
}

// RecordDeliveryFailure increments the consecutive-failure counter and, once
// it reaches threshold, opens the circuit until now+cooldown. Returns true
// if this call tripped the breaker.
func RecordDeliveryFailure(m *sentinel.TargetMeta, policy sentinel.RunPolicy, now time.Time) bool {
	if !policy.WebhookCircuitBreakerEnabled {
		return false
	}
	m.WebhookFailureCount++
	if m.WebhookFailureCount >= policy.WebhookCircuitFailureThreshold {
		openUntil := now.Add(policy.WebhookCircuitCooldown)
		m.CircuitOpenUntil = &openUntil
		return true
	}
	return false
}

// ShouldDebounce reports whether a heartbeat/failure notification for the
// given signature was already sent within the debounce window ending at
// lastNotifiedAt, given the same signature as before.
func ShouldDebounce(lastSignature string, lastNotifiedAt *time.Time, signature string, debounce time.Duration, now time.Time) bool {
	if lastNotifiedAt == nil || lastSignature != signature {
		return false
	}
	return now.Sub(*lastNotifiedAt) < debounce
}

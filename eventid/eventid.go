// Package eventid computes the deterministic identifier attached to every
// emitted Event. Two schema versions exist: v1 identifies a state
// transition (idempotent across retries), v2 identifies a specific run's
// non-transition outcome (so heartbeats are not collapsed across runs).
package eventid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"sentinel/pkg/sentinel"
)

// transitionPayload is marshaled with a fixed field order; Go's
// encoding/json preserves struct field declaration order for objects, so
// this alone is sufficient for byte-identical output given identical
// inputs — no generic canonicalization is needed for a closed struct shape.
type transitionPayload struct {
	V             int     `json:"v"`
	Event         string  `json:"event"`
	URL           string  `json:"url"`
	Selector      *string `json:"selector"`
	PreviousHash  *string `json:"previousHash"`
	CurrentHash   string  `json:"currentHash"`
}

type runScopedPayload struct {
	V           int     `json:"v"`
	Event       string  `json:"event"`
	RunID       string  `json:"runId"`
	URL         string  `json:"url"`
	Selector    *string `json:"selector"`
	CurrentHash *string `json:"currentHash"`
	Signature   *string `json:"signature"`
}

// Transition computes the v1 event ID for BASELINE_STORED / CHANGE_DETECTED.
func Transition(event sentinel.EventKind, url string, selector, previousHash *string, currentHash string) string {
	return hash(transitionPayload{
		V:            1,
		Event:        string(event),
		URL:          url,
		Selector:     selector,
		PreviousHash: previousHash,
		CurrentHash:  currentHash,
	})
}

// RunScoped computes the v2 event ID for NO_CHANGE / FETCH_FAILED.
func RunScoped(event sentinel.EventKind, runID, url string, selector, currentHash, signature *string) string {
	return hash(runScopedPayload{
		V:           2,
		Event:       string(event),
		RunID:       runID,
		URL:         url,
		Selector:    selector,
		CurrentHash: currentHash,
		Signature:   signature,
	})
}

func hash(v any) string {
	// Marshal cannot fail for these closed, JSON-safe struct shapes.
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

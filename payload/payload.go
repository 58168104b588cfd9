// Package payload implements the Payload Limiter: shrinking an Event so its
// JSON encoding fits a byte budget, by truncating the text diff when
// nothing else in the event can be trimmed.
package payload

import (
	"encoding/json"
	"fmt"

	"sentinel/pkg/sentinel"
)

// Fit returns a copy of event whose JSON encoding is at most maxBytes. If
// event already fits, it is returned unchanged (PayloadTruncated left as-is).
func Fit(event sentinel.Event, maxBytes int) (sentinel.Event, error) {
	if fits(event, maxBytes) {
		return event, nil
	}

	if event.Changes == nil || event.Changes.Text == nil {
		return sentinel.Event{}, fmt.Errorf("payload: no truncatable field and event exceeds %d bytes", maxBytes)
	}

	oldRunes := []rune(event.Changes.Text.Old)
	newRunes := []rune(event.Changes.Text.New)
	total := len(oldRunes) + len(newRunes)

	zero := truncate(event, oldRunes, newRunes, 0)
	if !fits(zero, maxBytes) {
		return sentinel.Event{}, fmt.Errorf("payload: even a fully-truncated diff exceeds %d bytes", maxBytes)
	}

	lo, hi := 0, total
	best := zero
	for lo <= hi {
		mid := (lo + hi) / 2
		candidate := truncate(event, oldRunes, newRunes, mid)
		if fits(candidate, maxBytes) {
			best = candidate
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, nil
}

// truncate rebuilds event's text change using a total character budget T,
// allocated proportionally between old and new by their original lengths,
// with carry-over to the other side once one side saturates.
func truncate(event sentinel.Event, oldRunes, newRunes []rune, budget int) sentinel.Event {
	oldLen, newLen := len(oldRunes), len(newRunes)
	total := oldLen + newLen

	var oldBudget, newBudget int
	if total == 0 {
		oldBudget, newBudget = 0, 0
	} else {
		oldBudget = budget * oldLen / total
		newBudget = budget - oldBudget
	}
	if oldBudget > oldLen {
		carry := oldBudget - oldLen
		oldBudget = oldLen
		newBudget += carry
	}
	if newBudget > newLen {
		carry := newBudget - newLen
		newBudget = newLen
		oldBudget += carry
	}
	if oldBudget > oldLen {
		oldBudget = oldLen
	}
	if newBudget > newLen {
		newBudget = newLen
	}

	out := event
	changes := *event.Changes
	text := *event.Changes.Text
	text.Old = string(oldRunes[:oldBudget])
	text.New = string(newRunes[:newBudget])
	changes.Text = &text
	out.Changes = &changes
	out.PayloadTruncated = oldBudget < oldLen || newBudget < newLen
	return out
}

func fits(event sentinel.Event, maxBytes int) bool {
	b, err := json.Marshal(event)
	if err != nil {
		return false
	}
	return len(b) <= maxBytes
}

// Package deadletter implements Dead-Letter & Replay: paging the last K
// failed-delivery records and re-delivering them under the same webhook
// policy through a bounded worker pool, grounded on the same
// statestore.Client.List pagination used by the pack's iterator-based
// listing and the dispatcher/worker fan-out shape used by orchestrator.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
	"sentinel/webhook"
)

// ReplayOptions controls one replay pass.
type ReplayOptions struct {
	Limit               int
	MaxConcurrency      int
	DryRun              bool
	UseStoredWebhookURL bool
	Policy              sentinel.RunPolicy
}

// ReplayOutcome is one dead-letter record's replay result.
type ReplayOutcome struct {
	Record    sentinel.DeadLetterRecord
	Delivered bool
	Skipped   bool
	Err       error
}

// ReplaySummary aggregates every ReplayOutcome of one replay pass.
type ReplaySummary struct {
	Attempted int
	Delivered int
	Failed    int
	Skipped   int
	Outcomes  []ReplayOutcome
}

// List returns the K newest dead-letter records, newest first.
func List(ctx context.Context, store *statestore.Client, limit int) ([]sentinel.DeadLetterRecord, error) {
	entries, err := store.List(ctx, statestore.StoreDeadLetter, statestore.ListOptions{Limit: limit, Desc: true})
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	records := make([]sentinel.DeadLetterRecord, 0, len(entries))
	for _, e := range entries {
		var rec sentinel.DeadLetterRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Replay reads the last opts.Limit dead-letter records and re-delivers each
// through opts.MaxConcurrency workers. A record with a malformed payload
// preview is skipped rather than failed, since it was never a valid event
// to begin with.
func Replay(ctx context.Context, store *statestore.Client, opts ReplayOptions) (ReplaySummary, error) {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}

	records, err := List(ctx, store, opts.Limit)
	if err != nil {
		return ReplaySummary{}, err
	}

	outcomes := make([]ReplayOutcome, len(records))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < opts.MaxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = replayOne(ctx, records[i], opts)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range records {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()

	return summarizeReplay(outcomes), nil
}

func replayOne(ctx context.Context, record sentinel.DeadLetterRecord, opts ReplayOptions) ReplayOutcome {
	var event sentinel.Event
	if err := json.Unmarshal(record.PayloadPreview, &event); err != nil {
		return ReplayOutcome{Record: record, Skipped: true, Err: fmt.Errorf("deadletter: malformed payload preview: %w", err)}
	}

	if opts.DryRun {
		return ReplayOutcome{Record: record, Skipped: true}
	}

	policy := opts.Policy
	if opts.UseStoredWebhookURL {
		policy.WebhookURLs = []string{record.WebhookURL}
	}
	if len(policy.WebhookURLs) == 0 {
		return ReplayOutcome{Record: record, Err: fmt.Errorf("deadletter: no webhook url to replay to")}
	}

	report, err := webhook.Deliver(ctx, event, policy)
	if err != nil {
		return ReplayOutcome{Record: record, Err: err}
	}
	if !report.Success {
		return ReplayOutcome{Record: record, Err: fmt.Errorf("deadletter: replay delivery failed for %s", record.TargetURL)}
	}
	return ReplayOutcome{Record: record, Delivered: true}
}

func summarizeReplay(outcomes []ReplayOutcome) ReplaySummary {
	summary := ReplaySummary{Attempted: len(outcomes), Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			summary.Skipped++
		case o.Err != nil:
			summary.Failed++
		case o.Delivered:
			summary.Delivered++
		}
	}
	return summary
}

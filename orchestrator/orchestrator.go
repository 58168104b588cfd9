// Package orchestrator fans a target list out across a bounded worker pool,
// running each target through the pipeline and rolling up a RUN_SUMMARY
// event, mirroring the dispatcher/worker split used by the crawler pack
// example but adapted from a persistent queue-consumer loop to a
// fixed-size fan-out over one run's target slice.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"sentinel/metrics"
	"sentinel/pipeline"
	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

// Outcome is one target's terminal result from a single tick.
type Outcome struct {
	Target sentinel.Target
	Result pipeline.Result
	Err    error
}

// Summary aggregates every Outcome of one tick into the RUN_SUMMARY event.
type Summary struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	TargetCount     int
	CountsByOutcome map[sentinel.EventKind]int
	FetchBytes      int64
	FetchAttempts   int
	FetchDuration   time.Duration
	FailingTargets  []string
	Outcomes        []Outcome
}

// Options configures one orchestrator run.
type Options struct {
	MaxConcurrency int
	ScheduleJitter time.Duration
	RedactLogs     bool
	Logger         *slog.Logger
}

// Run fans targets out across a worker pool of size opts.MaxConcurrency,
// running each one through pipeline.Run, and returns the aggregated
// RUN_SUMMARY. Ordering across targets is not guaranteed; each pipeline
// run is fully sequential internally.
func Run(ctx context.Context, runID string, targets []sentinel.Target, store *statestore.Client, opts Options) Summary {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}

	if opts.ScheduleJitter > 0 {
		delay := time.Duration(rand.Int63n(int64(opts.ScheduleJitter) + 1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	started := time.Now()
	outcomes := runWorkerPool(ctx, targets, store, opts)

	return summarize(runID, started, targets, outcomes, opts)
}

// runWorkerPool dispatches targets to opts.MaxConcurrency workers over an
// unbuffered channel and collects results in submission order via an
// index-addressed slice, the same wg.Add/go/wg.Wait shape as
// dispatcher.Dispatcher.Run generalized from persistent queue workers to a
// one-shot fixed work list.
func runWorkerPool(ctx context.Context, targets []sentinel.Target, store *statestore.Client, opts Options) []Outcome {
	outcomes := make([]Outcome, len(targets))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < opts.MaxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				target := targets[i]
				result, err := pipeline.Run(ctx, target, store)
				if err != nil {
					opts.Logger.Error("pipeline run failed", "url", redactedURL(target.URL, opts.RedactLogs), "error", err)
				}
				outcomes[i] = Outcome{Target: target, Result: result, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range targets {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return outcomes
}

func summarize(runID string, started time.Time, targets []sentinel.Target, outcomes []Outcome, opts Options) Summary {
	summary := Summary{
		RunID:           runID,
		StartedAt:       started,
		FinishedAt:      time.Now(),
		TargetCount:     len(targets),
		CountsByOutcome: make(map[sentinel.EventKind]int),
		Outcomes:        outcomes,
	}

	metrics.ObserveRunTargets(len(outcomes))

	for _, o := range outcomes {
		if o.Err != nil {
			summary.FailingTargets = append(summary.FailingTargets, redactedURL(o.Target.URL, opts.RedactLogs))
			continue
		}
		summary.CountsByOutcome[o.Result.Event.Kind]++
		summary.FetchBytes += o.Result.Metrics.Bytes
		summary.FetchAttempts += o.Result.Metrics.Attempts
		summary.FetchDuration += o.Result.Metrics.Duration
		metrics.ObserveRunOutcome(string(o.Result.Event.Kind))
		switch o.Result.Event.Kind {
		case sentinel.EventFetchFailed, sentinel.EventWebhookFailed:
			summary.FailingTargets = append(summary.FailingTargets, redactedURL(o.Target.URL, opts.RedactLogs))
		case sentinel.EventWebhookCircuitOpen:
			metrics.ObserveCircuitOpen()
		}
	}

	return summary
}

func redactedURL(url string, redact bool) string {
	if !redact {
		return url
	}
	return "<redacted>"
}

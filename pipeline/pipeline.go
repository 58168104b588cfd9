// Package pipeline implements the Target Pipeline: the per-target state
// machine that composes Guards, Politeness, Fetcher, Normalizer, Diff,
// Event ID, Payload Limiter, and Webhook Deliverer into one run, exactly
// following the load-fetch-compare-decide-persist shape of the teacher's
// poll.Monitor.checkThread.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sentinel/diff"
	"sentinel/domainpolicy"
	"sentinel/eventid"
	"sentinel/fetch"
	"sentinel/meta"
	"sentinel/metrics"
	"sentinel/normalize"
	"sentinel/payload"
	"sentinel/pkg/sentinel"
	"sentinel/safety"
	"sentinel/statestore"
	"sentinel/webhook"
)

const rfc3339Nano = time.RFC3339Nano

func parseRFC3339Nano(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(rfc3339Nano, s)
}

// Result is the outcome of running one target through the pipeline once.
// Metrics is the zero value when the run never reached a fetch attempt
// (e.g. a guard rejection or an open circuit breaker).
type Result struct {
	Event    sentinel.Event
	StateKey string
	Metrics  sentinel.FetchMetrics
}

// Run executes the full nine-step target pipeline described in the spec's
// Target Pipeline component and returns the terminal Event.
func Run(ctx context.Context, target sentinel.Target, store *statestore.Client) (Result, error) {
	now := time.Now()

	stateKey := ComputeStateKey(target)
	legacyKey := ComputeLegacyStateKey(target)

	m, err := meta.Load(ctx, store, stateKey)
	if err != nil {
		return Result{}, err
	}

	baseline, migrated, err := loadBaselineWithMigration(ctx, store, stateKey, legacyKey)
	if err != nil {
		return Result{}, err
	}

	if err := checkGuards(ctx, target); err != nil {
		return finalizeFetchFailure(ctx, store, target, stateKey, &m, now, err)
	}

	if meta.CircuitOpen(m, now) {
		event := buildBaseEvent(target, sentinel.EventWebhookCircuitOpen, now)
		m.LastRunAt = now
		m.LastOutcome = event.Kind
		if err := meta.Save(ctx, store, m); err != nil {
			return Result{}, err
		}
		return Result{Event: event, StateKey: stateKey}, nil
	}

	if migrated {
		if err := logMigration(ctx, store, target, stateKey, now); err != nil {
			return Result{}, err
		}
	}

	fetchResult, fetchErr := fetch.Fetch(ctx, fetch.Request{Target: target, PreviousSnapshot: baseline})
	if fetchErr != nil {
		var fetchMetrics sentinel.FetchMetrics
		if fetchResult != nil {
			fetchMetrics = fetchResult.Metrics
		}
		metrics.ObserveFetch(string(renderingModeOf(target)), "failure", fetchMetrics.Bytes, fetchMetrics.Duration)
		res, err := finalizeFetchFailure(ctx, store, target, stateKey, &m, now, fetchErr)
		return attachMetrics(res, err, fetchMetrics)
	}
	metrics.ObserveFetch(string(renderingModeOf(target)), "success", fetchResult.Metrics.Bytes, fetchResult.Metrics.Duration)

	normResult, normErr := normalize.Normalize(fetchResult.Body, fetchResult.ContentType, target)
	if normErr != nil {
		res, err := finalizeFetchFailure(ctx, store, target, stateKey, &m, now, normErr)
		return attachMetrics(res, err, fetchResult.Metrics)
	}

	ok, emptyErr := normalize.CheckEmpty(normResult.Text, target)
	if emptyErr != nil {
		res, err := finalizeFetchFailure(ctx, store, target, stateKey, &m, now, emptyErr)
		return attachMetrics(res, err, fetchResult.Metrics)
	}
	if !ok {
		event := buildBaseEvent(target, sentinel.EventEmptySnapshotIgnored, now)
		m.LastRunAt = now
		m.LastOutcome = event.Kind
		if err := meta.Save(ctx, store, m); err != nil {
			return Result{}, err
		}
		return Result{Event: event, StateKey: stateKey, Metrics: fetchResult.Metrics}, nil
	}

	snapshot := sentinel.Snapshot{
		URL:         target.URL,
		FinalURL:    fetchResult.FinalURL,
		FetchedAt:   now,
		StatusCode:  fetchResult.StatusCode,
		Mode:        snapshotModeFor(target, fetchResult.ContentType),
		Text:        normResult.Text,
		HTML:        normResult.HTML,
		ContentHash: normalize.ContentHash(normResult.Text),
		Validators:  fetchResult.Validators,
		Metrics:     fetchResult.Metrics,
	}

	if baseline == nil {
		res, err := finalizeNewBaseline(ctx, store, target, stateKey, &m, now, snapshot)
		return attachMetrics(res, err, fetchResult.Metrics)
	}

	textChange := diff.TextChange(baseline.Text, snapshot.Text)
	if textChange == nil {
		res, err := finalizeNoChange(ctx, store, target, stateKey, &m, now, snapshot)
		return attachMetrics(res, err, fetchResult.Metrics)
	}

	ratio := diff.ApproxChangeRatio(baseline.Text, snapshot.Text)
	if ratio < target.MinChangeRatio {
		res, err := finalizeSuppressed(ctx, store, target, stateKey, &m, now, snapshot)
		return attachMetrics(res, err, fetchResult.Metrics)
	}

	res, err := finalizeChangeDetected(ctx, store, target, stateKey, &m, now, baseline, snapshot, textChange)
	return attachMetrics(res, err, fetchResult.Metrics)
}

// attachMetrics threads the fetch metrics captured before a terminal
// finalize* call into its Result so the Orchestrator can aggregate
// bytes/attempts/duration across a tick without the wire Event schema
// carrying per-run metrics.
func attachMetrics(res Result, err error, metrics sentinel.FetchMetrics) (Result, error) {
	if err == nil {
		res.Metrics = metrics
	}
	return res, err
}

// snapshotModeFor mirrors normalize.Normalize's own mode dispatch so a
// snapshot's recorded Mode always matches how its Text was actually derived.
func snapshotModeFor(target sentinel.Target, contentType string) sentinel.SnapshotMode {
	switch {
	case len(target.Fields) > 0:
		return sentinel.ModeFields
	case strings.Contains(contentType, "json"):
		return sentinel.ModeJSON
	default:
		return sentinel.ModeText
	}
}

func renderingModeOf(target sentinel.Target) sentinel.RenderingMode {
	if target.RenderingMode == "" {
		return sentinel.RenderingStatic
	}
	return target.RenderingMode
}

func checkGuards(ctx context.Context, target sentinel.Target) error {
	if err := safety.Check(ctx, target.URL, target.Policy.AllowLocalhost); err != nil {
		return err
	}
	tp := domainpolicy.TargetPolicy(target.Policy)
	if tp == nil {
		return nil
	}
	host, err := hostOf(target.URL)
	if err != nil {
		return err
	}
	return tp.Check(host)
}

func hostOf(rawURL string) (string, error) {
	u, err := parseURLHost(rawURL)
	if err != nil {
		return "", &sentinel.UrlSafetyError{URL: rawURL, Reason: "unparseable url"}
	}
	return u, nil
}

func buildBaseEvent(target sentinel.Target, kind sentinel.EventKind, now time.Time) sentinel.Event {
	var selector *string
	if target.Selector != "" {
		selector = &target.Selector
	}
	return sentinel.Event{
		SchemaVersion: 1,
		Kind:          kind,
		URL:           target.URL,
		Selector:      selector,
		Timestamp:     now,
	}
}

func loadBaselineWithMigration(ctx context.Context, store *statestore.Client, stateKey, legacyKey string) (*sentinel.Snapshot, bool, error) {
	current, err := loadSnapshot(ctx, store, stateKey)
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		return current, false, nil
	}
	legacy, err := loadSnapshot(ctx, store, legacyKey)
	if err != nil {
		return nil, false, err
	}
	if legacy != nil {
		return legacy, true, nil
	}
	return nil, false, nil
}

func logMigration(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, now time.Time) error {
	return appendHistory(ctx, store, stateKey, sentinel.HistoryEntry{
		Timestamp: now,
		Outcome:   sentinel.EventBaselineMigrated,
	})
}

func appendHistory(ctx context.Context, store *statestore.Client, stateKey string, entry sentinel.HistoryEntry) error {
	key := stateKey + "-" + entry.Timestamp.Format(rfc3339Nano)
	raw, err := marshalHistoryEntry(entry)
	if err != nil {
		return err
	}
	return store.Put(ctx, statestore.StoreHistory, key, raw)
}

func finalizeFetchFailure(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, m *sentinel.TargetMeta, now time.Time, cause error) (Result, error) {
	event := buildBaseEvent(target, sentinel.EventFetchFailed, now)
	event.EventID = eventid.RunScoped(event.Kind, uuid.NewString(), target.URL, selectorPtr(target), nil, nil)
	event.Error = toEventError(cause)

	signature := event.Error.Message
	if target.NotifyOnFetchFailure && !meta.ShouldDebounce(m.FetchFailureSignature, m.FetchFailureNotifiedAt, signature, target.FetchFailureDebounce, now) {
		if _, err := webhook.Deliver(ctx, event, target.Policy); err == nil {
			m.FetchFailureNotifiedAt = &now
		}
	}
	m.FetchFailureSignature = signature
	m.LastRunAt = now
	m.LastOutcome = event.Kind
	if err := meta.Save(ctx, store, *m); err != nil {
		return Result{}, err
	}
	return Result{Event: event, StateKey: stateKey}, nil
}

func finalizeNewBaseline(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, m *sentinel.TargetMeta, now time.Time, snapshot sentinel.Snapshot) (Result, error) {
	if err := storeSnapshot(ctx, store, stateKey, snapshot); err != nil {
		return Result{}, err
	}
	event := buildBaseEvent(target, sentinel.EventBaselineStored, now)
	event.Current = sentinel.Fingerprint{Hash: snapshot.ContentHash, FetchedAt: snapshot.FetchedAt}
	event.EventID = eventid.Transition(event.Kind, target.URL, selectorPtr(target), nil, snapshot.ContentHash)

	if target.BaselineMode == sentinel.BaselineNotify {
		_, _ = webhook.Deliver(ctx, event, target.Policy)
	}

	m.LastRunAt = now
	m.LastOutcome = event.Kind
	m.LastSnapshotFingerprint = &event.Current
	if err := meta.Save(ctx, store, *m); err != nil {
		return Result{}, err
	}
	_ = appendHistory(ctx, store, stateKey, sentinel.HistoryEntry{Timestamp: now, Outcome: event.Kind, ContentHash: snapshot.ContentHash, EventID: event.EventID})
	return Result{Event: event, StateKey: stateKey}, nil
}

func finalizeNoChange(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, m *sentinel.TargetMeta, now time.Time, snapshot sentinel.Snapshot) (Result, error) {
	if err := storeSnapshot(ctx, store, stateKey, snapshot); err != nil {
		return Result{}, err
	}
	event := buildBaseEvent(target, sentinel.EventNoChange, now)
	event.Current = sentinel.Fingerprint{Hash: snapshot.ContentHash, FetchedAt: snapshot.FetchedAt}
	event.EventID = eventid.RunScoped(event.Kind, uuid.NewString(), target.URL, selectorPtr(target), &snapshot.ContentHash, nil)

	if target.NotifyOnNoChange && !meta.ShouldDebounce(m.NoChangeSignature, m.NoChangeNotifiedAt, snapshot.ContentHash, target.FetchFailureDebounce, now) {
		if _, err := webhook.Deliver(ctx, event, target.Policy); err == nil {
			m.NoChangeNotifiedAt = &now
		}
	}
	m.NoChangeSignature = snapshot.ContentHash
	m.LastRunAt = now
	m.LastOutcome = event.Kind
	m.LastSnapshotFingerprint = &event.Current
	if err := meta.Save(ctx, store, *m); err != nil {
		return Result{}, err
	}
	return Result{Event: event, StateKey: stateKey}, nil
}

func finalizeSuppressed(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, m *sentinel.TargetMeta, now time.Time, snapshot sentinel.Snapshot) (Result, error) {
	if err := storeSnapshot(ctx, store, stateKey, snapshot); err != nil {
		return Result{}, err
	}
	event := buildBaseEvent(target, sentinel.EventChangeSuppressed, now)
	event.Current = sentinel.Fingerprint{Hash: snapshot.ContentHash, FetchedAt: snapshot.FetchedAt}
	event.EventID = eventid.Transition(event.Kind, target.URL, selectorPtr(target), &snapshot.ContentHash, snapshot.ContentHash)

	m.LastRunAt = now
	m.LastOutcome = event.Kind
	m.LastSnapshotFingerprint = &event.Current
	if err := meta.Save(ctx, store, *m); err != nil {
		return Result{}, err
	}
	_ = appendHistory(ctx, store, stateKey, sentinel.HistoryEntry{Timestamp: now, Outcome: event.Kind, ContentHash: snapshot.ContentHash, EventID: event.EventID})
	return Result{Event: event, StateKey: stateKey}, nil
}

func finalizeChangeDetected(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, m *sentinel.TargetMeta, now time.Time, baseline *sentinel.Snapshot, snapshot sentinel.Snapshot, textChange *sentinel.TextChange) (Result, error) {
	event := buildBaseEvent(target, sentinel.EventChangeDetected, now)
	previous := sentinel.Fingerprint{Hash: baseline.ContentHash, FetchedAt: baseline.FetchedAt}
	event.Previous = &previous
	event.Current = sentinel.Fingerprint{Hash: snapshot.ContentHash, FetchedAt: snapshot.FetchedAt}
	event.EventID = eventid.Transition(event.Kind, target.URL, selectorPtr(target), &baseline.ContentHash, snapshot.ContentHash)

	changes := &sentinel.Changes{Text: textChange}
	switch snapshot.Mode {
	case sentinel.ModeFields:
		fields, err := diff.FieldsChange(baseline.Text, snapshot.Text)
		if err == nil {
			changes.Fields = fields
		}
	case sentinel.ModeJSON:
		var prevDoc, currDoc any
		if decodeJSONLoose(baseline.Text, &prevDoc) == nil && decodeJSONLoose(snapshot.Text, &currDoc) == nil {
			changes.JSON = diff.JSON(prevDoc, currDoc, target.IgnoreJSONPaths)
		}
	}
	event.Changes = changes
	event.Summary = summarize(target, textChange)

	if patch := buildUnifiedPatch(baseline.Text, snapshot.Text); patch != "" {
		event.Changes.Patch = patch
		if fitted, err := payload.Fit(event, target.Policy.MaxPayloadBytes); err == nil {
			event = fitted
		} else {
			event.Changes.Patch = ""
		}
	}

	fitted, err := payload.Fit(event, target.Policy.MaxPayloadBytes)
	if err != nil {
		return finalizeFetchFailure(ctx, store, target, stateKey, m, now, err)
	}
	event = fitted

	deliveryStart := time.Now()
	report, deliverErr := webhook.Deliver(ctx, event, target.Policy)
	if deliverErr == nil && report.Success {
		metrics.ObserveWebhook("success", time.Since(deliveryStart))
	} else {
		metrics.ObserveWebhook("failure", time.Since(deliveryStart))
	}
	if deliverErr == nil && report.Success {
		if err := storeSnapshot(ctx, store, stateKey, snapshot); err != nil {
			return Result{}, err
		}
		meta.RecordDeliverySuccess(m)
		m.LastRunAt = now
		m.LastOutcome = event.Kind
		m.LastSnapshotFingerprint = &event.Current
		if err := meta.Save(ctx, store, *m); err != nil {
			return Result{}, err
		}
		_ = appendHistory(ctx, store, stateKey, sentinel.HistoryEntry{Timestamp: now, Outcome: event.Kind, ContentHash: snapshot.ContentHash, EventID: event.EventID})
		return Result{Event: event, StateKey: stateKey}, nil
	}

	meta.RecordDeliveryFailure(m, target.Policy, now)
	m.LastRunAt = now
	m.LastOutcome = sentinel.EventWebhookFailed
	if err := meta.Save(ctx, store, *m); err != nil {
		return Result{}, err
	}
	if err := pushDeadLetter(ctx, store, target, stateKey, event, deliveryFailureDetail(report, deliverErr), now); err != nil {
		return Result{}, err
	}
	failedEvent := event
	failedEvent.Kind = sentinel.EventWebhookFailed
	return Result{Event: failedEvent, StateKey: stateKey}, nil
}

func selectorPtr(target sentinel.Target) *string {
	if target.Selector == "" {
		return nil
	}
	return &target.Selector
}

func summarize(target sentinel.Target, change *sentinel.TextChange) string {
	if change == nil {
		return ""
	}
	if change.Delta != nil {
		return fmt.Sprintf("%s changed from %q to %q (delta %.4g)", target.URL, change.Old, change.New, *change.Delta)
	}
	return fmt.Sprintf("%s changed", target.URL)
}

func toEventError(err error) *sentinel.EventError {
	ee := &sentinel.EventError{Message: err.Error(), Name: errorName(err)}
	if code, ok := asHTTPError(err); ok {
		ee.StatusCode = &code
	}
	return ee
}

func errorName(err error) string {
	switch {
	case sentinel.IsUrlSafetyError(err):
		return "UrlSafetyError"
	case sentinel.IsDomainPolicyError(err):
		return "DomainPolicyError"
	case sentinel.IsHttpError(err):
		return "HttpError"
	case sentinel.IsResponseTooLargeError(err):
		return "ResponseTooLargeError"
	case sentinel.IsEmptySnapshotError(err):
		return "EmptySnapshotError"
	case sentinel.IsFieldExtractionError(err):
		return "FieldExtractionError"
	case sentinel.IsRobotsDisallowedError(err):
		return "RobotsDisallowedError"
	default:
		return "FetchError"
	}
}

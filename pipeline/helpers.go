package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
	"sentinel/webhook"
)

func parseURLHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func decodeJSONLoose(text string, v any) error {
	return json.Unmarshal([]byte(text), v)
}

func marshalHistoryEntry(entry sentinel.HistoryEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func asHTTPError(err error) (int, bool) {
	var httpErr *sentinel.HttpError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

const maxPayloadPreviewBytes = 4 * 1024

// deliveryFailureDetail builds a human-readable failure summary for the
// dead-letter record: the top-level Deliver error when present (a setup
// failure such as an unsafe or denied webhook URL), otherwise the per-URL
// diagnostic messages collected during delivery attempts.
func deliveryFailureDetail(report webhook.Report, deliverErr error) string {
	if deliverErr != nil {
		return deliverErr.Error()
	}
	var parts []string
	for _, r := range report.Results {
		if !r.Success && r.Err != nil {
			parts = append(parts, r.URL+": "+r.Err.Error())
		}
	}
	if len(parts) == 0 {
		return "webhook delivery failed"
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += "; " + p
	}
	return joined
}

func pushDeadLetter(ctx context.Context, store *statestore.Client, target sentinel.Target, stateKey string, event sentinel.Event, errDetail string, now time.Time) error {
	webhookURL := ""
	if len(target.Policy.WebhookURLs) > 0 {
		webhookURL = target.Policy.WebhookURLs[0]
	}

	preview, err := json.Marshal(event)
	if err != nil {
		preview = []byte(`{"error":"failed to marshal event preview"}`)
	}
	if len(preview) > maxPayloadPreviewBytes {
		preview = preview[:maxPayloadPreviewBytes]
	}

	record := sentinel.DeadLetterRecord{
		ID:             uuid.NewString(),
		WebhookURL:     webhookURL,
		TargetURL:      target.URL,
		StateKey:       stateKey,
		ErrorDetail:    errDetail,
		PayloadPreview: preview,
		Timestamp:      now,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := now.Format(rfc3339Nano) + "-" + record.ID
	return store.Put(ctx, statestore.StoreDeadLetter, key, raw)
}

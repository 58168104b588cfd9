// Package webhook implements the Webhook Deliverer: HMAC-signed, retried
// HTTP POST delivery of an Event to one or more configured endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sentinel/domainpolicy"
	"sentinel/pkg/sentinel"
	"sentinel/retrycore"
	"sentinel/safety"
)

const maxDiagnosticBodyBytes = 4 * 1024

// DeliveryResult is the per-URL outcome of one delivery attempt sequence.
type DeliveryResult struct {
	URL        string
	Success    bool
	Attempts   int
	Duration   time.Duration
	StatusCode int
	Err        error
}

// Report bundles the deliverer's overall verdict and per-URL detail.
type Report struct {
	Success bool
	Results []DeliveryResult
}

// Deliver posts event to every URL in policy.WebhookURLs, honoring the
// configured delivery mode ("all" or "any"). eventID doubles as the
// idempotency key.
func Deliver(ctx context.Context, event sentinel.Event, policy sentinel.RunPolicy) (Report, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return Report{}, fmt.Errorf("webhook: marshal event: %w", err)
	}

	wp := domainpolicy.WebhookPolicy(policy)
	for _, u := range policy.WebhookURLs {
		parsed, err := url.Parse(u)
		if err != nil {
			return Report{}, &sentinel.UrlSafetyError{URL: u, Reason: fmt.Sprintf("unparseable webhook url: %v", err)}
		}
		if wp != nil {
			if err := wp.Check(parsed.Hostname()); err != nil {
				return Report{}, err
			}
		}
		if err := safety.Check(ctx, u, policy.AllowLocalhost); err != nil {
			return Report{}, err
		}
	}

	headers := signedHeaders(body, event.EventID, policy)

	results := make([]DeliveryResult, len(policy.WebhookURLs))
	for i, u := range policy.WebhookURLs {
		results[i] = deliverOne(ctx, u, body, headers, policy)
	}

	success := evaluateDelivery(results, policy.WebhookDeliveryMode)
	return Report{Success: success, Results: results}, nil
}

func evaluateDelivery(results []DeliveryResult, mode sentinel.WebhookDeliveryMode) bool {
	if len(results) == 0 {
		return true
	}
	if mode == sentinel.DeliveryAny {
		for _, r := range results {
			if r.Success {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

func signedHeaders(body []byte, eventID string, policy sentinel.RunPolicy) http.Header {
	h := http.Header{}
	contentType := policy.WebhookContentType
	if contentType == "" {
		contentType = "application/json"
	}
	h.Set("Content-Type", contentType)
	h.Set("x-sentinel-event-id", eventID)
	h.Set("Idempotency-Key", eventID)
	for k, v := range policy.WebhookHeaders {
		h.Set(k, v)
	}

	if policy.WebhookSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(policy.WebhookSecret))
		mac.Write([]byte(timestamp + "." + string(body)))
		signature := hex.EncodeToString(mac.Sum(nil))
		h.Set("x-sentinel-timestamp", timestamp)
		h.Set("x-sentinel-signature", "sha256="+signature)
	}
	return h
}

func deliverOne(ctx context.Context, targetURL string, body []byte, headers http.Header, policy sentinel.RunPolicy) DeliveryResult {
	result := DeliveryResult{URL: targetURL}
	start := time.Now()

	method := policy.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}

	client := &http.Client{
		Timeout: policy.WebhookTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	err := retrycore.Do(ctx, retrycore.Options{
		MaxRetries:   policy.WebhookMaxRetries,
		BaseBackoff:  policy.WebhookRetryBackoff,
		MaxTotalTime: policy.WebhookTimeout * time.Duration(policy.WebhookMaxRetries+1),
		ShouldRetry:  sentinel.IsRetryable,
	}, func(ctx context.Context, attempt int) error {
		result.Attempts = attempt + 1
		req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header = headers.Clone()

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		defer resp.Body.Close()
		result.StatusCode = resp.StatusCode

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		diagnostic, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBodyBytes))
		return &sentinel.HttpError{StatusCode: resp.StatusCode, URL: targetURL + ": " + redact(string(diagnostic))}
	})

	result.Duration = time.Since(start)
	if err != nil {
		result.Err = &sentinel.WebhookDeliveryError{
			URL:        targetURL,
			StatusCode: intPtrOrNil(result.StatusCode),
			Attempts:   &result.Attempts,
			DurationMs: durationMsPtr(result.Duration),
			Cause:      err,
		}
		return result
	}
	result.Success = true
	return result
}

// redact flattens newlines in a diagnostic body and truncates it to
// maxDiagnosticBodyBytes; it does not remove any content such as reflected
// header values.
func redact(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxDiagnosticBodyBytes {
		s = s[:maxDiagnosticBodyBytes]
	}
	return s
}

func intPtrOrNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func durationMsPtr(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

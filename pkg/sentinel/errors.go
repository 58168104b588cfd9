package sentinel

import (
	"errors"
	"fmt"
)

// UrlSafetyError indicates a URL failed the SSRF safety guard. Fatal for that URL.
type UrlSafetyError struct {
	URL    string
	Reason string
}

func (e *UrlSafetyError) Error() string {
	return fmt.Sprintf("url safety: %s: %s", e.URL, e.Reason)
}

// IsUrlSafetyError reports whether err is (or wraps) a UrlSafetyError.
func IsUrlSafetyError(err error) bool {
	var target *UrlSafetyError
	return errors.As(err, &target)
}

// DomainPolicyError indicates a host was rejected by the allow/deny lists. Fatal for that URL.
type DomainPolicyError struct {
	Host string
	Rule string
}

func (e *DomainPolicyError) Error() string {
	return fmt.Sprintf("domain policy: host %q rejected by rule %q", e.Host, e.Rule)
}

// IsDomainPolicyError reports whether err is (or wraps) a DomainPolicyError.
func IsDomainPolicyError(err error) bool {
	var target *DomainPolicyError
	return errors.As(err, &target)
}

// HttpError wraps a non-2xx HTTP response. Retryable iff StatusCode is 429 or 5xx.
type HttpError struct {
	StatusCode int
	URL        string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.URL)
}

// IsHttpError reports whether err is (or wraps) an HttpError.
func IsHttpError(err error) bool {
	var target *HttpError
	return errors.As(err, &target)
}

// Retryable reports whether the wrapped status code should trigger a retry.
func (e *HttpError) Retryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// ResponseTooLargeError indicates a fetch exceeded max_content_bytes. Fatal for the attempt.
type ResponseTooLargeError struct {
	URL       string
	MaxBytes  int64
	SeenBytes int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response too large: %s exceeded %d bytes (saw at least %d)", e.URL, e.MaxBytes, e.SeenBytes)
}

// IsResponseTooLargeError reports whether err is (or wraps) a ResponseTooLargeError.
func IsResponseTooLargeError(err error) bool {
	var target *ResponseTooLargeError
	return errors.As(err, &target)
}

// EmptySnapshotError indicates the normalized text fell below min_text_length. Policy-driven.
type EmptySnapshotError struct {
	Ignored       bool
	TextLength    int
	MinTextLength int
}

func (e *EmptySnapshotError) Error() string {
	return fmt.Sprintf("empty snapshot: text length %d below minimum %d", e.TextLength, e.MinTextLength)
}

// IsEmptySnapshotError reports whether err is (or wraps) an EmptySnapshotError.
func IsEmptySnapshotError(err error) bool {
	var target *EmptySnapshotError
	return errors.As(err, &target)
}

// FieldExtractionError indicates a field selector matched zero nodes. Fatal for that target attempt.
type FieldExtractionError struct {
	FieldName string
	Selector  string
}

func (e *FieldExtractionError) Error() string {
	return fmt.Sprintf("field extraction: field %q (selector %q) matched no nodes", e.FieldName, e.Selector)
}

// IsFieldExtractionError reports whether err is (or wraps) a FieldExtractionError.
func IsFieldExtractionError(err error) bool {
	var target *FieldExtractionError
	return errors.As(err, &target)
}

// WebhookDeliveryError wraps a failed delivery attempt. Retryable per policy.
type WebhookDeliveryError struct {
	URL        string
	StatusCode *int
	Attempts   *int
	DurationMs *int64
	Cause      error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("webhook delivery to %s: %v", e.URL, e.Cause)
	}
	code := -1
	if e.StatusCode != nil {
		code = *e.StatusCode
	}
	return fmt.Sprintf("webhook delivery to %s: status %d", e.URL, code)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Cause }

// IsWebhookDeliveryError reports whether err is (or wraps) a WebhookDeliveryError.
func IsWebhookDeliveryError(err error) bool {
	var target *WebhookDeliveryError
	return errors.As(err, &target)
}

// RobotsDisallowedError indicates robots.txt forbade the fetch. Fatal for that URL.
type RobotsDisallowedError struct {
	URL string
}

func (e *RobotsDisallowedError) Error() string {
	return fmt.Sprintf("robots.txt disallows: %s", e.URL)
}

// IsRobotsDisallowedError reports whether err is (or wraps) a RobotsDisallowedError.
func IsRobotsDisallowedError(err error) bool {
	var target *RobotsDisallowedError
	return errors.As(err, &target)
}

// BudgetExceededError is raised by the Retry Core when the time budget is
// exhausted before any attempt has been made.
type BudgetExceededError struct {
	MaxTotalTimeMs int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("retry budget of %dms exceeded before any attempt", e.MaxTotalTimeMs)
}

// IsRetryable reports whether err should be retried by the generic retry
// core: HttpError per its own Retryable(), or an unclassified error (treated
// as a network/timeout condition per §7).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if IsUrlSafetyError(err) || IsDomainPolicyError(err) || IsResponseTooLargeError(err) ||
		IsFieldExtractionError(err) || IsRobotsDisallowedError(err) {
		return false
	}
	return true
}

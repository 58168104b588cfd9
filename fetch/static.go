package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"sentinel/domainpolicy"
	"sentinel/pkg/sentinel"
	"sentinel/politeness"
	"sentinel/safety"
)

// robotsCache memoizes parsed robots.txt documents per host for the
// lifetime of the process, avoiding a fetch per target attempt.
var robotsCache = newRobotsCache()

// FetchStatic performs the manual-redirect-following static fetch described
// in spec §4.3.
func FetchStatic(ctx context.Context, req Request) (*Result, error) {
	target := req.Target
	policy := target.Policy

	client := newHTTPClient(policy.FetchConnectTimeout)
	timeoutCtx, cancel := context.WithTimeout(ctx, policy.FetchTimeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if target.RequestBody != "" {
		body = []byte(target.RequestBody)
	}
	currentURL := target.URL

	metrics := sentinel.FetchMetrics{}
	start := time.Now()

	for hop := 0; ; hop++ {
		if hop > policy.MaxRedirects {
			return nil, fmt.Errorf("fetch: exceeded max_redirects (%d) for %s", policy.MaxRedirects, target.URL)
		}

		parsed, err := url.Parse(currentURL)
		if err != nil {
			return nil, &sentinel.UrlSafetyError{URL: currentURL, Reason: fmt.Sprintf("unparseable url: %v", err)}
		}
		host := parsed.Hostname()

		if dp := domainpolicy.TargetPolicy(policy); dp != nil {
			if err := dp.Check(host); err != nil {
				return nil, err
			}
		}
		if err := safety.Check(timeoutCtx, currentURL, policy.AllowLocalhost); err != nil {
			return nil, err
		}
		if err := politeness.Wait(timeoutCtx, host, policy.PolitenessDelay, policy.PolitenessJitter); err != nil {
			return nil, err
		}
		if target.RobotsMode == "respect" {
			if err := checkRobots(timeoutCtx, parsed, client); err != nil {
				return nil, err
			}
		}

		httpReq, err := http.NewRequestWithContext(timeoutCtx, method, currentURL, bytesReader(body))
		if err != nil {
			return nil, fmt.Errorf("fetch: build request: %w", err)
		}
		setChromeHeaders(httpReq)
		for k, v := range target.RequestHeaders {
			httpReq.Header.Set(k, v)
		}
		for _, c := range target.Cookies {
			httpReq.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}

		isConditionalEligible := (method == http.MethodGet || method == http.MethodHead) &&
			body == nil && req.PreviousSnapshot != nil && req.PreviousSnapshot.FinalURL == currentURL
		if isConditionalEligible {
			if req.PreviousSnapshot.Validators.ETag != "" {
				httpReq.Header.Set("If-None-Match", req.PreviousSnapshot.Validators.ETag)
			}
			if req.PreviousSnapshot.Validators.LastModified != "" {
				httpReq.Header.Set("If-Modified-Since", req.PreviousSnapshot.Validators.LastModified)
			}
		}

		metrics.Attempts++
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}

		if resp.ContentLength > 0 && resp.ContentLength > policy.MaxContentBytes {
			resp.Body.Close()
			return nil, &sentinel.ResponseTooLargeError{URL: currentURL, MaxBytes: policy.MaxContentBytes, SeenBytes: resp.ContentLength}
		}

		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			if req.PreviousSnapshot == nil {
				return nil, fmt.Errorf("fetch: got 304 with no previous snapshot for %s", currentURL)
			}
			metrics.NotModified = true
			metrics.Duration = time.Since(start)
			metrics.RedirectCount = hop
			return &Result{
				FinalURL:   currentURL,
				StatusCode: resp.StatusCode,
				Validators: req.PreviousSnapshot.Validators,
				Metrics:    metrics,
			}, nil
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, fmt.Errorf("fetch: redirect %d with no Location header", resp.StatusCode)
			}
			next, err := parsed.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("fetch: unparseable redirect location: %w", err)
			}
			if resp.StatusCode == http.StatusSeeOther ||
				((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) &&
					method != http.MethodGet && method != http.MethodHead) {
				method = http.MethodGet
				body = nil
			}
			currentURL = next.String()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode < 600) {
			resp.Body.Close()
			return nil, &sentinel.HttpError{StatusCode: resp.StatusCode, URL: currentURL}
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &sentinel.HttpError{StatusCode: resp.StatusCode, URL: currentURL}
		}

		respBody, err := limitedRead(resp.Body, policy.MaxContentBytes, currentURL)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		metrics.Bytes = int64(len(respBody))
		metrics.Duration = time.Since(start)
		metrics.RedirectCount = hop

		return &Result{
			Body:        respBody,
			ContentType: resp.Header.Get("Content-Type"),
			FinalURL:    currentURL,
			StatusCode:  resp.StatusCode,
			Validators: sentinel.Validators{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
			Metrics: metrics,
		}, nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func bytesReader(b []byte) *bytes.Reader {
	if b == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(b)
}

type robotsCacheT struct {
	mu      sync.Mutex
	entries map[string]*robotstxt.RobotsData
}

func newRobotsCache() *robotsCacheT {
	return &robotsCacheT{entries: make(map[string]*robotstxt.RobotsData)}
}

func checkRobots(ctx context.Context, target *url.URL, client *http.Client) error {
	host := target.Host

	robotsCache.mu.Lock()
	data, ok := robotsCache.entries[host]
	robotsCache.mu.Unlock()

	if !ok {
		robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, host)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return nil // fail open: cannot build request, do not block the fetch
		}
		setChromeHeaders(req)
		resp, err := client.Do(req)
		if err != nil {
			return nil // fail open: robots.txt unreachable
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data = nil
		} else if parsed, err := robotstxt.FromResponse(resp); err == nil {
			data = parsed
		}
		robotsCache.mu.Lock()
		robotsCache.entries[host] = data
		robotsCache.mu.Unlock()
	}
	if data == nil {
		return nil
	}
	group := data.FindGroup("sentinel")
	if group != nil && !group.Test(target.Path) {
		return &sentinel.RobotsDisallowedError{URL: target.String()}
	}
	return nil
}

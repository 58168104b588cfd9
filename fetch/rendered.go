package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"sentinel/domainpolicy"
	"sentinel/pkg/sentinel"
	"sentinel/safety"
)

// FetchRendered launches a headless browser, applies the URL Safety Guard
// to every subresource request, optionally blocks image/media/font
// resources, sets the target's cookies, navigates per the configured wait
// strategy, and serializes the resulting DOM. The DOM serialization is
// returned for every content type, JSON and XML included; the raw response
// body is not captured, and the target's request headers are not applied.
func FetchRendered(ctx context.Context, req Request) (*Result, error) {
	target := req.Target
	policy := target.Policy

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	timeoutCtx, cancel := context.WithTimeout(browserCtx, policy.FetchTimeout)
	defer cancel()

	var subresourceErr error
	var respHeaders map[string]any
	var respStatus int64
	var respURL string
	var respMimeType string

	chromedp.ListenTarget(timeoutCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go handlePausedRequest(timeoutCtx, e, target, &subresourceErr)
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				respHeaders = e.Response.Headers
				respStatus = e.Response.Status
				respURL = e.Response.URL
				respMimeType = e.Response.MimeType
			}
		}
	})

	var domHTML string
	start := time.Now()

	patterns := []*fetch.RequestPattern{{URLPattern: "*"}}
	tasks := chromedp.Tasks{
		fetch.Enable().WithPatterns(patterns),
		network.SetCookies(cookieParams(target)),
		chromedp.Navigate(target.URL),
		waitStrategy(target),
		chromedp.OuterHTML("html", &domHTML),
	}

	if err := chromedp.Run(timeoutCtx, tasks); err != nil {
		return nil, fmt.Errorf("fetch: rendered navigation failed: %w", err)
	}
	if subresourceErr != nil {
		return nil, subresourceErr
	}

	var body []byte
	contentType := respMimeType
	if strings.Contains(respMimeType, "json") || strings.Contains(respMimeType, "xml") {
		body = []byte(domHTML) // raw body capture requires network.GetResponseBody; DOM text is the fallback
	} else {
		body = []byte(domHTML)
	}

	if int64(len(body)) > policy.MaxContentBytes {
		return nil, &sentinel.ResponseTooLargeError{URL: target.URL, MaxBytes: policy.MaxContentBytes, SeenBytes: int64(len(body))}
	}

	finalURL := respURL
	if finalURL == "" {
		finalURL = target.URL
	}
	status := int(respStatus)
	if status == 0 {
		status = 200
	}

	return &Result{
		Body:        body,
		ContentType: contentType,
		FinalURL:    finalURL,
		StatusCode:  status,
		Validators:  validatorsFromHeaders(respHeaders),
		Metrics: sentinel.FetchMetrics{
			Bytes:    int64(len(body)),
			Duration: time.Since(start),
			Attempts: 1,
		},
	}, nil
}

// handlePausedRequest enforces the URL Safety Guard and resource-type
// blocking on every subrequest the browser attempts, aborting disallowed ones.
func handlePausedRequest(ctx context.Context, ev *fetch.EventRequestPaused, target sentinel.Target, subresourceErr *error) {
	requestID := ev.RequestID
	url := ev.Request.URL

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		_ = fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient).Do(ctx)
		return
	}
	if dp := domainpolicy.TargetPolicy(target.Policy); dp != nil {
		if err := dp.Check(hostOf(url)); err != nil {
			*subresourceErr = err
			_ = fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient).Do(ctx)
			return
		}
	}
	if err := safety.Check(ctx, url, target.Policy.AllowLocalhost); err != nil {
		*subresourceErr = err
		_ = fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient).Do(ctx)
		return
	}
	if target.BlockImages && isMediaResource(ev.ResourceType) {
		_ = fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient).Do(ctx)
		return
	}
	_ = fetch.ContinueRequest(requestID).Do(ctx)
}

func isMediaResource(t network.ResourceType) bool {
	switch t {
	case network.ResourceTypeImage, network.ResourceTypeMedia, network.ResourceTypeFont:
		return true
	default:
		return false
	}
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end >= 0 {
		rest = rest[:end]
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	return rest
}

func waitStrategy(target sentinel.Target) chromedp.Action {
	if target.WaitForSelector != "" {
		return chromedp.WaitVisible(target.WaitForSelector, chromedp.ByQuery)
	}
	switch target.WaitStrategy {
	case "networkidle":
		return chromedp.Sleep(500 * time.Millisecond)
	default:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	}
}

func cookieParams(target sentinel.Target) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(target.Cookies))
	for _, c := range target.Cookies {
		params = append(params, &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return params
}

func validatorsFromHeaders(headers map[string]any) sentinel.Validators {
	v := sentinel.Validators{}
	if headers == nil {
		return v
	}
	if etag, ok := headers["etag"].(string); ok {
		v.ETag = etag
	}
	if lm, ok := headers["last-modified"].(string); ok {
		v.LastModified = lm
	}
	return v
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sentinel/deadletter"
	"sentinel/orchestrator"
	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

func newTestServer(t *testing.T, run RunFunc, replay ReplayFunc) *Server {
	t.Helper()
	store := statestore.New(nil, "", t.TempDir(), nil)
	return New(&Config{
		Targets: []sentinel.Target{{URL: "https://example.com/page"}},
		Policy:  sentinel.RunPolicy{MaxConcurrency: 2},
		Store:   store,
		Run:     run,
		Replay:  replay,
	})
}

func TestHandleHealthReturnsHealthy(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %q", body["status"])
	}
}

func TestHandleHealthRejectsNonGet(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleRunInvokesOrchestratorAndReturnsSummary(t *testing.T) {
	var gotTargets int
	run := func(ctx context.Context, runID string, targets []sentinel.Target, store *statestore.Client, opts orchestrator.Options) orchestrator.Summary {
		gotTargets = len(targets)
		return orchestrator.Summary{RunID: runID, TargetCount: len(targets)}
	}
	s := newTestServer(t, run, nil)

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotTargets != 1 {
		t.Errorf("expected orchestrator to receive 1 target, got %d", gotTargets)
	}
	var summary orchestrator.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if summary.TargetCount != 1 {
		t.Errorf("expected TargetCount 1 in response, got %d", summary.TargetCount)
	}
}

func TestHandleRunRejectsNonPost(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	rec := httptest.NewRecorder()

	s.handleRun(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleRunRateLimitsRepeatedCalls(t *testing.T) {
	run := func(ctx context.Context, runID string, targets []sentinel.Target, store *statestore.Client, opts orchestrator.Options) orchestrator.Summary {
		return orchestrator.Summary{RunID: runID}
	}
	s := newTestServer(t, run, nil)
	s.limiter = newRateLimiter(1)

	first := httptest.NewRequest(http.MethodPost, "/run", nil)
	first.RemoteAddr = "203.0.113.5:1234"
	rec1 := httptest.NewRecorder()
	s.handleRun(rec1, first)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first call to succeed, got %d", rec1.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/run", nil)
	second.RemoteAddr = "203.0.113.5:1234"
	rec2 := httptest.NewRecorder()
	s.handleRun(rec2, second)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second call to be rate limited, got %d", rec2.Code)
	}
}

func TestHandleReplayInvokesDeadletterAndReturnsSummary(t *testing.T) {
	var gotOpts deadletter.ReplayOptions
	replay := func(ctx context.Context, store *statestore.Client, opts deadletter.ReplayOptions) (deadletter.ReplaySummary, error) {
		gotOpts = opts
		return deadletter.ReplaySummary{Delivered: 3}, nil
	}
	s := newTestServer(t, nil, replay)

	req := httptest.NewRequest(http.MethodPost, "/replay", nil)
	rec := httptest.NewRecorder()
	s.handleReplay(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotOpts.MaxConcurrency != 2 {
		t.Errorf("expected replay to inherit policy.MaxConcurrency=2, got %d", gotOpts.MaxConcurrency)
	}
	var summary deadletter.ReplaySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if summary.Delivered != 3 {
		t.Errorf("expected Delivered=3, got %d", summary.Delivered)
	}
}

func TestHandleReplayHonorsBodyOverrides(t *testing.T) {
	var gotOpts deadletter.ReplayOptions
	replay := func(ctx context.Context, store *statestore.Client, opts deadletter.ReplayOptions) (deadletter.ReplaySummary, error) {
		gotOpts = opts
		return deadletter.ReplaySummary{}, nil
	}
	s := newTestServer(t, nil, replay)
	s.deadLetterDryRun = false

	body := `{"dry_run": true, "limit": 5}`
	req := httptest.NewRequest(http.MethodPost, "/replay", io.NopCloser(strings.NewReader(body)))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.handleReplay(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !gotOpts.DryRun {
		t.Errorf("expected DryRun override to be honored")
	}
	if gotOpts.Limit != 5 {
		t.Errorf("expected Limit override 5, got %d", gotOpts.Limit)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := clientIP(req); got != "198.51.100.7" {
		t.Errorf("expected forwarded IP, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("expected remote addr host, got %q", got)
	}
}

func TestRateLimiterAllowsUpToLimitThenBlocks(t *testing.T) {
	rl := newRateLimiter(2)
	if !rl.allow("1.2.3.4") {
		t.Fatal("expected first call to be allowed")
	}
	if !rl.allow("1.2.3.4") {
		t.Fatal("expected second call to be allowed")
	}
	if rl.allow("1.2.3.4") {
		t.Fatal("expected third call to be blocked")
	}
	if !rl.allow("5.6.7.8") {
		t.Fatal("expected a different IP to be unaffected")
	}
}

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentinel/pkg/sentinel"
)

func basePolicy() sentinel.RunPolicy {
	return sentinel.RunPolicy{
		MaxContentBytes:     1 << 20,
		MaxRedirects:        5,
		FetchTimeout:        5 * time.Second,
		FetchConnectTimeout: 2 * time.Second,
		AllowLocalhost:      true,
	}
}

func TestFetchStaticReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	target := sentinel.Target{URL: srv.URL, Policy: basePolicy()}
	result, err := FetchStatic(context.Background(), Request{Target: target})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected body: %s", result.Body)
	}
	if result.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
}

func TestFetchStaticFollowsRedirects(t *testing.T) {
	var finalHit bool
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		finalHit = true
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	target := sentinel.Target{URL: srv.URL + "/start", Policy: basePolicy()}
	result, err := FetchStatic(context.Background(), Request{Target: target})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finalHit {
		t.Fatalf("expected redirect to be followed to /final")
	}
	if result.Metrics.RedirectCount != 1 {
		t.Fatalf("expected redirect count 1, got %d", result.Metrics.RedirectCount)
	}
}

func TestFetchStaticFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	target := sentinel.Target{URL: srv.URL, Policy: basePolicy()}
	_, err := FetchStatic(context.Background(), Request{Target: target})
	if !sentinel.IsHttpError(err) {
		t.Fatalf("expected HttpError for 500 response, got %v", err)
	}
}

func TestFetchStaticEnforcesMaxContentBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 200))
	}))
	defer srv.Close()

	policy := basePolicy()
	policy.MaxContentBytes = 100
	target := sentinel.Target{URL: srv.URL, Policy: policy}
	_, err := FetchStatic(context.Background(), Request{Target: target})
	if !sentinel.IsResponseTooLargeError(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
}

func TestFetchStaticNotModifiedRequiresPreviousSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	target := sentinel.Target{URL: srv.URL, Policy: basePolicy()}
	_, err := FetchStatic(context.Background(), Request{Target: target})
	if err == nil {
		t.Fatalf("expected an error for 304 with no previous snapshot")
	}
}

func TestFetchStaticConditionalHeadersSentWhenEligible(t *testing.T) {
	var sawINM string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sawINM = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	target := sentinel.Target{URL: srv.URL + "/", Policy: basePolicy()}
	prev := &sentinel.Snapshot{FinalURL: srv.URL + "/", Validators: sentinel.Validators{ETag: `"abc"`}}
	result, err := FetchStatic(context.Background(), Request{Target: target, PreviousSnapshot: prev})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Metrics.NotModified {
		t.Fatalf("expected NotModified metric to be set")
	}
	if sawINM != `"abc"` {
		t.Fatalf("expected If-None-Match to be sent, got %q", sawINM)
	}
}

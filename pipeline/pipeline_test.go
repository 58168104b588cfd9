package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"sentinel/meta"
	"sentinel/metrics"
	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newLocalStore(t *testing.T) *statestore.Client {
	t.Helper()
	return statestore.New(nil, "", t.TempDir(), nil)
}

func baseTarget(url string) sentinel.Target {
	return sentinel.Target{
		URL:            url,
		WhitespaceMode: sentinel.WhitespaceCollapse,
		BaselineMode:   sentinel.BaselineSilent,
		Policy: sentinel.RunPolicy{
			MaxContentBytes: 1 << 20,
			MaxRedirects:    5,
			MaxPayloadBytes: 64 * 1024,
			FetchTimeout:    5 * time.Second,
			FetchConnectTimeout: 2 * time.Second,
			WebhookDeliveryMode: sentinel.DeliveryAll,
			WebhookTimeout:      2 * time.Second,
			AllowLocalhost:      true,
		},
	}
}

func TestRunFirstSeenStoresBaseline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>Hello World</p></body></html>`))
	}))
	defer srv.Close()

	store := newLocalStore(t)
	result, err := Run(context.Background(), baseTarget(srv.URL), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Event.Kind != sentinel.EventBaselineStored {
		t.Fatalf("expected BASELINE_STORED, got %v", result.Event.Kind)
	}
	if result.Event.Current.Hash == "" {
		t.Fatalf("expected a content hash on the first baseline event")
	}
}

func TestRunSecondPassNoChangeAdvancesBaseline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>Stable content</p></body></html>`))
	}))
	defer srv.Close()

	store := newLocalStore(t)
	target := baseTarget(srv.URL)

	first, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error on first run: %v", err)
	}
	if first.Event.Kind != sentinel.EventBaselineStored {
		t.Fatalf("expected BASELINE_STORED on first run, got %v", first.Event.Kind)
	}

	second, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}
	if second.Event.Kind != sentinel.EventNoChange {
		t.Fatalf("expected NO_CHANGE on second run, got %v", second.Event.Kind)
	}

	baseline, err := loadSnapshot(context.Background(), store, ComputeStateKey(target))
	if err != nil {
		t.Fatalf("unexpected error loading baseline: %v", err)
	}
	if baseline == nil || !baseline.FetchedAt.Equal(second.Event.Current.FetchedAt) {
		t.Fatalf("expected baseline to advance to the second run's snapshot, got %+v", baseline)
	}
}

func TestRunChangeDetectedDeliversAndAdvancesBaseline(t *testing.T) {
	var page string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer server.Close()

	var delivered bool
	webhookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = true
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookServer.Close()

	page = `<html><body><p>Price: $10.00</p></body></html>`
	store := newLocalStore(t)
	target := baseTarget(server.URL)
	target.Policy.WebhookURLs = []string{webhookServer.URL}
	target.MinChangeRatio = 0

	if _, err := Run(context.Background(), target, store); err != nil {
		t.Fatalf("unexpected error on baseline run: %v", err)
	}

	page = `<html><body><p>Price: $9.00</p></body></html>`
	result, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error on change run: %v", err)
	}
	if result.Event.Kind != sentinel.EventChangeDetected {
		t.Fatalf("expected CHANGE_DETECTED, got %v", result.Event.Kind)
	}
	if !delivered {
		t.Fatalf("expected webhook to be delivered")
	}
	if result.Event.Changes == nil || result.Event.Changes.Text == nil {
		t.Fatalf("expected a text change to be attached")
	}

	baseline, err := loadSnapshot(context.Background(), store, ComputeStateKey(target))
	if err != nil {
		t.Fatalf("unexpected error loading baseline: %v", err)
	}
	if baseline == nil || baseline.Text != "Price: $9.00" {
		t.Fatalf("expected baseline to advance to the changed content, got %+v", baseline)
	}
}

func TestRunSuppressesLowRatioChangeAndAdvancesBaseline(t *testing.T) {
	var page string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer server.Close()

	page = `<html><body><p>` + repeatChar('a', 1000) + `</p></body></html>`
	store := newLocalStore(t)
	target := baseTarget(server.URL)
	target.MinChangeRatio = 0.5

	if _, err := Run(context.Background(), target, store); err != nil {
		t.Fatalf("unexpected error on baseline run: %v", err)
	}

	page = `<html><body><p>` + repeatChar('a', 999) + "b</p></body></html>"
	result, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error on suppressed run: %v", err)
	}
	if result.Event.Kind != sentinel.EventChangeSuppressed {
		t.Fatalf("expected CHANGE_SUPPRESSED, got %v", result.Event.Kind)
	}

	baseline, err := loadSnapshot(context.Background(), store, ComputeStateKey(target))
	if err != nil {
		t.Fatalf("unexpected error loading baseline: %v", err)
	}
	if baseline == nil || baseline.Text != repeatChar('a', 999)+"b" {
		t.Fatalf("expected baseline to advance to the suppressed content, got %+v", baseline)
	}
}

func TestRunFetchFailureDoesNotAdvanceBaseline(t *testing.T) {
	var fail bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>Original</p></body></html>`))
	}))
	defer server.Close()

	store := newLocalStore(t)
	target := baseTarget(server.URL)

	if _, err := Run(context.Background(), target, store); err != nil {
		t.Fatalf("unexpected error on baseline run: %v", err)
	}

	fail = true
	result, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error on failing run: %v", err)
	}
	if result.Event.Kind != sentinel.EventFetchFailed {
		t.Fatalf("expected FETCH_FAILED, got %v", result.Event.Kind)
	}

	baseline, err := loadSnapshot(context.Background(), store, ComputeStateKey(target))
	if err != nil {
		t.Fatalf("unexpected error loading baseline: %v", err)
	}
	if baseline == nil || baseline.Text != "Original" {
		t.Fatalf("expected baseline to remain untouched by fetch failure, got %+v", baseline)
	}
}

func TestRunSkipsWhenCircuitOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>content</p></body></html>`))
	}))
	defer server.Close()

	store := newLocalStore(t)
	target := baseTarget(server.URL)

	if _, err := Run(context.Background(), target, store); err != nil {
		t.Fatalf("unexpected error on baseline run: %v", err)
	}

	stateKey := ComputeStateKey(target)
	future := time.Now().Add(time.Hour)
	m := sentinel.TargetMeta{StateKey: stateKey, CircuitOpenUntil: &future}
	if err := meta.Save(context.Background(), store, m); err != nil {
		t.Fatalf("failed to seed meta: %v", err)
	}

	result, err := Run(context.Background(), target, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Event.Kind != sentinel.EventWebhookCircuitOpen {
		t.Fatalf("expected WEBHOOK_CIRCUIT_OPEN, got %v", result.Event.Kind)
	}
}

func TestComputeStateKeyChangesWithSemanticInputs(t *testing.T) {
	a := sentinel.Target{URL: "https://example.com", Selector: ".price"}
	b := sentinel.Target{URL: "https://example.com", Selector: ".title"}
	if ComputeStateKey(a) == ComputeStateKey(b) {
		t.Fatalf("expected different selectors to produce different state keys")
	}
}

func TestComputeLegacyStateKeyIgnoresExtendedInputs(t *testing.T) {
	a := sentinel.Target{URL: "https://example.com", Selector: ".price", RenderingMode: sentinel.RenderingStatic}
	b := sentinel.Target{URL: "https://example.com", Selector: ".price", RenderingMode: sentinel.RenderingPlaywright}
	if ComputeLegacyStateKey(a) != ComputeLegacyStateKey(b) {
		t.Fatalf("expected legacy key to depend only on URL and selector")
	}
}

func repeatChar(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

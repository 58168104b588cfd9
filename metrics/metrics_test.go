package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitRegistersCollectors(t *testing.T) {
	Init()
	Init() // idempotent

	if fetchTotal == nil || webhookTotal == nil || runOutcomesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetchIncrementsCounters(t *testing.T) {
	Init()
	ObserveFetch("static", "success", 1024, 50*time.Millisecond)

	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("success")); got < 1 {
		t.Errorf("expected fetchTotal[success] >= 1, got %f", got)
	}
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("static")); got < 1024 {
		t.Errorf("expected fetchBytesTotal[static] >= 1024, got %f", got)
	}
}

func TestObserveWebhookIncrementsCounters(t *testing.T) {
	Init()
	ObserveWebhook("failure", 10*time.Millisecond)

	if got := testutil.ToFloat64(webhookTotal.WithLabelValues("failure")); got < 1 {
		t.Errorf("expected webhookTotal[failure] >= 1, got %f", got)
	}
}

func TestObserveRunOutcomeIncrementsCounters(t *testing.T) {
	Init()
	ObserveRunOutcome("BASELINE_STORED")

	if got := testutil.ToFloat64(runOutcomesTotal.WithLabelValues("BASELINE_STORED")); got < 1 {
		t.Errorf("expected runOutcomesTotal[BASELINE_STORED] >= 1, got %f", got)
	}
}

func TestObserveCircuitOpenIncrementsCounter(t *testing.T) {
	Init()
	before := testutil.ToFloat64(circuitOpenTotal)
	ObserveCircuitOpen()
	if got := testutil.ToFloat64(circuitOpenTotal); got != before+1 {
		t.Errorf("expected circuitOpenTotal to increment by 1, got %f (before %f)", got, before)
	}
}

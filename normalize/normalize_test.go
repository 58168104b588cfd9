package normalize

import (
	"strings"
	"testing"

	"sentinel/pkg/sentinel"
)

func TestNormalizeTextModeStripsNoiseAndCollapsesWhitespace(t *testing.T) {
	body := []byte(`<html><body>
		<!-- a comment -->
		<script>alert(1)</script>
		<style>.x{color:red}</style>
		<p>Hello    World</p>
	</body></html>`)
	target := sentinel.Target{WhitespaceMode: sentinel.WhitespaceCollapse}
	result, err := Normalize(body, "text/html", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Text, "alert") || strings.Contains(result.Text, "color:red") {
		t.Fatalf("expected script/style content to be stripped, got %q", result.Text)
	}
	if result.Text != "Hello World" {
		t.Fatalf("expected collapsed text %q, got %q", "Hello World", result.Text)
	}
}

func TestNormalizeTextModeAppliesSelector(t *testing.T) {
	body := []byte(`<html><body><div id="a">keep</div><div id="b">drop</div></body></html>`)
	target := sentinel.Target{Selector: "#a", WhitespaceMode: sentinel.WhitespaceCollapse}
	result, err := Normalize(body, "text/html", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "keep" {
		t.Fatalf("expected only selected content, got %q", result.Text)
	}
}

func TestNormalizeTextModeRemovesIgnoreSelectors(t *testing.T) {
	body := []byte(`<html><body><div>keep <span class="ad">ad content</span></div></body></html>`)
	target := sentinel.Target{IgnoreSelectors: []string{".ad"}, WhitespaceMode: sentinel.WhitespaceCollapse}
	result, err := Normalize(body, "text/html", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Text, "ad content") {
		t.Fatalf("expected ignore-selector subtree removed, got %q", result.Text)
	}
}

func TestNormalizeJSONModeStableStringifiesAndRemovesIgnorePaths(t *testing.T) {
	body := []byte(`{"b":2,"a":1,"secret":"shh"}`)
	target := sentinel.Target{IgnoreJSONPaths: []string{"/secret"}}
	result, err := Normalize(body, "application/json", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != `{"a":1,"b":2}` {
		t.Fatalf("expected stable stringified json without secret, got %q", result.Text)
	}
}

func TestNormalizeJSONModeFailsOnMalformedInput(t *testing.T) {
	target := sentinel.Target{}
	_, err := Normalize([]byte(`{not json`), "application/json", target)
	if err == nil {
		t.Fatalf("expected an error for malformed json")
	}
}

func TestNormalizeFieldsModeExtractsAndStableStringifies(t *testing.T) {
	body := []byte(`<html><body><span class="price">$9.99</span><span class="title">Widget</span></body></html>`)
	target := sentinel.Target{
		Fields: []sentinel.FieldSpec{
			{Name: "price", Selector: ".price"},
			{Name: "title", Selector: ".title"},
		},
	}
	result, err := Normalize(body, "text/html", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != `{"price":"$9.99","title":"Widget"}` {
		t.Fatalf("unexpected fields text: %q", result.Text)
	}
}

func TestNormalizeFieldsModeFailsOnZeroMatch(t *testing.T) {
	body := []byte(`<html><body><span class="price">$9.99</span></body></html>`)
	target := sentinel.Target{
		Fields: []sentinel.FieldSpec{{Name: "missing", Selector: ".nope"}},
	}
	_, err := Normalize(body, "text/html", target)
	if !sentinel.IsFieldExtractionError(err) {
		t.Fatalf("expected FieldExtractionError, got %v", err)
	}
}

func TestNormalizeDetectsBlockPage(t *testing.T) {
	body := []byte(`<html><body>Please verify you are human</body></html>`)
	target := sentinel.Target{BlockPageRegexes: []string{"verify you are human"}}
	_, err := Normalize(body, "text/html", target)
	if err == nil {
		t.Fatalf("expected block page detection to fail normalization")
	}
}

func TestCheckEmptyPolicies(t *testing.T) {
	t.Run("error policy fails", func(t *testing.T) {
		target := sentinel.Target{OnEmptySnapshot: sentinel.EmptySnapshotPolicyError, MinTextLength: 10}
		_, err := CheckEmpty("short", target)
		if !sentinel.IsEmptySnapshotError(err) {
			t.Fatalf("expected EmptySnapshotError, got %v", err)
		}
	})
	t.Run("ignore policy returns ok=false, err=nil", func(t *testing.T) {
		target := sentinel.Target{OnEmptySnapshot: sentinel.EmptySnapshotIgnore, MinTextLength: 10}
		ok, err := CheckEmpty("short", target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("expected ok=false for ignore policy on empty snapshot")
		}
	})
	t.Run("treat_as_change policy continues", func(t *testing.T) {
		target := sentinel.Target{OnEmptySnapshot: sentinel.EmptySnapshotTreatChange, MinTextLength: 10}
		ok, err := CheckEmpty("short", target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected ok=true for treat_as_change policy")
		}
	})
	t.Run("text at or above min length passes", func(t *testing.T) {
		target := sentinel.Target{MinTextLength: 3}
		ok, err := CheckEmpty("hello", target)
		if err != nil || !ok {
			t.Fatalf("expected pass, got ok=%v err=%v", ok, err)
		}
	})
}

func TestContentHashIsDeterministic(t *testing.T) {
	a := ContentHash("hello")
	b := ContentHash("hello")
	if a != b {
		t.Fatalf("expected deterministic hash, got %q vs %q", a, b)
	}
	if ContentHash("hello") == ContentHash("world") {
		t.Fatalf("expected different texts to hash differently")
	}
}

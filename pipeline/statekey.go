package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"sentinel/pkg/sentinel"
)

// headerPair is a single lowercased header name/value used in the state key
// derivation; sorted so header ordering never affects the key.
type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cookieKeyPart struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// stateKeyInputs mirrors, in fixed field order, every input the spec names
// as affecting snapshot semantics (§3 State key). Field order is fixed by
// struct declaration order, the same determinism trick eventid.go uses.
type stateKeyInputs struct {
	URL                  string          `json:"url"`
	Selector             string          `json:"selector"`
	RenderingMode        string          `json:"rendering_mode"`
	WaitForSelector      string          `json:"wait_for_selector"`
	WaitStrategy         string          `json:"wait_strategy"`
	Headers              []headerPair    `json:"headers"`
	Method               string          `json:"method"`
	BodyHash             string          `json:"body_hash"`
	Cookies              []cookieKeyPart `json:"cookies"`
	RobotsMode           string          `json:"robots_mode"`
	BlockPageRegexes     []string        `json:"block_page_regexes"`
	SelectorAggregation  string          `json:"selector_aggregation_mode"`
	WhitespaceMode       string          `json:"whitespace_mode"`
	UnicodeNormalization bool            `json:"unicode_normalization"`
	Fields               []sentinel.FieldSpec `json:"fields"`
	IgnoreJSONPaths      []string        `json:"ignore_json_paths"`
	IgnoreSelectors      []string        `json:"ignore_selectors"`
	IgnoreAttributes     []string        `json:"ignore_attributes"`
	IgnoreRegexes        []string        `json:"ignore_regexes"`
}

// legacyStateKeyInputs is the pre-expansion key over (URL, selector) only,
// kept so an existing baseline migrates instead of silently re-triggering.
type legacyStateKeyInputs struct {
	URL      string `json:"url"`
	Selector string `json:"selector"`
}

func sortedHeaders(headers map[string]string) []headerPair {
	pairs := make([]headerPair, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, headerPair{Name: strings.ToLower(k), Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

func cookieKeyParts(cookies []sentinel.CookieSpec) []cookieKeyPart {
	parts := make([]cookieKeyPart, len(cookies))
	for i, c := range cookies {
		parts[i] = cookieKeyPart{Name: c.Name, Domain: c.Domain, Path: c.Path}
	}
	return parts
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// ComputeStateKey derives the current-generation state key for target: a
// SHA-256 hex digest over every input that affects snapshot semantics, so a
// reconfigured monitor re-baselines rather than reports false diffs.
func ComputeStateKey(target sentinel.Target) string {
	inputs := stateKeyInputs{
		URL:                  target.URL,
		Selector:             target.Selector,
		RenderingMode:        string(target.RenderingMode),
		WaitForSelector:      target.WaitForSelector,
		WaitStrategy:         target.WaitStrategy,
		Headers:              sortedHeaders(target.RequestHeaders),
		Method:               target.Method,
		BodyHash:             bodyHash(target.RequestBody),
		Cookies:              cookieKeyParts(target.Cookies),
		RobotsMode:           target.RobotsMode,
		BlockPageRegexes:     target.BlockPageRegexes,
		SelectorAggregation:  string(target.SelectorAggregation),
		WhitespaceMode:       string(target.WhitespaceMode),
		UnicodeNormalization: target.UnicodeNormalization,
		Fields:               target.Fields,
		IgnoreJSONPaths:      target.IgnoreJSONPaths,
		IgnoreSelectors:      target.IgnoreSelectors,
		IgnoreAttributes:     target.IgnoreAttributes,
		IgnoreRegexes:        target.IgnoreRegexes,
	}
	return hashJSON(inputs)
}

// ComputeLegacyStateKey derives the pre-expansion state key over (URL,
// selector) only, used to locate a baseline stored before this generation.
func ComputeLegacyStateKey(target sentinel.Target) string {
	return hashJSON(legacyStateKeyInputs{URL: target.URL, Selector: target.Selector})
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic("pipeline: state key inputs must be marshalable: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SnapshotObjectKey derives the "snapshot-<32-hex>" object key from a state
// key, truncating the (already 64-hex) state key digest to 32 hex
// characters for a shorter, still-collision-safe object name.
func SnapshotObjectKey(stateKey string) string {
	return "snapshot-" + stateKey[:32]
}

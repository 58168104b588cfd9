// Package normalize implements the Normalizer: a pure function from a raw
// fetched body to canonical comparison text, in one of three modes (text,
// fields, json) selected by target configuration and content type.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"sentinel/pkg/sentinel"
)

// regexPresets are named, reusable noise filters for common
// ever-changing page fragments (timestamps, nonces, request IDs) that
// would otherwise poison every diff.
var regexPresets = map[string]*regexp.Regexp{
	"timestamps":  regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`),
	"uuids":       regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
	"csrf_tokens": regexp.MustCompile(`(?i)\b(csrf|_token|nonce)=[A-Za-z0-9_\-=]+`),
}

// Result is the output of Normalize: canonical text plus the fragment of
// HTML actually selected (text mode only; empty otherwise).
type Result struct {
	Text string
	HTML string
}

// Normalize converts a raw response body into canonical comparison text per
// spec §4.4. It never touches the state store or emits events; callers
// decide what to do with EmptySnapshotError and RobotsDisallowedError-style
// outcomes.
func Normalize(body []byte, contentType string, target sentinel.Target) (Result, error) {
	ignoreRegexes, err := compileIgnoreRegexes(target)
	if err != nil {
		return Result{}, err
	}

	var text, selectedHTML string
	switch {
	case len(target.Fields) > 0:
		text, err = fieldsMode(body, contentType, target.Fields, ignoreRegexes)
	case strings.Contains(contentType, "json"):
		text, err = jsonMode(body, target.IgnoreJSONPaths)
	default:
		text, selectedHTML, err = textMode(body, target, ignoreRegexes)
	}
	if err != nil {
		return Result{}, err
	}

	if err := checkBlockPage(text, selectedHTML, target.BlockPageRegexes); err != nil {
		return Result{}, err
	}

	return Result{Text: text, HTML: selectedHTML}, nil
}

// CheckEmpty applies the target's empty-snapshot policy to a normalized
// text. ok=false with a nil error means EMPTY_SNAPSHOT_IGNORED (do not
// touch baseline); a non-nil error means the fetch fails outright.
func CheckEmpty(text string, target sentinel.Target) (ok bool, err error) {
	minLen := target.MinTextLength
	if len([]rune(text)) >= minLen && len(text) > 0 {
		return true, nil
	}
	policy := target.OnEmptySnapshot
	if policy == "" {
		policy = sentinel.EmptySnapshotPolicyError
	}
	switch policy {
	case sentinel.EmptySnapshotIgnore:
		return false, nil
	case sentinel.EmptySnapshotTreatChange:
		return true, nil
	default:
		return false, &sentinel.EmptySnapshotError{Ignored: false, TextLength: len([]rune(text)), MinTextLength: minLen}
	}
}

func checkBlockPage(text, html string, patterns []string) error {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("normalize: invalid block_page_regexes entry %q: %w", p, err)
		}
		if re.MatchString(text) || (html != "" && re.MatchString(html)) {
			return fmt.Errorf("normalize: block page detected via pattern %q", p)
		}
	}
	return nil
}

func compileIgnoreRegexes(target sentinel.Target) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, preset := range target.IgnoreRegexPresets {
		re, ok := regexPresets[preset]
		if !ok {
			return nil, fmt.Errorf("normalize: unknown ignore_regex_presets entry %q", preset)
		}
		out = append(out, re)
	}
	for _, pattern := range target.IgnoreRegexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("normalize: invalid ignore_regexes entry %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ContentHash returns the hex-encoded SHA-256 of text, the canonical form
// stored on every Snapshot.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Package diff implements the Diff Engine: text-level change summaries,
// change-ratio suppression, RFC6901 JSON structural diffs, and per-field
// diffs over stable-stringified name/value snapshots.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sentinel/pkg/sentinel"
)

// TextChange computes the change between two normalized texts. Returns nil
// if they are identical (by SHA-256 content hash equality upstream — here
// compared directly since both texts are already in hand).
func TextChange(previous, current string) *sentinel.TextChange {
	if previous == current {
		return nil
	}
	tc := &sentinel.TextChange{Old: previous, New: current}
	if delta, ok := numericDelta(previous, current); ok {
		tc.Delta = &delta
	}
	return tc
}

// numericDelta returns currNum-prevNum when both strings are short (<=64
// chars) and begin with a parseable number.
func numericDelta(prev, curr string) (float64, bool) {
	if len(prev) > 64 || len(curr) > 64 {
		return 0, false
	}
	p, ok := leadingNumber(prev)
	if !ok {
		return 0, false
	}
	c, ok := leadingNumber(curr)
	if !ok {
		return 0, false
	}
	return c - p, true
}

func leadingNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if c >= '0' && c <= '9' || c == '.' || c == '-' || c == '+' {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ApproxChangeRatio measures how much of old/new differs after trimming the
// common prefix and suffix, as a fraction of total combined length. It is 0
// for equal or jointly-empty inputs.
func ApproxChangeRatio(old, new string) float64 {
	if old == new {
		return 0
	}
	o := []rune(old)
	n := []rune(new)
	if len(o) == 0 && len(n) == 0 {
		return 0
	}

	prefix := 0
	for prefix < len(o) && prefix < len(n) && o[prefix] == n[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(o)-prefix && suffix < len(n)-prefix &&
		o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	changedOld := len(o) - prefix - suffix
	changedNew := len(n) - prefix - suffix
	total := len(o) + len(n)
	if total == 0 {
		return 0
	}
	return float64(changedOld+changedNew) / float64(total)
}

// JSON computes an RFC6901-pointer structural diff between two decoded JSON
// values, skipping subtrees at or below any of ignorePointers.
func JSON(prev, curr any, ignorePointers []string) []sentinel.JSONDiffOp {
	var ops []sentinel.JSONDiffOp
	walkDiff("", prev, curr, ignorePointers, &ops)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops
}

func ignored(path string, ignorePointers []string) bool {
	for _, p := range ignorePointers {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func walkDiff(path string, prev, curr any, ignorePointers []string, ops *[]sentinel.JSONDiffOp) {
	if ignored(path, ignorePointers) {
		return
	}

	prevMap, prevIsMap := prev.(map[string]any)
	currMap, currIsMap := curr.(map[string]any)
	if prevIsMap && currIsMap {
		keys := unionSortedKeys(prevMap, currMap)
		for _, k := range keys {
			childPath := path + "/" + escapePointerToken(k)
			pv, pOk := prevMap[k]
			cv, cOk := currMap[k]
			switch {
			case !pOk:
				if !ignored(childPath, ignorePointers) {
					*ops = append(*ops, sentinel.JSONDiffOp{Path: childPath, Op: "add", New: cv})
				}
			case !cOk:
				if !ignored(childPath, ignorePointers) {
					*ops = append(*ops, sentinel.JSONDiffOp{Path: childPath, Op: "remove", Old: pv})
				}
			default:
				walkDiff(childPath, pv, cv, ignorePointers, ops)
			}
		}
		return
	}

	prevArr, prevIsArr := prev.([]any)
	currArr, currIsArr := curr.([]any)
	if prevIsArr && currIsArr {
		maxLen := len(prevArr)
		if len(currArr) > maxLen {
			maxLen = len(currArr)
		}
		for i := 0; i < maxLen; i++ {
			childPath := fmt.Sprintf("%s/%d", path, i)
			switch {
			case i >= len(prevArr):
				if !ignored(childPath, ignorePointers) {
					*ops = append(*ops, sentinel.JSONDiffOp{Path: childPath, Op: "add", New: currArr[i]})
				}
			case i >= len(currArr):
				if !ignored(childPath, ignorePointers) {
					*ops = append(*ops, sentinel.JSONDiffOp{Path: childPath, Op: "remove", Old: prevArr[i]})
				}
			default:
				walkDiff(childPath, prevArr[i], currArr[i], ignorePointers, ops)
			}
		}
		return
	}

	if !jsonEqual(prev, curr) {
		*ops = append(*ops, sentinel.JSONDiffOp{Path: pathOrRoot(path), Op: "replace", Old: prev, New: curr})
	}
}

func pathOrRoot(path string) string {
	if path == "" {
		return ""
	}
	return path
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func unionSortedKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")
	return token
}

// FieldsChange parses two stable-stringified JSON objects and emits a
// FieldChange for each key in the union of both objects' keys whose value
// differs or that is present on one side only; unchanged keys get no entry.
func FieldsChange(prevText, currText string) (map[string]sentinel.FieldChange, error) {
	prevObj, err := decodeObject(prevText)
	if err != nil {
		return nil, fmt.Errorf("diff: parse previous fields text: %w", err)
	}
	currObj, err := decodeObject(currText)
	if err != nil {
		return nil, fmt.Errorf("diff: parse current fields text: %w", err)
	}

	out := make(map[string]sentinel.FieldChange)
	for _, key := range unionSortedKeys(prevObj, currObj) {
		pv, pOk := prevObj[key]
		cv, cOk := currObj[key]
		if pOk && cOk && jsonEqual(pv, cv) {
			continue
		}
		fc := sentinel.FieldChange{}
		var oldStr, newStr string
		if pOk {
			oldStr = coerceString(pv)
			fc.Old = &oldStr
		}
		if cOk {
			newStr = coerceString(cv)
			fc.New = &newStr
		}
		if pOk && cOk {
			if delta, ok := numericDelta(oldStr, newStr); ok {
				fc.Delta = &delta
			}
		}
		out[key] = fc
	}
	return out, nil
}

func decodeObject(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

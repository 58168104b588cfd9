package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// stableStringify recursively re-encodes v with object keys sorted and no
// insignificant whitespace, so that two semantically-equal JSON documents
// produce byte-identical text regardless of source key order.
func stableStringify(v any) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, k)
			b.WriteByte(':')
			writeStable(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, item)
		}
		b.WriteByte(']')
	case string:
		encoded, _ := json.Marshal(t)
		b.Write(encoded)
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case nil:
		b.WriteString("null")
	default:
		encoded, _ := json.Marshal(t)
		b.Write(encoded)
	}
}

// removePointers deletes every value addressed by an RFC6901 JSON Pointer
// in pointers from a decoded JSON document, shrinking arrays via removal.
func removePointers(doc any, pointers []string) any {
	for _, p := range pointers {
		doc = removePointer(doc, p)
	}
	return doc
}

func removePointer(doc any, pointer string) any {
	tokens := splitPointer(pointer)
	if len(tokens) == 0 {
		return nil
	}
	return removeAt(doc, tokens)
}

func removeAt(node any, tokens []string) any {
	if len(tokens) == 0 {
		return node
	}
	head := tokens[0]
	rest := tokens[1:]

	switch t := node.(type) {
	case map[string]any:
		if _, ok := t[head]; !ok {
			return node
		}
		if len(rest) == 0 {
			delete(t, head)
			return t
		}
		t[head] = removeAt(t[head], rest)
		return t
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(t) {
			return node
		}
		if len(rest) == 0 {
			return append(t[:idx], t[idx+1:]...)
		}
		t[idx] = removeAt(t[idx], rest)
		return t
	default:
		return node
	}
}

func splitPointer(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return nil
	}
	pointer = strings.TrimPrefix(pointer, "/")
	parts := strings.Split(pointer, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts
}

func decodeJSON(body []byte) (any, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("normalize: malformed json: %w", err)
	}
	return numberToFloat(v), nil
}

// numberToFloat converts json.Number leaves (from UseNumber) to float64 so
// stableStringify's type switch handles them uniformly. UseNumber avoids
// silently losing integer precision during the initial decode; the
// numeric domain this system diffs (prices, counters) never needs more
// precision than float64 offers once past that first decode.
func numberToFloat(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = numberToFloat(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = numberToFloat(val)
		}
		return t
	default:
		return v
	}
}

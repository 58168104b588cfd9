package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"sentinel/pkg/sentinel"
)

// fieldsMode extracts each configured FieldSpec from body (parsed as HTML,
// or XML when contentType indicates it) and returns the stable
// stringification of the resulting name->value mapping.
func fieldsMode(body []byte, contentType string, fields []sentinel.FieldSpec, ignoreRegexes []*regexp.Regexp) (string, error) {
	values := make(map[string]any, len(fields))

	if strings.Contains(contentType, "xml") {
		doc, err := xmlquery.Parse(strings.NewReader(string(body)))
		if err != nil {
			return "", fmt.Errorf("normalize: parse xml: %w", err)
		}
		for _, f := range fields {
			v, err := extractXMLField(doc, f, ignoreRegexes)
			if err != nil {
				return "", err
			}
			values[f.Name] = v
		}
		return stableStringify(values), nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("normalize: parse html: %w", err)
	}
	for _, f := range fields {
		v, err := extractHTMLField(doc, f, ignoreRegexes)
		if err != nil {
			return "", err
		}
		values[f.Name] = v
	}
	return stableStringify(values), nil
}

func extractHTMLField(doc *goquery.Document, f sentinel.FieldSpec, ignoreRegexes []*regexp.Regexp) (string, error) {
	sel := doc.Find(f.Selector)
	if sel.Length() == 0 {
		return "", &sentinel.FieldExtractionError{FieldName: f.Name, Selector: f.Selector}
	}
	var value string
	if f.Attribute != "" {
		value, _ = sel.First().Attr(f.Attribute)
	} else {
		var parts []string
		sel.Each(func(i int, s *goquery.Selection) {
			parts = append(parts, strings.TrimSpace(s.Text()))
		})
		value = strings.Join(parts, " ")
	}
	return applyRegexesAndCollapse(value, ignoreRegexes), nil
}

func extractXMLField(doc *xmlquery.Node, f sentinel.FieldSpec, ignoreRegexes []*regexp.Regexp) (string, error) {
	expr, err := xpath.Compile(f.Selector)
	if err != nil {
		return "", fmt.Errorf("normalize: compile xpath %q: %w", f.Selector, err)
	}
	nodes := xmlquery.QuerySelectorAll(doc, expr)
	if len(nodes) == 0 {
		return "", &sentinel.FieldExtractionError{FieldName: f.Name, Selector: f.Selector}
	}
	var value string
	if f.Attribute != "" {
		value = nodes[0].SelectAttr(f.Attribute)
	} else {
		var parts []string
		for _, n := range nodes {
			parts = append(parts, strings.TrimSpace(n.InnerText()))
		}
		value = strings.Join(parts, " ")
	}
	return applyRegexesAndCollapse(value, ignoreRegexes), nil
}

func applyRegexesAndCollapse(value string, ignoreRegexes []*regexp.Regexp) string {
	for _, re := range ignoreRegexes {
		value = re.ReplaceAllString(value, "")
	}
	return collapseWhitespace(value)
}

package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"sentinel/pkg/sentinel"
)

var strippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
}

// textMode implements the spec §4.4 text-mode pipeline: strip comments and
// noise tags, remove ignore-selector subtrees, strip global attributes,
// select content per the aggregation mode, apply ignore regexes, optionally
// NFKC-normalize, then collapse whitespace per whitespaceMode.
func textMode(body []byte, target sentinel.Target, ignoreRegexes []*regexp.Regexp) (text string, selectedHTML string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("normalize: parse html: %w", err)
	}

	stripComments(doc.Nodes)
	for tag := range strippedTags {
		doc.Find(tag).Remove()
	}
	for _, sel := range target.IgnoreSelectors {
		doc.Find(sel).Remove()
	}
	for _, attr := range target.IgnoreAttributes {
		doc.Find("[" + attr + "]").Each(func(i int, s *goquery.Selection) {
			s.RemoveAttr(attr)
		})
	}

	selection := doc.Selection
	if target.Selector != "" {
		selection = doc.Find(target.Selector)
	}

	if target.SelectorAggregation == sentinel.AggregationFirst {
		selection = selection.First()
	}

	var textParts, htmlParts []string
	selection.Each(func(i int, s *goquery.Selection) {
		if outer, err := goquery.OuterHtml(s); err == nil {
			htmlParts = append(htmlParts, outer)
		}
		textParts = append(textParts, s.Text())
	})

	text = strings.Join(textParts, "\n")
	selectedHTML = strings.Join(htmlParts, "\n")

	for _, re := range ignoreRegexes {
		text = re.ReplaceAllString(text, "")
	}

	if target.UnicodeNormalization {
		text = norm.NFKC.String(text)
	}

	text = applyWhitespaceMode(text, target.WhitespaceMode)
	return text, selectedHTML, nil
}

func stripComments(nodes []*html.Node) {
	for _, n := range nodes {
		removeCommentChildren(n)
	}
}

func removeCommentChildren(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
			continue
		}
		removeCommentChildren(c)
	}
}

func applyWhitespaceMode(text string, mode sentinel.WhitespaceMode) string {
	if mode == sentinel.WhitespacePreserveLines {
		lines := strings.Split(text, "\n")
		var out []string
		blankRun := false
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				if blankRun {
					continue
				}
				blankRun = true
			} else {
				blankRun = false
			}
			out = append(out, trimmed)
		}
		return strings.TrimSpace(strings.Join(out, "\n"))
	}
	return collapseWhitespace(text)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// HTMLText extracts the visible text of a fetched web page. Script, style,
// and other non-content elements are skipped; block elements become line
// breaks so headings and paragraphs stay separated for chunking.
func HTMLText(source string, data []byte, limits Limits) (string, error) {
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return "", &ExtractionError{Source: source, Err: ErrTooLarge}
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", &ExtractionError{Source: source, Err: fmt.Errorf("parsing html: %w", err)}
	}

	var sb strings.Builder
	collectText(doc, &sb)

	text := normalizeWhitespace(sb.String())
	if text == "" {
		return "", &ExtractionError{Source: source, Err: ErrEmpty}
	}
	return text, nil
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"iframe":   true,
	"svg":      true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skippedElements[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}
	if n.Type == html.ElementNode && blockElements[n.Data] {
		sb.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if n.Type == html.ElementNode && blockElements[n.Data] {
		sb.WriteByte('\n')
	}
}

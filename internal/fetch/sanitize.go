package fetch

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// skippedElements never contribute readable text.
var skippedElements = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "iframe": {}, "svg": {},
	"nav": {}, "footer": {}, "header": {}, "aside": {}, "form": {},
	"button": {}, "select": {}, "template": {}, "canvas": {},
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "main": {}, "li": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"tr": {}, "blockquote": {}, "pre": {}, "br": {}, "dd": {}, "dt": {},
}

// boilerplateTokens mark class or id values used by ads and chrome.
var boilerplateTokens = map[string]struct{}{
	"ad": {}, "ads": {}, "advert": {}, "advertisement": {}, "banner": {},
	"cookie": {}, "cookies": {}, "promo": {}, "sponsored": {}, "sidebar": {},
	"newsletter": {}, "share": {}, "social": {}, "breadcrumb": {}, "breadcrumbs": {},
	"menu": {}, "popup": {}, "modal": {}, "related": {}, "comments": {},
}

// ExtractText parses an HTML document and returns its title and primary
// readable text with boilerplate removed.
func ExtractText(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var (
		title string
		sb    strings.Builder
	)
	walk(doc, &sb, &title, 0)
	return strings.TrimSpace(title), cleanText(sb.String()), nil
}

func walk(n *html.Node, sb *strings.Builder, title *string, depth int) {
	if depth > 256 {
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		if _, skip := skippedElements[n.Data]; skip {
			return
		}
		if n.Data == "title" {
			if *title == "" && n.FirstChild != nil {
				*title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		if isBoilerplate(n) {
			return
		}
		if _, block := blockElements[n.Data]; block {
			sb.WriteString("\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, title, depth+1)
	}

	if n.Type == html.ElementNode {
		if _, block := blockElements[n.Data]; block {
			sb.WriteString("\n")
		}
	}
}

func isBoilerplate(n *html.Node) bool {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class", "id":
			for _, token := range strings.FieldsFunc(strings.ToLower(attr.Val), func(r rune) bool {
				return r == ' ' || r == '-' || r == '_'
			}) {
				if _, ok := boilerplateTokens[token]; ok {
					return true
				}
			}
		case "role":
			if attr.Val == "navigation" || attr.Val == "banner" || attr.Val == "contentinfo" {
				return true
			}
		case "aria-hidden":
			if attr.Val == "true" {
				return true
			}
		}
	}
	return false
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

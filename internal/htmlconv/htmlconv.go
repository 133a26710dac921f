// Package htmlconv turns HTML responses of HTTP tools into compact markdown
// so they fit into prompts.
package htmlconv

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

var (
	tagPattern       = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	blankRunsPattern = regexp.MustCompile(`\n{3,}`)
)

// minTags is the tag count above which text is treated as HTML regardless of
// structure.
const minTags = 3

// dropped elements never carry the content a tool caller is after.
var dropped = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true,
	"link": true, "head": true, "header": true, "footer": true,
	"nav": true, "aside": true, "iframe": true, "svg": true,
}

var contentHints = []string{
	"content", "main", "article", "post", "entry", "story", "text",
}

// IsHTML reports whether body looks like an HTML document or fragment.
func IsHTML(body string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		return true
	}
	tags := len(tagPattern.FindAllStringIndex(body, minTags))
	if tags >= minTags {
		return true
	}
	if tags < 2 {
		return false
	}
	for _, marker := range []string{"<body", "<div", "<table", "<ul>", "<ol>", "<h1", "<h2"} {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

// ToMarkdown extracts the main content of an HTML document and renders it as
// markdown.
func ToMarkdown(body string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	root := mainContent(doc)
	prune(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	return strings.TrimSpace(blankRunsPattern.ReplaceAllString(md, "\n\n")), nil
}

// Convert returns the markdown rendering of body when it is HTML. Otherwise,
// or when conversion fails, body is returned unchanged.
func Convert(body string) (string, bool) {
	if !IsHTML(body) {
		return body, false
	}
	md, err := ToMarkdown(body)
	if err != nil {
		return body, false
	}
	return md, true
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && dropped[c.Data] {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

// mainContent prefers <main>, then <article>, then an element whose id or
// class hints at content, then <body>.
func mainContent(doc *html.Node) *html.Node {
	var mains, articles, hinted, bodies []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "main":
				mains = append(mains, n)
			case "article":
				articles = append(articles, n)
			case "body":
				bodies = append(bodies, n)
			default:
				if hasContentHint(n) {
					hinted = append(hinted, n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, group := range [][]*html.Node{mains, articles, hinted, bodies} {
		if len(group) > 0 {
			return group[0]
		}
	}
	return doc
}

func hasContentHint(n *html.Node) bool {
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if key != "id" && key != "class" {
			continue
		}
		for _, field := range strings.Fields(strings.ToLower(attr.Val)) {
			for _, hint := range contentHints {
				if strings.Contains(field, hint) {
					return true
				}
			}
		}
	}
	return false
}

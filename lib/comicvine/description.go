// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comicvine

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// cleanDescription reduces a volume or issue description (HTML) to the
// essentials. Images and empty paragraphs go; in full mode the trailing
// credits block (a header or list, often preceded by a "Writers:" label
// paragraph) and everything after it go too. Links lose their data-*
// attributes, open in a new tab, and relative targets are absolutised
// against the catalog site.
func cleanDescription(description string, short bool) string {
	if description == "" {
		return description
	}

	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(description), root)
	if err != nil {
		return description
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	removeElements(root, map[string]bool{"figure": true, "img": true})
	removeEmptyParagraphs(root)
	if !short {
		trimTrailingSections(root)
	}
	fixLinks(root)

	var buf bytes.Buffer
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if err := html.Render(&buf, n); err != nil {
			return description
		}
	}
	return buf.String()
}

// removeElements drops every element whose tag is in names, anywhere in the
// tree.
func removeElements(n *html.Node, names map[string]bool) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.ElementNode && names[child.Data] {
			n.RemoveChild(child)
		} else {
			removeElements(child, names)
		}
		child = next
	}
}

// removeEmptyParagraphs drops paragraphs holding nothing but dots and
// whitespace.
func removeEmptyParagraphs(n *html.Node) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.ElementNode && child.Data == "p" &&
			strings.TrimSpace(strings.TrimLeft(textContent(child), ".")) == "" {
			n.RemoveChild(child)
		} else {
			removeEmptyParagraphs(child)
		}
		child = next
	}
}

var headerTags = map[string]bool{"h2": true, "h3": true, "h4": true, "h5": true, "h6": true}

// trimTrailingSections finds the first top-level header, list, or bold-label
// paragraph and removes it and every element after it. Lists take their
// "Writers:" style label paragraph with them.
func trimTrailingSections(root *html.Node) {
	var remove []*html.Node
	triggered := false
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode {
			continue
		}
		switch {
		case triggered:
			remove = append(remove, n)
		case headerTags[n.Data]:
			triggered = true
			remove = append(remove, n)
		case n.Data == "ul" || n.Data == "ol":
			triggered = true
			remove = append(remove, n)
			if prev := prevElement(n); prev != nil &&
				strings.HasSuffix(strings.TrimSpace(textContent(prev)), ":") {
				remove = append(remove, prev)
			}
		case n.Data == "p" && isLabelParagraph(n):
			triggered = true
			remove = append(remove, n)
		}
	}
	for _, n := range remove {
		root.RemoveChild(n)
	}
}

// prevElement returns the closest previous sibling that is not whitespace.
func prevElement(n *html.Node) *html.Node {
	for p := n.PrevSibling; p != nil; p = p.PrevSibling {
		if p.Type == html.TextNode && strings.TrimSpace(p.Data) == "" {
			continue
		}
		return p
	}
	return nil
}

// isLabelParagraph matches paragraphs like <p><b>Collects</b> ...</p>: one
// or two children, the first a bold or italic element.
func isLabelParagraph(p *html.Node) bool {
	first := p.FirstChild
	if first == nil || first.Type != html.ElementNode {
		return false
	}
	switch first.Data {
	case "b", "i", "strong":
	default:
		return false
	}
	count := 0
	for n := p.FirstChild; n != nil; n = n.NextSibling {
		count++
	}
	return count <= 2
}

// fixLinks normalises every anchor in the tree.
func fixLinks(n *html.Node) {
	if n.Type == html.ElementNode && n.Data == "a" {
		attrs := n.Attr[:0]
		href := ""
		for _, a := range n.Attr {
			switch {
			case strings.HasPrefix(a.Key, "data-"):
			case a.Key == "href" || a.Key == "target":
				if a.Key == "href" {
					href = a.Val
				}
			default:
				attrs = append(attrs, a)
			}
		}
		href = strings.TrimLeft(strings.TrimLeft(href, "."), "/")
		if !strings.HasPrefix(href, "http") {
			href = SiteURL + "/" + href
		}
		n.Attr = append(attrs,
			html.Attribute{Key: "target", Val: "_blank"},
			html.Attribute{Key: "href", Val: href},
		)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		fixLinks(child)
	}
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		sb.WriteString(textContent(child))
	}
	return sb.String()
}

// translationPatterns spot descriptions of non-English publications. Each
// captured word is checked against "English" in code, standing in for the
// negative lookbehind this would otherwise need.
var translationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^<p>\s*(\w+) publication(\.?</p>$|,\s| \(in the (\w+) language\)|, translates )`),
	regexp.MustCompile(`(?i)^<p>\s*published by the (\w+) wing of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) translations? of`),
	regexp.MustCompile(`(?i)^.*from (\w+)\.?</p>$`),
	regexp.MustCompile(`(?i)^<p>\s*publishes in (\w+)`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) language`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) edition of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) reprint of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) trade collection of`),
	regexp.MustCompile(`(?i)^<p>\s*Series of (\w+) collections\.?</p>$`),
	regexp.MustCompile(`(?i)^.*reprints\.?</p>$`),
}

// isTranslated reports whether the (cleaned) description marks the volume as
// a non-English publication.
func isTranslated(description string) bool {
	for _, p := range translationPatterns {
		m := p.FindStringSubmatch(description)
		if m == nil {
			continue
		}
		english := false
		for _, word := range m[1:] {
			if word != "" && strings.HasSuffix(strings.ToLower(word), "english") {
				english = true
				break
			}
		}
		if !english {
			return true
		}
	}
	return false
}

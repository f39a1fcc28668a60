// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/longbox/longbox/lib/errdef"
)

// A ServiceLink is one download offer on a release page, classified by the
// service hosting it.
type ServiceLink struct {
	Service string `json:"service"`
	URL     string `json:"url"`
}

// A DownloadGroup is one payload offered on a release page together with
// every service it can be fetched from. A page offering several payloads
// (issue packs, parts) has several groups, each introduced by its own
// heading.
type DownloadGroup struct {
	Title string        `json:"title"`
	Links []ServiceLink `json:"links"`
}

// ResolveReleasePage fetches a release page and extracts its title and the
// download groups on it. FailedGCPage when the page offers nothing usable.
func (s *Searcher) ResolveReleasePage(ctx context.Context, link string) (string, []DownloadGroup, error) {
	resp, err := s.web.Get(ctx, link)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, errdef.New(errdef.FailedGCPage, "release page %s returned status %d", link, resp.StatusCode)
	}
	root, err := html.Parse(resp.Body)
	if err != nil {
		return "", nil, err
	}

	title, groups := parseDownloadGroups(root)
	if len(groups) == 0 {
		return "", nil, errdef.New(errdef.FailedGCPage, "no usable download links on %s", link)
	}
	metricPagesResolvedTotal.Inc()
	l.Debugf("Resolved %s into %d download groups", link, len(groups))
	return title, groups, nil
}

// parseDownloadGroups walks the page in document order: headings open a new
// group, recognised anchors join the current one. Groups without links are
// dropped, which takes care of the surrounding site furniture. The first h1
// is the page title.
func parseDownloadGroups(root *html.Node) (string, []DownloadGroup) {
	var pageTitle string
	var groups []DownloadGroup
	var current DownloadGroup
	flush := func() {
		if len(current.Links) > 0 {
			groups = append(groups, current)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				if title := strings.TrimSpace(textContent(n)); title != "" {
					if n.Data == "h1" && pageTitle == "" {
						pageTitle = title
					}
					flush()
					current = DownloadGroup{Title: title}
				}
				return
			case "a":
				href := attrValue(n, "href")
				label := textContent(n) + " " + attrValue(n, "title")
				if service := classifyService(href, label); service != "" {
					current.Links = append(current.Links, ServiceLink{Service: service, URL: href})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	flush()
	return pageTitle, groups
}

// ServiceOf classifies a bare link the way release page anchors are
// classified: a config.KnownServices entry, "torrent" for magnet links, or
// empty when the link gives nothing away.
func ServiceOf(link string) string {
	return classifyService(link, "")
}

// classifyService names the download service behind a link: one of the
// config.KnownServices entries, "torrent" for magnet links, empty for links
// that are not downloads at all.
func classifyService(href, label string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(href), "magnet:") {
		return "torrent"
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "mega.nz" || host == "mega.co.nz" || strings.HasSuffix(host, ".mega.nz"):
		return "mega"
	case strings.Contains(host, "mediafire."):
		return "mediafire"
	case strings.Contains(host, "wetransfer.") || host == "we.tl":
		return "wetransfer"
	case strings.Contains(host, "pixeldrain."):
		return "pixeldrain"
	case strings.Contains(host, "comicfiles.") || strings.Contains(u.Path, "/dlds/"):
		return "getcomics"
	}

	// The site's own mirrors only give themselves away by the button text.
	label = strings.ToLower(label)
	if strings.Contains(label, "download now") || strings.Contains(label, "main server") ||
		strings.Contains(label, "mirror download") {
		return "getcomics"
	}
	return ""
}

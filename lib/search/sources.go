// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/longbox/longbox/lib/httpclient"
)

// GetComicsURL is the website the GetComics source scrapes.
const GetComicsURL = "https://getcomics.org"

// A Source is one place releases can be found. Search returns the releases
// offered for the query; parsing the titles and matching them against the
// library is the aggregator's concern.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// defaultSources is the production source set. New sources get registered
// here.
func defaultSources(web *httpclient.Client) []Source {
	return []Source{
		&getComics{web: web, base: GetComicsURL},
	}
}

// getComics scrapes the GetComics website. A search lists one article per
// release with the release page linked from the article title; size and
// page count ride along in the article text.
type getComics struct {
	web  *httpclient.Client
	base string
}

func (g *getComics) Name() string { return "GetComics" }

func (g *getComics) Search(ctx context.Context, query string) ([]Result, error) {
	resp, err := g.web.Get(ctx, g.base+"/?s="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GetComics returned status %d", resp.StatusCode)
	}
	root, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, article := range findElements(root, "article") {
		title := descendantWithClass(article, "post-title")
		if title == nil {
			continue
		}
		anchor := firstElement(title, "a")
		if anchor == nil {
			continue
		}
		link := attrValue(anchor, "href")
		name := strings.TrimSpace(textContent(anchor))
		if link == "" || name == "" {
			continue
		}

		info := textContent(article)
		results = append(results, Result{
			Link:         link,
			DisplayTitle: name,
			Source:       g.Name(),
			Filesize:     parseFilesize(info),
			Pages:        parsePages(info),
		})
	}
	return results, nil
}

var (
	filesizeExp = regexp.MustCompile(`(?i)size\s*:\s*([\d.,]+)\s*(kb|mb|gb)`)
	pagesExp    = regexp.MustCompile(`(?i)pages\s*:\s*(\d+)`)
)

// parseFilesize reads a "Size : 150 MB" annotation into bytes, 0 when
// absent.
func parseFilesize(text string) int64 {
	m := filesizeExp.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2]) {
	case "kb":
		value *= 1 << 10
	case "mb":
		value *= 1 << 20
	case "gb":
		value *= 1 << 30
	}
	return int64(value)
}

// parsePages reads a "Pages : 40" annotation, 0 when absent.
func parsePages(text string) int {
	m := pagesExp.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

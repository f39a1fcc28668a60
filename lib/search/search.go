// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package search finds downloadable releases for volumes and issues. Every
// registered source is queried concurrently with a set of increasingly
// generic queries, the merged results are matched against the volume and
// ranked, and release pages can be resolved into per-service download
// links.
package search

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/httpclient"
	"github.com/longbox/longbox/lib/matching"
)

// Source × query calls run concurrently, at most this many at a time.
const searchConcurrency = 4

// A Result is one release offered by a search source. The embedded
// FilenameData and Provenance are parsed out of the display title by the
// aggregator, not by the source.
type Result struct {
	comic.FilenameData
	comic.Provenance

	Link         string `json:"link"`
	DisplayTitle string `json:"display_title"`
	Source       string `json:"source"`
	Filesize     int64  `json:"filesize"`
	Pages        int    `json:"pages"`
}

// A MatchedResult is a Result annotated with the match verdict. Covers is
// the issue span the result was chosen for during auto search, nil outside
// of that.
type MatchedResult struct {
	Result
	matching.MatchResult

	Covers *comic.NumberRange `json:"-"`

	rank matching.Rank
}

// A Searcher queries the registered sources and matches what they return
// against the library.
type Searcher struct {
	db      *db.DB
	web     *httpclient.Client
	sources []Source
}

// New returns a Searcher using the default source set.
func New(database *db.DB, web *httpclient.Client) *Searcher {
	return &Searcher{
		db:      database,
		web:     web,
		sources: defaultSources(web),
	}
}

// Query templates per kind of volume, most specific first. Sources answer
// the specific queries with the good releases and the generic ones with
// everything else; the year terms are dropped when the volume has no year.
var (
	tpbQueries = []string{
		"{title} Vol. {volume_number} ({year}) TPB",
		"{title} ({year}) TPB",
		"{title} Vol. {volume_number} TPB",
		"{title} Vol. {volume_number}",
		"{title}",
	}
	vaiQueries = []string{
		"{title} ({year})",
		"{title}",
	}
	volumeQueries = []string{
		"{title} Vol. {volume_number} ({year})",
		"{title} ({year})",
		"{title} Vol. {volume_number}",
		"{title}",
	}
	issueQueries = []string{
		"{title} #{issue_number} ({year})",
		"{title} ({year})",
		"{title} #{issue_number}",
		"{title}",
	}
)

// buildQueries expands the template set fitting the volume. issueNumber is
// the literal issue number when searching for a single issue, empty
// otherwise.
func buildQueries(title string, vol db.Volume, issueNumber string) []string {
	var formats []string
	switch {
	case vol.SpecialVersion == comic.TPB:
		formats = tpbQueries
	case vol.SpecialVersion == comic.VolumeAsIssue:
		formats = vaiQueries
	case issueNumber == "":
		formats = volumeQueries
	default:
		formats = issueQueries
	}

	var year string
	if vol.Year != nil {
		year = strconv.Itoa(*vol.Year)
	}
	expand := strings.NewReplacer(
		"{title}", title,
		"{volume_number}", strconv.Itoa(vol.VolumeNumber),
		"{year}", year,
		"{issue_number}", issueNumber,
	)

	// Dropping the year collapses some templates into others; keep the
	// first occurrence only.
	seen := make(map[string]bool, len(formats))
	queries := make([]string, 0, len(formats))
	for _, format := range formats {
		if vol.Year == nil {
			format = strings.TrimSpace(strings.ReplaceAll(format, "({year})", ""))
		}
		query := expand.Replace(format)
		if seen[query] {
			continue
		}
		seen[query] = true
		queries = append(queries, query)
	}
	return queries
}

// searchSources runs every source × query pair and merges the results,
// dropping duplicate links. Failures are logged and counted, not
// propagated; the remaining calls still stand.
func (s *Searcher) searchSources(ctx context.Context, queries []string) []Result {
	type call struct {
		source Source
		query  string
	}
	var calls []call
	for _, source := range s.sources {
		for _, query := range queries {
			calls = append(calls, call{source, query})
		}
	}

	// One slot per call keeps the merge order deterministic regardless of
	// which call finishes first.
	slots := make([][]Result, len(calls))
	var g errgroup.Group
	g.SetLimit(searchConcurrency)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			metricQueriesTotal.WithLabelValues(c.source.Name()).Inc()
			results, err := c.source.Search(ctx, c.query)
			if err != nil {
				metricSourceErrorsTotal.WithLabelValues(c.source.Name()).Inc()
				l.Infof("Search source %s failed for %q: %v", c.source.Name(), c.query, err)
				return nil
			}
			slots[i] = results
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	var merged []Result
	seen := make(map[string]bool)
	for _, results := range slots {
		for _, result := range results {
			if result.Link == "" || seen[result.Link] {
				continue
			}
			seen[result.Link] = true
			merged = append(merged, result)
		}
	}
	return merged
}

// ManualSearch searches for a volume, or for one of its issues when issueID
// is not zero, and returns every result with its match verdict, best first.
// The issue id only narrows the search for volumes whose issues are
// released individually; the alternative title is tried when the main title
// turns up nothing.
func (s *Searcher) ManualSearch(ctx context.Context, volumeID, issueID int64) ([]MatchedResult, error) {
	vol, err := s.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	issues, err := s.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	mvol := matchingVolume(vol)
	missues := make([]matching.Issue, len(issues))
	numberToYear := make(map[float64]*int, len(issues))
	for i, issue := range issues {
		missues[i] = matching.Issue{
			ID:               issue.ID,
			CalculatedNumber: issue.CalculatedIssueNumber,
			Year:             issue.Year(),
		}
		numberToYear[issue.CalculatedIssueNumber] = issue.Year()
	}

	var issueNumber string
	var searchedNumber *float64
	if issueID != 0 && (vol.SpecialVersion == comic.Normal || vol.SpecialVersion == comic.VolumeAsIssue) {
		issue, err := s.db.Issue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		if issue.VolumeID != volumeID {
			return nil, errdef.New(errdef.IssueNotFound, "issue %d is not part of volume %d", issueID, volumeID)
		}
		issueNumber = issue.IssueNumber
		n := issue.CalculatedIssueNumber
		searchedNumber = &n
	}

	if issueNumber != "" {
		l.Infof("Starting manual search: %s #%s", vol.Title, issueNumber)
	} else {
		l.Infof("Starting manual search: %s", vol.Title)
	}

	blocklisted := func(link string) bool { return s.db.IsBlocklisted(ctx, link) }

	titles := []string{vol.Title}
	if vol.AltTitle != nil {
		titles = append(titles, *vol.AltTitle)
	}
	for _, title := range titles {
		if title == "" {
			continue
		}
		searchTitle := strings.ReplaceAll(title, ":", "")

		raw := s.searchSources(ctx, buildQueries(searchTitle, vol, issueNumber))
		if len(raw) == 0 {
			continue
		}

		results := make([]MatchedResult, len(raw))
		for i, r := range raw {
			r.FilenameData = filename.Extract(r.DisplayTitle)
			r.Provenance = filename.ExtractProvenance(r.DisplayTitle)
			sr := matching.SearchResult{FilenameData: r.FilenameData, Link: r.Link}
			verdict := matching.CheckSearchResult(sr, mvol, missues, numberToYear, searchedNumber, blocklisted)
			results[i] = MatchedResult{
				Result:      r,
				MatchResult: verdict,
				rank:        matching.SearchRank(sr, verdict.Match, mvol, searchedNumber),
			}
		}
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].rank.Less(results[j].rank)
		})
		l.Debugf("Manual search gave %d results", len(results))
		return results, nil
	}
	return nil, nil
}

func matchingVolume(vol db.Volume) matching.Volume {
	m := matching.Volume{
		Title:          vol.Title,
		Year:           vol.Year,
		SpecialVersion: vol.SpecialVersion,
	}
	if vol.AltTitle != nil {
		m.AltTitle = *vol.AltTitle
	}
	if vol.VolumeNumber != 0 {
		n := vol.VolumeNumber
		m.VolumeNumber = &n
	}
	return m
}

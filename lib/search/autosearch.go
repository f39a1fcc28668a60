// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
)

// AutoSearch searches for a volume, or for one of its issues when issueID
// is not zero, and picks the results worth downloading: matches only, best
// rank first, no two picks covering the same issue, nothing covering an
// issue that is already on disk or unmonitored. A volume search is followed
// up with individual issue searches for the issues the picks left
// uncovered.
func (s *Searcher) AutoSearch(ctx context.Context, volumeID, issueID int64) ([]MatchedResult, error) {
	vol, err := s.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	issues, err := s.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	bindings, err := s.db.IssueFileBindings(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	hasFiles := make(map[int64]bool, len(bindings))
	for _, b := range bindings {
		hasFiles[b.IssueID] = true
	}

	if issueID != 0 {
		l.Infof("Starting auto search for volume %d issue %d", volumeID, issueID)
	} else {
		l.Infof("Starting auto search for volume %d", volumeID)
	}

	// The searchable issues are the monitored ones without a file. An
	// unmonitored volume has none.
	var searchable []db.Issue
	switch {
	case !vol.Monitored:
	case issueID == 0:
		for _, issue := range issues {
			if issue.Monitored && !hasFiles[issue.ID] {
				searchable = append(searchable, issue)
			}
		}
	default:
		issue, ok := issueByID(issues, issueID)
		if !ok {
			return nil, errdef.New(errdef.IssueNotFound, "issue %d is not part of volume %d", issueID, volumeID)
		}
		if issue.Monitored && !hasFiles[issue.ID] {
			searchable = append(searchable, issue)
		}
	}
	if len(searchable) == 0 {
		return nil, nil
	}

	results, err := s.ManualSearch(ctx, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	matches := make([]MatchedResult, 0, len(results))
	for _, result := range results {
		if result.Match {
			matches = append(matches, result)
		}
	}

	// When searching for a single item the best match wins outright. That
	// covers issue searches and the special versions that download as one
	// file.
	if issueID != 0 || (vol.SpecialVersion != comic.Normal && vol.SpecialVersion != comic.VolumeAsIssue) {
		if len(matches) == 0 {
			return nil, nil
		}
		return matches[:1], nil
	}

	searchableNumbers := make(map[float64]bool, len(searchable))
	for _, issue := range searchable {
		searchableNumbers[issue.CalculatedIssueNumber] = true
	}

	var chosen []MatchedResult
	for _, result := range matches {
		covers, covered, ok := resultCoverage(result, vol, issues)
		if !ok {
			continue
		}

		// Part of what the result covers being downloaded already or
		// unmonitored disqualifies it.
		alreadyHave := false
		for _, issue := range covered {
			if !searchableNumbers[issue.CalculatedIssueNumber] {
				alreadyHave = true
				break
			}
		}
		if alreadyHave {
			continue
		}

		overlaps := false
		for _, part := range chosen {
			if part.Covers.Overlaps(covers) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}

		result.Covers = &covers
		chosen = append(chosen, result)
	}

	// Issues no pick covers might still turn up when searched for
	// individually: a release can be absent from the volume listings but
	// present under its own name.
	var missing []db.Issue
	for _, issue := range searchable {
		covered := false
		for _, part := range chosen {
			if part.Covers.Contains(issue.CalculatedIssueNumber) {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, issue)
		}
	}
	for _, issue := range missing {
		more, err := s.AutoSearch(ctx, volumeID, issue.ID)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, more...)
	}

	l.Debugf("Auto search chose %d results", len(chosen))
	return chosen, nil
}

// resultCoverage determines the issue span a volume search result covers:
// its issue number when it has one, the volume number for a volume-as-issue
// release, every issue for a special version downloading the whole volume
// as one file.
func resultCoverage(result MatchedResult, vol db.Volume, issues []db.Issue) (comic.NumberRange, []db.Issue, bool) {
	switch {
	case result.IssueNumber != nil:
		return *result.IssueNumber, issuesInRange(issues, *result.IssueNumber), true

	case vol.SpecialVersion == comic.VolumeAsIssue && result.SpecialVersion == comic.TPB:
		if result.VolumeNumber == nil {
			return comic.NumberRange{}, nil, false
		}
		return *result.VolumeNumber, issuesInRange(issues, *result.VolumeNumber), true

	case (vol.SpecialVersion == comic.OneShot || vol.SpecialVersion == comic.HardCover || vol.SpecialVersion == comic.TPB) &&
		(result.SpecialVersion == vol.SpecialVersion || result.SpecialVersion == comic.TPB):
		return comic.Number(1), issues, true

	default:
		return comic.NumberRange{}, nil, false
	}
}

// issuesInRange returns the issues whose calculated number lies within r.
func issuesInRange(issues []db.Issue, r comic.NumberRange) []db.Issue {
	var out []db.Issue
	for _, issue := range issues {
		if r.Contains(issue.CalculatedIssueNumber) {
			out = append(out, issue)
		}
	}
	return out
}

func issueByID(issues []db.Issue, id int64) (db.Issue, bool) {
	for _, issue := range issues {
		if issue.ID == id {
			return issue, true
		}
	}
	return db.Issue{}, false
}

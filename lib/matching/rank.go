// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package matching

import (
	"math"
	"sort"
	"strings"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/filename"
)

// A Rank is a lexicographic sort key for search results. Lower sorts first;
// every matching result ranks before every non-matching one.
type Rank [4]float64

// Less compares two ranks lexicographically.
func (r Rank) Less(o Rank) bool {
	for i := range r {
		if r[i] != o[i] {
			return r[i] < o[i]
		}
	}
	return false
}

// SearchRank computes the sort key of a search result: filter verdict first,
// then how many words of the result title are foreign to the volume title,
// then year and volume number agreement, then how well the issue numbers fit
// the searched issue.
func SearchRank(result SearchResult, match bool, vol Volume, searchedNumber *float64) Rank {
	var rank Rank

	if !match {
		rank[0] = 1
	}

	rank[1] = float64(unknownWords(vol.Title, result.Series))

	meta := 0.0
	if vol.VolumeNumber != nil && result.VolumeNumber != nil && !result.VolumeNumber.IsRange &&
		float64(*vol.VolumeNumber) == result.VolumeNumber.Start {
		meta++
	}
	if vol.Year != nil && result.Year != nil && *vol.Year == *result.Year {
		meta += 2
	}
	if YearsMatch(vol.Year, result.Year, nil, false) {
		meta++
	}
	rank[2] = 3 - meta

	rank[3] = issueFit(result, searchedNumber)
	return rank
}

// unknownWords counts the words of title that do not occur in reference.
func unknownWords(reference, title string) int {
	known := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(reference)) {
		known[w] = true
	}
	unknown := 0
	for _, w := range strings.Fields(strings.ToLower(title)) {
		if !known[w] {
			unknown++
		}
	}
	return unknown
}

// issueFit scores how precisely the result covers the searched issue: 0 for
// an exact hit, up to 1 for a range containing it (narrower is better), 2
// for a special version without issue numbers, 3 otherwise.
func issueFit(result SearchResult, searchedNumber *float64) float64 {
	in := result.IssueNumber
	if in == nil {
		if result.SpecialVersion != comic.Normal {
			return 2
		}
		return 3
	}
	if searchedNumber == nil {
		if !in.IsRange {
			return 0
		}
		return 1 - 1/float64(in.Width())
	}
	if !in.IsRange && in.Start == *searchedNumber {
		return 0
	}
	if in.Contains(*searchedNumber) {
		return 1 - 1/float64(in.Width())
	}
	return 3
}

// A CandidateVolume is a catalog search result considered during library
// import.
type CandidateVolume struct {
	ID           int64
	Title        string
	Year         *int
	VolumeNumber int
	IssueCount   int
	Translated   bool
}

// SelectBestVolumeForGroup picks, out of the catalog search results, the
// volume that fits a group of files best. The group shares everything but
// the issue number; the first entry is taken as representative. Returns
// false when no result passes the filters.
func SelectBestVolumeForGroup(group []comic.FilenameData, results []CandidateVolume, onlyEnglish bool) (CandidateVolume, bool) {
	if len(group) == 0 {
		return CandidateVolume{}, false
	}
	first := group[0]

	var startYear, endYear *int
	for _, fd := range group {
		if fd.Year == nil {
			continue
		}
		if startYear == nil || *fd.Year < *startYear {
			startYear = fd.Year
		}
		if endYear == nil || *fd.Year > *endYear {
			endYear = fd.Year
		}
	}

	highestIssue := math.Inf(-1)
	haveIssues := false
	for _, fd := range group {
		if fd.IssueNumber == nil {
			continue
		}
		haveIssues = true
		for _, e := range fd.IssueNumber.Ends() {
			if e > highestIssue {
				highestIssue = e
			}
		}
	}

	// How many issues the group covers at least. A range like 3a-4b covers
	// at least two issues; without the volume's issue list we cannot know
	// more, so this is a lower bound to filter with.
	covered := make(map[float64]bool)
	minIssueCount := 0
	for _, fd := range group {
		if fd.IssueNumber == nil {
			continue
		}
		if covered[fd.IssueNumber.Start] {
			continue
		}
		covered[fd.IssueNumber.Start] = true
		minIssueCount += fd.IssueNumber.Width()
	}

	var filtered []CandidateVolume
	for _, result := range results {
		if !TitlesMatch(first.Series, result.Title) {
			continue
		}
		if onlyEnglish && result.Translated {
			continue
		}

		// One-issue special versions cannot land on a result of a different
		// one-issue kind, nor on a result with several issues.
		resultSpecial := filename.DetectSpecialVersion(result.Title)
		if first.SpecialVersion.IsOneIssue() && resultSpecial.IsOneIssue() &&
			first.SpecialVersion != resultSpecial {
			continue
		}
		if first.SpecialVersion.IsOneIssue() && result.IssueCount != 1 {
			continue
		}

		if result.IssueCount < minIssueCount {
			continue
		}

		filtered = append(filtered, result)
	}
	if len(filtered) == 0 {
		return CandidateVolume{}, false
	}

	rating := func(result CandidateVolume) int {
		r := 0
		if result.Year != nil && startYear != nil && *result.Year == *startYear {
			r++
		}
		if YearsMatch(startYear, result.Year, endYear, false) {
			r++
		}
		if first.VolumeNumber != nil && !first.VolumeNumber.IsRange &&
			float64(result.VolumeNumber) == first.VolumeNumber.Start {
			r += 2
		}
		if result.IssueCount == minIssueCount {
			r++
		}
		if haveIssues && highestIssue > float64(result.IssueCount) {
			r--
		}
		return r
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return rating(filtered[i]) > rating(filtered[j])
	})
	return filtered[0], true
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matching decides whether parsed file names, download groups and
// search results belong to a given volume. All predicates are pure; callers
// supply the volume, its issues and whatever was parsed, and get a verdict.
package matching

import (
	"regexp"
	"strings"

	"github.com/longbox/longbox/lib/comic"
)

// Volume is the slice of volume state the predicates need.
type Volume struct {
	Title          string
	AltTitle       string
	Year           *int
	VolumeNumber   *int
	SpecialVersion comic.SpecialVersion
}

// Issue is the slice of issue state the predicates need.
type Issue struct {
	ID               int64
	CalculatedNumber float64
	Year             *int
}

// Noise dropped from titles before comparison. The "annuals" to "annual"
// rewrite in CleanTitle stands in for trimming the plural s.
var cleanTitleExp = regexp.MustCompile(`(/|-|–|\+|,|\.|!|:|\bthe\s|\band\b|&|’|'|"|\bone[-\s]?shot\b|\bhard[-\s]?cover\b|\bomnibus\b|\btpb\b)`)

// CleanTitle reduces a title to its comparable core: lowercase, noise tokens
// and spaces dropped. "The Amazing Spider-Man" and "Amazing Spiderman" clean
// to the same string.
func CleanTitle(title string) string {
	t := strings.ToLower(title)
	t = strings.ReplaceAll(t, "annuals", "annual")
	t = cleanTitleExp.ReplaceAllString(t, "")
	return strings.ReplaceAll(t, " ", "")
}

// TitlesMatch reports whether two titles refer to the same series.
func TitlesMatch(a, b string) bool {
	return CleanTitle(a) == CleanTitle(b)
}

// TitleContains additionally accepts b being a longer form of a, such as
// "X-Men" against "X Men Unlimited".
func TitleContains(a, b string) bool {
	return strings.Contains(CleanTitle(b), CleanTitle(a))
}

// YearsMatch allows one year of wiggle room on either side: reference-1 <=
// check <= end+1, where end falls back to the reference year. With either
// year unknown the verdict is the conservative default.
func YearsMatch(reference, check *int, endYear *int, conservative bool) bool {
	if reference == nil || check == nil {
		return conservative
	}
	end := *reference
	if endYear != nil {
		end = *endYear
	}
	return *reference-1 <= *check && *check <= end+1
}

// VolumeNumbersMatch accepts a parsed volume number when it equals the
// volume's, when it looks like the volume's year (users enter years as
// volume numbers), or, for volume-as-issue volumes, when every value in the
// range exists as an issue number.
func VolumeNumbersMatch(vol Volume, issues []Issue, check *comic.NumberRange, conservative bool) bool {
	if vol.VolumeNumber == nil && vol.Year == nil {
		return conservative
	}
	if check == nil {
		return conservative
	}

	if !check.IsRange {
		n := int(check.Start)
		if vol.VolumeNumber != nil && n == *vol.VolumeNumber {
			return true
		}
		if YearsMatch(vol.Year, &n, nil, false) {
			return true
		}
	}

	// The volume number may really be an issue number.
	if vol.SpecialVersion != comic.VolumeAsIssue {
		return false
	}
	for _, want := range check.Ends() {
		found := false
		for _, issue := range issues {
			if issue.CalculatedNumber == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SpecialVersionsMatch checks a parsed special version against the volume's,
// allowing for the lacking specificity of file names: covers and metadata
// match anything, issue 1 passes for the one-of-one variants, and an
// unlabeled TPB is accepted where the file name simply omitted the detail.
func SpecialVersionsMatch(reference, check comic.SpecialVersion, volumeTitle string, issueNumber *comic.NumberRange) bool {
	if check == reference || check == comic.CoverFile || check == comic.MetadataFile {
		return true
	}

	if issueNumber != nil && !issueNumber.IsRange && issueNumber.Start == 1 &&
		(reference == comic.HardCover || reference == comic.OneShot || reference == comic.Omnibus) {
		return true
	}

	if reference == comic.VolumeAsIssue && check == comic.Normal {
		return true
	}

	if check == comic.Omnibus && strings.Contains(strings.ToLower(volumeTitle), "omnibus") {
		return true
	}

	return check == comic.TPB &&
		(reference == comic.HardCover || reference == comic.OneShot ||
			reference == comic.Omnibus || reference == comic.VolumeAsIssue)
}

// FolderExtractionFilter decides whether a file pulled out of a folder or
// archive is relevant to the volume at all. Files carrying neither a year
// nor a volume number pass on title alone, to be safe.
func FolderExtractionFilter(fd comic.FilenameData, vol Volume, issues []Issue, endYear *int) bool {
	annual := strings.Contains(strings.ToLower(vol.Title), "annual")
	matchingAnnual := fd.Annual == annual

	matchingTitle := TitlesMatch(fd.Series, vol.Title)
	matchingYear := YearsMatch(vol.Year, fd.Year, endYear, false)
	matchingVolume := VolumeNumbersMatch(vol, issues, fd.VolumeNumber, false)
	matchingSpecial := SpecialVersionsMatch(vol.SpecialVersion, fd.SpecialVersion, vol.Title, fd.IssueNumber)

	neitherFound := fd.Year == nil && fd.VolumeNumber == nil

	return matchingTitle && matchingAnnual && matchingSpecial &&
		(matchingYear || matchingVolume || neitherFound)
}

// FileImportingFilter decides whether a scanned file belongs to the volume.
// The year comparison uses the release year of the last issue the file
// covers, when known.
func FileImportingFilter(fd comic.FilenameData, vol Volume, issues []Issue, numberToYear map[float64]*int) bool {
	var issueNumber *comic.NumberRange
	switch {
	case fd.IssueNumber != nil:
		issueNumber = fd.IssueNumber
	case vol.SpecialVersion == comic.VolumeAsIssue && fd.VolumeNumber != nil:
		issueNumber = fd.VolumeNumber
	}

	matchingSpecial := SpecialVersionsMatch(vol.SpecialVersion, fd.SpecialVersion, vol.Title, fd.IssueNumber)
	matchingVolume := VolumeNumbersMatch(vol, issues, fd.VolumeNumber, false)

	var endYear *int
	if issueNumber != nil {
		ends := issueNumber.Ends()
		endYear = numberToYear[ends[len(ends)-1]]
	}
	matchingYear := YearsMatch(vol.Year, fd.Year, endYear, false)

	return matchingSpecial && (matchingVolume || matchingYear)
}

// DownloadGroupFilter decides whether a download group title matches the
// volume. All predicates run conservatively because group titles are often
// sparse.
func DownloadGroupFilter(desc comic.FilenameData, vol Volume, endingYear *int, issues []Issue) bool {
	annual := strings.Contains(strings.ToLower(vol.Title), "annual")

	matchingTitle := TitlesMatch(vol.Title, desc.Series)
	matchingVolume := VolumeNumbersMatch(vol, issues, desc.VolumeNumber, true)

	if endingYear == nil {
		endingYear = vol.Year
	}
	matchingYear := YearsMatch(vol.Year, desc.Year, endingYear, true)

	matchingSpecial := SpecialVersionsMatch(vol.SpecialVersion, desc.SpecialVersion, vol.Title, desc.IssueNumber)

	return matchingTitle && desc.Annual == annual && matchingSpecial &&
		matchingVolume && matchingYear
}

// A Rejection labels one reason a search result was refused.
type Rejection string

const (
	RejectedBlocklisted    Rejection = "blocklisted"
	RejectedAnnual         Rejection = "annual"
	RejectedTitle          Rejection = "title"
	RejectedVolumeNumber   Rejection = "volume_number"
	RejectedSpecialVersion Rejection = "special_version"
	RejectedYear           Rejection = "year"
	RejectedIssueNumber    Rejection = "issue_number"
)

// A SearchResult is a parsed release title plus the link it was offered
// under.
type SearchResult struct {
	comic.FilenameData
	Link string
}

// A MatchResult annotates a search result with the filter verdict.
type MatchResult struct {
	Match      bool        `json:"match"`
	Rejections []Rejection `json:"match_rejections"`
}

// CheckSearchResult runs every predicate against the result and collects the
// labelled rejections. The result matches iff no predicate rejected it. For
// an issue search, searchedNumber is the calculated number of that issue;
// for a volume search it is nil and the extracted issue numbers must all
// exist in the volume. Blocklisted links are refused via the blocklisted
// callback, which may be nil.
func CheckSearchResult(result SearchResult, vol Volume, issues []Issue, numberToYear map[float64]*int, searchedNumber *float64, blocklisted func(string) bool) MatchResult {
	annual := strings.Contains(strings.ToLower(vol.Title), "annual")
	var rejections []Rejection

	if blocklisted != nil && blocklisted(result.Link) {
		rejections = append(rejections, RejectedBlocklisted)
	}

	if result.Annual != annual {
		rejections = append(rejections, RejectedAnnual)
	}

	if !TitlesMatch(vol.Title, result.Series) && !TitlesMatch(vol.AltTitle, result.Series) {
		rejections = append(rejections, RejectedTitle)
	}

	if !VolumeNumbersMatch(vol, issues, result.VolumeNumber, true) {
		rejections = append(rejections, RejectedVolumeNumber)
	}

	if !SpecialVersionsMatch(vol.SpecialVersion, result.SpecialVersion, vol.Title, result.IssueNumber) {
		rejections = append(rejections, RejectedSpecialVersion)
	}

	var issueNumber *comic.NumberRange
	switch {
	case result.IssueNumber != nil:
		issueNumber = result.IssueNumber
	case vol.SpecialVersion == comic.VolumeAsIssue && result.VolumeNumber != nil:
		issueNumber = result.VolumeNumber
	}

	var endYear *int
	if issueNumber != nil {
		ends := issueNumber.Ends()
		endYear = numberToYear[ends[len(ends)-1]]
	}
	if !YearsMatch(vol.Year, result.Year, endYear, true) {
		rejections = append(rejections, RejectedYear)
	}

	if vol.SpecialVersion == comic.Normal || vol.SpecialVersion == comic.VolumeAsIssue {
		if searchedNumber == nil {
			// Volume search: every extracted issue number must exist in the
			// volume.
			ok := issueNumber != nil
			if ok {
				for _, e := range issueNumber.Ends() {
					if _, exists := numberToYear[e]; !exists {
						ok = false
						break
					}
				}
			}
			if !ok {
				rejections = append(rejections, RejectedIssueNumber)
			}
		} else if issueNumber == nil || issueNumber.IsRange || issueNumber.Start != *searchedNumber {
			rejections = append(rejections, RejectedIssueNumber)
		}
	}

	return MatchResult{Match: len(rejections) == 0, Rejections: rejections}
}

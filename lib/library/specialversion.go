// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package library

import (
	"regexp"
	"strings"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
)

var (
	volumeIssueTitleExp = regexp.MustCompile(`(?i)^(book|vol(\.|ume)?)\s*\d+$`)
	hardCoverTitleExp   = regexp.MustCompile(`(?i)\bhardcover\b|\bhard[- ]cover\b|\bhc\b`)
	oneShotTitleExp     = regexp.MustCompile(`(?i)\bone[- ]?shot\b`)
	tpbTitleExp         = regexp.MustCompile(`(?i)\btpb\b|\btrade[- ]paper[- ]?back\b`)
	omnibusTitleExp     = regexp.MustCompile(`(?i)\bomnibus\b`)

	hardCoverDescExp = regexp.MustCompile(`(?i)(hard[- ]?cover|deluxe edition)`)
	tpbDescExp       = regexp.MustCompile(`(?i)(trade paperback|collects)`)
	oneShotDescExp   = regexp.MustCompile(`(?i)one[- ]?shot`)
)

// DetermineSpecialVersion infers how a volume deviates from the sequential
// issue pattern, looking at the volume title, its (short) description and
// its issues. The outcome steers filename matching and renaming; a user can
// override and lock it.
func DetermineSpecialVersion(title, description string, issues []db.Issue) comic.SpecialVersion {
	if len(issues) == 0 {
		return comic.Normal
	}

	// A run whose issues are titled "Volume N" is a volume-as-issue
	// release: the catalog counts books, not issues.
	if len(issues) > 1 {
		allVolumeTitles := true
		for _, issue := range issues {
			if issue.Title == nil || !volumeIssueTitleExp.MatchString(strings.TrimSpace(*issue.Title)) {
				allVolumeTitles = false
				break
			}
		}
		if allVolumeTitles {
			return comic.VolumeAsIssue
		}
	}

	if len(issues) > 1 {
		return comic.Normal
	}

	// One issue. The title is the strongest signal, then the issue title,
	// then the description.
	haystacks := []string{title}
	if issues[0].Title != nil {
		haystacks = append(haystacks, *issues[0].Title)
	}
	for _, h := range haystacks {
		switch {
		case oneShotTitleExp.MatchString(h):
			return comic.OneShot
		case hardCoverTitleExp.MatchString(h):
			return comic.HardCover
		case omnibusTitleExp.MatchString(h):
			return comic.Omnibus
		case tpbTitleExp.MatchString(h):
			return comic.TPB
		}
	}

	switch {
	case oneShotDescExp.MatchString(description):
		return comic.OneShot
	case hardCoverDescExp.MatchString(description):
		return comic.HardCover
	case tpbDescExp.MatchString(description):
		return comic.TPB
	}

	// A single-issue volume without any other marker reads as a one-shot.
	return comic.OneShot
}

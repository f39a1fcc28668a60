// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package naming renders the configured format strings into folder and file
// names and renames library files to match them. Names must survive a round
// trip through the filename parser, or the scanner would refuse the very
// files we just renamed; the format checks enforce that with mock volumes
// before a format is accepted.
package naming

import (
	"context"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/matching"
)

// A Namer generates names from catalog data and the configured formats.
type Namer struct {
	cfg      *config.Wrapper
	db       *db.DB
	evLogger events.Logger
}

func New(cfg *config.Wrapper, database *db.DB, evLogger events.Logger) *Namer {
	return &Namer{
		cfg:      cfg,
		db:       database,
		evLogger: evLogger,
	}
}

// unknown stands in for naming values the catalog does not have.
const unknown = "Unknown"

// The rendered forms of the special versions, in long and abbreviated
// flavor. Both must parse back to the same special version, so the
// abbreviations are limited to the markers the filename parser knows.
var (
	longSpecialVersions = map[comic.SpecialVersion]string{
		comic.TPB:           "Trade Paper Back",
		comic.OneShot:       "One-Shot",
		comic.HardCover:     "Hard-Cover",
		comic.Omnibus:       "Omnibus",
		comic.VolumeAsIssue: "",
		comic.CoverFile:     "Cover",
	}
	shortSpecialVersions = map[comic.SpecialVersion]string{
		comic.TPB:           "TPB",
		comic.OneShot:       "OS",
		comic.HardCover:     "HC",
		comic.Omnibus:       "Omnibus",
		comic.VolumeAsIssue: "",
		comic.CoverFile:     "Cover",
	}
)

// namingKeys maps format tokens to their rendered values.
type namingKeys map[string]string

var tokenExp = regexp.MustCompile(`\{([^{}]*)\}`)

// render substitutes the tokens of format from keys. Unknown tokens stay in
// place; CheckFormat keeps them out of stored settings.
func render(format string, keys namingKeys) string {
	return tokenExp.ReplaceAllStringFunc(format, func(m string) string {
		if v, ok := keys[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func zfill(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

var separatorStripper = strings.NewReplacer("/", "", "\\", "")

// cleanSeriesName moves a leading article to the end, "The Boys" sorting as
// "Boys, The".
func cleanSeriesName(name string) string {
	for _, prefix := range []string{"The ", "A "} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):] + ", " + strings.TrimSpace(prefix)
		}
	}
	return name
}

// volumeKeys builds the naming values available for every file of a volume.
// sv overrides the special version token; covers of a normal volume render
// with the cover marker, not the volume's own version.
func volumeKeys(vol db.Volume, sv comic.SpecialVersion, s config.Settings) namingKeys {
	seriesName := separatorStripper.Replace(vol.Title)
	mapping := shortSpecialVersions
	if s.LongSpecialVersion {
		mapping = longSpecialVersions
	}

	keys := namingKeys{
		"series_name":       seriesName,
		"clean_series_name": cleanSeriesName(seriesName),
		"volume_number":     zfill(strconv.Itoa(vol.VolumeNumber), s.VolumePadding),
		"comicvine_id":      strconv.FormatInt(vol.ComicVineID, 10),
		"year":              unknown,
		"publisher":         unknown,
		"special_version":   unknown,
	}
	if vol.Year != nil {
		keys["year"] = strconv.Itoa(*vol.Year)
	}
	if vol.Publisher != nil {
		keys["publisher"] = *vol.Publisher
	}
	if v, ok := mapping[sv]; ok {
		keys["special_version"] = v
	}
	return keys
}

// issueKeys extends volumeKeys with the issue tokens. The second return
// reports whether the issue has a title; titleless issues use the empty
// naming format.
func issueKeys(vol db.Volume, issue db.Issue, s config.Settings) (namingKeys, bool) {
	keys := volumeKeys(vol, vol.SpecialVersion, s)

	keys["issue_comicvine_id"] = strconv.FormatInt(issue.ComicVineID, 10)

	keys["issue_number"] = unknown
	if issue.IssueNumber != "" {
		keys["issue_number"] = zfill(issue.IssueNumber, s.IssuePadding)
	}

	var title string
	if issue.Title != nil {
		title = separatorStripper.Replace(*issue.Title)
	}
	keys["issue_title"] = unknown
	if title != "" {
		keys["issue_title"] = title
	}

	keys["issue_release_date"] = unknown
	if issue.Date != nil && *issue.Date != "" {
		keys["issue_release_date"] = *issue.Date
	}
	keys["issue_release_year"] = unknown
	if y := issue.Year(); y != nil {
		keys["issue_release_year"] = strconv.Itoa(*y)
	}

	return keys, title != ""
}

// VolumeFolderName renders the volume folder format for the volume.
func (n *Namer) VolumeFolderName(vol db.Volume) string {
	s := n.cfg.Raw()
	return fsutil.SafePath(render(s.VolumeFolderNaming, volumeKeys(vol, vol.SpecialVersion, s)))
}

// VolumeFolderPath returns the absolute folder for the volume under root.
// When custom is not empty it is used as the folder name instead of the
// generated one.
func (n *Namer) VolumeFolderPath(root string, vol db.Volume, custom string) string {
	name := custom
	if name == "" {
		name = n.VolumeFolderName(vol)
	}
	p := filepath.Join(root, name)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return fsutil.SafePath(p)
}

// IssueName renders the file name, without extension, for the part of the
// volume covered by r. For one-of-one special versions r may be nil; for a
// volume-as-issue volume r carries volume numbers rather than issue numbers.
func (n *Namer) IssueName(ctx context.Context, vol db.Volume, sv comic.SpecialVersion, r *comic.NumberRange) (string, error) {
	s := n.cfg.Raw()

	var (
		keys     namingKeys
		format   string
		issueful bool
		normal   bool
	)
	switch {
	case sv == comic.TPB || sv == comic.OneShot || sv == comic.HardCover:
		keys = volumeKeys(vol, sv, s)
		format = s.FileNamingSpecialVersion

	case sv == comic.VolumeAsIssue:
		if r == nil {
			return "", errdef.New(errdef.IssueNotFound, "no issue number for volume %d", vol.ID)
		}
		issue, err := n.db.IssueByCalculatedNumber(ctx, vol.ID, r.Start)
		if err != nil {
			return "", err
		}
		keys, _ = issueKeys(vol, issue, s)
		format = s.FileNamingVAI
		issueful = true

	case sv != comic.Normal:
		keys = volumeKeys(vol, sv, s)
		format = s.FileNamingSpecialVersion

	default:
		if r == nil {
			return "", errdef.New(errdef.IssueNotFound, "no issue number for volume %d", vol.ID)
		}
		issue, err := n.db.IssueByCalculatedNumber(ctx, vol.ID, r.Start)
		if err != nil {
			return "", err
		}
		var hasTitle bool
		keys, hasTitle = issueKeys(vol, issue, s)
		format = s.FileNaming
		if !hasTitle {
			format = s.FileNamingEmpty
		}
		issueful = true
		normal = true
	}

	if issueful && r.IsRange {
		end, err := n.db.IssueByCalculatedNumber(ctx, vol.ID, r.End)
		if err != nil {
			return "", err
		}
		keys["issue_number"] = zfill(keys["issue_number"], s.IssuePadding) +
			" - " + zfill(end.IssueNumber, s.IssuePadding)
	}

	name := fsutil.SafePath(render(format, keys))

	if normal && format == s.FileNaming {
		if got := filename.Extract(name).IssueNumber; got == nil || *got != *r {
			// The issue title can mislead the filename parser: a title like
			// "Book 1" on issue 4 reads back as issue 1. A name without the
			// title is used instead when it survives the round trip.
			titleless := fsutil.SafePath(render(s.FileNamingEmpty, keys))
			if got := filename.Extract(titleless).IssueNumber; got != nil && *got == *r {
				name = titleless
			}
		}
	}

	return name, nil
}

var (
	imageYearExp   = regexp.MustCompile(`(?:19|20)\d{2}`)
	imageCoverExp  = regexp.MustCompile(`(?i)\bcovers?\b[\s._-]*(\d+[a-z]?)?`)
	imagePageExp   = regexp.MustCompile(`(?i)^(\d+(?:[a-f]|_\d+)?)$|\b(?:page|pg)[\s._-]*(\d+(?:[a-f]|_\d+)?)|n?\d+[-_p](\d+(?:[a-f]|_\d+)?)`)
	imageDigitsExp = regexp.MustCompile(`\d+`)
)

// ImageName names a page or cover scan after what its current name says it
// is: "Cover", "Cover 2" or the bare page number. Years are ignored so that
// "Batman 2016 page 03" does not read as page 2016.
func ImageName(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = imageYearExp.ReplaceAllString(stem, "")

	if m := imageCoverExp.FindStringSubmatch(stem); m != nil {
		return strings.TrimSpace("Cover " + m[1])
	}
	if m := imagePageExp.FindStringSubmatch(stem); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				return g
			}
		}
	}
	if ms := imageDigitsExp.FindAllString(stem, -1); ms != nil {
		return ms[len(ms)-1]
	}
	return "1"
}

// The tokens each format setting may use.
var formatTokens = map[string]map[string]bool{
	"volume_folder_naming":        tokenSet(baseTokenList),
	"file_naming":                 tokenSet(baseTokenList, svTokenList, issueTokenList),
	"file_naming_empty":           tokenSet(baseTokenList, svTokenList, issueTokenList),
	"file_naming_special_version": tokenSet(baseTokenList, svTokenList),
	"file_naming_vai":             tokenSet(baseTokenList, svTokenList, issueTokenList),
}

var (
	baseTokenList = []string{
		"series_name", "clean_series_name", "volume_number",
		"comicvine_id", "year", "publisher",
	}
	svTokenList    = []string{"special_version"}
	issueTokenList = []string{
		"issue_comicvine_id", "issue_number", "issue_title",
		"issue_release_date", "issue_release_year",
	}
)

func tokenSet(lists ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, t := range list {
			set[t] = true
		}
	}
	return set
}

// CheckFormat reports whether format is acceptable for the given settings
// key: no path separator of the other platform, no unknown tokens.
func CheckFormat(format, key string) bool {
	disallowed := "\\"
	if runtime.GOOS == "windows" {
		disallowed = "/"
	}
	if strings.Contains(format, disallowed) {
		return false
	}

	allowed, ok := formatTokens[key]
	if !ok {
		return false
	}
	for _, m := range tokenExp.FindAllStringSubmatch(format, -1) {
		if !allowed[m[1]] {
			return false
		}
	}
	return true
}

// namingMock pairs a synthetic volume with one of its issues.
type namingMock struct {
	vol   db.Volume
	issue db.Issue
}

func mockVolume(sv comic.SpecialVersion) db.Volume {
	alt := "Spiderman"
	year := 2023
	publisher := "Marvel"
	return db.Volume{
		ComicVineID:    123,
		Title:          "Spider-Man",
		AltTitle:       &alt,
		Year:           &year,
		Publisher:      &publisher,
		VolumeNumber:   2,
		Monitored:      true,
		SpecialVersion: sv,
	}
}

func mockIssue(number, title string) db.Issue {
	calc, _ := filename.CalculateIssueNumber(number)
	date := "2023-03-04"
	issue := db.Issue{
		ComicVineID:           456,
		IssueNumber:           number,
		CalculatedIssueNumber: calc,
		Date:                  &date,
		Monitored:             true,
	}
	if title != "" {
		issue.Title = &title
	}
	return issue
}

func namingMocks(key string) []namingMock {
	switch key {
	case "file_naming_special_version":
		return []namingMock{
			{mockVolume(comic.OneShot), mockIssue("1", "One Shot")},
			{mockVolume(comic.TPB), mockIssue("1", "")},
		}
	case "file_naming", "file_naming_empty":
		return []namingMock{{mockVolume(comic.Normal), mockIssue("3b", "")}}
	case "file_naming_vai":
		return []namingMock{{mockVolume(comic.VolumeAsIssue), mockIssue("8", "")}}
	}
	return nil
}

// CheckMockFilename renders every file naming format against synthetic
// volumes and verifies the result parses back to the right volume and issue.
// A format that loses the series or the issue number would make every
// renamed file unrecognizable to the scanner.
func CheckMockFilename(s config.Settings) error {
	formats := map[string]string{
		"file_naming":                 s.FileNaming,
		"file_naming_empty":           s.FileNamingEmpty,
		"file_naming_special_version": s.FileNamingSpecialVersion,
		"file_naming_vai":             s.FileNamingVAI,
	}

	for key, value := range formats {
		for _, mock := range namingMocks(key) {
			var keys namingKeys
			if key == "file_naming_special_version" {
				keys = volumeKeys(mock.vol, mock.vol.SpecialVersion, s)
			} else {
				keys, _ = issueKeys(mock.vol, mock.issue, s)
			}
			name := fsutil.SafePath(render(filepath.Join(s.VolumeFolderNaming, value), keys))

			fd := filename.Extract(name)
			mvol := matching.Volume{
				Title:          mock.vol.Title,
				AltTitle:       *mock.vol.AltTitle,
				Year:           mock.vol.Year,
				VolumeNumber:   &mock.vol.VolumeNumber,
				SpecialVersion: mock.vol.SpecialVersion,
			}
			missues := []matching.Issue{{
				CalculatedNumber: mock.issue.CalculatedIssueNumber,
				Year:             mock.issue.Year(),
			}}
			numberToYear := map[float64]*int{
				mock.issue.CalculatedIssueNumber: mock.issue.Year(),
			}

			ok := matching.FileImportingFilter(fd, mvol, missues, numberToYear) &&
				matching.TitlesMatch(mock.vol.Title, fd.Series)
			if ok {
				switch key {
				case "file_naming_special_version":
				case "file_naming_vai":
					ok = matchesNumber(fd.IssueNumber, mock.issue.CalculatedIssueNumber) ||
						matchesNumber(fd.VolumeNumber, mock.issue.CalculatedIssueNumber)
				default:
					ok = matchesNumber(fd.IssueNumber, mock.issue.CalculatedIssueNumber)
				}
			}
			if !ok {
				return errdef.New(errdef.InvalidSettingValue, "%s: %q", key, value)
			}
		}
	}
	return nil
}

func matchesNumber(r *comic.NumberRange, want float64) bool {
	return r != nil && !r.IsRange && r.Start == want
}

// VerifyConfiguration rejects naming formats that would produce unusable
// names.
func (n *Namer) VerifyConfiguration(from, to config.Settings) error {
	formats := map[string]string{
		"volume_folder_naming":        to.VolumeFolderNaming,
		"file_naming":                 to.FileNaming,
		"file_naming_empty":           to.FileNamingEmpty,
		"file_naming_special_version": to.FileNamingSpecialVersion,
		"file_naming_vai":             to.FileNamingVAI,
	}
	for key, value := range formats {
		if !CheckFormat(value, key) {
			return errdef.New(errdef.InvalidSettingValue, "%s: %q", key, value)
		}
	}

	if from.VolumeFolderNaming == to.VolumeFolderNaming &&
		from.FileNaming == to.FileNaming &&
		from.FileNamingEmpty == to.FileNamingEmpty &&
		from.FileNamingSpecialVersion == to.FileNamingSpecialVersion &&
		from.FileNamingVAI == to.FileNamingVAI {
		return nil
	}
	return CheckMockFilename(to)
}

// CommitConfiguration is part of the config.Committer interface.
func (n *Namer) CommitConfiguration(_, _ config.Settings) bool { return true }

func (n *Namer) String() string { return "naming.Namer" }

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package filename turns file and folder names into structured metadata:
// series title, year, volume number, issue number or range, special version
// and the annual flag. Extraction is deterministic and has no side effects,
// so the same name always produces the same FilenameData.
package filename

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/longbox/longbox/lib/comic"
)

// Options adjusts how much the surrounding folder names are allowed to
// contribute to the result.
type Options struct {
	// PreferFolderYear makes a year found in the volume folder win over a
	// year found in the file name, for files that carry no issue number of
	// their own.
	PreferFolderYear bool
}

var (
	yearExp       = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	parenYearExp  = regexp.MustCompile(`\([^)]*?\b(19\d{2}|20\d{2})\b[^)]*?\)`)
	volumeExp     = regexp.MustCompile(`(?i)\bv(?:ol(?:ume)?)?[\s._]*(\d{1,3})(?:\s*[-–]\s*(\d{1,3}))?\b`)
	hashIssueExp  = regexp.MustCompile(`(?i)#(\d{1,4}(?:\.\d+)?[a-c½]?)(?:\s*[-–]\s*#?(\d{1,4}(?:\.\d+)?[a-c½]?))?`)
	wordIssueExp  = regexp.MustCompile(`(?i)\bissues?\b\s*#?(\d{1,4}(?:\.\d+)?[a-c½]?)(?:\s*[-–]\s*#?(\d{1,4}(?:\.\d+)?[a-c½]?))?`)
	parenIssueExp = regexp.MustCompile(`(?i)\(\s*(\d{1,4}(?:\.\d+)?[a-c½]?)\s*[-–,+]\s*(\d{1,4}(?:\.\d+)?[a-c½]?)\s*\)`)
	bareIssueExp  = regexp.MustCompile(`(?i)(^|[\s(\[])(\d{1,4}(?:\.\d+)?[a-c½]?)(?:\s*[-–]\s*(\d{1,4}(?:\.\d+)?[a-c½]?))?($|[\s)\]])`)
	annualExp     = regexp.MustCompile(`(?i)\bannuals?\b`)
	coverExp      = regexp.MustCompile(`(?i)\bcovers?\b`)
)

// Special version keywords, longest match first so that "hard-cover" is
// claimed before "cover".
var specialVersionExps = []struct {
	exp *regexp.Regexp
	sv  comic.SpecialVersion
}{
	{regexp.MustCompile(`(?i)\btrade[\s-]?paper[\s-]?back\b`), comic.TPB},
	{regexp.MustCompile(`(?i)\bhard[\s-]?cover\b`), comic.HardCover},
	{regexp.MustCompile(`(?i)\bone[\s-]?shot\b`), comic.OneShot},
	{regexp.MustCompile(`(?i)\bomnibus\b`), comic.Omnibus},
	{regexp.MustCompile(`(?i)\btpb\b`), comic.TPB},
	{regexp.MustCompile(`(?i)\bhc\b`), comic.HardCover},
	{regexp.MustCompile(`(?i)\bos\b`), comic.OneShot},
	{coverExp, comic.CoverFile},
}

// Stems that identify a metadata file regardless of the rest of the name.
var metadataStems = map[string]bool{
	"cvinfo":    true,
	"comicinfo": true,
	"metadata":  true,
	"series":    true,
}

// Extract parses path with default options.
func Extract(path string) comic.FilenameData {
	return ExtractWith(path, Options{})
}

// IsMetadataName reports whether the file's name marks it as a metadata
// sidecar regardless of extension, like cvinfo.txt or ComicInfo.xml.
func IsMetadataName(path string) bool {
	stem, _ := splitScannable(filepath.Base(path))
	return metadataStems[strings.ToLower(stem)]
}

// VolumeNumberInText finds a volume marker ("Vol. 3", "volume 3") anywhere
// in free text, such as a catalog summary.
func VolumeNumberInText(text string) (int, bool) {
	m := volumeExp.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractWith parses a file or folder path into FilenameData. The base name
// carries most of the information; up to two parent folders fill in series,
// year and volume number when the base name lacks them.
func ExtractWith(path string, opts Options) comic.FilenameData {
	path = norm.NFC.String(filepath.ToSlash(path))

	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Archive extraction scratch folders contribute nothing.
	n := 0
	for _, p := range parts {
		if !strings.HasPrefix(p, comic.ExtractionPrefix) {
			parts[n] = p
			n++
		}
	}
	parts = parts[:n]
	if len(parts) == 0 {
		return comic.FilenameData{}
	}

	base := parts[len(parts)-1]
	stem, _ := splitScannable(base)

	if low := strings.ToLower(stem); metadataStems[low] || comic.IsMetadata(base) {
		var data comic.FilenameData
		if !metadataStems[low] {
			data = parseName(stem)
			data.IssueNumber = nil
		}
		data.SpecialVersion = comic.MetadataFile
		inheritFolders(&data, parts[:len(parts)-1], opts)
		return data
	}

	if comic.IsImage(base) {
		// Pages and cover scans inside an issue folder describe the folder,
		// not themselves. Only a cover marker in the image name survives.
		data := parseFolders(parts[:len(parts)-1], opts)
		if coverExp.MatchString(normalize(stem)) {
			data.SpecialVersion = comic.CoverFile
		}
		return data
	}

	data := parseName(stem)
	inheritFolders(&data, parts[:len(parts)-1], opts)
	return data
}

// splitScannable cuts a known scannable extension off base. Unknown
// extensions stay part of the stem so that dots in series titles survive.
func splitScannable(base string) (stem, ext string) {
	e := comic.Ext(base)
	for _, known := range comic.ScannableExtensions {
		if e == known {
			return base[:len(base)-len(e)], e
		}
	}
	return base, ""
}

type span struct{ lo, hi int }

func (s span) overlaps(o span) bool { return s.lo < o.hi && o.lo < s.hi }

type claims struct {
	spans []span
}

// claim records [lo,hi) unless it overlaps an earlier claim.
func (c *claims) claim(lo, hi int) bool {
	s := span{lo, hi}
	for _, o := range c.spans {
		if s.overlaps(o) {
			return false
		}
	}
	c.spans = append(c.spans, s)
	return true
}

func (c *claims) claimed(lo, hi int) bool {
	s := span{lo, hi}
	for _, o := range c.spans {
		if s.overlaps(o) {
			return true
		}
	}
	return false
}

// parseName extracts everything a single name component can carry.
func parseName(name string) comic.FilenameData {
	var data comic.FilenameData
	text := normalize(name)
	var cl claims
	cut := len(text)
	structural := func(lo int) {
		if lo < cut {
			cut = lo
		}
	}

	// Volume number, before years so that "Vol. 3" is never read as an
	// issue 3.
	if m := volumeExp.FindStringSubmatchIndex(text); m != nil && cl.claim(m[0], m[1]) {
		lo, _ := strconv.Atoi(text[m[2]:m[3]])
		hi := lo
		if m[4] >= 0 {
			hi, _ = strconv.Atoi(text[m[4]:m[5]])
		}
		r := comic.NewRange(float64(lo), float64(hi))
		data.VolumeNumber = &r
		structural(m[0])
	}

	// Year, preferring one inside parentheses.
	if m := parenYearExp.FindStringSubmatchIndex(text); m != nil && cl.claim(m[2], m[3]) {
		y, _ := strconv.Atoi(text[m[2]:m[3]])
		data.Year = &y
		structural(m[0])
	} else if m := yearExp.FindStringSubmatchIndex(text); m != nil && cl.claim(m[0], m[1]) {
		y, _ := strconv.Atoi(text[m[0]:m[1]])
		data.Year = &y
		structural(m[0])
	}

	// Special version keywords.
	for _, sx := range specialVersionExps {
		m := sx.exp.FindStringIndex(text)
		if m == nil || !cl.claim(m[0], m[1]) {
			continue
		}
		if data.SpecialVersion == comic.Normal {
			data.SpecialVersion = sx.sv
		}
		structural(m[0])
	}

	if m := annualExp.FindStringIndex(text); m != nil {
		data.Annual = true
		// Annual is part of the series title, not a structural cut point.
	}

	// Issue numbers, most explicit notation first.
	issueMatchers := []*regexp.Regexp{hashIssueExp, wordIssueExp, parenIssueExp}
	for _, exp := range issueMatchers {
		m := exp.FindStringSubmatchIndex(text)
		if m == nil || !cl.claim(m[0], m[1]) {
			continue
		}
		if r, ok := rangeFromMatch(text, m, 1); ok {
			data.IssueNumber = &r
			structural(m[0])
		}
		break
	}

	if data.IssueNumber == nil {
		if m := findBareIssue(text, &cl); m != nil {
			if r, ok := rangeFromMatch(text, m, 2); ok {
				data.IssueNumber = &r
				structural(m[4])
			}
		}
	}

	data.Series = trimSeries(text[:cut])
	return data
}

var ofCounterExp = regexp.MustCompile(`(?i)\bof\s*$`)

// findBareIssue scans for a free-standing number that is not a year, not an
// "of N" counter and not already claimed by another token. The rightmost
// candidate wins so that a number leading the series title ("100 Bullets")
// is not mistaken for the issue.
func findBareIssue(text string, cl *claims) []int {
	var best []int
	for _, m := range bareIssueExp.FindAllStringSubmatchIndex(text, -1) {
		lo, hi := m[4], m[5]
		if m[6] >= 0 {
			hi = m[7]
		}
		if cl.claimed(lo, hi) {
			continue
		}
		if isYearValued(text[m[4]:m[5]]) || (m[6] >= 0 && isYearValued(text[m[6]:m[7]])) {
			continue
		}
		if ofCounterExp.MatchString(text[:m[4]]) {
			continue
		}
		best = m
	}
	if best != nil {
		lo, hi := best[4], best[5]
		if best[6] >= 0 {
			hi = best[7]
		}
		cl.claim(lo, hi)
	}
	return best
}

// isYearValued reports whether a 4-digit token falls in the year window and
// must therefore not be taken for an issue number.
func isYearValued(tok string) bool {
	if len(tok) != 4 {
		return false
	}
	n, err := strconv.Atoi(tok)
	return err == nil && 1900 <= n && n <= 2099
}

// rangeFromMatch builds a number range from submatch group g (and g+1 for
// the optional range end) of an index match on text.
func rangeFromMatch(text string, m []int, g int) (comic.NumberRange, bool) {
	lo, ok := CalculateIssueNumber(text[m[2*g]:m[2*g+1]])
	if !ok {
		return comic.NumberRange{}, false
	}
	if m[2*g+2] >= 0 {
		if hi, ok := CalculateIssueNumber(text[m[2*g+2]:m[2*g+3]]); ok {
			return comic.NewRange(lo, hi), true
		}
	}
	return comic.Number(lo), true
}

// normalize flattens separators: underscores become spaces, dots become
// spaces unless they sit between two digits, runs of spaces collapse.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	rs := []rune(s)
	for i, r := range rs {
		switch r {
		case '_':
			b.WriteRune(' ')
		case '.':
			if i > 0 && i < len(rs)-1 && isDigit(rs[i-1]) && isDigit(rs[i+1]) {
				b.WriteRune('.')
			} else {
				b.WriteRune(' ')
			}
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isDigit(r rune) bool { return '0' <= r && r <= '9' }

// trimSeries drops the separators and brackets a structural cut leaves
// behind at the end of the series title.
func trimSeries(s string) string {
	s = strings.TrimSpace(s)
	for {
		t := strings.TrimRight(s, " -–_,.([#")
		t = strings.TrimSpace(t)
		if t == s {
			return s
		}
		s = t
	}
}

// parseFolders extracts from the closest folder that yields anything, for
// files whose own name carries no information (cover scans, page images).
func parseFolders(folders []string, opts Options) comic.FilenameData {
	for i := len(folders) - 1; i >= 0 && i >= len(folders)-2; i-- {
		data := parseName(folders[i])
		if data.Series != "" || data.IssueNumber != nil || data.Year != nil {
			inheritFolders(&data, folders[:i], opts)
			return data
		}
	}
	return comic.FilenameData{}
}

// inheritFolders fills gaps in data from up to two parent folder names. With
// PreferFolderYear set, a folder year overrides the file year for files that
// carry no issue number.
func inheritFolders(data *comic.FilenameData, folders []string, opts Options) {
	for i := len(folders) - 1; i >= 0 && i >= len(folders)-2; i-- {
		fd := parseName(folders[i])
		if data.Series == "" {
			data.Series = fd.Series
			data.Annual = data.Annual || fd.Annual
		}
		if data.VolumeNumber == nil {
			data.VolumeNumber = fd.VolumeNumber
		}
		if data.Year == nil {
			data.Year = fd.Year
		} else if opts.PreferFolderYear && data.IssueNumber == nil && fd.Year != nil {
			data.Year = fd.Year
		}
	}
}

// DetectSpecialVersion reports the special version named in a volume title,
// if any. Unlike full extraction it looks at keywords only.
func DetectSpecialVersion(title string) comic.SpecialVersion {
	text := normalize(title)
	for _, sx := range specialVersionExps {
		if sx.sv == comic.CoverFile {
			continue
		}
		if sx.exp.MatchString(text) {
			return sx.sv
		}
	}
	return comic.Normal
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filename

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/longbox/longbox/lib/comic"
)

var (
	parenGroupExp = regexp.MustCompile(`\(([^)]*)\)`)
	resolutionExp = regexp.MustCompile(`(?i)\b\d{3,4}px?\b|\b\d{3,5}\s*x\s*\d{3,5}\b`)
	dpiExp        = regexp.MustCompile(`(?i)\b\d{2,3}\s*dpi\b`)
	scanTypeExp   = regexp.MustCompile(`(?i)\b(digital|scan|c2c|fiche|paper)\b`)
)

// ExtractProvenance pulls release annotations out of a file name. In
// "Series 001 (2020) (Digital) (Zone-Empire).cbz" the scan type is
// "digital" and the releaser "Zone-Empire". Resolution and dpi markers are
// picked up wherever they appear.
func ExtractProvenance(path string) comic.Provenance {
	stem, _ := splitScannable(filepath.Base(filepath.ToSlash(path)))
	text := normalize(stem)

	var p comic.Provenance
	if m := resolutionExp.FindString(text); m != "" {
		p.Resolution = strings.ToLower(strings.Join(strings.Fields(m), ""))
	}
	if m := dpiExp.FindString(text); m != "" {
		p.DPI = strings.ToLower(strings.Join(strings.Fields(m), ""))
	}

	for _, g := range parenGroupExp.FindAllStringSubmatch(text, -1) {
		inner := strings.TrimSpace(g[1])
		if inner == "" {
			continue
		}
		if m := scanTypeExp.FindString(inner); m != "" {
			p.ScanType = strings.ToLower(m)
			continue
		}
		if yearExp.MatchString(inner) || resolutionExp.MatchString(inner) ||
			dpiExp.MatchString(inner) || parenIssueLike(inner) {
			continue
		}
		// Whatever remains is taken for the release group. The last group
		// wins, matching the convention of putting the releaser at the end.
		p.Releaser = inner
	}
	return p
}

// parenIssueLike reports whether a parenthesised fragment is numeric, as in
// issue lists or "of 12" counters, and so cannot be a releaser name.
var parenNumericExp = regexp.MustCompile(`(?i)^(?:of\s*)?[\d\s,+–#.-]+$`)

func parenIssueLike(s string) bool {
	return parenNumericExp.MatchString(s)
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package matching

import (
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/longbox/longbox/lib/comic"
)

func intp(v int) *int { return &v }

func num(v float64) *comic.NumberRange {
	r := comic.Number(v)
	return &r
}

func rng(lo, hi float64) *comic.NumberRange {
	r := comic.NewRange(lo, hi)
	return &r
}

func TestTitlesMatch(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"The Amazing Spider-Man", "Amazing Spiderman", true},
		{"X-Men", "X Men Unlimited", false},
		{"Batman Annuals", "Batman Annual", true},
		{"Superman: One-Shot", "Superman", true},
		{"Saga", "Saga", true},
		{"Saga", "Sago", false},
		{"Fables & Reflections", "Fables Reflections", true},
	}
	for _, tc := range cases {
		if got := TitlesMatch(tc.a, tc.b); got != tc.want {
			t.Errorf("TitlesMatch(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}

	if !TitleContains("X-Men", "X Men Unlimited") {
		t.Error("expected X-Men to be contained in X Men Unlimited")
	}
	if TitleContains("X-Men Unlimited", "X-Men") {
		t.Error("contains must not hold in the reverse direction")
	}
}

func TestYearsMatch(t *testing.T) {
	cases := []struct {
		ref, chk, end *int
		conservative  bool
		want          bool
	}{
		{intp(2015), intp(2016), nil, false, true},
		{intp(2015), intp(2018), nil, false, false},
		{intp(2015), intp(2018), intp(2017), false, true},
		{nil, intp(2016), nil, true, true},
		{nil, intp(2016), nil, false, false},
		{intp(2015), nil, nil, true, true},
		{intp(2015), intp(2014), nil, false, true},
		{intp(2015), intp(2013), nil, false, false},
	}
	for i, tc := range cases {
		if got := YearsMatch(tc.ref, tc.chk, tc.end, tc.conservative); got != tc.want {
			t.Errorf("case %d: YearsMatch = %v, want %v", i, got, tc.want)
		}
	}
}

func TestVolumeNumbersMatch(t *testing.T) {
	vol := Volume{Title: "Batman", Year: intp(2016), VolumeNumber: intp(3)}

	if !VolumeNumbersMatch(vol, nil, num(3), false) {
		t.Error("expected volume number 3 to match")
	}
	if VolumeNumbersMatch(vol, nil, num(4), false) {
		t.Error("expected volume number 4 not to match")
	}
	// Users enter years as volume numbers.
	if !VolumeNumbersMatch(vol, nil, num(2017), false) {
		t.Error("expected year-valued volume number to match")
	}
	if VolumeNumbersMatch(vol, nil, nil, false) {
		t.Error("expected nil check to fail without conservative")
	}
	if !VolumeNumbersMatch(vol, nil, nil, true) {
		t.Error("expected nil check to pass conservatively")
	}
	if !VolumeNumbersMatch(Volume{}, nil, num(1), true) {
		t.Error("expected unknown volume to pass conservatively")
	}

	vai := Volume{Title: "Monica", VolumeNumber: intp(1), SpecialVersion: comic.VolumeAsIssue}
	issues := []Issue{{CalculatedNumber: 1}, {CalculatedNumber: 2}, {CalculatedNumber: 3}}
	if !VolumeNumbersMatch(vai, issues, num(2), false) {
		t.Error("expected VAI volume number 2 to match issue 2")
	}
	if !VolumeNumbersMatch(vai, issues, rng(2, 3), false) {
		t.Error("expected VAI range 2-3 to match")
	}
	if VolumeNumbersMatch(vai, issues, rng(2, 5), false) {
		t.Error("expected VAI range 2-5 not to match")
	}
	if VolumeNumbersMatch(vai, issues, num(7), false) {
		t.Error("expected VAI volume number 7 not to match")
	}
}

func TestSpecialVersionsMatch(t *testing.T) {
	cases := []struct {
		ref, chk comic.SpecialVersion
		title    string
		issue    *comic.NumberRange
		want     bool
	}{
		{comic.TPB, comic.TPB, "X", nil, true},
		{comic.TPB, comic.CoverFile, "X", nil, true},
		{comic.Normal, comic.MetadataFile, "X", nil, true},
		{comic.HardCover, comic.Normal, "X", num(1), true},
		{comic.HardCover, comic.Normal, "X", num(2), false},
		{comic.OneShot, comic.Normal, "X", num(1), true},
		{comic.VolumeAsIssue, comic.Normal, "X", nil, true},
		{comic.Normal, comic.Omnibus, "Infinity Omnibus", nil, true},
		{comic.Normal, comic.Omnibus, "Batman", nil, false},
		{comic.OneShot, comic.TPB, "X", nil, true},
		{comic.Omnibus, comic.TPB, "X", nil, true},
		{comic.Normal, comic.TPB, "X", nil, false},
		{comic.Normal, comic.HardCover, "X", nil, false},
	}
	for i, tc := range cases {
		if got := SpecialVersionsMatch(tc.ref, tc.chk, tc.title, tc.issue); got != tc.want {
			t.Errorf("case %d: SpecialVersionsMatch(%v, %v) = %v, want %v", i, tc.ref, tc.chk, got, tc.want)
		}
	}
}

func TestFolderExtractionFilter(t *testing.T) {
	vol := Volume{Title: "Batman - Detective Comics", Year: intp(2016), VolumeNumber: intp(3)}

	keep := comic.FilenameData{
		Series:       "Batman - Detective Comics",
		Year:         intp(2016),
		VolumeNumber: num(3),
		IssueNumber:  num(6),
	}
	if !FolderExtractionFilter(keep, vol, nil, nil) {
		t.Error("expected matching file to be kept")
	}

	wrongSeries := keep
	wrongSeries.Series = "Superman"
	if FolderExtractionFilter(wrongSeries, vol, nil, nil) {
		t.Error("expected filter to drop wrong series")
	}

	bare := comic.FilenameData{Series: "Batman - Detective Comics"}
	if !FolderExtractionFilter(bare, vol, nil, nil) {
		t.Error("expected file without year and volume to be kept")
	}

	annual := keep
	annual.Annual = true
	if FolderExtractionFilter(annual, vol, nil, nil) {
		t.Error("expected annual mismatch to drop the file")
	}
}

func TestFileImportingFilter(t *testing.T) {
	vol := Volume{Title: "Batman", Year: intp(2016), VolumeNumber: intp(3)}
	issues := []Issue{
		{CalculatedNumber: 1, Year: intp(2016)},
		{CalculatedNumber: 2, Year: intp(2016)},
		{CalculatedNumber: 3, Year: intp(2017)},
	}
	numberToYear := map[float64]*int{1: intp(2016), 2: intp(2016), 3: intp(2017)}

	byVolume := comic.FilenameData{Series: "Batman", VolumeNumber: num(3), IssueNumber: num(2)}
	if !FileImportingFilter(byVolume, vol, issues, numberToYear) {
		t.Error("expected volume number match to pass")
	}

	byIssueYear := comic.FilenameData{Series: "Batman", Year: intp(2017), IssueNumber: num(2)}
	if !FileImportingFilter(byIssueYear, vol, issues, numberToYear) {
		t.Error("expected issue release year to pass")
	}

	wrongYear := comic.FilenameData{Series: "Batman", Year: intp(2019), IssueNumber: num(2)}
	if FileImportingFilter(wrongYear, vol, issues, numberToYear) {
		t.Error("expected far-off year to fail")
	}

	tpbVol := Volume{Title: "Monstress", Year: intp(2016), VolumeNumber: intp(1), SpecialVersion: comic.TPB}
	plainIssue := comic.FilenameData{Series: "Monstress", Year: intp(2016), IssueNumber: num(2)}
	if FileImportingFilter(plainIssue, tpbVol, nil, nil) {
		t.Error("expected plain issue not to match a TPB volume")
	}

	vai := Volume{Title: "Monica", Year: intp(2016), VolumeNumber: intp(1), SpecialVersion: comic.VolumeAsIssue}
	vaiIssues := []Issue{{CalculatedNumber: 1}, {CalculatedNumber: 2}}
	asVolume := comic.FilenameData{Series: "Monica", Year: intp(2016), VolumeNumber: num(2)}
	if !FileImportingFilter(asVolume, vai, vaiIssues, map[float64]*int{1: intp(2016), 2: intp(2016)}) {
		t.Error("expected VAI file to match through its volume number")
	}
}

func TestCheckSearchResult(t *testing.T) {
	vol := Volume{Title: "Batman", Year: intp(2016), VolumeNumber: intp(3)}
	issues := []Issue{
		{CalculatedNumber: 1}, {CalculatedNumber: 2}, {CalculatedNumber: 3},
	}
	numberToYear := map[float64]*int{1: intp(2016), 2: intp(2016), 3: intp(2017)}
	searched := 2.0

	ok := SearchResult{
		FilenameData: comic.FilenameData{Series: "Batman", Year: intp(2016), IssueNumber: num(2)},
		Link:         "https://example.com/a",
	}
	res := CheckSearchResult(ok, vol, issues, numberToYear, &searched, nil)
	if !res.Match || len(res.Rejections) != 0 {
		t.Errorf("expected clean match, got %+v", res)
	}

	res = CheckSearchResult(ok, vol, issues, numberToYear, &searched, func(string) bool { return true })
	if res.Match || len(res.Rejections) != 1 || res.Rejections[0] != RejectedBlocklisted {
		t.Errorf("expected blocklisted rejection, got %+v", res)
	}

	wrongIssue := ok
	wrongIssue.IssueNumber = num(5)
	res = CheckSearchResult(wrongIssue, vol, issues, numberToYear, &searched, nil)
	if res.Match {
		t.Error("expected issue number mismatch to reject")
	}
	want := []Rejection{RejectedIssueNumber}
	if diff, equal := messagediff.PrettyDiff(want, res.Rejections); !equal {
		t.Errorf("rejections:\n%s", diff)
	}

	// Volume-wide search accepts ranges that exist in the volume.
	rangeResult := SearchResult{
		FilenameData: comic.FilenameData{Series: "Batman", Year: intp(2016), IssueNumber: rng(1, 3)},
	}
	res = CheckSearchResult(rangeResult, vol, issues, numberToYear, nil, nil)
	if !res.Match {
		t.Errorf("expected range 1-3 to match volume search, got %+v", res)
	}

	offRange := SearchResult{
		FilenameData: comic.FilenameData{Series: "Batman", Year: intp(2016), IssueNumber: rng(1, 5)},
	}
	res = CheckSearchResult(offRange, vol, issues, numberToYear, nil, nil)
	if res.Match || res.Rejections[0] != RejectedIssueNumber {
		t.Errorf("expected unknown issue rejection, got %+v", res)
	}

	// Several predicates can fail at once, in a fixed order.
	bad := SearchResult{
		FilenameData: comic.FilenameData{Series: "Superman", Annual: true, IssueNumber: num(5)},
	}
	res = CheckSearchResult(bad, vol, issues, numberToYear, &searched, nil)
	want = []Rejection{RejectedAnnual, RejectedTitle, RejectedIssueNumber}
	if diff, equal := messagediff.PrettyDiff(want, res.Rejections); !equal {
		t.Errorf("rejections:\n%s", diff)
	}

	// The alternative title rescues the series comparison.
	altVol := vol
	altVol.AltTitle = "Dark Knight Files"
	alt := SearchResult{
		FilenameData: comic.FilenameData{Series: "Dark Knight Files", Year: intp(2016), IssueNumber: num(2)},
	}
	res = CheckSearchResult(alt, altVol, issues, numberToYear, &searched, nil)
	if !res.Match {
		t.Errorf("expected alt title match, got %+v", res)
	}
}

func TestSearchRank(t *testing.T) {
	vol := Volume{Title: "Batman", Year: intp(2016), VolumeNumber: intp(3)}
	searched := 2.0

	exact := SearchResult{FilenameData: comic.FilenameData{
		Series: "Batman", Year: intp(2016), VolumeNumber: num(3), IssueNumber: num(2),
	}}
	narrow := SearchResult{FilenameData: comic.FilenameData{
		Series: "Batman", Year: intp(2016), VolumeNumber: num(3), IssueNumber: rng(1, 3),
	}}
	wide := SearchResult{FilenameData: comic.FilenameData{
		Series: "Batman", Year: intp(2016), VolumeNumber: num(3), IssueNumber: rng(1, 6),
	}}
	noisy := SearchResult{FilenameData: comic.FilenameData{
		Series: "Batman Europa Special", Year: intp(2016), VolumeNumber: num(3), IssueNumber: num(2),
	}}

	rExact := SearchRank(exact, true, vol, &searched)
	rNarrow := SearchRank(narrow, true, vol, &searched)
	rWide := SearchRank(wide, true, vol, &searched)
	rNoisy := SearchRank(noisy, true, vol, &searched)
	rNonMatch := SearchRank(exact, false, vol, &searched)

	if !rExact.Less(rNarrow) {
		t.Error("exact issue must rank before a range")
	}
	if !rNarrow.Less(rWide) {
		t.Error("narrow range must rank before a wide one")
	}
	if !rExact.Less(rNoisy) {
		t.Error("clean title must rank before a noisy one")
	}
	// A match always ranks before any non-match.
	if !rWide.Less(rNonMatch) || !rNoisy.Less(rNonMatch) {
		t.Error("non-match must rank last")
	}
	if rNonMatch.Less(rExact) {
		t.Error("non-match must not rank before a match")
	}
}

func TestSelectBestVolumeForGroup(t *testing.T) {
	group := []comic.FilenameData{
		{Series: "Saga", Year: intp(2012), IssueNumber: num(1)},
		{Series: "Saga", Year: intp(2012), IssueNumber: num(2)},
		{Series: "Saga", Year: intp(2013), IssueNumber: num(3)},
	}
	results := []CandidateVolume{
		{ID: 1, Title: "Sago", Year: intp(2012), IssueCount: 10},
		{ID: 2, Title: "Saga", Year: intp(2010), IssueCount: 3},
		{ID: 3, Title: "Saga", Year: intp(2012), VolumeNumber: 1, IssueCount: 54},
		{ID: 4, Title: "Saga", Year: intp(2012), IssueCount: 2, Translated: true},
	}

	best, ok := SelectBestVolumeForGroup(group, results, true)
	if !ok || best.ID != 3 {
		t.Fatalf("expected volume 3 to win, got %+v ok=%v", best, ok)
	}

	// The issue-count lower bound filters out too-small volumes.
	small := []CandidateVolume{{ID: 5, Title: "Saga", Year: intp(2012), IssueCount: 2}}
	if _, ok := SelectBestVolumeForGroup(group, small, true); ok {
		t.Error("expected no match when the volume has fewer issues than the group covers")
	}

	// One-issue special versions only land on one-issue volumes.
	tpb := []comic.FilenameData{{Series: "Monstress", Year: intp(2019), SpecialVersion: comic.TPB}}
	candidates := []CandidateVolume{
		{ID: 6, Title: "Monstress", Year: intp(2019), IssueCount: 12},
		{ID: 7, Title: "Monstress", Year: intp(2019), IssueCount: 1},
	}
	best, ok = SelectBestVolumeForGroup(tpb, candidates, true)
	if !ok || best.ID != 7 {
		t.Fatalf("expected one-issue volume to win, got %+v ok=%v", best, ok)
	}

	if _, ok := SelectBestVolumeForGroup(nil, results, false); ok {
		t.Error("expected empty group to select nothing")
	}
}

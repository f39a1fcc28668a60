// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/matching"
)

func intp(i int) *int { return &i }

// stubSource answers queries from a table keyed by query substring. The
// empty key answers every query.
type stubSource struct {
	name    string
	results map[string][]Result

	mut     sync.Mutex
	queries []string
}

func (s *stubSource) Name() string {
	if s.name == "" {
		return "Stub"
	}
	return s.name
}

func (s *stubSource) Search(_ context.Context, query string) ([]Result, error) {
	s.mut.Lock()
	s.queries = append(s.queries, query)
	s.mut.Unlock()

	needles := make([]string, 0, len(s.results))
	for needle := range s.results {
		needles = append(needles, needle)
	}
	sort.Strings(needles)

	var out []Result
	for _, needle := range needles {
		if needle == "" || strings.Contains(query, needle) {
			out = append(out, s.results[needle]...)
		}
	}
	return out, nil
}

func (s *stubSource) seen() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := append([]string{}, s.queries...)
	sort.Strings(out)
	return out
}

type failSource struct{}

func (failSource) Name() string { return "Broken" }

func (failSource) Search(context.Context, string) ([]Result, error) {
	return nil, errors.New("wedged")
}

func newTestSearcher(t *testing.T, sources ...Source) (*Searcher, *db.DB) {
	t.Helper()
	database := db.OpenMemory()
	t.Cleanup(func() { database.Close() })
	return &Searcher{db: database, sources: sources}, database
}

// seedVolume adds a root folder, a volume rooted in it and issues with the
// given numbers.
func seedVolume(t *testing.T, database *db.DB, v db.Volume, issues ...db.Issue) (db.Volume, []db.Issue) {
	t.Helper()
	ctx := context.Background()

	rf, err := database.AddRootFolder(ctx, "/library")
	if err != nil {
		t.Fatal(err)
	}

	v.ComicVineID = 4050
	v.Monitored = true
	v.RootFolderID = rf.ID
	v.Folder = "/library/" + v.Title
	if err := database.AddVolume(ctx, &v); err != nil {
		t.Fatal(err)
	}

	for idx := range issues {
		issues[idx].VolumeID = v.ID
		issues[idx].ComicVineID = 4050*1000 + int64(idx)
		if issues[idx].Date == nil {
			date := fmt.Sprintf("2016-%02d-01", idx%12+1)
			issues[idx].Date = &date
		}
	}
	err = database.WithTx(ctx, func(tx *db.Tx) error {
		return tx.UpsertIssues(ctx, issues, true)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := database.IssuesForVolume(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	return v, got
}

func issue(num float64) db.Issue {
	return db.Issue{
		IssueNumber:           fmt.Sprintf("%v", num),
		CalculatedIssueNumber: num,
	}
}

func linkFile(t *testing.T, database *db.DB, issueID int64, path string) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *db.Tx) error {
		id, err := tx.AddFile(ctx, db.File{Path: path})
		if err != nil {
			return err
		}
		return tx.LinkIssueFile(ctx, issueID, id)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func result(title, link string) Result {
	return Result{Link: link, DisplayTitle: title, Source: "Stub"}
}

func links(results []MatchedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Link
	}
	return out
}

func TestBuildQueries(t *testing.T) {
	cases := []struct {
		name        string
		vol         db.Volume
		issueNumber string
		want        []string
	}{
		{
			name: "volume",
			vol:  db.Volume{Year: intp(2016), VolumeNumber: 2},
			want: []string{
				"Batman Vol. 2 (2016)",
				"Batman (2016)",
				"Batman Vol. 2",
				"Batman",
			},
		},
		{
			name:        "issue",
			vol:         db.Volume{Year: intp(2016), VolumeNumber: 2},
			issueNumber: "5",
			want: []string{
				"Batman #5 (2016)",
				"Batman (2016)",
				"Batman #5",
				"Batman",
			},
		},
		{
			name: "tpb",
			vol:  db.Volume{Year: intp(2016), VolumeNumber: 2, SpecialVersion: comic.TPB},
			want: []string{
				"Batman Vol. 2 (2016) TPB",
				"Batman (2016) TPB",
				"Batman Vol. 2 TPB",
				"Batman Vol. 2",
				"Batman",
			},
		},
		{
			name: "volume as issue",
			vol:  db.Volume{Year: intp(2016), VolumeNumber: 2, SpecialVersion: comic.VolumeAsIssue},
			want: []string{
				"Batman (2016)",
				"Batman",
			},
		},
		{
			name: "no year collapses templates",
			vol:  db.Volume{VolumeNumber: 2},
			want: []string{
				"Batman Vol. 2",
				"Batman",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildQueries("Batman", tc.vol, tc.issueNumber)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSearchSources(t *testing.T) {
	first := &stubSource{name: "First", results: map[string][]Result{
		"": {result("Batman Vol. 2 #1 (2016)", "http://x/a")},
	}}
	second := &stubSource{name: "Second", results: map[string][]Result{
		"": {
			result("Batman Vol. 2 #1 (2016)", "http://x/a"),
			result("Batman Vol. 2 #2 (2016)", "http://x/b"),
		},
	}}
	s, _ := newTestSearcher(t, failSource{}, first, second)

	merged := s.searchSources(context.Background(), []string{"Batman"})
	got := make([]string, len(merged))
	for i, r := range merged {
		got[i] = r.Link
	}
	want := []string{"http://x/a", "http://x/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestManualSearchRanking(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {
			result("Batman Vol. 2 #2 (2016)", "http://x/2"),
			result("Batman Vol. 2 #1-3 (2016)", "http://x/pack"),
			result("Batman Vol. 2 #1 (2016)", "http://x/1"),
		},
	}}
	s, database := newTestSearcher(t, stub)
	_, issues := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
	}, issue(1), issue(2), issue(3))

	results, err := s.ManualSearch(context.Background(), issues[0].VolumeID, issues[0].ID)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"http://x/1", "http://x/pack", "http://x/2"}
	if got := links(results); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i, match := range []bool{true, false, false} {
		if results[i].Match != match {
			t.Errorf("result %d: match = %v, want %v", i, results[i].Match, match)
		}
	}
	rejections := results[2].Rejections
	if len(rejections) != 1 || rejections[0] != matching.RejectedIssueNumber {
		t.Errorf("unexpected rejections %v", rejections)
	}
	if results[0].Series != "Batman" || results[0].IssueNumber == nil {
		t.Errorf("display title was not extracted: %+v", results[0].FilenameData)
	}
}

func TestManualSearchQueries(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{}}
	s, database := newTestSearcher(t, stub)
	vol, _ := seedVolume(t, database, db.Volume{
		Title: "Batman: White Knight", Year: intp(2017), VolumeNumber: 1,
	}, issue(1))

	if _, err := s.ManualSearch(context.Background(), vol.ID, 0); err != nil {
		t.Fatal(err)
	}

	// No source answered, so only the main title was tried, colon stripped.
	want := []string{
		"Batman White Knight",
		"Batman White Knight (2017)",
		"Batman White Knight Vol. 1",
		"Batman White Knight Vol. 1 (2017)",
	}
	if got := stub.seen(); !reflect.DeepEqual(got, want) {
		t.Errorf("got queries %q, want %q", got, want)
	}
}

func TestManualSearchAltTitle(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"Dark Knight": {result("The Dark Knight #1 (2016)", "http://x/alt")},
	}}
	s, database := newTestSearcher(t, stub)
	vol, issues := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 1,
	}, issue(1))

	ctx := context.Background()
	alt := "The Dark Knight"
	vol.AltTitle = &alt
	if err := database.UpdateVolume(ctx, vol); err != nil {
		t.Fatal(err)
	}

	results, err := s.ManualSearch(ctx, vol.ID, issues[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Link != "http://x/alt" {
		t.Fatalf("unexpected results %+v", results)
	}
	if !results[0].Match {
		t.Errorf("alt title result did not match: %v", results[0].Rejections)
	}
}

func TestManualSearchBlocklisted(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {result("Batman Vol. 1 #1 (2016)", "http://x/blocked")},
	}}
	s, database := newTestSearcher(t, stub)
	vol, issues := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 1,
	}, issue(1))

	ctx := context.Background()
	link := "http://x/blocked"
	_, err := database.AddBlocklist(ctx, db.BlocklistEntry{
		DownloadLink: &link,
		Reason:       comic.BlocklistAddedByUser,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := s.ManualSearch(ctx, vol.ID, issues[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].Match {
		t.Error("blocklisted result matched")
	}
	if rej := results[0].Rejections; len(rej) != 1 || rej[0] != matching.RejectedBlocklisted {
		t.Errorf("unexpected rejections %v", rej)
	}
}

func TestManualSearchNoResults(t *testing.T) {
	s, database := newTestSearcher(t, &stubSource{results: map[string][]Result{}})
	vol, _ := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 1,
	}, issue(1))

	results, err := s.ManualSearch(context.Background(), vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestAutoSearchVolume(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {
			result("Batman Vol. 2 #1 (2016)", "http://x/1"),
			result("Batman Vol. 2 #2-3 (2016)", "http://x/pack"),
		},
	}}
	s, database := newTestSearcher(t, stub)
	vol, _ := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
	}, issue(1), issue(2), issue(3))

	chosen, err := s.AutoSearch(context.Background(), vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"http://x/1", "http://x/pack"}
	if got := links(chosen); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if c := chosen[0].Covers; c == nil || *c != comic.Number(1) {
		t.Errorf("first pick covers %v", c)
	}
	if c := chosen[1].Covers; c == nil || *c != comic.NewRange(2, 3) {
		t.Errorf("second pick covers %v", c)
	}
}

func TestAutoSearchSkipsDownloaded(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {
			result("Batman Vol. 2 #1-2 (2016)", "http://x/pack"),
			result("Batman Vol. 2 #2 (2016)", "http://x/2"),
		},
	}}
	s, database := newTestSearcher(t, stub)
	vol, issues := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
	}, issue(1), issue(2))
	linkFile(t, database, issues[0].ID, "/library/Batman/Batman (2016) Issue 001.cbz")

	chosen, err := s.AutoSearch(context.Background(), vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	// The pack covers issue 1 which is already on disk, so only the single
	// issue 2 release qualifies.
	if got := links(chosen); !reflect.DeepEqual(got, []string{"http://x/2"}) {
		t.Fatalf("got %q", got)
	}
}

func TestAutoSearchRecursesPerMissingIssue(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"":   {result("Batman Vol. 2 #1 (2016)", "http://x/1")},
		"#2": {result("Batman Vol. 2 #2 (2016)", "http://x/2")},
	}}
	s, database := newTestSearcher(t, stub)
	vol, _ := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
	}, issue(1), issue(2))

	chosen, err := s.AutoSearch(context.Background(), vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"http://x/1", "http://x/2"}
	if got := links(chosen); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if chosen[0].Covers == nil {
		t.Error("volume level pick has no covered span")
	}
	if chosen[1].Covers != nil {
		t.Error("issue level pick has a covered span")
	}
}

func TestAutoSearchSpecialVersion(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {
			result("Batman Vol. 2 (2016) TPB", "http://x/tpb"),
			result("Batman Vol. 2 (2016) TPB (Digital)", "http://x/tpb2"),
		},
	}}
	s, database := newTestSearcher(t, stub)
	vol, _ := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
		SpecialVersion: comic.TPB,
	}, issue(1))

	chosen, err := s.AutoSearch(context.Background(), vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	// One file downloads the whole volume, so the best match wins outright.
	if got := links(chosen); !reflect.DeepEqual(got, []string{"http://x/tpb"}) {
		t.Fatalf("got %q", got)
	}
}

func TestAutoSearchUnmonitored(t *testing.T) {
	stub := &stubSource{results: map[string][]Result{
		"": {result("Batman Vol. 2 #1 (2016)", "http://x/1")},
	}}
	s, database := newTestSearcher(t, stub)
	vol, issues := seedVolume(t, database, db.Volume{
		Title: "Batman", Year: intp(2016), VolumeNumber: 2,
	}, issue(1))

	ctx := context.Background()
	if err := database.SetVolumeMonitored(ctx, vol.ID, false); err != nil {
		t.Fatal(err)
	}
	chosen, err := s.AutoSearch(ctx, vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chosen) != 0 {
		t.Errorf("unmonitored volume gave %+v", chosen)
	}

	if err := database.SetVolumeMonitored(ctx, vol.ID, true); err != nil {
		t.Fatal(err)
	}
	linkFile(t, database, issues[0].ID, "/library/Batman/Batman (2016) Issue 001.cbz")
	chosen, err = s.AutoSearch(ctx, vol.ID, issues[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chosen) != 0 {
		t.Errorf("downloaded issue gave %+v", chosen)
	}
}

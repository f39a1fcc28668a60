// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/httpclient"
)

func testWeb() *httpclient.Client {
	return httpclient.New(httpclient.Options{Retries: 1, Backoff: time.Millisecond}, nil)
}

const listingPage = `<!DOCTYPE html>
<html><body>
<article class="post type-post status-publish">
  <h1 class="post-title"><a href="https://example.com/batman-1">Batman Vol. 2 #1 (2016)</a></h1>
  <p class="post-info">Year : 2016 | Size : 150 MB | Pages : 40</p>
</article>
<article class="post type-post">
  <h1 class="post-title"><a href="https://example.com/batman-pack">Batman Vol. 2 #1-10 (2016)</a></h1>
  <p>Size : 1.5 GB</p>
</article>
<article class="widget">
  <h2>Popular this week</h2>
  <a href="https://example.com/elsewhere">Unrelated</a>
</article>
</body></html>`

func TestGetComicsSearch(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("s")
		w.Write([]byte(listingPage)) //nolint:errcheck
	}))
	defer srv.Close()

	src := &getComics{web: testWeb(), base: srv.URL}
	results, err := src.Search(context.Background(), "Batman Vol. 2")
	if err != nil {
		t.Fatal(err)
	}
	if query != "Batman Vol. 2" {
		t.Errorf("searched for %q", query)
	}

	want := []Result{
		{
			Link:         "https://example.com/batman-1",
			DisplayTitle: "Batman Vol. 2 #1 (2016)",
			Source:       "GetComics",
			Filesize:     150 << 20,
			Pages:        40,
		},
		{
			Link:         "https://example.com/batman-pack",
			DisplayTitle: "Batman Vol. 2 #1-10 (2016)",
			Source:       "GetComics",
			Filesize:     1610612736,
		},
	}
	if !reflect.DeepEqual(results, want) {
		t.Errorf("got %+v, want %+v", results, want)
	}
}

func TestGetComicsSearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	src := &getComics{web: testWeb(), base: srv.URL}
	if _, err := src.Search(context.Background(), "Batman"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestParseFilesize(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"Size : 150 MB", 150 << 20},
		{"size: 2.5 gb", 2684354560},
		{"Size : 800 KB", 800 << 10},
		{"| Size : 1,024 MB |", 1 << 30},
		{"no size here", 0},
	}
	for _, tc := range cases {
		if got := parseFilesize(tc.text); got != tc.want {
			t.Errorf("parseFilesize(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

const releasePage = `<!DOCTYPE html>
<html><body>
<article>
<h1 class="post-title">Batman Vol. 2 (2016)</h1>
<p>The New 52 run, in two packs.</p>
<a href="/tag/dc/">DC</a>
<h2>Issue #1-10</h2>
<div class="aio-button-center"><a href="https://fs1.comicfiles.ru/2016/batman-1-10.zip" title="Download Now">Main Server</a></div>
<a href="https://mega.nz/file/abc123">MEGA</a>
<a href="https://www.mediafire.com/file/xyz">MEDIAFIRE</a>
<h2>Issue #11-20</h2>
<a href="magnet:?xt=urn:btih:deadbeef&amp;dn=Batman">TORRENT</a>
<a href="https://pixeldrain.com/u/abcd">PIXELDRAIN</a>
<a href="/related-post/">You might also like</a>
</article>
</body></html>`

func TestResolveReleasePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(releasePage)) //nolint:errcheck
	}))
	defer srv.Close()

	s := &Searcher{web: testWeb()}
	title, groups, err := s.ResolveReleasePage(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if title != "Batman Vol. 2 (2016)" {
		t.Errorf("page title %q, want %q", title, "Batman Vol. 2 (2016)")
	}

	want := []DownloadGroup{
		{Title: "Issue #1-10", Links: []ServiceLink{
			{Service: "getcomics", URL: "https://fs1.comicfiles.ru/2016/batman-1-10.zip"},
			{Service: "mega", URL: "https://mega.nz/file/abc123"},
			{Service: "mediafire", URL: "https://www.mediafire.com/file/xyz"},
		}},
		{Title: "Issue #11-20", Links: []ServiceLink{
			{Service: "torrent", URL: "magnet:?xt=urn:btih:deadbeef&dn=Batman"},
			{Service: "pixeldrain", URL: "https://pixeldrain.com/u/abcd"},
		}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("got %+v, want %+v", groups, want)
	}
}

func TestResolveReleasePageNoLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.Write([]byte(`<html><body><h1>Post</h1><a href="/foo">foo</a></body></html>`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := &Searcher{web: testWeb()}
	for _, path := range []string{"/empty", "/gone"} {
		_, _, err := s.ResolveReleasePage(context.Background(), srv.URL+path)
		if !errors.Is(err, errdef.FailedGCPage) {
			t.Errorf("%s: got %v, want FailedGCPage", path, err)
		}
	}
}

func TestClassifyService(t *testing.T) {
	cases := []struct {
		href, label, want string
	}{
		{"https://mega.nz/file/abc", "", "mega"},
		{"https://www.mega.nz/file/abc", "", "mega"},
		{"https://www.mediafire.com/file/x", "", "mediafire"},
		{"https://we.tl/t-abc", "", "wetransfer"},
		{"https://pixeldrain.com/u/x", "", "pixeldrain"},
		{"magnet:?xt=urn:btih:x", "", "torrent"},
		{"https://fs2.comicfiles.ru/x.zip", "", "getcomics"},
		{"https://getcomics.org/dlds/2016/x.zip", "", "getcomics"},
		{"https://getcomics.org/run.php?x", "DOWNLOAD NOW", "getcomics"},
		{"https://getcomics.org/other-post/", "Read online", ""},
		{"/relative/link", "", ""},
		{"", "DOWNLOAD NOW", ""},
	}
	for _, tc := range cases {
		if got := classifyService(tc.href, tc.label); got != tc.want {
			t.Errorf("classifyService(%q, %q) = %q, want %q", tc.href, tc.label, got, tc.want)
		}
	}
}

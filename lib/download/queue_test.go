// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
	"github.com/longbox/longbox/lib/search"
)

// fakeClient plays back scripted status reports. The last report of a
// script repeats; a handle without a script counts as gone.
type fakeClient struct {
	mut     sync.Mutex
	added   []*Download
	scripts map[string][]*Status
	deleted map[string]bool // handle -> deleteFiles
	addErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		scripts: make(map[string][]*Status),
		deleted: make(map[string]bool),
	}
}

func (c *fakeClient) script(handle string, sts ...*Status) {
	c.mut.Lock()
	c.scripts[handle] = sts
	c.mut.Unlock()
}

func (c *fakeClient) Add(_ context.Context, d *Download) (string, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.addErr != nil {
		return "", c.addErr
	}
	c.added = append(c.added, d)
	return handleOf(d.ID), nil
}

func (c *fakeClient) Status(_ context.Context, handle string) (*Status, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	sts := c.scripts[handle]
	if len(sts) == 0 {
		return nil, nil
	}
	st := sts[0]
	if len(sts) > 1 {
		c.scripts[handle] = sts[1:]
	}
	cp := *st
	return &cp, nil
}

func (c *fakeClient) Delete(_ context.Context, handle string, deleteFiles bool) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.deleted[handle] = deleteFiles
	return nil
}

func handleOf(id int64) string {
	return fmt.Sprintf("h%d", id)
}

func newQueueWith(t *testing.T, database *db.DB, cfg *config.Wrapper) (*Queue, *fakeClient) {
	t.Helper()
	web := testWeb()
	q := New(cfg, database, web, search.New(database, web),
		scanner.New(cfg, database, nil), naming.New(cfg, database, nil), nil, nil)
	fake := newFakeClient()
	q.clientFor = func(context.Context, *Download) (Client, error) { return fake, nil }
	return q, fake
}

func newTestQueue(t *testing.T) (*Queue, *fakeClient, *db.DB, *config.Wrapper) {
	t.Helper()
	database := db.OpenMemory()
	t.Cleanup(func() { database.Close() })

	cfg, err := config.Load(context.Background(), database, nil)
	if err != nil {
		t.Fatal(err)
	}
	setDownloadSettings(t, cfg, func(s *config.Settings) {
		s.DownloadFolder = t.TempDir()
		s.RenameDownloadedFiles = false
		s.ConvertFiles = false
	})

	q, fake := newQueueWith(t, database, cfg)
	return q, fake, database, cfg
}

func setDownloadSettings(t *testing.T, cfg *config.Wrapper, mod func(*config.Settings)) {
	t.Helper()
	if _, err := cfg.Modify(context.Background(), mod); err != nil {
		t.Fatal(err)
	}
}

func intp(i int) *int { return &i }

func i64p(i int64) *int64 { return &i }

// seedVolume adds a root folder, a volume rooted in it and issues with the
// given numbers.
func seedVolume(t *testing.T, database *db.DB, root, folder string, v db.Volume, issues ...db.Issue) (db.Volume, []db.Issue) {
	t.Helper()
	ctx := context.Background()

	rf, err := database.AddRootFolder(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	v.ComicVineID = 4050
	v.Monitored = true
	v.RootFolderID = rf.ID
	v.Folder = folder
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

func issue(num float64, title string) db.Issue {
	i := db.Issue{
		IssueNumber:           fmt.Sprintf("%v", num),
		CalculatedIssueNumber: num,
	}
	if title != "" {
		i.Title = &title
	}
	return i
}

func writeScratch(t *testing.T, folder, name string) string {
	t.Helper()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(folder, name)
	if err := os.WriteFile(path, []byte("comic archive payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddDownloadPlainLink(t *testing.T) {
	q, _, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, issues := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2}, issue(1, ""), issue(2, ""))

	link := "https://fs1.comicfiles.ru/2016/batman-001.zip"
	added, err := q.AddDownload(ctx, vol.ID, &issues[0].ID, link, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 {
		t.Fatalf("%d entries queued, want 1", len(added))
	}
	d := added[0]
	if d.Client != ClientDirect || d.Source != "getcomics" {
		t.Errorf("queued as %s/%s, want %s/getcomics", d.Client, d.Source, ClientDirect)
	}
	if d.Title != "Batman (2016) #1" {
		t.Errorf("title %q, want %q", d.Title, "Batman (2016) #1")
	}
	if d.State != comic.DownloadQueued {
		t.Errorf("state %s, want %s", d.State, comic.DownloadQueued)
	}

	// The entry survives a restart via its queue row.
	rows, err := database.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != d.ID || rows[0].Link != link {
		t.Errorf("persisted %+v, want link %s under id %d", rows, link, d.ID)
	}
	if rows[0].IssueID == nil || *rows[0].IssueID != issues[0].ID {
		t.Errorf("persisted issue %v, want %d", rows[0].IssueID, issues[0].ID)
	}
}

func TestAddDownloadValidation(t *testing.T) {
	q, _, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	if _, err := q.AddDownload(ctx, vol.ID, nil, "   ", false); !errors.Is(err, errdef.LinkBroken) {
		t.Errorf("empty link: got %v, want LinkBroken", err)
	}

	blocked := "https://fs1.comicfiles.ru/blocked.zip"
	if _, err := database.AddBlocklist(ctx, db.BlocklistEntry{DownloadLink: &blocked, Reason: comic.BlocklistAddedByUser}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddDownload(ctx, vol.ID, nil, blocked, false); !errors.Is(err, errdef.LinkBroken) {
		t.Errorf("blocklisted link: got %v, want LinkBroken", err)
	}

	if _, err := q.AddDownload(ctx, vol.ID, i64p(99999), "https://fs1.comicfiles.ru/x.zip", false); !errors.Is(err, errdef.IssueNotFound) {
		t.Errorf("foreign issue: got %v, want IssueNotFound", err)
	}

	// Services needing their own API dance are refused up front.
	if _, err := q.AddDownload(ctx, vol.ID, nil, "https://mega.nz/file/abc123", false); !errors.Is(err, errdef.LinkBroken) {
		t.Errorf("mega link: got %v, want LinkBroken", err)
	}

	if _, err := q.AddDownload(ctx, vol.ID, nil, "magnet:?xt=urn:btih:abc", false); !errors.Is(err, errdef.ClientNotWorking) {
		t.Errorf("magnet without external client: got %v, want ClientNotWorking", err)
	}
}

func TestAddDownloadMagnet(t *testing.T) {
	q, _, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	client := db.ExternalClient{Type: "transmission", Title: "seedbox", BaseURL: "http://localhost:9091"}
	if err := database.AddExternalClient(ctx, &client); err != nil {
		t.Fatal(err)
	}

	added, err := q.AddDownload(ctx, vol.ID, nil, "magnet:?xt=urn:btih:abc&dn=Batman+%282016%29", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 {
		t.Fatalf("%d entries queued, want 1", len(added))
	}
	d := added[0]
	if d.Client != "transmission" || d.Source != "torrent" {
		t.Errorf("queued as %s/%s, want transmission/torrent", d.Client, d.Source)
	}
	if d.Title != "Batman (2016)" {
		t.Errorf("title %q, want the magnet display name", d.Title)
	}

	rows, err := database.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ExternalClientID == nil || *rows[0].ExternalClientID != client.ID {
		t.Errorf("persisted client %+v, want %d", rows, client.ID)
	}
}

const queueReleasePage = `<!DOCTYPE html>
<html><body>
<article>
<h1 class="post-title">Batman Vol. 2</h1>
<p>Rebirth, in packs.</p>
<h2>Batman Vol. 2 #1-2 (2016)</h2>
<div class="aio-button-center"><a href="https://fs1.comicfiles.ru/2016/batman-1-2.zip" title="Download Now">Main Server</a></div>
<a href="https://pixeldrain.com/u/abcd">PIXELDRAIN</a>
<h2>Batman Vol. 2 #3-4 (2016)</h2>
<a href="magnet:?xt=urn:btih:deadbeef&amp;dn=Batman">TORRENT</a>
<h2>Superman #1-10 (1999)</h2>
<div class="aio-button-center"><a href="https://fs1.comicfiles.ru/1999/superman-1-10.zip" title="Download Now">Main Server</a></div>
</article>
</body></html>`

func TestAddDownloadReleasePage(t *testing.T) {
	q, _, database, cfg := newTestQueue(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(queueReleasePage)) //nolint:errcheck
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	q.pageHost = u.Host

	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2}, issue(1, ""), issue(2, ""))

	// Only the matching group is queued: the Superman pack fails the filter
	// and the torrent pack has no external client to land on. Pixeldrain
	// outranks getcomics in the default service preference.
	pageLink := srv.URL + "/batman-vol-2/"
	added, err := q.AddDownload(ctx, vol.ID, nil, pageLink, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 {
		t.Fatalf("%d entries queued, want 1: %+v", len(added), added)
	}
	d := added[0]
	if d.Source != "pixeldrain" || d.Client != ClientDirect {
		t.Errorf("queued as %s/%s, want direct/pixeldrain", d.Client, d.Source)
	}
	if d.Link != "https://pixeldrain.com/api/file/abcd?download" {
		t.Errorf("link %q, want the pixeldrain API form", d.Link)
	}
	if d.WebLink == nil || *d.WebLink != pageLink {
		t.Errorf("web link %v, want %q", d.WebLink, pageLink)
	}
	if d.WebTitle == nil || *d.WebTitle != "Batman Vol. 2" {
		t.Errorf("web title %v, want the page heading", d.WebTitle)
	}
	if d.WebSubTitle == nil || *d.WebSubTitle != "Batman Vol. 2 #1-2 (2016)" {
		t.Errorf("web sub title %v, want the group heading", d.WebSubTitle)
	}
	if d.Title != "Batman Vol. 2 Batman Vol. 2 #1-2 (2016)" {
		t.Errorf("title %q", d.Title)
	}

	// Force match admits the mismatching group too, and a reordered
	// preference switches the service.
	setDownloadSettings(t, cfg, func(s *config.Settings) {
		s.ServicePreference = []string{"getcomics", "pixeldrain"}
	})
	forced, err := q.AddDownload(ctx, vol.ID, nil, pageLink, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(forced) != 2 {
		t.Fatalf("%d forced entries, want 2: %+v", len(forced), forced)
	}
	if forced[0].Source != "getcomics" || forced[0].Link != "https://fs1.comicfiles.ru/2016/batman-1-2.zip" {
		t.Errorf("first forced entry %s %q", forced[0].Source, forced[0].Link)
	}
	if forced[1].Link != "https://fs1.comicfiles.ru/1999/superman-1-10.zip" {
		t.Errorf("second forced entry %q, want the superman pack", forced[1].Link)
	}
}

func TestQueueLifecycle(t *testing.T) {
	q, fake, database, cfg := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, issues := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2}, issue(1, ""))

	added, err := q.AddDownload(ctx, vol.ID, &issues[0].ID, "https://fs1.comicfiles.ru/2016/batman-001.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]
	handle := handleOf(d.ID)

	// The payload the client would have produced.
	writeScratch(t, cfg.Raw().DownloadFolder, d.Title+".zip")

	fake.script(handle,
		&Status{State: comic.DownloadDownloading, Progress: 41.5, Size: 1000, Speed: 512},
		&Status{State: comic.DownloadDone, Progress: 100, Size: 1000},
	)

	q.promote(ctx)
	if len(fake.added) != 1 || fake.added[0].ID != d.ID {
		t.Fatalf("client adds %+v, want just download %d", fake.added, d.ID)
	}
	got, err := q.Download(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != comic.DownloadDownloading {
		t.Errorf("state after start %s, want downloading", got.State)
	}

	q.pollActive(ctx)
	got, err = q.Download(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 41.5 || got.Size != 1000 || got.Speed != 512 {
		t.Errorf("progress report not applied: %+v", got)
	}

	// The finished download is imported, recorded and dropped.
	q.pollActive(ctx)
	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers after completion: %v", err)
	}

	wantPath := filepath.Join(vol.Folder, d.Title+".zip")
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("imported file: %v", err)
	}
	files, err := database.FilesForIssue(ctx, issues[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != wantPath {
		t.Errorf("issue files %+v, want %s", files, wantPath)
	}

	scratch, err := os.ReadDir(cfg.Raw().DownloadFolder)
	if err != nil {
		t.Fatal(err)
	}
	if len(scratch) != 0 {
		t.Errorf("%d files left in the scratch folder, want none", len(scratch))
	}

	hist, err := database.DownloadHistory(ctx, nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].FileTitle == nil || *hist[0].FileTitle != d.Title {
		t.Errorf("history %+v, want one entry for %q", hist, d.Title)
	}
	if hist[0].VolumeID == nil || *hist[0].VolumeID != vol.ID || hist[0].Source != "getcomics" {
		t.Errorf("history entry %+v, want volume %d from getcomics", hist[0], vol.ID)
	}

	rows, err := database.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d queue rows linger, want none", len(rows))
	}

	// The built in client only drops its bookkeeping, never the files.
	if del, ok := fake.deleted[handle]; !ok || del {
		t.Errorf("client delete: got %v/%v, want recorded with deleteFiles=false", del, ok)
	}
}

func TestQueueImportMissingFile(t *testing.T) {
	q, fake, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	added, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]
	fake.script(handleOf(d.ID), &Status{State: comic.DownloadDone, Progress: 100})

	q.promote(ctx)
	q.pollActive(ctx)

	// No scratch file to import: the entry fails, but the link is not at
	// fault and stays usable.
	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers after import failure: %v", err)
	}
	if database.IsBlocklisted(ctx, d.Link) {
		t.Error("import failure blocklisted the link")
	}
	if hist, _ := database.DownloadHistory(ctx, nil, 0, 100); len(hist) != 0 {
		t.Errorf("history %+v, want none", hist)
	}
}

func TestQueueFailureBlocklists(t *testing.T) {
	q, fake, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	added, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]
	handle := handleOf(d.ID)
	fake.script(handle, &Status{State: comic.DownloadFailed})

	q.promote(ctx)
	q.pollActive(ctx)

	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers after failure: %v", err)
	}
	if !database.IsBlocklisted(ctx, d.Link) {
		t.Error("failed link not blocklisted")
	}
	entries, err := database.Blocklist(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != comic.BlocklistDownloadFailed {
		t.Errorf("blocklist %+v, want one download_failed entry", entries)
	}
	if del, ok := fake.deleted[handle]; !ok || !del {
		t.Errorf("client delete: got %v/%v, want recorded with deleteFiles=true", del, ok)
	}

	rows, err := database.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d queue rows linger, want none", len(rows))
	}
}

func TestQueueGoneFromClient(t *testing.T) {
	q, _, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	added, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]

	// No script: the client never heard of the handle.
	q.promote(ctx)
	q.pollActive(ctx)

	// Removed behind our back counts as canceled, not failed.
	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers: %v", err)
	}
	if database.IsBlocklisted(ctx, d.Link) {
		t.Error("vanished download blocklisted its link")
	}
	if hist, _ := database.DownloadHistory(ctx, nil, 0, 100); len(hist) != 0 {
		t.Errorf("history %+v, want none", hist)
	}
}

func TestQueueDirectLane(t *testing.T) {
	q, fake, database, cfg := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	a, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman-a.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman-b.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	fake.script(handleOf(a[0].ID), &Status{State: comic.DownloadDownloading})
	fake.script(handleOf(b[0].ID), &Status{State: comic.DownloadDownloading})

	// One direct download at a time by default; the second waits even
	// across several ticks.
	q.promote(ctx)
	q.promote(ctx)
	if len(fake.added) != 1 || fake.added[0].ID != a[0].ID {
		t.Fatalf("client adds %+v, want just download %d", fake.added, a[0].ID)
	}
	if got, _ := q.Download(b[0].ID); got.State != comic.DownloadQueued {
		t.Errorf("second direct download %s, want queued", got.State)
	}

	// A wider lane lets it through.
	setDownloadSettings(t, cfg, func(s *config.Settings) { s.ConcurrentDirectDownloads = 2 })
	q.promote(ctx)
	if len(fake.added) != 2 {
		t.Fatalf("client adds %+v, want both direct downloads", fake.added)
	}

	// Torrents are not held back by the direct lane.
	setDownloadSettings(t, cfg, func(s *config.Settings) { s.ConcurrentDirectDownloads = 1 })
	client := db.ExternalClient{Type: "transmission", BaseURL: "http://localhost:9091"}
	if err := database.AddExternalClient(ctx, &client); err != nil {
		t.Fatal(err)
	}
	m, err := q.AddDownload(ctx, vol.ID, nil, "magnet:?xt=urn:btih:abc&dn=Batman", false)
	if err != nil {
		t.Fatal(err)
	}
	fake.script(handleOf(m[0].ID), &Status{State: comic.DownloadDownloading})
	q.promote(ctx)
	if got, _ := q.Download(m[0].ID); got.State != comic.DownloadDownloading {
		t.Errorf("torrent %s, want downloading despite a full direct lane", got.State)
	}
}

func TestQueueMoveAndRemove(t *testing.T) {
	q, fake, database, _ := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	var ids []int64
	links := []string{
		"https://fs1.comicfiles.ru/2016/batman-a.zip",
		"https://fs1.comicfiles.ru/2016/batman-b.zip",
		"https://fs1.comicfiles.ru/2016/batman-c.zip",
	}
	for _, link := range links {
		added, err := q.AddDownload(ctx, vol.ID, nil, link, false)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, added[0].ID)
	}

	if err := q.Move(ids[2], 0); err != nil {
		t.Fatal(err)
	}
	order := q.Downloads()
	if order[0].ID != ids[2] || order[1].ID != ids[0] || order[2].ID != ids[1] {
		t.Errorf("order %d %d %d, want %d %d %d", order[0].ID, order[1].ID, order[2].ID, ids[2], ids[0], ids[1])
	}

	if err := q.Move(99999, 0); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("moving unknown id: got %v, want DownloadNotFound", err)
	}

	// A started entry keeps its place.
	fake.script(handleOf(ids[2]), &Status{State: comic.DownloadDownloading})
	q.promote(ctx)
	if err := q.Move(ids[2], 2); !errors.Is(err, errdef.DownloadUnmovable) {
		t.Errorf("moving an active download: got %v, want DownloadUnmovable", err)
	}

	// Removing with blocklist blocks the link from coming back.
	if err := q.Remove(ctx, ids[0], true); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Download(ids[0]); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("removed entry lingers: %v", err)
	}
	if !database.IsBlocklisted(ctx, links[0]) {
		t.Error("removed link not blocklisted")
	}
	entries, err := database.Blocklist(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != comic.BlocklistAddedByUser {
		t.Errorf("blocklist %+v, want one added_by_user entry", entries)
	}

	// Removing an active entry clears the client's data.
	if err := q.Remove(ctx, ids[2], false); err != nil {
		t.Fatal(err)
	}
	if del, ok := fake.deleted[handleOf(ids[2])]; !ok || !del {
		t.Errorf("client delete: got %v/%v, want recorded with deleteFiles=true", del, ok)
	}

	if err := q.Remove(ctx, ids[0], false); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("removing twice: got %v, want DownloadNotFound", err)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if left := q.Downloads(); len(left) != 0 {
		t.Errorf("%d entries after clear, want none", len(left))
	}
	rows, err := database.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d queue rows after clear, want none", len(rows))
	}
}

func TestQueueSeedingMove(t *testing.T) {
	q, fake, database, cfg := newTestQueue(t)
	ctx := context.Background()
	setDownloadSettings(t, cfg, func(s *config.Settings) { s.SeedingHandling = comic.SeedingMove })

	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	client := db.ExternalClient{Type: "transmission", BaseURL: "http://localhost:9091"}
	if err := database.AddExternalClient(ctx, &client); err != nil {
		t.Fatal(err)
	}
	added, err := q.AddDownload(ctx, vol.ID, nil, "magnet:?xt=urn:btih:abc&dn=Batman+%282016%29+%231", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]
	handle := handleOf(d.ID)
	scratchFile := writeScratch(t, cfg.Raw().DownloadFolder, d.Title+".zip")

	fake.script(handle,
		&Status{State: comic.DownloadSeeding, Progress: 100, Size: 1000},
		&Status{State: comic.DownloadSeeding, Progress: 100, Size: 1000},
		&Status{State: comic.DownloadPaused, Progress: 100, Size: 1000},
	)
	q.promote(ctx)

	// First seeding report: a copy is imported, the client keeps its
	// original.
	q.pollActive(ctx)
	got, err := q.Download(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != comic.DownloadSeeding {
		t.Errorf("state %s, want seeding", got.State)
	}
	imported := filepath.Join(vol.Folder, d.Title+".zip")
	if _, err := os.Stat(imported); err != nil {
		t.Errorf("imported copy: %v", err)
	}
	if _, err := os.Stat(scratchFile); err != nil {
		t.Errorf("seeding original: %v", err)
	}

	// More seeding changes nothing.
	q.pollActive(ctx)
	if _, err := q.Download(d.ID); err != nil {
		t.Errorf("entry gone while seeding: %v", err)
	}

	// The stopped torrent finishes the entry and is removed from the
	// client, files included.
	q.pollActive(ctx)
	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers after seeding finished: %v", err)
	}
	if del, ok := fake.deleted[handle]; !ok || !del {
		t.Errorf("client delete: got %v/%v, want recorded with deleteFiles=true", del, ok)
	}
	if hist, _ := database.DownloadHistory(ctx, nil, 0, 100); len(hist) != 1 {
		t.Errorf("history %+v, want one entry", hist)
	}
}

func TestQueueSeedingComplete(t *testing.T) {
	q, fake, database, cfg := newTestQueue(t)
	ctx := context.Background()

	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	client := db.ExternalClient{Type: "transmission", BaseURL: "http://localhost:9091"}
	if err := database.AddExternalClient(ctx, &client); err != nil {
		t.Fatal(err)
	}
	added, err := q.AddDownload(ctx, vol.ID, nil, "magnet:?xt=urn:btih:abc&dn=Batman+%282016%29+%231", false)
	if err != nil {
		t.Fatal(err)
	}
	d := added[0]
	scratchFile := writeScratch(t, cfg.Raw().DownloadFolder, d.Title+".zip")

	fake.script(handleOf(d.ID),
		&Status{State: comic.DownloadSeeding, Progress: 100, Size: 1000},
		&Status{State: comic.DownloadPaused, Progress: 100, Size: 1000},
	)
	q.promote(ctx)

	// With the default handling nothing is imported while the torrent
	// seeds.
	q.pollActive(ctx)
	imported := filepath.Join(vol.Folder, d.Title+".zip")
	if _, err := os.Stat(imported); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("imported during seeding: %v", err)
	}

	// Once seeding ends the payload is moved into place.
	q.pollActive(ctx)
	if _, err := q.Download(d.ID); !errors.Is(err, errdef.DownloadNotFound) {
		t.Errorf("entry lingers after seeding finished: %v", err)
	}
	if _, err := os.Stat(imported); err != nil {
		t.Errorf("imported file: %v", err)
	}
	if _, err := os.Stat(scratchFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch original should have moved: %v", err)
	}
}

func TestQueueHydrate(t *testing.T) {
	q, _, database, cfg := newTestQueue(t)
	ctx := context.Background()
	root := t.TempDir()
	vol, _ := seedVolume(t, database, root, filepath.Join(root, "Batman (2016)"),
		db.Volume{Title: "Batman", Year: intp(2016)}, issue(1, ""))

	a, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman-a.zip", false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.AddDownload(ctx, vol.ID, nil, "https://fs1.comicfiles.ru/2016/batman-b.zip", false)
	if err != nil {
		t.Fatal(err)
	}

	// A new queue over the same database resumes the entries as queued.
	q2, fake2 := newQueueWith(t, database, cfg)
	if err := q2.hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q2.hydrate(ctx); err != nil { // idempotent
		t.Fatal(err)
	}
	list := q2.Downloads()
	if len(list) != 2 {
		t.Fatalf("%d resumed entries, want 2", len(list))
	}
	if list[0].ID != a[0].ID || list[1].ID != b[0].ID {
		t.Errorf("resumed order %d %d, want %d %d", list[0].ID, list[1].ID, a[0].ID, b[0].ID)
	}
	for _, d := range list {
		if d.State != comic.DownloadQueued {
			t.Errorf("resumed entry %d in %s, want queued", d.ID, d.State)
		}
	}
	if list[0].Title != a[0].Title || list[0].Link != a[0].Link {
		t.Errorf("resumed entry %+v, want title %q link %q", list[0], a[0].Title, a[0].Link)
	}

	// The resumed head is startable.
	fake2.script(handleOf(a[0].ID), &Status{State: comic.DownloadDownloading})
	q2.promote(ctx)
	if got, _ := q2.Download(a[0].ID); got.State != comic.DownloadDownloading {
		t.Errorf("resumed entry %s after promote, want downloading", got.State)
	}
}

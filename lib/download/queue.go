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
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/convert"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/httpclient"
	"github.com/longbox/longbox/lib/matching"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
	"github.com/longbox/longbox/lib/search"
)

const pollInterval = time.Second

// supportedDirectServices are the release page services the built in
// downloader can fetch with a plain GET. The others need a service specific
// API dance and are skipped during service selection.
var supportedDirectServices = map[string]bool{
	"getcomics":  true,
	"pixeldrain": true,
}

// Queue owns the download queue. One Serve loop admits queued entries to
// their clients, polls the active ones, and imports the finished ones into
// their volume folders.
type Queue struct {
	cfg      *config.Wrapper
	db       *db.DB
	web      *httpclient.Client
	searcher *search.Searcher
	sc       *scanner.Scanner
	namer    *naming.Namer
	conv     *convert.Manager
	evLogger events.Logger

	direct *directClient
	poll   time.Duration

	// pageHost marks links whose host is a release page to resolve rather
	// than a payload to fetch; tests point it at their fixture server.
	pageHost string

	// clientFor resolves the adapter for an entry; swapped in tests.
	clientFor func(ctx context.Context, d *Download) (Client, error)

	mut      sync.Mutex
	queue    []*Download
	clients  map[int64]Client
	hydrated bool
	wakeup   chan struct{}
}

func New(cfg *config.Wrapper, database *db.DB, web *httpclient.Client, searcher *search.Searcher, sc *scanner.Scanner, namer *naming.Namer, conv *convert.Manager, evLogger events.Logger) *Queue {
	q := &Queue{
		cfg:      cfg,
		db:       database,
		web:      web,
		searcher: searcher,
		sc:       sc,
		namer:    namer,
		conv:     conv,
		evLogger: evLogger,
		poll:     pollInterval,
		pageHost: "getcomics",
		clients:  make(map[int64]Client),
		wakeup:   make(chan struct{}, 1),
	}
	q.direct = newDirectClient(web, func() string { return cfg.Raw().DownloadFolder })
	q.clientFor = q.newClient
	return q
}

// Serve hydrates the queue from the database and runs the poll loop until
// the context ends. Entries outlive the loop: whatever is unfinished is
// re-admitted on the next start.
func (q *Queue) Serve(ctx context.Context) error {
	if err := q.hydrate(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			q.markShutdown()
			return ctx.Err()
		case <-q.wakeup:
		case <-timer.C:
		}
		q.pollActive(ctx)
		q.promote(ctx)
		timer.Reset(q.poll)
	}
}

func (q *Queue) String() string {
	return "download.Queue"
}

func (q *Queue) hydrate(ctx context.Context) error {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.hydrated {
		return nil
	}
	rows, err := q.db.QueuedDownloads(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		q.queue = append(q.queue, fromRow(row))
	}
	q.hydrated = true
	if len(rows) > 0 {
		l.Infoln("Resuming", len(rows), "queued downloads")
	}
	return nil
}

func (q *Queue) poke() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (q *Queue) event(t events.EventType, data any) {
	if q.evLogger != nil {
		q.evLogger.Log(t, data)
	}
}

// markShutdown flags what is still running. The entries stay persisted and
// are picked up again on the next start.
func (q *Queue) markShutdown() {
	q.mut.Lock()
	defer q.mut.Unlock()
	for _, d := range q.queue {
		if d.handle != "" {
			d.State = comic.DownloadShutdown
		}
	}
}

// newClient resolves the adapter for an entry, caching external client
// adapters so their session state carries across polls.
func (q *Queue) newClient(ctx context.Context, d *Download) (Client, error) {
	if d.Client == ClientDirect {
		return q.direct, nil
	}
	if d.externalClientID == nil {
		return nil, errdef.New(errdef.ClientNotWorking, "download %d names no external client", d.ID)
	}
	id := *d.externalClientID

	q.mut.Lock()
	client, ok := q.clients[id]
	q.mut.Unlock()
	if ok {
		return client, nil
	}

	row, err := q.db.ExternalClient(ctx, id)
	if err != nil {
		return nil, err
	}
	client, err = buildExternalClient(q.web, row.Type, ClientConfig{
		BaseURL:  row.BaseURL,
		Username: row.Username,
		Password: row.Password,
		APIToken: row.APIToken,
	}, func() string { return q.cfg.Raw().DownloadFolder }, func() int { return q.cfg.Raw().FailingDownloadTimeout })
	if err != nil {
		return nil, err
	}

	q.mut.Lock()
	q.clients[id] = client
	q.mut.Unlock()
	return client, nil
}

// ForgetExternalClient drops the cached adapter after the client's
// connection details changed.
func (q *Queue) ForgetExternalClient(id int64) {
	q.mut.Lock()
	delete(q.clients, id)
	q.mut.Unlock()
}

// pollActive asks every started download's client for a status report and
// applies the outcome.
func (q *Queue) pollActive(ctx context.Context) {
	q.mut.Lock()
	active := make([]*Download, 0, len(q.queue))
	for _, d := range q.queue {
		if d.handle != "" {
			active = append(active, d)
		}
	}
	q.mut.Unlock()

	for _, d := range active {
		if ctx.Err() != nil {
			return
		}
		q.pollOne(ctx, d)
	}
}

func (q *Queue) pollOne(ctx context.Context, d *Download) {
	client, err := q.clientFor(ctx, d)
	if err != nil {
		l.Warnln("Polling download", d.ID, "failed:", err)
		metricPollErrorsTotal.Inc()
		return
	}
	st, err := client.Status(ctx, d.handle)
	if err != nil {
		l.Warnln("Polling download", d.ID, "failed:", err)
		metricPollErrorsTotal.Inc()
		return
	}

	settings := q.cfg.Raw()
	q.mut.Lock()
	imported := d.imported
	q.mut.Unlock()

	switch {
	case st == nil:
		// The client no longer knows the download: done and cleaned up if
		// we imported it already, removed behind our back otherwise.
		if imported {
			q.complete(ctx, d, false)
		} else {
			l.Infoln("Download", d.ID, "disappeared from its client")
			q.end(ctx, d, comic.DownloadCanceled)
		}

	case st.State == comic.DownloadFailed:
		q.fail(ctx, d)

	case st.State == comic.DownloadDone:
		st.State = comic.DownloadImporting
		q.updateStatus(d, st)
		q.complete(ctx, d, false)

	case st.State == comic.DownloadSeeding:
		q.updateStatus(d, st)
		if settings.SeedingHandling == comic.SeedingMove && !imported {
			// Import a copy now; the client keeps the original to seed
			// from.
			if err := q.importFiles(ctx, d, true); err != nil {
				l.Warnln("Importing download", d.ID, "failed:", err)
				q.end(ctx, d, comic.DownloadFailed)
				metricDownloadsFailedTotal.Inc()
			}
		}

	case st.State == comic.DownloadPaused && st.Progress >= 100:
		// The client finished seeding and stopped the torrent.
		st.State = comic.DownloadImporting
		q.updateStatus(d, st)
		q.complete(ctx, d, !settings.DeleteCompletedTorrents)

	default:
		q.updateStatus(d, st)
	}
}

// updateStatus copies the report onto the entry and announces it when
// anything changed.
func (q *Queue) updateStatus(d *Download, st *Status) {
	q.mut.Lock()
	changed := d.Size != st.Size || d.Speed != st.Speed ||
		d.Progress != st.Progress || d.State != st.State
	d.Size = st.Size
	d.Speed = st.Speed
	d.Progress = st.Progress
	d.State = st.State
	snap := *d
	q.mut.Unlock()
	if changed {
		q.event(events.QueueStatus, snap)
	}
}

// promote starts the first queued entry whose lane has room. One client add
// per tick keeps the dequeue strictly ordered.
func (q *Queue) promote(ctx context.Context) {
	settings := q.cfg.Raw()

	q.mut.Lock()
	activeDirect := 0
	for _, d := range q.queue {
		if d.Client == ClientDirect && d.handle != "" {
			activeDirect++
		}
	}
	var next *Download
	for _, d := range q.queue {
		if d.handle != "" || d.State != comic.DownloadQueued {
			continue
		}
		if d.Client == ClientDirect && activeDirect >= settings.ConcurrentDirectDownloads {
			continue
		}
		next = d
		break
	}
	q.mut.Unlock()
	if next == nil {
		return
	}

	client, err := q.clientFor(ctx, next)
	if err == nil {
		var handle string
		handle, err = client.Add(ctx, next)
		if err == nil {
			q.mut.Lock()
			next.handle = handle
			next.State = comic.DownloadDownloading
			snap := *next
			q.mut.Unlock()
			l.Infof("Started download %d (%s)", next.ID, next.Title)
			q.event(events.QueueStatus, snap)
			return
		}
	}
	l.Warnln("Starting download", next.ID, "failed:", err)
	q.fail(ctx, next)
}

// complete finishes a download: imports its files unless that already
// happened, cleans up at the client, records history and ends the entry.
func (q *Queue) complete(ctx context.Context, d *Download, copyFiles bool) {
	q.mut.Lock()
	imported := d.imported
	handle := d.handle
	q.mut.Unlock()

	if !imported {
		q.setState(d, comic.DownloadImporting)
		if err := q.importFiles(ctx, d, copyFiles); err != nil {
			l.Warnln("Importing download", d.ID, "failed:", err)
			q.end(ctx, d, comic.DownloadFailed)
			metricDownloadsFailedTotal.Inc()
			return
		}
	}

	if handle != "" && (d.Client == ClientDirect || q.cfg.Raw().DeleteCompletedTorrents) {
		// The direct client only drops its bookkeeping here; for torrents
		// this removes the spent scratch data too.
		if client, err := q.clientFor(ctx, d); err == nil {
			if err := client.Delete(ctx, handle, d.Client != ClientDirect); err != nil {
				l.Warnln("Removing finished download", d.ID, "from its client:", err)
			}
		}
	}

	q.history(ctx, d)
	q.end(ctx, d, comic.DownloadDone)
	metricDownloadsCompletedTotal.Inc()
	l.Infof("Download %d (%s) finished", d.ID, d.Title)
}

// fail blocklists the link so it is not tried again, cleans up at the
// client and ends the entry.
func (q *Queue) fail(ctx context.Context, d *Download) {
	l.Infof("Download %d (%s) failed", d.ID, d.Title)
	q.blocklist(ctx, d, comic.BlocklistDownloadFailed)

	q.mut.Lock()
	handle := d.handle
	q.mut.Unlock()
	if handle != "" {
		if client, err := q.clientFor(ctx, d); err == nil {
			if err := client.Delete(ctx, handle, true); err != nil {
				l.Warnln("Removing failed download", d.ID, "from its client:", err)
			}
		}
	}

	q.end(ctx, d, comic.DownloadFailed)
	metricDownloadsFailedTotal.Inc()
}

func (q *Queue) blocklist(ctx context.Context, d *Download, reason comic.BlocklistReason) {
	vid := d.VolumeID
	link := d.Link
	if _, err := q.db.AddBlocklist(ctx, db.BlocklistEntry{
		VolumeID:     &vid,
		IssueID:      d.IssueID,
		WebLink:      d.WebLink,
		WebTitle:     d.WebTitle,
		WebSubTitle:  d.WebSubTitle,
		DownloadLink: &link,
		Source:       d.Source,
		Reason:       reason,
	}); err != nil {
		l.Warnln("Blocklisting", link, "failed:", err)
	}
}

func (q *Queue) history(ctx context.Context, d *Download) {
	title := d.Title
	vid := d.VolumeID
	if err := q.db.AddDownloadHistory(ctx, db.DownloadHistoryEntry{
		WebLink:      d.WebLink,
		WebTitle:     d.WebTitle,
		WebSubTitle:  d.WebSubTitle,
		FileTitle:    &title,
		VolumeID:     &vid,
		IssueID:      d.IssueID,
		Source:       d.Source,
		DownloadedAt: time.Now().Unix(),
	}); err != nil {
		l.Warnln("Recording download history:", err)
	}
}

func (q *Queue) setState(d *Download, state comic.DownloadState) {
	q.mut.Lock()
	changed := d.State != state
	d.State = state
	snap := *d
	q.mut.Unlock()
	if changed {
		q.event(events.QueueStatus, snap)
	}
}

// end removes the entry from the queue and the database and announces its
// final state. Safe to race: only the caller that actually removes the
// entry proceeds.
func (q *Queue) end(ctx context.Context, d *Download, state comic.DownloadState) {
	q.mut.Lock()
	found := false
	for i, e := range q.queue {
		if e == d {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		q.mut.Unlock()
		return
	}
	d.State = state
	snap := *d
	q.mut.Unlock()

	if err := q.db.DeleteQueuedDownload(ctx, d.ID); err != nil {
		l.Warnln("Dropping download", d.ID, "from the database:", err)
	}
	q.event(events.QueueEnded, snap)
}

// importFiles moves (or copies, when the client still needs the originals)
// the finished files from the scratch folder into the volume folder, binds
// them to their issues, and runs the configured renaming and conversion.
func (q *Queue) importFiles(ctx context.Context, d *Download, copyFiles bool) error {
	vol, err := q.db.Volume(ctx, d.VolumeID)
	if err != nil {
		return err
	}
	settings := q.cfg.Raw()

	sources, err := scratchFiles(settings.DownloadFolder, d.Title)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errdef.New(errdef.FileNotFound, "no files named %q in %s", d.Title, settings.DownloadFolder)
	}

	moved := make([]string, 0, len(sources))
	for _, src := range sources {
		dst := filepath.Join(vol.Folder, filepath.Base(src))
		// Downloads regularly carry the wrong extension.
		if corrected := fsutil.SetDetectedExtension(src); corrected != src {
			dst = strings.TrimSuffix(dst, filepath.Ext(dst)) + filepath.Ext(corrected)
		}
		if copyFiles {
			err = fsutil.CopyFile(src, dst)
		} else {
			err = fsutil.MoveFile(src, dst)
		}
		if err != nil {
			return err
		}
		moved = append(moved, dst)
	}

	if err := q.sc.Scan(ctx, d.VolumeID, scanner.Options{
		PathFilter: moved,
		Provenance: d.provenance,
		Notify:     true,
	}); err != nil {
		return err
	}

	var issueID int64
	if d.IssueID != nil {
		issueID = *d.IssueID
	}
	if settings.RenameDownloadedFiles && q.namer != nil {
		renamed, err := q.namer.MassRename(ctx, d.VolumeID, issueID, moved, false)
		if err != nil {
			return err
		}
		if len(renamed) > 0 {
			moved = renamed
		}
	}
	if settings.ConvertFiles && q.conv != nil {
		if _, err := q.conv.MassConvert(ctx, d.VolumeID, issueID, moved, false, true, d.provenance); err != nil {
			return err
		}
	}

	q.mut.Lock()
	d.imported = true
	q.mut.Unlock()
	return nil
}

// scratchFiles returns the files in the scratch folder belonging to the
// download: the file or folder carrying its title. A torrent payload may be
// a folder, in which case its contents are returned.
func scratchFiles(folder, title string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name != title && strings.TrimSuffix(name, filepath.Ext(name)) != title {
			continue
		}
		full := filepath.Join(folder, name)
		if e.IsDir() {
			inner, err := fsutil.ListFiles(full, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}
		out = append(out, full)
	}
	sort.Strings(out)
	return out, nil
}

// AddDownload admits a link for the volume, or for one issue of it when
// issueID is set. Release pages are resolved into their download groups and
// every matching group is queued from its most preferred usable service;
// magnet and plain HTTP links are queued as they are. A blocklisted link is
// refused with LinkBroken. Returns the entries created, which may be none
// when no group matches.
func (q *Queue) AddDownload(ctx context.Context, volumeID int64, issueID *int64, link string, forceMatch bool) ([]Download, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, errdef.New(errdef.LinkBroken, "empty link")
	}
	if q.db.IsBlocklisted(ctx, link) {
		return nil, errdef.New(errdef.LinkBroken, "link is blocklisted: %s", link)
	}

	vol, err := q.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	issues, err := q.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if issueID != nil && !issueIn(issues, *issueID) {
		return nil, errdef.New(errdef.IssueNotFound, "issue %d is not part of volume %d", *issueID, volumeID)
	}

	var candidates []*Download
	switch {
	case q.isReleasePage(link):
		candidates, err = q.resolvePage(ctx, vol, issues, issueID, link, forceMatch)
	case strings.HasPrefix(strings.ToLower(link), "magnet:"):
		candidates, err = q.magnetDownload(ctx, vol, issues, issueID, link)
	default:
		candidates, err = q.plainDownload(vol, issues, issueID, link)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(candidates))
	for _, d := range candidates {
		row := d.row()
		if err := q.db.AddQueuedDownload(ctx, &row); err != nil {
			return out, err
		}
		d.ID = row.ID

		q.mut.Lock()
		q.queue = append(q.queue, d)
		snap := *d
		q.mut.Unlock()

		metricDownloadsAddedTotal.WithLabelValues(d.Client).Inc()
		q.event(events.QueueAdded, snap)
		out = append(out, snap)
		l.Infof("Queued download %d (%s) for volume %d", d.ID, d.Title, volumeID)
	}
	if len(out) > 0 {
		q.poke()
	}
	return out, nil
}

// resolvePage turns a release page into queue candidates, one per download
// group that matches the volume.
func (q *Queue) resolvePage(ctx context.Context, vol db.Volume, issues []db.Issue, issueID *int64, link string, forceMatch bool) ([]*Download, error) {
	pageTitle, groups, err := q.searcher.ResolveReleasePage(ctx, link)
	if err != nil {
		return nil, err
	}

	mvol := matchingVolume(vol)
	missues := make([]matching.Issue, len(issues))
	for i, issue := range issues {
		missues[i] = matching.Issue{
			ID:               issue.ID,
			CalculatedNumber: issue.CalculatedIssueNumber,
			Year:             issue.Year(),
		}
	}
	var endYear *int
	if len(issues) > 0 {
		endYear = issues[len(issues)-1].Year()
	}

	settings := q.cfg.Raw()
	var out []*Download
	for _, group := range groups {
		desc := filename.Extract(group.Title)
		if !forceMatch && !matching.DownloadGroupFilter(desc, mvol, endYear, missues) {
			l.Debugf("Skipping download group %q: no match for %s", group.Title, vol.Title)
			continue
		}
		d, ok := q.pickGroupDownload(ctx, settings, group)
		if !ok {
			l.Infof("No usable service for download group %q on %s", group.Title, link)
			continue
		}

		title := group.Title
		if pageTitle != "" {
			title = pageTitle + " " + group.Title
		}
		d.VolumeID = vol.ID
		d.IssueID = issueID
		d.Title = fsutil.SafePath(title)
		d.State = comic.DownloadQueued
		webLink := link
		d.WebLink = &webLink
		if pageTitle != "" {
			pt := pageTitle
			d.WebTitle = &pt
		}
		gt := group.Title
		d.WebSubTitle = &gt
		d.provenance = filename.ExtractProvenance(title)
		out = append(out, d)
	}
	return out, nil
}

// pickGroupDownload picks the group's most preferred usable service. A
// torrent link is the fallback when an external client is configured.
func (q *Queue) pickGroupDownload(ctx context.Context, settings config.Settings, group search.DownloadGroup) (*Download, bool) {
	for _, service := range settings.ServicePreference {
		if !supportedDirectServices[service] {
			continue
		}
		for _, sl := range group.Links {
			if sl.Service != service {
				continue
			}
			return &Download{
				Client: ClientDirect,
				Link:   directURL(sl),
				Source: sl.Service,
			}, true
		}
	}
	for _, sl := range group.Links {
		if sl.Service != "torrent" {
			continue
		}
		client, ok := q.firstExternalClient(ctx)
		if !ok {
			l.Infoln("Skipping torrent link: no external client configured")
			break
		}
		id := client.ID
		return &Download{
			Client:           strings.ToLower(client.Type),
			Link:             sl.URL,
			Source:           "torrent",
			externalClientID: &id,
		}, true
	}
	return nil, false
}

func (q *Queue) magnetDownload(ctx context.Context, vol db.Volume, issues []db.Issue, issueID *int64, link string) ([]*Download, error) {
	client, ok := q.firstExternalClient(ctx)
	if !ok {
		return nil, errdef.New(errdef.ClientNotWorking, "no external client configured for torrents")
	}
	id := client.ID
	title := magnetDisplayName(link)
	if title == "" {
		title = downloadTitle(vol, issues, issueID)
	}
	return []*Download{{
		VolumeID:         vol.ID,
		IssueID:          issueID,
		Client:           strings.ToLower(client.Type),
		Link:             link,
		Source:           "torrent",
		Title:            fsutil.SafePath(title),
		State:            comic.DownloadQueued,
		externalClientID: &id,
		provenance:       filename.ExtractProvenance(title),
	}}, nil
}

func (q *Queue) plainDownload(vol db.Volume, issues []db.Issue, issueID *int64, link string) ([]*Download, error) {
	service := search.ServiceOf(link)
	switch service {
	case "mega", "mediafire", "wetransfer":
		return nil, errdef.New(errdef.LinkBroken, "downloading from %s is not supported", service)
	case "":
		service = "direct"
	}
	return []*Download{{
		VolumeID:   vol.ID,
		IssueID:    issueID,
		Client:     ClientDirect,
		Link:       directURL(search.ServiceLink{Service: service, URL: link}),
		Source:     service,
		Title:      fsutil.SafePath(downloadTitle(vol, issues, issueID)),
		State:      comic.DownloadQueued,
		provenance: filename.ExtractProvenance(link),
	}}, nil
}

func (q *Queue) firstExternalClient(ctx context.Context) (db.ExternalClient, bool) {
	clients, err := q.db.ExternalClients(ctx)
	if err != nil || len(clients) == 0 {
		return db.ExternalClient{}, false
	}
	return clients[0], true
}

// Downloads returns the queue in its current order.
func (q *Queue) Downloads() []Download {
	q.mut.Lock()
	defer q.mut.Unlock()
	out := make([]Download, len(q.queue))
	for i, d := range q.queue {
		out[i] = *d
	}
	return out
}

// Download returns one entry.
func (q *Queue) Download(id int64) (Download, error) {
	q.mut.Lock()
	defer q.mut.Unlock()
	for _, d := range q.queue {
		if d.ID == id {
			return *d, nil
		}
	}
	return Download{}, errdef.New(errdef.DownloadNotFound, "download %d", id)
}

// Move places a queued entry at the given position. Entries already handed
// to a client keep their place.
func (q *Queue) Move(id int64, index int) error {
	q.mut.Lock()
	defer q.mut.Unlock()

	from := -1
	for i, d := range q.queue {
		if d.ID == id {
			from = i
			break
		}
	}
	if from == -1 {
		return errdef.New(errdef.DownloadNotFound, "download %d", id)
	}
	d := q.queue[from]
	if d.State != comic.DownloadQueued || d.handle != "" {
		return errdef.New(errdef.DownloadUnmovable, "download %d is %s", id, d.State)
	}

	if index < 0 {
		index = 0
	}
	if index > len(q.queue)-1 {
		index = len(q.queue) - 1
	}
	q.queue = append(q.queue[:from], q.queue[from+1:]...)
	q.queue = append(q.queue[:index], append([]*Download{d}, q.queue[index:]...)...)
	return nil
}

// Remove cancels a queue entry, deleting whatever the client fetched so
// far. With blocklist set the link is also blocked from coming back.
func (q *Queue) Remove(ctx context.Context, id int64, blocklist bool) error {
	q.mut.Lock()
	var d *Download
	for _, e := range q.queue {
		if e.ID == id {
			d = e
			break
		}
	}
	var handle string
	if d != nil {
		handle = d.handle
	}
	q.mut.Unlock()
	if d == nil {
		return errdef.New(errdef.DownloadNotFound, "download %d", id)
	}

	if handle != "" {
		if client, err := q.clientFor(ctx, d); err == nil {
			if err := client.Delete(ctx, handle, true); err != nil {
				l.Warnln("Removing download", id, "from its client:", err)
			}
		}
	}
	if blocklist {
		q.blocklist(ctx, d, comic.BlocklistAddedByUser)
	}
	l.Infof("Canceled download %d (%s)", d.ID, d.Title)
	q.end(ctx, d, comic.DownloadCanceled)
	return nil
}

// Clear cancels every entry in the queue.
func (q *Queue) Clear(ctx context.Context) error {
	for _, d := range q.Downloads() {
		err := q.Remove(ctx, d.ID, false)
		if err != nil && !errors.Is(err, errdef.DownloadNotFound) {
			return err
		}
	}
	return nil
}

func issueIn(issues []db.Issue, id int64) bool {
	for _, issue := range issues {
		if issue.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) isReleasePage(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), q.pageHost)
}

// directURL rewrites service page links into direct download URLs where the
// service has a stable pattern for them.
func directURL(sl search.ServiceLink) string {
	if sl.Service != "pixeldrain" {
		return sl.URL
	}
	u, err := url.Parse(sl.URL)
	if err != nil {
		return sl.URL
	}
	if id, ok := strings.CutPrefix(u.Path, "/u/"); ok && id != "" {
		u.Path = "/api/file/" + id
		u.RawQuery = "download"
		return u.String()
	}
	return sl.URL
}

func magnetDisplayName(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("dn")
}

// downloadTitle derives a scratch file name for links that do not bring
// their own.
func downloadTitle(vol db.Volume, issues []db.Issue, issueID *int64) string {
	title := vol.Title
	if vol.Year != nil {
		title = fmt.Sprintf("%s (%d)", title, *vol.Year)
	}
	if issueID == nil {
		return title
	}
	for _, issue := range issues {
		if issue.ID == *issueID {
			return title + " #" + issue.IssueNumber
		}
	}
	return title
}

// matchingVolume reduces a volume row to the slice of state the matching
// predicates need.
func matchingVolume(vol db.Volume) matching.Volume {
	m := matching.Volume{
		Title:          vol.Title,
		Year:           vol.Year,
		SpecialVersion: vol.SpecialVersion,
	}
	if vol.AltTitle != nil {
		m.AltTitle = *vol.AltTitle
	}
	if vol.VolumeNumber != 0 {
		n := vol.VolumeNumber
		m.VolumeNumber = &n
	}
	return m
}

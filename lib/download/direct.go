// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"context"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/httpclient"
)

// directClient is the built in downloader for plain HTTP links. Each Add
// spawns a goroutine that streams the body into the scratch folder; the
// file appears under its final name only once it is complete.
type directClient struct {
	web    *httpclient.Client
	folder func() string

	mut       sync.Mutex
	transfers map[string]*directTransfer
}

type directTransfer struct {
	cancel context.CancelFunc
	path   string

	mut          sync.Mutex
	size         int64
	received     int64
	state        comic.DownloadState
	lastPoll     time.Time
	lastReceived int64
}

func newDirectClient(web *httpclient.Client, folder func() string) *directClient {
	return &directClient{
		web:       web,
		folder:    folder,
		transfers: make(map[string]*directTransfer),
	}
}

// Add starts streaming the link. The handle is the queue entry id, which
// makes re-adding after a restart transparent.
func (c *directClient) Add(ctx context.Context, d *Download) (string, error) {
	folder := c.folder()
	if err := fsutil.CreateFolder(folder); err != nil {
		return "", err
	}

	sctx, cancel := context.WithCancel(ctx)
	t := &directTransfer{
		cancel:   cancel,
		path:     filepath.Join(folder, d.Title+extensionFor(d.Link)),
		state:    comic.DownloadDownloading,
		lastPoll: time.Now(),
	}

	handle := strconv.FormatInt(d.ID, 10)
	c.mut.Lock()
	c.transfers[handle] = t
	c.mut.Unlock()

	go c.run(sctx, t, d.Link)
	return handle, nil
}

func (c *directClient) run(ctx context.Context, t *directTransfer, link string) {
	err := c.fetch(ctx, t, link)

	t.mut.Lock()
	defer t.mut.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			l.Infoln("Download of", link, "failed:", err)
		}
		t.state = comic.DownloadFailed
		return
	}
	t.state = comic.DownloadDone
}

func (c *directClient) fetch(ctx context.Context, t *directTransfer, link string) error {
	resp, err := c.web.Get(ctx, link)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdef.New(errdef.LinkBroken, "GET %s: status %d", link, resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		t.mut.Lock()
		t.size = resp.ContentLength
		t.mut.Unlock()
	}

	pend, err := renameio.TempFile("", t.path)
	if err != nil {
		return err
	}
	defer pend.Cleanup() //nolint:errcheck

	buf := make([]byte, 128<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := pend.Write(buf[:n]); werr != nil {
				return werr
			}
			t.mut.Lock()
			t.received += int64(n)
			t.mut.Unlock()
			metricDownloadedBytesTotal.Add(float64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return pend.CloseAtomicallyReplace()
}

func (c *directClient) Status(_ context.Context, handle string) (*Status, error) {
	c.mut.Lock()
	t, ok := c.transfers[handle]
	c.mut.Unlock()
	if !ok {
		return nil, nil
	}
	return t.status(), nil
}

// status reports the transfer, deriving the speed from the bytes received
// since the previous report.
func (t *directTransfer) status() *Status {
	t.mut.Lock()
	defer t.mut.Unlock()

	now := time.Now()
	var speed int64
	if elapsed := now.Sub(t.lastPoll).Seconds(); elapsed > 0 {
		speed = int64(float64(t.received-t.lastReceived) / elapsed)
	}
	t.lastPoll = now
	t.lastReceived = t.received

	size := t.size
	var progress float64
	switch {
	case t.state == comic.DownloadDone:
		progress = 100
		if size == 0 {
			size = t.received
		}
	case size > 0:
		progress = round2(float64(t.received) / float64(size) * 100)
	}

	return &Status{Size: size, Progress: progress, Speed: speed, State: t.state}
}

func (c *directClient) Delete(_ context.Context, handle string, deleteFiles bool) error {
	c.mut.Lock()
	t, ok := c.transfers[handle]
	delete(c.transfers, handle)
	c.mut.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	if deleteFiles {
		os.Remove(t.path) //nolint:errcheck
	}
	return nil
}

// extensionFor guesses the scratch file extension from the link. The import
// step corrects it from the file's magic bytes, so a wrong guess is
// cosmetic.
func extensionFor(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ".zip"
	}
	if ext := comic.Ext(u.Path); ext != "" && comic.HasExtension(u.Path, comic.ScannableExtensions) {
		return ext
	}
	return ".zip"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

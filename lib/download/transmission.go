// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/httpclient"
)

// transmissionStates maps the status field of a torrent-get response onto
// the queue states.
var transmissionStates = map[int]comic.DownloadState{
	0: comic.DownloadPaused,      // Stopped
	1: comic.DownloadDownloading, // CheckWait
	2: comic.DownloadDownloading, // Checking
	3: comic.DownloadQueued,      // DownloadWait
	4: comic.DownloadDownloading, // Downloading
	5: comic.DownloadSeeding,     // SeedWait
	6: comic.DownloadSeeding,     // Seeding
}

var magnetNameExp = regexp.MustCompile(`(&dn=)[^&]*`)

// transmission talks to a Transmission instance over its RPC interface.
// The handle is the torrent hash, which Transmission derives from the link,
// so a download re-added after a restart resolves to the same handle.
type transmission struct {
	web      *httpclient.Client
	baseURL  string
	username *string
	password *string
	folder   func() string
	timeout  func() int // stall timeout in seconds, zero to disable
	now      func() time.Time

	// failing holds, per handle, when the torrent was first seen in a
	// stalled state.
	failing *xsync.MapOf[string, int64]

	mut       sync.Mutex
	sessionID string
}

func newTransmission(web *httpclient.Client, cfg ClientConfig, folder func() string, timeout func() int) *transmission {
	return &transmission{
		web:      web,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		folder:   folder,
		timeout:  timeout,
		now:      time.Now,
		failing:  xsync.NewMapOf[string, int64](),
	}
}

func (t *transmission) session() string {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.sessionID
}

func (t *transmission) setSession(sid string) {
	t.mut.Lock()
	t.sessionID = sid
	t.mut.Unlock()
}

// rpc performs one RPC call. A 409 carries the session id the server wants
// future requests to present; the call is retried once with it.
func (t *transmission) rpc(ctx context.Context, method string, args, out any) error {
	body, err := json.Marshal(map[string]any{"method": method, "arguments": args})
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transmission/rpc", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if sid := t.session(); sid != "" {
			req.Header.Set("X-Transmission-Session-Id", sid)
		}
		if t.username != nil && t.password != nil {
			req.SetBasicAuth(*t.username, *t.password)
		}

		resp, err := t.web.Do(req)
		if err != nil {
			return errdef.Wrap(errdef.ClientNotWorking, err)
		}

		if resp.StatusCode == http.StatusConflict && attempt == 0 {
			sid := resp.Header.Get("X-Transmission-Session-Id")
			resp.Body.Close()
			if sid == "" {
				return errdef.New(errdef.ClientNotWorking, "409 without a session id")
			}
			l.Debugln("Refreshed transmission session id")
			t.setSession(sid)
			continue
		}

		return decodeRPC(resp, method, out)
	}
}

func decodeRPC(resp *http.Response, method string, out any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errdef.New(errdef.CredentialInvalid, "transmission refused the credentials")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errdef.New(errdef.ClientNotWorking, "transmission returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Result    string          `json:"result"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errdef.Wrap(errdef.ClientNotWorking, err)
	}
	if envelope.Result != "success" {
		return errdef.New(errdef.ClientNotWorking, "%s failed: %s", method, envelope.Result)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Arguments, out); err != nil {
			return errdef.Wrap(errdef.ClientNotWorking, err)
		}
	}
	return nil
}

// Add hands the link to the client. The display name of a magnet link is
// rewritten to the download title so the data lands under a predictable
// name in the scratch folder.
func (t *transmission) Add(ctx context.Context, d *Download) (string, error) {
	link := d.Link
	if strings.HasPrefix(strings.ToLower(link), "magnet:") && d.Title != "" {
		link = magnetNameExp.ReplaceAllString(link, "${1}"+url.QueryEscape(d.Title))
	}

	var out struct {
		Added *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-added"`
		Duplicate *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-duplicate"`
	}
	args := map[string]any{
		"filename":     link,
		"paused":       false,
		"download-dir": t.folder(),
	}
	if err := t.rpc(ctx, "torrent-add", args, &out); err != nil {
		return "", err
	}

	switch {
	case out.Added != nil:
		return out.Added.HashString, nil
	case out.Duplicate != nil:
		return out.Duplicate.HashString, nil
	}
	return "", errdef.New(errdef.ClientNotWorking, "torrent-add returned no torrent")
}

func (t *transmission) Status(ctx context.Context, handle string) (*Status, error) {
	args := map[string]any{
		"ids":    []string{handle},
		"fields": []string{"hashString", "totalSize", "percentDone", "rateDownload", "status", "error", "errorString"},
	}
	var out struct {
		Torrents []struct {
			TotalSize    int64   `json:"totalSize"`
			PercentDone  float64 `json:"percentDone"`
			RateDownload int64   `json:"rateDownload"`
			Status       int     `json:"status"`
			Error        int     `json:"error"`
			ErrorString  string  `json:"errorString"`
		} `json:"torrents"`
	}
	if err := t.rpc(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		// Removed on the client side.
		t.failing.Delete(handle)
		return nil, nil
	}

	torrent := out.Torrents[0]
	state, ok := transmissionStates[torrent.Status]
	if !ok {
		state = comic.DownloadImporting
	}
	if torrent.Error != 0 {
		l.Warnln("Torrent", handle, "failed:", torrent.ErrorString)
		state = comic.DownloadFailed
	}
	state = t.checkStall(handle, torrent.Status, torrent.RateDownload, state)

	return &Status{
		Size:     torrent.TotalSize,
		Progress: round2(torrent.PercentDone * 100),
		Speed:    torrent.RateDownload,
		State:    state,
	}, nil
}

// checkStall stamps a torrent sitting in a waiting state or downloading at
// zero rate, and forces it to failed once the stamp outlives the failing
// download timeout. A healthy observation clears the stamp.
func (t *transmission) checkStall(handle string, status int, rate int64, state comic.DownloadState) comic.DownloadState {
	if state == comic.DownloadFailed || state == comic.DownloadSeeding {
		return state
	}
	stalled := status == 1 || status == 2 || status == 3 || (status == 4 && rate == 0)
	if !stalled {
		t.failing.Delete(handle)
		return state
	}
	since, loaded := t.failing.LoadOrStore(handle, t.now().Unix())
	if timeout := t.timeout(); loaded && timeout > 0 && t.now().Unix()-since > int64(timeout) {
		l.Infoln("Torrent", handle, "stalled for too long, giving up")
		return comic.DownloadFailed
	}
	return state
}

func (t *transmission) Delete(ctx context.Context, handle string, deleteFiles bool) error {
	args := map[string]any{
		"ids":               []string{handle},
		"delete-local-data": deleteFiles,
	}
	if err := t.rpc(ctx, "torrent-remove", args, nil); err != nil {
		return err
	}
	t.failing.Delete(handle)
	return nil
}

// Test logs into the instance. A session-get that survives the session id
// dance proves both connectivity and credentials.
func (t *transmission) Test(ctx context.Context) error {
	return t.rpc(ctx, "session-get", map[string]any{}, nil)
}

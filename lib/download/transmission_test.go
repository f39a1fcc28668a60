// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/httpclient"
)

func testWeb() *httpclient.Client {
	return httpclient.New(httpclient.Options{Retries: 1, Backoff: time.Millisecond}, nil)
}

type rpcCall struct {
	method string
	args   map[string]any
}

// rpcServer fakes the Transmission RPC endpoint: requests without a session
// id are bounced with a 409 carrying one, the rest are dispatched to the
// handler and recorded.
type rpcServer struct {
	srv     *httptest.Server
	handler func(method string, args map[string]any) (any, string)

	mut       sync.Mutex
	conflicts int
	calls     []rpcCall
}

func newRPCServer(t *testing.T, handler func(method string, args map[string]any) (any, string)) *rpcServer {
	t.Helper()
	s := &rpcServer{handler: handler}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Transmission-Session-Id") == "" {
			s.mut.Lock()
			s.conflicts++
			s.mut.Unlock()
			w.Header().Set("X-Transmission-Session-Id", "session-1")
			w.WriteHeader(http.StatusConflict)
			return
		}

		var req struct {
			Method    string         `json:"method"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error("decoding rpc request:", err)
		}
		s.mut.Lock()
		s.calls = append(s.calls, rpcCall{req.Method, req.Arguments})
		s.mut.Unlock()

		args, result := s.handler(req.Method, req.Arguments)
		if result == "" {
			result = "success"
		}
		if args == nil {
			args = map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"result": result, "arguments": args}) //nolint:errcheck
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *rpcServer) conflictCount() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.conflicts
}

func (s *rpcServer) lastCall(method string) (map[string]any, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].method == method {
			return s.calls[i].args, true
		}
	}
	return nil, false
}

func newTestTransmission(srv *rpcServer, timeout int) *transmission {
	return newTransmission(testWeb(), ClientConfig{BaseURL: srv.srv.URL},
		func() string { return "/downloads" }, func() int { return timeout })
}

func TestTransmissionSessionDance(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ map[string]any) (any, string) {
		if method != "session-get" {
			t.Errorf("unexpected method %q", method)
		}
		return nil, ""
	})
	tr := newTestTransmission(srv, 0)

	if err := tr.Test(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := srv.conflictCount(); n != 1 {
		t.Errorf("%d conflicts served, want 1", n)
	}

	// The second call reuses the session id without a new 409.
	if err := tr.Test(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := srv.conflictCount(); n != 1 {
		t.Errorf("%d conflicts after reuse, want 1", n)
	}
}

func TestTransmissionBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Transmission-Session-Id") == "" {
			w.Header().Set("X-Transmission-Session-Id", "session-1")
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Write([]byte(`{"result":"success","arguments":{}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	user, pass := "alice", "secret"
	tr := newTransmission(testWeb(), ClientConfig{BaseURL: srv.URL, Username: &user, Password: &pass},
		func() string { return "" }, func() int { return 0 })
	if err := tr.Test(context.Background()); err != nil {
		t.Fatal(err)
	}

	wrong := "wrong"
	tr = newTransmission(testWeb(), ClientConfig{BaseURL: srv.URL, Username: &user, Password: &wrong},
		func() string { return "" }, func() int { return 0 })
	if err := tr.Test(context.Background()); !errors.Is(err, errdef.CredentialInvalid) {
		t.Errorf("wrong password: got %v, want CredentialInvalid", err)
	}
}

func TestTransmissionTestErrors(t *testing.T) {
	refused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer refused.Close()

	tr := newTransmission(testWeb(), ClientConfig{BaseURL: refused.URL}, func() string { return "" }, func() int { return 0 })
	if err := tr.Test(context.Background()); !errors.Is(err, errdef.CredentialInvalid) {
		t.Errorf("unauthorized: got %v, want CredentialInvalid", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	tr = newTransmission(testWeb(), ClientConfig{BaseURL: broken.URL}, func() string { return "" }, func() int { return 0 })
	if err := tr.Test(context.Background()); !errors.Is(err, errdef.ClientNotWorking) {
		t.Errorf("bad gateway: got %v, want ClientNotWorking", err)
	}

	failed := newRPCServer(t, func(string, map[string]any) (any, string) {
		return nil, "incomprehensible request"
	})
	tr = newTestTransmission(failed, 0)
	if err := tr.Test(context.Background()); !errors.Is(err, errdef.ClientNotWorking) {
		t.Errorf("rpc failure: got %v, want ClientNotWorking", err)
	}
}

func TestTransmissionAdd(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ map[string]any) (any, string) {
		if method != "torrent-add" {
			t.Errorf("unexpected method %q", method)
		}
		return map[string]any{"torrent-added": map[string]any{"hashString": "f00dfeed"}}, ""
	})
	tr := newTestTransmission(srv, 0)

	d := &Download{
		ID:    1,
		Title: "Batman (2016) #12",
		Link:  "magnet:?xt=urn:btih:deadbeef&dn=some.release.name&tr=udp://tracker.example/announce",
	}
	handle, err := tr.Add(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if handle != "f00dfeed" {
		t.Errorf("handle %q, want f00dfeed", handle)
	}

	args, ok := srv.lastCall("torrent-add")
	if !ok {
		t.Fatal("no torrent-add call recorded")
	}
	// The display name is rewritten so the payload lands under the queue
	// entry's title.
	wantLink := "magnet:?xt=urn:btih:deadbeef&dn=Batman+%282016%29+%2312&tr=udp://tracker.example/announce"
	if link, _ := args["filename"].(string); link != wantLink {
		t.Errorf("added link\n  %q\nwant\n  %q", link, wantLink)
	}
	if dir, _ := args["download-dir"].(string); dir != "/downloads" {
		t.Errorf("download dir %q, want /downloads", dir)
	}
	if paused, _ := args["paused"].(bool); paused {
		t.Error("torrent added paused")
	}
}

func TestTransmissionAddDuplicate(t *testing.T) {
	srv := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{"torrent-duplicate": map[string]any{"hashString": "abc123"}}, ""
	})
	tr := newTestTransmission(srv, 0)

	// Re-adding after a restart yields the same hash through the duplicate
	// arm of the response.
	handle, err := tr.Add(context.Background(), &Download{Link: "magnet:?xt=urn:btih:abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if handle != "abc123" {
		t.Errorf("handle %q, want abc123", handle)
	}

	empty := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{}, ""
	})
	tr = newTestTransmission(empty, 0)
	if _, err := tr.Add(context.Background(), &Download{Link: "magnet:?xt=urn:btih:abc123"}); !errors.Is(err, errdef.ClientNotWorking) {
		t.Errorf("empty response: got %v, want ClientNotWorking", err)
	}
}

func TestTransmissionStatusStates(t *testing.T) {
	cases := []struct {
		status int
		rate   int64
		errNo  int
		want   comic.DownloadState
	}{
		{0, 0, 0, comic.DownloadPaused},
		{1, 0, 0, comic.DownloadDownloading},
		{2, 0, 0, comic.DownloadDownloading},
		{3, 0, 0, comic.DownloadQueued},
		{4, 0, 0, comic.DownloadDownloading},
		{4, 2048, 0, comic.DownloadDownloading},
		{5, 0, 0, comic.DownloadSeeding},
		{6, 0, 0, comic.DownloadSeeding},
		{9, 0, 0, comic.DownloadImporting},
		{4, 2048, 3, comic.DownloadFailed},
	}
	for _, tc := range cases {
		srv := newRPCServer(t, func(string, map[string]any) (any, string) {
			return map[string]any{"torrents": []map[string]any{{
				"hashString":   "abc",
				"totalSize":    1000,
				"percentDone":  0.5,
				"rateDownload": tc.rate,
				"status":       tc.status,
				"error":        tc.errNo,
				"errorString":  "tracker gave up",
			}}}, ""
		})
		tr := newTestTransmission(srv, 0)

		st, err := tr.Status(context.Background(), "abc")
		if err != nil {
			t.Fatal(err)
		}
		if st == nil || st.State != tc.want {
			t.Errorf("status %d rate %d error %d: got %+v, want state %s", tc.status, tc.rate, tc.errNo, st, tc.want)
		}
	}
}

func TestTransmissionStatusReport(t *testing.T) {
	srv := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{"torrents": []map[string]any{{
			"hashString":   "abc",
			"totalSize":    5000,
			"percentDone":  0.6234,
			"rateDownload": 1024,
			"status":       4,
			"error":        0,
		}}}, ""
	})
	tr := newTestTransmission(srv, 0)

	st, err := tr.Status(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	want := &Status{Size: 5000, Progress: 62.34, Speed: 1024, State: comic.DownloadDownloading}
	if !reflect.DeepEqual(st, want) {
		t.Errorf("got %+v, want %+v", st, want)
	}
}

func TestTransmissionStatusGone(t *testing.T) {
	srv := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{"torrents": []map[string]any{}}, ""
	})
	tr := newTestTransmission(srv, 0)

	st, err := tr.Status(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("got %+v, want nil for a removed torrent", st)
	}
}

func TestTransmissionStallTimeout(t *testing.T) {
	srv := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{"torrents": []map[string]any{{
			"hashString": "abc", "status": 4, "rateDownload": 0,
		}}}, ""
	})
	tr := newTestTransmission(srv, 60)
	now := time.Unix(1_000_000, 0)
	tr.now = func() time.Time { return now }

	status := func() comic.DownloadState {
		t.Helper()
		st, err := tr.Status(context.Background(), "abc")
		if err != nil {
			t.Fatal(err)
		}
		return st.State
	}

	// The first stalled observation stamps the torrent but keeps its state.
	if got := status(); got != comic.DownloadDownloading {
		t.Errorf("first observation %s, want downloading", got)
	}
	now = now.Add(59 * time.Second)
	if got := status(); got != comic.DownloadDownloading {
		t.Errorf("within the timeout %s, want downloading", got)
	}
	now = now.Add(2 * time.Second)
	if got := status(); got != comic.DownloadFailed {
		t.Errorf("beyond the timeout %s, want failed", got)
	}
}

func TestTransmissionStallRecovers(t *testing.T) {
	var rate atomic.Int64
	srv := newRPCServer(t, func(string, map[string]any) (any, string) {
		return map[string]any{"torrents": []map[string]any{{
			"hashString": "abc", "status": 4, "rateDownload": rate.Load(),
		}}}, ""
	})
	tr := newTestTransmission(srv, 60)
	now := time.Unix(1_000_000, 0)
	tr.now = func() time.Time { return now }

	status := func() comic.DownloadState {
		t.Helper()
		st, err := tr.Status(context.Background(), "abc")
		if err != nil {
			t.Fatal(err)
		}
		return st.State
	}

	status() // stalled, stamped

	// A healthy observation clears the stamp even long past the timeout.
	rate.Store(4096)
	now = now.Add(10 * time.Minute)
	if got := status(); got != comic.DownloadDownloading {
		t.Errorf("healthy observation %s, want downloading", got)
	}

	// Stalling again starts a fresh stamp.
	rate.Store(0)
	status()
	now = now.Add(59 * time.Second)
	if got := status(); got != comic.DownloadDownloading {
		t.Errorf("fresh stall %s, want downloading", got)
	}
}

func TestTransmissionDelete(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ map[string]any) (any, string) {
		if method != "torrent-remove" {
			t.Errorf("unexpected method %q", method)
		}
		return nil, ""
	})
	tr := newTestTransmission(srv, 0)

	if err := tr.Delete(context.Background(), "abc", true); err != nil {
		t.Fatal(err)
	}
	args, ok := srv.lastCall("torrent-remove")
	if !ok {
		t.Fatal("no torrent-remove call recorded")
	}
	ids, _ := args["ids"].([]any)
	if len(ids) != 1 || ids[0] != "abc" {
		t.Errorf("removed ids %v, want [abc]", ids)
	}
	if del, _ := args["delete-local-data"].(bool); !del {
		t.Error("delete-local-data not set")
	}
}

func TestExternalClientOptions(t *testing.T) {
	if opts := ExternalClientOptions(); !reflect.DeepEqual(opts, []string{"transmission"}) {
		t.Errorf("options %v, want [transmission]", opts)
	}

	if _, err := buildExternalClient(testWeb(), "floppynet", ClientConfig{}, nil, nil); !errors.Is(err, errdef.ClientNotWorking) {
		t.Errorf("unknown type: got %v, want ClientNotWorking", err)
	}

	// Lookup is case insensitive; rows may carry the display casing.
	c, err := buildExternalClient(testWeb(), "Transmission", ClientConfig{BaseURL: "http://localhost:9091"},
		func() string { return "" }, func() int { return 0 })
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(Tester); !ok {
		t.Error("external client does not implement Tester")
	}
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/longbox/longbox/lib/config"
)

// CloudFlare marks responses that failed its challenge with this header.
const (
	challengeHeader = "cf-mitigated"
	challengeValue  = "challenge"

	fsAPIBase = "/v1"

	// Cleared user agents and cookies are kept per URL. The set of URLs we
	// talk to is small; the LRU just bounds a hostile server.
	uaCookieCacheSize = 128
)

// FlareSolverr talks to a FlareSolverr instance to clear CloudFlare
// challenges, and remembers the cleared user agent and cookies per URL. The
// zero value is not usable; call NewFlareSolverr.
type FlareSolverr struct {
	http *http.Client

	mut       sync.Mutex
	baseURL   string
	sessionID string

	uas     *lru.Cache[string, string]
	cookies *lru.Cache[string, map[string]string]
}

func NewFlareSolverr() *FlareSolverr {
	uas, _ := lru.New[string, string](uaCookieCacheSize)
	cookies, _ := lru.New[string, map[string]string](uaCookieCacheSize)
	return &FlareSolverr{
		http:    &http.Client{},
		uas:     uas,
		cookies: cookies,
	}
}

// Enable connects to the FlareSolverr instance at baseURL (no API suffix)
// by creating a session.
func (f *FlareSolverr) Enable(ctx context.Context, baseURL string) error {
	baseURL = strings.TrimRight(baseURL, "/")
	var result struct {
		Session string `json:"session"`
	}
	if err := f.command(ctx, baseURL, map[string]any{"cmd": "sessions.create"}, &result); err != nil {
		return err
	}

	f.mut.Lock()
	f.baseURL = baseURL
	f.sessionID = result.Session
	f.mut.Unlock()
	l.Infoln("Connected to FlareSolverr at", baseURL)
	return nil
}

// Disable destroys the session, if any.
func (f *FlareSolverr) Disable(ctx context.Context) {
	f.mut.Lock()
	baseURL, sessionID := f.baseURL, f.sessionID
	f.baseURL, f.sessionID = "", ""
	f.mut.Unlock()

	if baseURL == "" || sessionID == "" {
		return
	}
	if err := f.command(ctx, baseURL, map[string]any{"cmd": "sessions.destroy", "session": sessionID}, nil); err != nil {
		l.Debugln("Destroying FlareSolverr session:", err)
	}
}

// Enabled reports whether a FlareSolverr session exists.
func (f *FlareSolverr) Enabled() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.baseURL != "" && f.sessionID != ""
}

func (f *FlareSolverr) command(ctx context.Context, baseURL string, cmd map[string]any, result any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+fsAPIBase, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("FlareSolverr returned status %d", resp.StatusCode)
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// uaCookies returns the cleared user agent and cookies for the URL, if a
// challenge was solved for it before.
func (f *FlareSolverr) uaCookies(url string) (string, map[string]string, bool) {
	ua, ok := f.uas.Get(url)
	if !ok {
		return "", nil, false
	}
	cookies, _ := f.cookies.Get(url)
	return ua, cookies, true
}

type solution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Response  string            `json:"response"`
	UserAgent string            `json:"userAgent"`
	Cookies   []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"cookies"`
}

// response turns the solved page into an *http.Response standing in for the
// blocked one.
func (s *solution) response(req *http.Request) *http.Response {
	header := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		header.Set(k, v)
	}
	return &http.Response{
		Status:        http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(s.Response)),
		ContentLength: int64(len(s.Response)),
		Request:       req,
	}
}

// solve asks FlareSolverr to clear the URL. It returns nil when the response
// was not a CloudFlare challenge or no instance is configured; the cleared
// user agent and cookies become available through uaCookies afterwards.
func (f *FlareSolverr) solve(ctx context.Context, url string, respHeader http.Header) (*solution, error) {
	if respHeader.Get(challengeHeader) != challengeValue {
		return nil, nil
	}

	f.mut.Lock()
	baseURL, sessionID := f.baseURL, f.sessionID
	f.mut.Unlock()
	if baseURL == "" || sessionID == "" {
		l.Warnln("Request blocked by CloudFlare and FlareSolverr not set up")
		return nil, nil
	}

	var result struct {
		Solution solution `json:"solution"`
	}
	err := f.command(ctx, baseURL, map[string]any{
		"cmd":     "request.get",
		"session": sessionID,
		"url":     url,
	}, &result)
	if err != nil {
		return nil, err
	}

	cookies := make(map[string]string, len(result.Solution.Cookies))
	for _, c := range result.Solution.Cookies {
		cookies[c.Name] = c.Value
	}
	f.uas.Add(url, result.Solution.UserAgent)
	f.cookies.Add(url, cookies)
	l.Debugln("Cleared CloudFlare challenge for", url)
	return &result.Solution, nil
}

// VerifyConfiguration is part of the config.Committer interface.
func (f *FlareSolverr) VerifyConfiguration(_, _ config.Settings) error { return nil }

// CommitConfiguration reconnects when the FlareSolverr base URL changes.
func (f *FlareSolverr) CommitConfiguration(from, to config.Settings) bool {
	if from.FlareSolverrBaseURL == to.FlareSolverrBaseURL {
		return true
	}
	ctx := context.Background()
	f.Disable(ctx)
	if to.FlareSolverrBaseURL != "" {
		if err := f.Enable(ctx, to.FlareSolverrBaseURL); err != nil {
			l.Warnln("Connecting to FlareSolverr:", err)
		}
	}
	return true
}

func (f *FlareSolverr) String() string { return "httpclient.FlareSolverr" }

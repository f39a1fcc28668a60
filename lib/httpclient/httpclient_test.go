// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(solver *FlareSolverr) *Client {
	return New(Options{Retries: 2, Backoff: time.Millisecond}, solver)
}

func TestRetriesForcelist(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	bs, err := testClient(nil).FetchBytes(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "ok" {
		t.Errorf("got body %q, want ok", bs)
	}
	if h := hits.Load(); h != 3 {
		t.Errorf("got %d requests, want 3", h)
	}
}

func TestGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(nil).Get(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
	if h := hits.Load(); h != 3 {
		t.Errorf("got %d requests, want 3", h)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(nil).FetchBytes(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status 404 error, got %v", err)
	}
	if h := hits.Load(); h != 1 {
		t.Errorf("got %d requests, want 1", h)
	}
}

func TestDefaultUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := testClient(nil).FetchBytes(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ua, "Longbox/") {
		t.Errorf("got user agent %q, want Longbox/ prefix", ua)
	}
}

// fakeSolverServer mimics the FlareSolverr API: sessions.create hands out a
// session, request.get answers with a canned solution.
func fakeSolverServer(t *testing.T, destroyed *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1" {
			http.NotFound(w, r)
			return
		}
		var cmd struct {
			Cmd     string `json:"cmd"`
			Session string `json:"session"`
			URL     string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("bad solver request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch cmd.Cmd {
		case "sessions.create":
			json.NewEncoder(w).Encode(map[string]any{"session": "test-session"})
		case "sessions.destroy":
			if destroyed != nil {
				destroyed.Store(true)
			}
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		case "request.get":
			json.NewEncoder(w).Encode(map[string]any{
				"solution": map[string]any{
					"url":       cmd.URL,
					"status":    200,
					"headers":   map[string]string{"Content-Type": "text/html"},
					"response":  "solved page",
					"userAgent": "Solver UA",
					"cookies": []map[string]string{
						{"name": "cf_clearance", "value": "cleared"},
					},
				},
			})
		default:
			t.Errorf("unexpected solver command %q", cmd.Cmd)
			http.Error(w, "unknown cmd", http.StatusBadRequest)
		}
	}))
}

func TestChallengeSolving(t *testing.T) {
	var destroyed atomic.Bool
	fs := fakeSolverServer(t, &destroyed)
	defer fs.Close()

	// The target blocks anyone without the clearance cookie.
	var lastUA string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("cf_clearance"); err != nil || c.Value != "cleared" {
			w.Header().Set("cf-mitigated", "challenge")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		lastUA = r.Header.Get("User-Agent")
		w.Write([]byte("welcome"))
	}))
	defer target.Close()

	solver := NewFlareSolverr()
	ctx := context.Background()
	if err := solver.Enable(ctx, fs.URL); err != nil {
		t.Fatal(err)
	}
	if !solver.Enabled() {
		t.Fatal("solver should be enabled")
	}

	client := testClient(solver)

	// First request hits the block and comes back with the solved page.
	bs, err := client.FetchBytes(ctx, target.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "solved page" {
		t.Errorf("got body %q, want the solved page", bs)
	}

	// Second request reuses the cleared user agent and cookies and gets
	// through on its own.
	bs, err = client.FetchBytes(ctx, target.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "welcome" {
		t.Errorf("got body %q, want welcome", bs)
	}
	if lastUA != "Solver UA" {
		t.Errorf("got user agent %q, want the solver's", lastUA)
	}

	solver.Disable(ctx)
	if solver.Enabled() {
		t.Error("solver should be disabled")
	}
	if !destroyed.Load() {
		t.Error("session was not destroyed")
	}
}

func TestChallengeWithoutSolverSetUp(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("cf-mitigated", "challenge")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer target.Close()

	// A solver that was never enabled cannot do anything about the block;
	// the caller gets the 403 after one extra attempt.
	resp, err := testClient(NewFlareSolverr()).Get(context.Background(), target.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("got status %d, want 403", resp.StatusCode)
	}
	if h := hits.Load(); h != 2 {
		t.Errorf("got %d requests, want 2", h)
	}
}

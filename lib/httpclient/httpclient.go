// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package httpclient wraps net/http for all outbound traffic: retries with
// exponential backoff on a status forcelist, a default user agent, per-URL
// user agent and cookie substitution, and CloudFlare challenge solving
// through a FlareSolverr instance when one is configured.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/longbox/longbox/lib/build"
)

const (
	defaultRetries = 5
	defaultBackoff = 100 * time.Millisecond
	defaultTimeout = 10 * time.Minute
)

// defaultForcelist are the statuses that trigger a retry, server hiccups
// rather than real answers.
var defaultForcelist = []int{http.StatusInternalServerError, http.StatusBadGateway,
	http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// Options tune a Client. The zero value of each field selects the default.
type Options struct {
	Retries         int
	Backoff         time.Duration
	StatusForcelist []int
	UserAgent       string
	Timeout         time.Duration
}

// A Client issues requests with retries and challenge handling. It is safe
// for concurrent use.
type Client struct {
	http      *http.Client
	retries   int
	backoff   time.Duration
	forcelist map[int]bool
	userAgent string
	solver    *FlareSolverr
}

// New returns a Client. The solver may be nil to disable challenge solving
// permanently; a non-nil but unconfigured solver just answers challenges
// with a warning.
func New(opts Options, solver *FlareSolverr) *Client {
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff == 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.StatusForcelist == nil {
		opts.StatusForcelist = defaultForcelist
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Longbox/" + build.Version
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}

	forcelist := make(map[int]bool, len(opts.StatusForcelist))
	for _, status := range opts.StatusForcelist {
		forcelist[status] = true
	}
	return &Client{
		http:      &http.Client{Timeout: opts.Timeout},
		retries:   opts.Retries,
		backoff:   opts.Backoff,
		forcelist: forcelist,
		userAgent: opts.UserAgent,
		solver:    solver,
	}
}

// Do performs the request. Statuses on the forcelist and transport errors
// are retried with exponential backoff; a 403 carrying the CloudFlare
// challenge marker is handed to the solver once, after which the solved
// response is returned in place of the block page.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.solver != nil {
		if ua, cookies, ok := c.solver.uaCookies(req.URL.String()); ok {
			req.Header.Set("User-Agent", ua)
			for name, value := range cookies {
				req.AddCookie(&http.Cookie{Name: name, Value: value})
			}
		}
	}

	for round := 1; ; round++ {
		resp, err := c.doWithRetries(req)
		if err != nil {
			return nil, err
		}

		if round == 1 && resp.StatusCode == http.StatusForbidden && c.solver != nil {
			solved, err := c.solver.solve(req.Context(), req.URL.String(), resp.Header)
			if err != nil {
				resp.Body.Close()
				return nil, err
			}
			if solved == nil {
				// Not a challenge, or the solver is not set up. One more
				// plain attempt, then whatever we get is the answer.
				resp.Body.Close()
				continue
			}
			resp.Body.Close()
			return solved.response(req), nil
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			l.Warnln(req.Method, "request to", req.URL, "returned status", resp.StatusCode)
		}
		return resp, nil
	}
}

func (c *Client) doWithRetries(req *http.Request) (*http.Response, error) {
	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		attemptReq := req
		if req.Body != nil && attempt > 0 {
			if req.GetBody == nil {
				return nil, lastErr
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		resp, err := c.http.Do(attemptReq)
		if err != nil {
			lastErr = err
			l.Debugln("Request to", req.URL, "failed:", err)
			continue
		}
		if c.forcelist[resp.StatusCode] {
			lastErr = fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)
			resp.Body.Close()
			l.Debugln("Retrying", req.URL, "after status", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.retries+1, lastErr)
}

// Get fetches the URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// FetchBytes fetches the URL and returns the body, or an error for any
// non-2xx status.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package comicvine talks to the ComicVine API: volume search, volume and
// issue metadata, cover images. Responses are cached on disk, requests are
// paced to respect the rate limit, and descriptions are cleaned up before
// they reach the rest of the system.
package comicvine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/httpclient"
	"github.com/longbox/longbox/lib/matching"
)

const (
	// APIBase is the ComicVine API root, SiteURL the website root used to
	// absolutise relative links in descriptions.
	APIBase = "https://comicvine.gamespot.com/api"
	SiteURL = "https://comicvine.gamespot.com"

	volumeFieldList = "id,name,deck,description,aliases,site_detail_url,start_year,count_of_issues,image,publisher"
	issueFieldList  = "id,name,issue_number,cover_date,store_date,description,volume"

	searchLimit = 50
	pageLimit   = 100

	// One request can filter on at most this many volume ids.
	volumeBatchSize = 100
	issueBatchSize  = 50
)

// Application-level status codes in API responses.
const (
	statusOK          = 1
	statusInvalidKey  = 100
	statusNotFound    = 101
	statusRateLimited = 107
)

// A Volume is the catalog metadata of one volume. Cover and Issues are only
// populated by the fetches that promise them.
type Volume struct {
	ComicVineID  int64    `json:"comicvine_id"`
	Title        string   `json:"title"`
	Aliases      []string `json:"aliases"`
	Year         *int     `json:"year"`
	VolumeNumber int      `json:"volume_number"`
	CoverLink    string   `json:"cover_link"`
	Cover        []byte   `json:"-"`
	Description  string   `json:"description"`
	Publisher    string   `json:"publisher"`
	IssueCount   int      `json:"issue_count"`
	SiteURL      string   `json:"site_url"`
	Translated   bool     `json:"translated"`
	AlreadyAdded int64    `json:"already_added"` // library volume id, 0 when not in the library
	Issues       []Issue  `json:"-"`
}

// An Issue is the catalog metadata of one issue.
type Issue struct {
	ComicVineID           int64   `json:"comicvine_id"`
	VolumeComicVineID     int64   `json:"volume_comicvine_id"`
	IssueNumber           string  `json:"issue_number"`
	CalculatedIssueNumber float64 `json:"calculated_issue_number"`
	Title                 *string `json:"title"`
	Date                  *string `json:"date"`
	Description           string  `json:"description"`
}

// A Client holds the connection to ComicVine. It reads the API key from the
// settings on every call, so key changes take effect immediately.
type Client struct {
	cfg     *config.Wrapper
	web     *httpclient.Client
	cache   *Cache
	limiter *rate.Limiter

	apiBase string
}

// New returns a Client using the given response cache, which may be nil to
// run uncached.
func New(cfg *config.Wrapper, web *httpclient.Client, cache *Cache) *Client {
	return &Client{
		cfg:   cfg,
		web:   web,
		cache: cache,
		// A fresh burst covers one interactive operation; sustained bulk
		// work is paced well below the documented per-hour limit.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 10),
		apiBase: APIBase,
	}
}

// Close releases the response cache.
func (c *Client) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// RemoveFromCache drops all cached responses under the endpoint that mention
// the volume, forcing the next fetch to go to the API.
func (c *Client) RemoveFromCache(endpoint string, cvID int64) {
	if c.cache == nil {
		return
	}
	c.cache.removeMatching(endpoint, strconv.FormatInt(cvID, 10))
}

// ParseID converts any accepted volume id form (123, "cv:123", "4050-123",
// "cv:4050-123") into the numeric id.
func ParseID(id string) (int64, error) {
	s := strings.TrimSpace(id)
	s = strings.TrimPrefix(s, "cv:")
	s = strings.TrimPrefix(s, "4050-")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errdef.New(errdef.VolumeNotMatched, "invalid ComicVine id %q", id)
	}
	return n, nil
}

func (c *Client) key() (string, error) {
	key := c.cfg.Raw().ComicVineAPIKey
	if key == "" {
		return "", errdef.New(errdef.InvalidComicVineKey, "no API key configured")
	}
	return key, nil
}

type apiResponse struct {
	Error                string          `json:"error"`
	StatusCode           int             `json:"status_code"`
	NumberOfTotalResults int             `json:"number_of_total_results"`
	Results              json.RawMessage `json:"results"`
}

func parseResponse(body []byte) (*apiResponse, error) {
	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decoding ComicVine response: %w", err)
	}
	switch r.StatusCode {
	case statusOK:
		return &r, nil
	case statusInvalidKey:
		return nil, errdef.Bare(errdef.InvalidComicVineKey)
	case statusNotFound:
		return nil, errdef.Bare(errdef.VolumeNotMatched)
	case statusRateLimited:
		return nil, errdef.Bare(errdef.CVRateLimitReached)
	default:
		return nil, fmt.Errorf("ComicVine error %d: %s", r.StatusCode, r.Error)
	}
}

// call performs one API request. The cache key is the URL without the API
// key, so cached entries survive key rotation.
func (c *Client) call(ctx context.Context, endpoint, path string, params url.Values) (*apiResponse, error) {
	key, err := c.key()
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("format", "json")
	cacheURL := c.apiBase + "/" + path + "/?" + params.Encode()

	if c.cache != nil {
		if body, ok := c.cache.get(endpoint, cacheURL); ok {
			metricCacheHitsTotal.Inc()
			return parseResponse(body)
		}
		metricCacheMissesTotal.Inc()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metricRequestsTotal.WithLabelValues(endpoint).Inc()

	params.Set("api_key", key)
	resp, err := c.web.Get(ctx, c.apiBase+"/"+path+"/?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errdef.Bare(errdef.InvalidComicVineKey)
	case resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errdef.Bare(errdef.CVRateLimitReached)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ComicVine returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	r, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.put(endpoint, cacheURL, body)
	}
	return r, nil
}

// isThrottle reports errors that truncate a bulk operation instead of
// failing it.
func isThrottle(err error) bool {
	return errors.Is(err, errdef.CVRateLimitReached) || errors.Is(err, errdef.InvalidComicVineKey)
}

// TestKey checks that the given API key is accepted. It uses an endpoint no
// real traffic relies on, to leave the rate limit of the important ones
// alone.
func (c *Client) TestKey(ctx context.Context, key string) error {
	if key == "" {
		return errdef.New(errdef.InvalidComicVineKey, "empty API key")
	}
	params := url.Values{}
	params.Set("api_key", key)
	params.Set("format", "json")
	params.Set("field_list", "id")

	resp, err := c.web.Get(ctx, c.apiBase+"/publisher/4010-31/?"+params.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errdef.Bare(errdef.InvalidComicVineKey)
	case resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests:
		return errdef.Bare(errdef.CVRateLimitReached)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("ComicVine returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	_, err = parseResponse(body)
	return err
}

// FetchVolume returns the full metadata of one volume, including its issues
// and cover image.
func (c *Client) FetchVolume(ctx context.Context, cvID int64) (Volume, error) {
	l.Debugln("Fetching volume", cvID)

	params := url.Values{}
	params.Set("field_list", volumeFieldList)
	r, err := c.call(ctx, "volume", fmt.Sprintf("volume/4050-%d", cvID), params)
	if err != nil {
		return Volume{}, err
	}

	var av apiVolume
	if err := json.Unmarshal(r.Results, &av); err != nil {
		return Volume{}, fmt.Errorf("decoding volume %d: %w", cvID, err)
	}
	vol := formatVolume(av)

	issues, err := c.FetchIssues(ctx, []int64{cvID})
	if err != nil {
		return Volume{}, err
	}
	vol.Issues = issues
	vol.Cover = c.fetchCover(ctx, vol.CoverLink)
	return vol, nil
}

// FetchVolumes returns the metadata of the given volumes, without issues but
// with covers. The list comes back truncated when the rate limit cuts the
// work short.
func (c *Client) FetchVolumes(ctx context.Context, cvIDs []int64) ([]Volume, error) {
	l.Debugln("Fetching", len(cvIDs), "volumes")

	var volumes []Volume
	for start := 0; start < len(cvIDs); start += volumeBatchSize {
		batch := cvIDs[start:min(start+volumeBatchSize, len(cvIDs))]

		params := url.Values{}
		params.Set("field_list", volumeFieldList)
		params.Set("filter", "id:"+joinIDs(batch))
		params.Set("limit", strconv.Itoa(pageLimit))
		r, err := c.call(ctx, "volumes", "volumes", params)
		if err != nil {
			if isThrottle(err) {
				l.Warnln("Volume fetch cut short:", err)
				break
			}
			return nil, err
		}

		var avs []apiVolume
		if err := json.Unmarshal(r.Results, &avs); err != nil {
			return nil, fmt.Errorf("decoding volumes: %w", err)
		}

		batchVolumes := make([]Volume, len(avs))
		for i, av := range avs {
			batchVolumes[i] = formatVolume(av)
		}

		var covers errgroup.Group
		covers.SetLimit(4)
		for i := range batchVolumes {
			vol := &batchVolumes[i]
			covers.Go(func() error {
				vol.Cover = c.fetchCover(ctx, vol.CoverLink)
				return nil
			})
		}
		covers.Wait() //nolint:errcheck // cover fetches never fail the group

		volumes = append(volumes, batchVolumes...)
	}
	return volumes, nil
}

// FetchIssues returns the issues of the given volumes. The list comes back
// truncated when the rate limit cuts the work short.
func (c *Client) FetchIssues(ctx context.Context, cvIDs []int64) ([]Issue, error) {
	l.Debugln("Fetching issues for", len(cvIDs), "volumes")

	var issues []Issue
outer:
	for start := 0; start < len(cvIDs); start += issueBatchSize {
		batch := cvIDs[start:min(start+issueBatchSize, len(cvIDs))]
		filter := "volume:" + joinIDs(batch)

		for offset := 0; ; offset += pageLimit {
			params := url.Values{}
			params.Set("field_list", issueFieldList)
			params.Set("filter", filter)
			params.Set("limit", strconv.Itoa(pageLimit))
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			r, err := c.call(ctx, "issues", "issues", params)
			if err != nil {
				if isThrottle(err) {
					l.Warnln("Issue fetch cut short:", err)
					break outer
				}
				return nil, err
			}

			var ais []apiIssue
			if err := json.Unmarshal(r.Results, &ais); err != nil {
				return nil, fmt.Errorf("decoding issues: %w", err)
			}
			for _, ai := range ais {
				issues = append(issues, formatIssue(ai))
			}
			if len(ais) == 0 || offset+pageLimit >= r.NumberOfTotalResults {
				break
			}
		}
	}

	// Overlapping pages can repeat issues; keep the first occurrence.
	seen := make(map[int64]bool, len(issues))
	unique := issues[:0]
	for _, issue := range issues {
		if seen[issue.ComicVineID] {
			continue
		}
		seen[issue.ComicVineID] = true
		unique = append(unique, issue)
	}
	return unique, nil
}

// SearchVolumes searches the catalog. A query in id form fetches that volume
// directly (with issues and cover); free-text results come back bare.
func (c *Client) SearchVolumes(ctx context.Context, query string) ([]Volume, error) {
	query = strings.TrimSpace(query)
	l.Debugln("Searching volumes:", query)

	if strings.HasPrefix(query, "4050-") || strings.HasPrefix(query, "cv:") {
		cvID, err := ParseID(query)
		if err != nil {
			return nil, nil
		}
		vol, err := c.FetchVolume(ctx, cvID)
		if errors.Is(err, errdef.VolumeNotMatched) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Volume{vol}, nil
	}

	params := url.Values{}
	params.Set("field_list", volumeFieldList)
	params.Set("query", query)
	params.Set("resources", "volume")
	params.Set("limit", strconv.Itoa(searchLimit))
	r, err := c.call(ctx, "search", "search", params)
	if err != nil {
		return nil, err
	}

	var avs []apiVolume
	if err := json.Unmarshal(r.Results, &avs); err != nil {
		return nil, fmt.Errorf("decoding search results: %w", err)
	}
	results := make([]Volume, len(avs))
	for i, av := range avs {
		results[i] = formatVolume(av)
	}
	l.Debugln("Search returned", len(results), "volumes")
	return results, nil
}

// A GroupMatch is the catalog volume selected for a group of files during
// library import.
type GroupMatch struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	IssueCount int    `json:"issue_count"`
	Link       string `json:"link"`
}

// FilenamesToCVs matches file groups to catalog volumes. One search is made
// per distinct series title, not per group; titles whose search hit the rate
// limit are skipped. A group maps to nil when no result passed the match
// filters.
func (c *Client) FilenamesToCVs(ctx context.Context, groups map[comic.GroupKey][]comic.FilenameData, onlyEnglish bool) (map[comic.GroupKey]*GroupMatch, error) {
	titleKeys := make(map[string][]comic.GroupKey, len(groups))
	for key := range groups {
		titleKeys[key.Series] = append(titleKeys[key.Series], key)
	}

	matches := make(map[comic.GroupKey]*GroupMatch, len(groups))
	for title, keys := range titleKeys {
		results, err := c.SearchVolumes(ctx, title)
		if err != nil {
			if errors.Is(err, errdef.CVRateLimitReached) {
				l.Warnln("Skipping title after hitting the rate limit:", title)
				continue
			}
			return nil, err
		}

		candidates := make([]matching.CandidateVolume, len(results))
		byID := make(map[int64]Volume, len(results))
		for i, r := range results {
			candidates[i] = matching.CandidateVolume{
				ID:           r.ComicVineID,
				Title:        r.Title,
				Year:         r.Year,
				VolumeNumber: r.VolumeNumber,
				IssueCount:   r.IssueCount,
				Translated:   r.Translated,
			}
			byID[r.ComicVineID] = r
		}

		for _, key := range keys {
			best, ok := matching.SelectBestVolumeForGroup(groups[key], candidates, onlyEnglish)
			if !ok {
				matches[key] = nil
				continue
			}
			src := byID[best.ID]
			display := src.Title
			if src.Year != nil {
				display = fmt.Sprintf("%s (%d)", src.Title, *src.Year)
			}
			matches[key] = &GroupMatch{
				ID:         best.ID,
				Title:      display,
				IssueCount: best.IssueCount,
				Link:       src.SiteURL,
			}
		}
	}
	return matches, nil
}

// fetchCover downloads a cover image, best effort.
func (c *Client) fetchCover(ctx context.Context, link string) []byte {
	if link == "" {
		return nil
	}
	bs, err := c.web.FetchBytes(ctx, link)
	if err != nil {
		l.Debugln("Fetching cover:", err)
		return nil
	}
	return bs
}

type apiVolume struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Deck          string    `json:"deck"`
	Description   string    `json:"description"`
	Aliases       string    `json:"aliases"`
	SiteDetailURL string    `json:"site_detail_url"`
	StartYear     yearField `json:"start_year"`
	CountOfIssues int       `json:"count_of_issues"`
	Image         struct {
		SmallURL string `json:"small_url"`
	} `json:"image"`
	Publisher *struct {
		Name string `json:"name"`
	} `json:"publisher"`
}

type apiIssue struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	IssueNumber string `json:"issue_number"`
	CoverDate   string `json:"cover_date"`
	StoreDate   string `json:"store_date"`
	Description string `json:"description"`
	Volume      struct {
		ID int64 `json:"id"`
	} `json:"volume"`
}

// yearField tolerates the API's year forms: a string ("2018", sometimes with
// trailing junk), a plain number, or null.
type yearField struct {
	value *int
}

func (y *yearField) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	digits := s
	for i, r := range s {
		if r < '0' || r > '9' {
			digits = s[:i]
			break
		}
	}
	if len(digits) != 4 {
		return nil
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	y.value = &v
	return nil
}

func formatVolume(av apiVolume) Volume {
	description := cleanDescription(av.Description, false)

	volumeNumber, ok := filename.VolumeNumberInText(av.Deck)
	if !ok {
		volumeNumber = 1
	}

	var aliases []string
	for _, a := range strings.Split(av.Aliases, "\r\n") {
		if a = strings.TrimSpace(a); a != "" {
			aliases = append(aliases, a)
		}
	}

	publisher := ""
	if av.Publisher != nil {
		publisher = av.Publisher.Name
	}

	return Volume{
		ComicVineID:  av.ID,
		Title:        normalizeString(av.Name),
		Aliases:      aliases,
		Year:         av.StartYear.value,
		VolumeNumber: volumeNumber,
		CoverLink:    av.Image.SmallURL,
		Description:  description,
		Publisher:    publisher,
		IssueCount:   av.CountOfIssues,
		SiteURL:      av.SiteDetailURL,
		Translated:   isTranslated(description),
	}
}

func formatIssue(ai apiIssue) Issue {
	number := ai.IssueNumber
	if number == "" {
		number = "0"
	}

	calculated, ok := filename.CalculateIssueNumber(number)
	if !ok {
		calculated = 0
	}

	var title *string
	if t := normalizeString(ai.Name); t != "" {
		title = &t
	}

	var date *string
	switch {
	case ai.CoverDate != "":
		date = &ai.CoverDate
	case ai.StoreDate != "":
		date = &ai.StoreDate
	}

	return Issue{
		ComicVineID:           ai.ID,
		VolumeComicVineID:     ai.Volume.ID,
		IssueNumber:           strings.TrimSpace(strings.ReplaceAll(number, "/", "-")),
		CalculatedIssueNumber: calculated,
		Title:                 title,
		Date:                  date,
		Description:           cleanDescription(ai.Description, true),
	}
}

func joinIDs(ids []int64) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(strs, "|")
}

// normalizeString fixes common blemishes in strings from online sources:
// percent escapes, a couple of known encoding accidents, and curly
// punctuation.
func normalizeString(s string) string {
	if un, err := url.PathUnescape(s); err == nil {
		s = un
	}
	s = strings.NewReplacer(
		"_28", "(",
		"_29", ")",
		"–", "-",
		"’", "'",
	).Replace(s)
	return strings.TrimSpace(s)
}

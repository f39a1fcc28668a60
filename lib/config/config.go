// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements the user settings layer. Settings are a typical
// key/value affair persisted in the database config table, exposed to the
// rest of the program as a typed Settings struct behind a Wrapper. Changes
// run through per-key validation plus the registered Committers before they
// are stored, and every accepted change is announced on the event bus.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/locations"
	"github.com/longbox/longbox/lib/rand"
)

// KnownServices are the download services a service preference may name, in
// their canonical order.
var KnownServices = []string{"mega", "mediafire", "wetransfer", "pixeldrain", "getcomics"}

// Settings is every user-tunable knob. The zero value is not meaningful;
// start from DefaultSettings.
type Settings struct {
	// Folders.
	DownloadFolder           string `json:"download_folder"`
	CreateEmptyVolumeFolders bool   `json:"create_empty_volume_folders"`
	DeleteEmptyFolders       bool   `json:"delete_empty_folders"`
	UnmonitorDeletedIssues   bool   `json:"unmonitor_deleted_issues"`

	// Renaming.
	RenameDownloadedFiles    bool   `json:"rename_downloaded_files"`
	VolumeFolderNaming       string `json:"volume_folder_naming"`
	FileNaming               string `json:"file_naming"`
	FileNamingEmpty          string `json:"file_naming_empty"`
	FileNamingSpecialVersion string `json:"file_naming_special_version"`
	FileNamingVAI            string `json:"file_naming_vai"`
	LongSpecialVersion       bool   `json:"long_special_version"`
	VolumePadding            int    `json:"volume_padding"`
	IssuePadding             int    `json:"issue_padding"`

	// Conversion.
	ConvertFiles       bool     `json:"convert"`
	ExtractIssueRanges bool     `json:"extract_issue_ranges"`
	FormatPreference   []string `json:"format_preference"`

	// Downloading.
	ConcurrentDirectDownloads int                   `json:"concurrent_direct_downloads"`
	FailingDownloadTimeout    int                   `json:"failing_download_timeout"`
	SeedingHandling           comic.SeedingHandling `json:"seeding_handling"`
	DeleteCompletedTorrents   bool                  `json:"delete_completed_torrents"`
	ServicePreference         []string              `json:"service_preference"`

	// External collaborators.
	ComicVineAPIKey     string `json:"comicvine_api_key"`
	FlareSolverrBaseURL string `json:"flaresolverr_base_url"`

	// Security. AuthPassword holds a bcrypt hash, never cleartext.
	AuthPassword string `json:"auth_password"`
	APIKey       string `json:"api_key"`

	// Logging.
	LogLevel string `json:"log_level"`
}

// DefaultSettings returns the settings a fresh installation starts from. The
// API key is left empty; Load generates one.
func DefaultSettings() Settings {
	return Settings{
		DownloadFolder:           locations.Get(locations.DownloadsDir),
		CreateEmptyVolumeFolders: true,

		RenameDownloadedFiles:    true,
		VolumeFolderNaming:       filepath.Join("{series_name}", "Volume {volume_number} ({year})"),
		FileNaming:               "{series_name} ({year}) Volume {volume_number} Issue {issue_number} - {issue_title}",
		FileNamingEmpty:          "{series_name} ({year}) Volume {volume_number} Issue {issue_number}",
		FileNamingSpecialVersion: "{series_name} ({year}) Volume {volume_number} {special_version}",
		FileNamingVAI:            "{series_name} ({year}) Volume {issue_number}",
		VolumePadding:            2,
		IssuePadding:             3,

		FormatPreference: []string{},

		ConcurrentDirectDownloads: 1,
		SeedingHandling:           comic.SeedingComplete,
		DeleteCompletedTorrents:   true,
		ServicePreference:         append([]string{}, KnownServices...),

		LogLevel: "info",
	}
}

// Copy returns a deep copy of the settings.
func (s Settings) Copy() Settings {
	c := s
	c.FormatPreference = append([]string{}, s.FormatPreference...)
	c.ServicePreference = append([]string{}, s.ServicePreference...)
	return c
}

// SetAuthPassword hashes and sets the authentication password. An empty
// password disables authentication beyond the API key.
func (s *Settings) SetAuthPassword(password string) error {
	if password == "" {
		s.AuthPassword = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 0)
	if err != nil {
		return err
	}
	s.AuthPassword = string(hash)
	return nil
}

// CompareAuthPassword checks a cleartext password against the stored hash.
func (s Settings) CompareAuthPassword(password string) bool {
	if s.AuthPassword == "" {
		return password == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(s.AuthPassword), []byte(password)) == nil
}

// GenerateAPIKey returns a fresh API key.
func GenerateAPIKey() string {
	return rand.String(32)
}

// prepare canonicalises values that have more than one acceptable input
// form. Cleartext passwords are hashed, list values are deduplicated.
func (s *Settings) prepare() error {
	if s.AuthPassword != "" && !strings.HasPrefix(s.AuthPassword, "$2") {
		if err := s.SetAuthPassword(s.AuthPassword); err != nil {
			return err
		}
	}
	s.FormatPreference = dedupe(s.FormatPreference)
	s.ServicePreference = dedupe(s.ServicePreference)
	return nil
}

// verify checks every per-key constraint that can be decided without
// consulting other subsystems. Committers handle the rest.
func (s Settings) verify() error {
	if s.DownloadFolder == "" || !filepath.IsAbs(s.DownloadFolder) {
		return errdef.New(errdef.InvalidSettingValue, "download_folder: %q is not an absolute path", s.DownloadFolder)
	}
	if s.VolumePadding < 1 || s.VolumePadding > 3 {
		return errdef.New(errdef.InvalidSettingValue, "volume_padding: %d not in 1..3", s.VolumePadding)
	}
	if s.IssuePadding < 1 || s.IssuePadding > 4 {
		return errdef.New(errdef.InvalidSettingValue, "issue_padding: %d not in 1..4", s.IssuePadding)
	}
	if s.ConcurrentDirectDownloads < 1 {
		return errdef.New(errdef.InvalidSettingValue, "concurrent_direct_downloads: %d < 1", s.ConcurrentDirectDownloads)
	}
	if s.FailingDownloadTimeout < 0 {
		return errdef.New(errdef.InvalidSettingValue, "failing_download_timeout: %d < 0", s.FailingDownloadTimeout)
	}
	switch s.SeedingHandling {
	case comic.SeedingComplete, comic.SeedingMove:
	default:
		return errdef.New(errdef.InvalidSettingValue, "seeding_handling: %q", s.SeedingHandling)
	}
	for _, svc := range s.ServicePreference {
		if !contains(KnownServices, svc) {
			return errdef.New(errdef.InvalidSettingValue, "service_preference: unknown service %q", svc)
		}
	}
	if s.FlareSolverrBaseURL != "" {
		u, err := url.Parse(s.FlareSolverrBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errdef.New(errdef.InvalidSettingValue, "flaresolverr_base_url: %q", s.FlareSolverrBaseURL)
		}
	}
	switch s.LogLevel {
	case "info", "debug":
	default:
		return errdef.New(errdef.InvalidSettingValue, "log_level: %q", s.LogLevel)
	}
	return nil
}

func dedupe(values []string) []string {
	out := values[:0]
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// A fieldDef binds one settings key to its string codec for the config
// table. The set of keys is fixed here, in one place; there is no
// reflection-based discovery.
type fieldDef struct {
	key       string
	immutable bool // refused through ApplyKeyValues
	get       func(*Settings) string
	set       func(*Settings, string) error
}

func boolField(key string, f func(*Settings) *bool) fieldDef {
	return fieldDef{
		key: key,
		get: func(s *Settings) string { return strconv.FormatBool(*f(s)) },
		set: func(s *Settings, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errdef.New(errdef.InvalidSettingValue, "%s: %q is not a boolean", key, v)
			}
			*f(s) = b
			return nil
		},
	}
}

func intField(key string, f func(*Settings) *int) fieldDef {
	return fieldDef{
		key: key,
		get: func(s *Settings) string { return strconv.Itoa(*f(s)) },
		set: func(s *Settings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errdef.New(errdef.InvalidSettingValue, "%s: %q is not an integer", key, v)
			}
			*f(s) = n
			return nil
		},
	}
}

func stringField(key string, f func(*Settings) *string) fieldDef {
	return fieldDef{
		key: key,
		get: func(s *Settings) string { return *f(s) },
		set: func(s *Settings, v string) error { *f(s) = v; return nil },
	}
}

// listField stores a []string as a comma separated value. The comma form
// exists only at this boundary; in memory the value is always a slice.
func listField(key string, f func(*Settings) *[]string) fieldDef {
	return fieldDef{
		key: key,
		get: func(s *Settings) string { return strings.Join(*f(s), ",") },
		set: func(s *Settings, v string) error {
			*f(s) = splitList(v)
			return nil
		},
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return []string{}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var fieldDefs = []fieldDef{
	stringField("download_folder", func(s *Settings) *string { return &s.DownloadFolder }),
	boolField("create_empty_volume_folders", func(s *Settings) *bool { return &s.CreateEmptyVolumeFolders }),
	boolField("delete_empty_folders", func(s *Settings) *bool { return &s.DeleteEmptyFolders }),
	boolField("unmonitor_deleted_issues", func(s *Settings) *bool { return &s.UnmonitorDeletedIssues }),

	boolField("rename_downloaded_files", func(s *Settings) *bool { return &s.RenameDownloadedFiles }),
	stringField("volume_folder_naming", func(s *Settings) *string { return &s.VolumeFolderNaming }),
	stringField("file_naming", func(s *Settings) *string { return &s.FileNaming }),
	stringField("file_naming_empty", func(s *Settings) *string { return &s.FileNamingEmpty }),
	stringField("file_naming_special_version", func(s *Settings) *string { return &s.FileNamingSpecialVersion }),
	stringField("file_naming_vai", func(s *Settings) *string { return &s.FileNamingVAI }),
	boolField("long_special_version", func(s *Settings) *bool { return &s.LongSpecialVersion }),
	intField("volume_padding", func(s *Settings) *int { return &s.VolumePadding }),
	intField("issue_padding", func(s *Settings) *int { return &s.IssuePadding }),

	boolField("convert", func(s *Settings) *bool { return &s.ConvertFiles }),
	boolField("extract_issue_ranges", func(s *Settings) *bool { return &s.ExtractIssueRanges }),
	listField("format_preference", func(s *Settings) *[]string { return &s.FormatPreference }),

	intField("concurrent_direct_downloads", func(s *Settings) *int { return &s.ConcurrentDirectDownloads }),
	intField("failing_download_timeout", func(s *Settings) *int { return &s.FailingDownloadTimeout }),
	{
		key: "seeding_handling",
		get: func(s *Settings) string { return string(s.SeedingHandling) },
		set: func(s *Settings, v string) error {
			s.SeedingHandling = comic.SeedingHandling(v)
			return nil
		},
	},
	boolField("delete_completed_torrents", func(s *Settings) *bool { return &s.DeleteCompletedTorrents }),
	listField("service_preference", func(s *Settings) *[]string { return &s.ServicePreference }),

	stringField("comicvine_api_key", func(s *Settings) *string { return &s.ComicVineAPIKey }),
	stringField("flaresolverr_base_url", func(s *Settings) *string { return &s.FlareSolverrBaseURL }),

	stringField("auth_password", func(s *Settings) *string { return &s.AuthPassword }),
	{
		key:       "api_key",
		immutable: true,
		get:       func(s *Settings) string { return s.APIKey },
		set:       func(s *Settings, v string) error { s.APIKey = v; return nil },
	},

	stringField("log_level", func(s *Settings) *string { return &s.LogLevel }),
}

var fieldsByKey = func() map[string]fieldDef {
	m := make(map[string]fieldDef, len(fieldDefs))
	for _, f := range fieldDefs {
		if _, dup := m[f.key]; dup {
			panic("duplicate settings key " + f.key)
		}
		m[f.key] = f
	}
	return m
}()

// toMap renders the settings in their stored form.
func (s Settings) toMap() map[string]string {
	m := make(map[string]string, len(fieldDefs))
	for _, f := range fieldDefs {
		m[f.key] = f.get(&s)
	}
	return m
}

// fromMap overlays stored values onto s. Unknown keys are ignored so that a
// downgrade does not brick the settings table.
func (s *Settings) fromMap(m map[string]string) error {
	for key, value := range m {
		f, ok := fieldsByKey[key]
		if !ok {
			l.Debugln("Ignoring unknown stored setting", key)
			continue
		}
		if err := f.set(s, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyKeyValues mutates s with user-supplied values, as from a settings PUT.
// Unknown keys yield InvalidSettingKey, immutable keys
// InvalidSettingModification, malformed values InvalidSettingValue. JSON
// lists and comma strings are both accepted for list values.
func (s *Settings) ApplyKeyValues(values map[string]any) error {
	for key, value := range values {
		f, ok := fieldsByKey[key]
		if !ok {
			return errdef.New(errdef.InvalidSettingKey, "%s", key)
		}
		if f.immutable {
			return errdef.New(errdef.InvalidSettingModification, "%s", key)
		}
		str, err := stringify(key, value)
		if err != nil {
			return err
		}
		if err := f.set(s, str); err != nil {
			return err
		}
	}
	return nil
}

func stringify(key string, value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		if v != float64(int64(v)) {
			return "", errdef.New(errdef.InvalidSettingValue, "%s: %v is not an integer", key, v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			es, ok := e.(string)
			if !ok {
				return "", errdef.New(errdef.InvalidSettingValue, "%s: list values must be strings", key)
			}
			parts = append(parts, es)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", errdef.New(errdef.InvalidSettingValue, "%s: unsupported value type %T", key, value)
	}
}

func (s Settings) String() string {
	return fmt.Sprintf("Settings{download_folder: %q, format_preference: %v, services: %v}",
		s.DownloadFolder, s.FormatPreference, s.ServicePreference)
}

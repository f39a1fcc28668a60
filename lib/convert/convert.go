// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package convert rewrites comic files from one container format to
// another, picking per file the first reachable format from the user's
// preference list. Archives that pack whole issues can be exploded into the
// volume folder so the issues inside become regular, separately tracked
// files.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
)

// folderFormat is the pseudo target format for extracting an archive into
// loose files instead of repacking it.
const folderFormat = "folder"

// A convertFunc converts the file at path and returns the paths it left
// behind. A conversion that cannot run, for example because an external
// binary is missing, returns the input unchanged rather than an error.
type convertFunc func(ctx context.Context, path string) ([]string, error)

// A Conversion is a planned format change for one file.
type Conversion struct {
	Path   string
	Source string
	Target string
	fn     convertFunc
}

// A Manager holds the converter table and runs conversions against the
// library.
type Manager struct {
	cfg        *config.Wrapper
	db         *db.DB
	scanner    *scanner.Scanner
	namer      *naming.Namer
	evLogger   events.Logger
	converters map[string]map[string]convertFunc
}

func New(cfg *config.Wrapper, database *db.DB, sc *scanner.Scanner, namer *naming.Namer, evLogger events.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		db:         database,
		scanner:    sc,
		namer:      namer,
		evLogger:   evLogger,
		converters: make(map[string]map[string]convertFunc),
	}
	m.registerAll()
	return m
}

// register adds a converter to the table. Formats are bare lowercase
// extensions, or "folder" as a target. Registering an unknown format or the
// same pair twice is a programming error.
func (m *Manager) register(source, target string, fn convertFunc) {
	for _, format := range []string{source, target} {
		if format != folderFormat && !comic.HasExtension("x."+format, comic.ScannableExtensions) {
			panic(fmt.Sprintf("convert: unknown format %q", format))
		}
	}
	if _, ok := m.converters[source][target]; ok {
		panic(fmt.Sprintf("convert: duplicate converter %s -> %s", source, target))
	}
	if m.converters[source] == nil {
		m.converters[source] = make(map[string]convertFunc)
	}
	m.converters[source][target] = fn
}

// AvailableFormats returns the sorted set of formats files can be converted
// into.
func (m *Manager) AvailableFormats() []string {
	seen := make(map[string]struct{})
	for _, targets := range m.converters {
		for target := range targets {
			seen[target] = struct{}{}
		}
	}
	formats := make([]string, 0, len(seen))
	for target := range seen {
		formats = append(formats, target)
	}
	sort.Strings(formats)
	return formats
}

// SelectConverter picks the conversion to run for the file, or nil when the
// file already has the best reachable format or no registered converter can
// improve on it. With extract_issue_ranges set, an archive whose entries are
// issue files themselves goes to the folder converter first, regardless of
// the format preference.
func (m *Manager) SelectConverter(ctx context.Context, path string) *Conversion {
	settings := m.cfg.Raw()
	source := strings.TrimPrefix(comic.Ext(path), ".")

	if settings.ExtractIssueRanges {
		if fn := m.converters[source][folderFormat]; fn != nil && m.archiveContainsIssues(ctx, path) {
			return &Conversion{Path: path, Source: source, Target: folderFormat, fn: fn}
		}
	}

	for _, preferred := range settings.FormatPreference {
		if preferred == source {
			return nil
		}
		if fn := m.converters[source][preferred]; fn != nil {
			return &Conversion{Path: path, Source: source, Target: preferred, fn: fn}
		}
	}
	return nil
}

// archiveContainsIssues reports whether the archive packs issue files of its
// own rather than the page images of a single issue. Only entries in a
// container format count: an xml sidecar or a page scan named after the
// issue does not make the archive a pack.
func (m *Manager) archiveContainsIssues(ctx context.Context, path string) bool {
	names, err := archiveEntryNames(ctx, path)
	if err != nil {
		l.Debugln("Listing archive entries:", err)
		return false
	}
	for _, name := range names {
		if !comic.IsArchive(name) && !comic.HasExtension(name, comic.ContentExtensions) {
			continue
		}
		if fd := filename.Extract(name); fd.IssueNumber != nil {
			return true
		}
	}
	return false
}

func (m *Manager) run(ctx context.Context, c *Conversion) ([]string, error) {
	l.Infof("Converting file from %s to %s: %s", c.Source, c.Target, c.Path)
	out, err := c.fn(ctx, c.Path)
	if err == nil {
		metricFilesConvertedTotal.Inc()
	}
	return out, err
}

// A Preview describes what a conversion would do to one file. Folder
// extractions list the volume folder as their outcome since the file set
// they produce is only known afterwards.
type Preview struct {
	IssueID int64  `json:"id"`
	From    string `json:"existingPath"`
	To      string `json:"newPath"`
}

// PreviewMassConvert returns the conversions MassConvert would run for the
// volume, or one issue's files when issueID is not zero.
func (m *Manager) PreviewMassConvert(ctx context.Context, volumeID, issueID int64) ([]Preview, error) {
	vol, err := m.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	paths, err := m.volumePaths(ctx, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	issues, err := m.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	var previews []Preview
	for _, path := range paths {
		c := m.SelectConverter(ctx, path)
		if c == nil {
			continue
		}
		to := vol.Folder
		if c.Target != folderFormat {
			to = strings.TrimSuffix(path, filepath.Ext(path)) + "." + c.Target
		}
		p := Preview{From: path, To: to}
		switch {
		case issueID != 0:
			p.IssueID = issueID
		case len(issues) > 0:
			p.IssueID = issues[0].ID
			if covered, err := m.db.IssuesCovered(ctx, path); err == nil && len(covered) > 0 {
				for _, issue := range issues {
					if issue.CalculatedIssueNumber == covered[0] {
						p.IssueID = issue.ID
						break
					}
				}
			}
		}
		previews = append(previews, p)
	}
	return previews, nil
}

// MassConvert converts the volume's files, or one issue's when issueID is
// not zero, to the preferred formats. Folder extractions run first and
// their outputs are planned like any other candidate, so an issue pack ends
// up as separate files in the preferred format. Converted sources are
// dropped from the database and the outputs rescanned. Returns the paths
// the conversions produced.
func (m *Manager) MassConvert(ctx context.Context, volumeID, issueID int64, pathFilter []string, notifyProgress, notifyFiles bool, prov comic.Provenance) ([]string, error) {
	paths, err := m.volumePaths(ctx, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	if len(pathFilter) > 0 {
		wanted := make(map[string]bool, len(pathFilter))
		for _, p := range pathFilter {
			wanted[p] = true
		}
		kept := paths[:0]
		for _, p := range paths {
			if wanted[p] {
				kept = append(kept, p)
			}
		}
		paths = kept
	}

	var planned []*Conversion
	for _, path := range paths {
		c := m.SelectConverter(ctx, path)
		if c == nil {
			continue
		}
		if c.Target == folderFormat {
			resulting, err := m.run(ctx, c)
			if err != nil {
				return nil, err
			}
			for _, rf := range resulting {
				if rc := m.SelectConverter(ctx, rf); rc != nil {
					planned = append(planned, rc)
				}
			}
			continue
		}
		planned = append(planned, c)
	}

	if len(planned) == 0 {
		return nil, nil
	}

	outs := make([][]string, len(planned))
	errs := make([]error, len(planned))
	if len(planned) == 1 {
		outs[0], errs[0] = m.run(ctx, planned[0])
	} else {
		if notifyProgress {
			m.taskStatus("Converted 0/%d", len(planned))
		}
		var done atomic.Int64
		var g errgroup.Group
		g.SetLimit(min(len(planned), runtime.NumCPU()))
		for i, c := range planned {
			i, c := i, c
			g.Go(func() error {
				outs[i], errs[i] = m.run(ctx, c)
				if notifyProgress {
					m.taskStatus("Converted %d/%d", done.Add(1), len(planned))
				}
				return nil
			})
		}
		g.Wait() //nolint:errcheck
	}

	var converted []string
	var succeeded []*Conversion
	var convertErr error
	for i, c := range planned {
		if errs[i] != nil {
			l.Warnln("Converting", c.Path+":", errs[i])
			if convertErr == nil {
				convertErr = errs[i]
			}
			continue
		}
		succeeded = append(succeeded, c)
		converted = append(converted, outs[i]...)
	}

	if len(succeeded) > 0 {
		// The source rows go away and the outputs are scanned back in,
		// which rebuilds the issue bindings under the new names.
		err := m.db.WithTx(ctx, func(tx *db.Tx) error {
			for _, c := range succeeded {
				f, err := tx.FileByPath(ctx, c.Path)
				if errors.Is(err, errdef.FileNotFound) {
					continue
				} else if err != nil {
					return err
				}
				if err := tx.DeleteFile(ctx, f.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return converted, err
		}
		err = m.scanner.Scan(ctx, volumeID, scanner.Options{
			PathFilter: converted,
			Notify:     notifyFiles,
			Provenance: prov,
		})
		if err != nil {
			return converted, err
		}
	}
	return converted, convertErr
}

// volumePaths returns the sorted file paths conversion considers: one
// issue's files, or all of the volume's including covers and metadata.
func (m *Manager) volumePaths(ctx context.Context, volumeID, issueID int64) ([]string, error) {
	var paths []string
	if issueID != 0 {
		files, err := m.db.FilesForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			paths = append(paths, f.Path)
		}
	} else {
		files, err := m.db.FilesForVolume(ctx, volumeID)
		if err != nil {
			return nil, err
		}
		general, err := m.db.GeneralFilesForVolume(ctx, volumeID)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(files)+len(general))
		for _, f := range files {
			seen[f.Path] = true
			paths = append(paths, f.Path)
		}
		for _, f := range general {
			if !seen[f.Path] {
				paths = append(paths, f.Path)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) taskStatus(format string, args ...any) {
	if m.evLogger == nil {
		return
	}
	m.evLogger.Log(events.TaskStatus, map[string]any{
		"message": fmt.Sprintf(format, args...),
	})
}

// VerifyConfiguration rejects format preferences naming a format no
// converter produces.
func (m *Manager) VerifyConfiguration(_, to config.Settings) error {
	available := make(map[string]bool)
	for _, targets := range m.converters {
		for target := range targets {
			available[target] = true
		}
	}
	for _, format := range to.FormatPreference {
		if !available[format] {
			return errdef.New(errdef.InvalidSettingValue, "format_preference: unknown format %q", format)
		}
	}
	return nil
}

func (m *Manager) CommitConfiguration(_, _ config.Settings) bool {
	return true
}

func (m *Manager) String() string {
	return "convert.Manager"
}

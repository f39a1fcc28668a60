// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner walks volume folders and keeps the issue to file bindings
// in the database in sync with what is actually on disk.
package scanner

import (
	"context"
	"os"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/matching"
)

// A Scanner reconciles volume folders with the database.
type Scanner struct {
	cfg      *config.Wrapper
	db       *db.DB
	evLogger events.Logger
}

func New(cfg *config.Wrapper, database *db.DB, evLogger events.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		db:       database,
		evLogger: evLogger,
	}
}

// Options tweak a scan for its different callers.
type Options struct {
	// PathFilter restricts the scan to the given paths inside the volume
	// folder. Used when binding just-downloaded or just-imported files;
	// stale bindings of other files are left alone.
	PathFilter []string
	// KeepUnmatched skips the orphan sweep, for callers that are about to
	// rebind the unmatched file rows themselves.
	KeepUnmatched bool
	// Notify emits a DownloadedStatus event when issues gain their first
	// file or lose their last one.
	Notify bool
	// Provenance is recorded on file rows created by this scan. Scans
	// triggered by a finished download carry the download's provenance;
	// plain folder scans record none.
	Provenance comic.Provenance
}

// issueBinding is a desired link between a file on disk and an issue.
type issueBinding struct {
	path    string
	issueID int64
}

// generalBinding is a desired volume level link for a cover or metadata
// file.
type generalBinding struct {
	path string
	typ  comic.GeneralFileType
}

// Scan walks the volume folder, matches every scannable file against the
// volume and rewrites the bindings to mirror the outcome. Issues whose
// binding count crosses zero in either direction are reported via the event
// bus when opts.Notify is set, and unmonitored on their way down when so
// configured.
func (s *Scanner) Scan(ctx context.Context, volumeID int64, opts Options) error {
	l.Debugln("Scanning for files for volume", volumeID)
	metricScansTotal.Inc()

	settings := s.cfg.Raw()

	vol, err := s.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}

	if info, err := os.Stat(vol.Folder); err != nil || !info.IsDir() {
		if !settings.CreateEmptyVolumeFolders {
			return nil
		}
		if err := fsutil.CreateFolder(vol.Folder); err != nil {
			return err
		}
	}

	issues, err := s.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	mvol := matchingVolume(vol)
	missues := make([]matching.Issue, len(issues))
	numberToYear := make(map[float64]*int, len(issues))
	for i, issue := range issues {
		missues[i] = matching.Issue{
			ID:               issue.ID,
			CalculatedNumber: issue.CalculatedIssueNumber,
			Year:             issue.Year(),
		}
		numberToYear[issue.CalculatedIssueNumber] = issue.Year()
	}

	var filter map[string]struct{}
	if len(opts.PathFilter) > 0 {
		filter = make(map[string]struct{}, len(opts.PathFilter))
		for _, p := range opts.PathFilter {
			filter[p] = struct{}{}
		}
	}

	paths, err := fsutil.ListFiles(vol.Folder, comic.ScannableExtensions)
	if err != nil {
		return err
	}

	var bindings []issueBinding
	var generalBindings []generalBinding
	for _, path := range paths {
		if filter != nil {
			if _, ok := filter[path]; !ok {
				continue
			}
		}

		fd := filename.Extract(path)
		if !matching.FileImportingFilter(fd, mvol, missues, numberToYear) {
			continue
		}
		metricFilesMatchedTotal.Inc()

		switch {
		case fd.SpecialVersion == comic.CoverFile && fd.IssueNumber == nil:
			generalBindings = append(generalBindings, generalBinding{path, comic.CoverFileType})

		case fd.SpecialVersion == comic.MetadataFile && fd.IssueNumber == nil:
			generalBindings = append(generalBindings, generalBinding{path, comic.MetadataFileType})

		case vol.SpecialVersion != comic.Normal && vol.SpecialVersion != comic.VolumeAsIssue &&
			fd.SpecialVersion != comic.Normal:
			// A special version file stands for the whole volume and binds
			// to the first issue.
			if len(issues) > 0 {
				bindings = append(bindings, issueBinding{path, issues[0].ID})
			}

		case fd.IssueNumber != nil || vol.SpecialVersion == comic.VolumeAsIssue:
			r := fd.IssueNumber
			if r == nil {
				// Volume-as-issue: the volume number on the file is really
				// the issue number.
				r = fd.VolumeNumber
			}
			if r == nil {
				continue
			}
			for _, issue := range issuesInRange(issues, *r) {
				bindings = append(bindings, issueBinding{path, issue.ID})
			}
		}
	}

	var newlyDownloaded, noLongerDownloaded []int64
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		fileIDs := make(map[string]int64)
		ensure := func(path string) (int64, error) {
			if id, ok := fileIDs[path]; ok {
				return id, nil
			}
			id, err := tx.AddFile(ctx, db.File{
				Path:       path,
				Size:       statSize(path),
				Provenance: opts.Provenance,
			})
			if err != nil {
				return 0, err
			}
			fileIDs[path] = id
			return id, nil
		}

		type pair struct{ fileID, issueID int64 }
		want := make(map[pair]struct{}, len(bindings))
		wantOrder := make([]pair, 0, len(bindings))
		for _, b := range bindings {
			fileID, err := ensure(b.path)
			if err != nil {
				return err
			}
			p := pair{fileID, b.issueID}
			if _, ok := want[p]; ok {
				continue
			}
			want[p] = struct{}{}
			wantOrder = append(wantOrder, p)
		}

		current, err := tx.IssueFileBindings(ctx, volumeID)
		if err != nil {
			return err
		}
		currentSet := make(map[pair]struct{}, len(current))
		bindingCount := make(map[int64]int, len(issues))
		for _, b := range current {
			currentSet[pair{b.FileID, b.IssueID}] = struct{}{}
			bindingCount[b.IssueID]++
		}

		var add, del []pair
		for _, p := range wantOrder {
			if _, ok := currentSet[p]; !ok {
				add = append(add, p)
			}
		}
		for _, b := range current {
			if _, ok := want[pair{b.FileID, b.IssueID}]; !ok {
				del = append(del, pair{b.FileID, b.IssueID})
			}
		}

		for _, p := range add {
			if bindingCount[p.issueID] == 0 {
				newlyDownloaded = append(newlyDownloaded, p.issueID)
			}
			bindingCount[p.issueID]++
		}
		// Only meaningful without a path filter: a filtered scan never saw
		// the other files, so their bindings are not stale.
		for _, p := range del {
			bindingCount[p.issueID]--
			if bindingCount[p.issueID] == 0 {
				noLongerDownloaded = append(noLongerDownloaded, p.issueID)
			}
		}

		if filter == nil {
			for _, p := range del {
				if err := tx.UnlinkIssueFile(ctx, p.issueID, p.fileID); err != nil {
					return err
				}
			}
			if settings.UnmonitorDeletedIssues {
				for _, issueID := range noLongerDownloaded {
					if err := tx.SetIssueMonitored(ctx, issueID, false); err != nil {
						return err
					}
				}
			}
		}
		for _, p := range add {
			if err := tx.LinkIssueFile(ctx, p.issueID, p.fileID); err != nil {
				return err
			}
		}

		existingGeneral, err := tx.GeneralFilesForVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		existingTypes := make(map[int64]comic.GeneralFileType, len(existingGeneral))
		for _, g := range existingGeneral {
			existingTypes[g.ID] = g.Type
		}
		generalIDs := make(map[int64]comic.GeneralFileType, len(generalBindings))
		var keep []int64
		for _, b := range generalBindings {
			fileID, err := ensure(b.path)
			if err != nil {
				return err
			}
			generalIDs[fileID] = b.typ
			if existingTypes[fileID] == b.typ {
				keep = append(keep, fileID)
			}
		}
		if filter == nil {
			if err := tx.UnlinkGeneralFilesNotIn(ctx, volumeID, keep); err != nil {
				return err
			}
		}
		for fileID, typ := range generalIDs {
			if err := tx.LinkGeneralFile(ctx, volumeID, fileID, typ); err != nil {
				return err
			}
		}

		if !opts.KeepUnmatched {
			if err := tx.DeleteUnmatchedFiles(ctx); err != nil {
				return err
			}
		}

		// Sizes drift when files are replaced in place. Only files this
		// scan actually saw are refreshed; a filtered scan must not zero
		// the size of a file it skipped.
		bound, err := tx.FilesForVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		for _, f := range bound {
			if _, scanned := fileIDs[f.Path]; !scanned {
				continue
			}
			if size := statSize(f.Path); size != f.Size {
				if err := tx.SetFileSize(ctx, f.Path, size); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if opts.Notify && s.evLogger != nil {
		switch {
		case filter == nil && (len(newlyDownloaded) > 0 || len(noLongerDownloaded) > 0):
			s.evLogger.Log(events.DownloadedStatus, map[string]any{
				"volume_id":             volumeID,
				"downloaded_issues":     newlyDownloaded,
				"not_downloaded_issues": noLongerDownloaded,
			})
		case filter != nil && len(newlyDownloaded) > 0:
			s.evLogger.Log(events.DownloadedStatus, map[string]any{
				"volume_id":             volumeID,
				"downloaded_issues":     newlyDownloaded,
				"not_downloaded_issues": []int64{},
			})
		}
	}

	if settings.DeleteEmptyFolders {
		if err := fsutil.DeleteEmptyChildFolders(vol.Folder); err != nil {
			l.Warnln("Cleaning empty folders:", err)
		}
		remaining, err := fsutil.ListFiles(vol.Folder, nil)
		if err == nil && len(remaining) == 0 && !settings.CreateEmptyVolumeFolders {
			rf, err := s.db.RootFolder(ctx, vol.RootFolderID)
			if err != nil {
				return err
			}
			if err := fsutil.DeleteEmptyParentFolders(vol.Folder, rf.Path); err != nil {
				l.Warnln("Cleaning empty folders:", err)
			}
		}
	}

	return nil
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

// issuesInRange returns the issues whose calculated number lies within r.
// The issues slice is ordered by calculated number, so the result is too.
func issuesInRange(issues []db.Issue, r comic.NumberRange) []db.Issue {
	var out []db.Issue
	for _, issue := range issues {
		if r.Contains(issue.CalculatedIssueNumber) {
			out = append(out, issue)
		}
	}
	return out
}

func statSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

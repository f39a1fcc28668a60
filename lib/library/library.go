// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package library implements the domain operations on volumes, issues and
// root folders: adding a volume from the catalog, refreshing its metadata,
// moving it between folders and deleting it again. It glues the catalog
// adapter, the relational store and the file pipeline together.
package library

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/comicvine"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
)

// A Library owns the volume collection.
type Library struct {
	cfg      *config.Wrapper
	db       *db.DB
	cv       *comicvine.Client
	scanner  *scanner.Scanner
	namer    *naming.Namer
	evLogger events.Logger
}

func New(cfg *config.Wrapper, database *db.DB, cv *comicvine.Client, sc *scanner.Scanner, namer *naming.Namer, evLogger events.Logger) *Library {
	return &Library{
		cfg:      cfg,
		db:       database,
		cv:       cv,
		scanner:  sc,
		namer:    namer,
		evLogger: evLogger,
	}
}

// AddVolumeOptions carries everything "add volume" needs.
type AddVolumeOptions struct {
	ComicVineID      int64
	RootFolderID     int64
	Monitored        bool
	MonitorScheme    comic.MonitorScheme
	MonitorNewIssues bool
	// VolumeFolder overrides the generated folder, relative to the root
	// folder or absolute. Empty means generate from the folder format.
	VolumeFolder string
	// SpecialVersion overrides the inferred special version and locks it.
	// Nil means infer.
	SpecialVersion *comic.SpecialVersion
}

// AddVolume fetches the volume from the catalog and creates it in the
// library. The same catalog volume cannot be added twice.
func (lib *Library) AddVolume(ctx context.Context, opts AddVolumeOptions) (db.Volume, error) {
	if _, ok, err := lib.db.VolumeByComicVine(ctx, opts.ComicVineID); err != nil {
		return db.Volume{}, err
	} else if ok {
		return db.Volume{}, errdef.New(errdef.VolumeAlreadyAdded, "comicvine id %d", opts.ComicVineID)
	}

	root, err := lib.db.RootFolder(ctx, opts.RootFolderID)
	if err != nil {
		return db.Volume{}, err
	}

	cvVol, err := lib.cv.FetchVolume(ctx, opts.ComicVineID)
	if err != nil {
		return db.Volume{}, err
	}

	vol := volumeFromCV(cvVol)
	vol.Monitored = opts.Monitored
	vol.MonitorNewIssues = opts.MonitorNewIssues
	vol.RootFolderID = root.ID
	vol.LastCVFetch = time.Now().Unix()

	issues := issuesFromCV(0, cvVol.Issues)
	if opts.SpecialVersion != nil {
		vol.SpecialVersion = *opts.SpecialVersion
		vol.SpecialVersionLocked = true
	} else {
		vol.SpecialVersion = DetermineSpecialVersion(vol.Title, cvVol.Description, issues)
	}

	vol.Folder = lib.namer.VolumeFolderPath(root.Path, vol, opts.VolumeFolder)
	vol.CustomFolder = opts.VolumeFolder != ""

	if err := lib.db.AddVolume(ctx, &vol); err != nil {
		return db.Volume{}, err
	}
	err = lib.db.WithTx(ctx, func(tx *db.Tx) error {
		for i := range issues {
			issues[i].VolumeID = vol.ID
		}
		return tx.UpsertIssues(ctx, issues, true)
	})
	if err != nil {
		return db.Volume{}, err
	}
	if err := lib.applyMonitorScheme(ctx, vol.ID, opts.MonitorScheme); err != nil {
		return db.Volume{}, err
	}
	if len(cvVol.Cover) > 0 {
		if err := lib.db.SetVolumeCover(ctx, vol.ID, cvVol.Cover); err != nil {
			return db.Volume{}, err
		}
	}

	if lib.cfg.Raw().CreateEmptyVolumeFolders {
		if err := fsutil.CreateFolder(vol.Folder); err != nil {
			l.Warnln("Creating volume folder:", err)
		}
	}

	lib.evLogger.Log(events.VolumeUpdated, map[string]any{"volume_id": vol.ID})
	l.Infoln("Added volume", vol.Title, "with", len(issues), "issues")
	return vol, nil
}

// RefreshVolume re-fetches the volume's metadata and issue list from the
// catalog and updates the stored rows. The scan that usually follows is the
// caller's business.
func (lib *Library) RefreshVolume(ctx context.Context, volumeID int64) error {
	vol, err := lib.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}

	// A stale fetch stamp means the cached response is stale too.
	if time.Since(time.Unix(vol.LastCVFetch, 0)) > 24*time.Hour {
		lib.cv.RemoveFromCache("volume", vol.ComicVineID)
		lib.cv.RemoveFromCache("issues", vol.ComicVineID)
	}

	cvVol, err := lib.cv.FetchVolume(ctx, vol.ComicVineID)
	if err != nil {
		return err
	}

	refreshed := volumeFromCV(cvVol)
	vol.Title = refreshed.Title
	vol.AltTitle = refreshed.AltTitle
	vol.Year = refreshed.Year
	vol.Publisher = refreshed.Publisher
	vol.VolumeNumber = refreshed.VolumeNumber
	vol.Description = refreshed.Description
	vol.SiteURL = refreshed.SiteURL
	vol.LastCVFetch = time.Now().Unix()

	issues := issuesFromCV(vol.ID, cvVol.Issues)
	if !vol.SpecialVersionLocked {
		vol.SpecialVersion = DetermineSpecialVersion(vol.Title, cvVol.Description, issues)
	}

	err = lib.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateVolume(ctx, vol); err != nil {
			return err
		}
		if err := tx.UpsertIssues(ctx, issues, vol.MonitorNewIssues); err != nil {
			return err
		}
		keep := make([]int64, len(issues))
		for i, issue := range issues {
			keep[i] = issue.ComicVineID
		}
		return tx.DeleteIssuesNotIn(ctx, vol.ID, keep)
	})
	if err != nil {
		return err
	}

	if len(cvVol.Cover) > 0 {
		if err := lib.db.SetVolumeCover(ctx, vol.ID, cvVol.Cover); err != nil {
			return err
		}
	}

	lib.evLogger.Log(events.VolumeUpdated, map[string]any{"volume_id": vol.ID})
	l.Infoln("Refreshed volume", vol.Title)
	return nil
}

// DeleteVolume removes a volume, its issues and its file rows. A volume
// with an active download stays. With deleteFolder the on-disk volume
// folder goes too.
func (lib *Library) DeleteVolume(ctx context.Context, volumeID int64, deleteFolder bool) error {
	vol, err := lib.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}
	if busy, err := lib.db.VolumeHasDownloads(ctx, volumeID); err != nil {
		return err
	} else if busy {
		return errdef.New(errdef.VolumeDownloadedFor, "volume id %d", volumeID)
	}

	err = lib.db.WithTx(ctx, func(tx *db.Tx) error {
		return tx.DeleteVolume(ctx, volumeID)
	})
	if err != nil {
		return err
	}

	if deleteFolder {
		root, err := lib.db.RootFolder(ctx, vol.RootFolderID)
		if err == nil {
			if err := fsutil.DeleteFileFolder(vol.Folder); err != nil {
				l.Warnln("Deleting volume folder:", err)
			}
			if err := fsutil.DeleteEmptyParentFolders(vol.Folder, root.Path); err != nil {
				l.Debugln("Collapsing parents:", err)
			}
		}
	}

	lib.evLogger.Log(events.VolumeDeleted, map[string]any{"volume_id": volumeID})
	l.Infoln("Deleted volume", vol.Title)
	return nil
}

// VolumeEdits are the user-editable volume fields. Nil fields stay as they
// are.
type VolumeEdits struct {
	Monitored        *bool                 `json:"monitored"`
	MonitorNewIssues *bool                 `json:"monitor_new_issues"`
	MonitorScheme    *comic.MonitorScheme  `json:"monitoring_scheme"`
	SpecialVersion   *comic.SpecialVersion `json:"special_version"`
	// SpecialVersionLocked accompanies SpecialVersion; setting a special
	// version implies locking unless explicitly unlocked.
	SpecialVersionLocked *bool  `json:"special_version_locked"`
	RootFolderID         *int64 `json:"root_folder"`
	VolumeFolder         *string `json:"volume_folder"`
}

// UpdateVolume applies the edits. Root folder and volume folder changes
// move the files on disk and rewrite their stored paths.
func (lib *Library) UpdateVolume(ctx context.Context, volumeID int64, edits VolumeEdits) error {
	vol, err := lib.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}

	if edits.Monitored != nil {
		vol.Monitored = *edits.Monitored
	}
	if edits.MonitorNewIssues != nil {
		vol.MonitorNewIssues = *edits.MonitorNewIssues
	}
	if edits.SpecialVersion != nil {
		vol.SpecialVersion = *edits.SpecialVersion
		vol.SpecialVersionLocked = true
	}
	if edits.SpecialVersionLocked != nil {
		vol.SpecialVersionLocked = *edits.SpecialVersionLocked
	}
	if err := lib.db.UpdateVolume(ctx, vol); err != nil {
		return err
	}

	if edits.MonitorScheme != nil {
		if err := lib.applyMonitorScheme(ctx, volumeID, *edits.MonitorScheme); err != nil {
			return err
		}
	}

	if edits.RootFolderID != nil && *edits.RootFolderID != vol.RootFolderID {
		if err := lib.changeRootFolder(ctx, volumeID, *edits.RootFolderID); err != nil {
			return err
		}
	} else if edits.VolumeFolder != nil {
		if err := lib.changeVolumeFolder(ctx, volumeID, *edits.VolumeFolder); err != nil {
			return err
		}
	}

	lib.evLogger.Log(events.VolumeUpdated, map[string]any{"volume_id": volumeID})
	return nil
}

// changeRootFolder moves the volume, folder and files, under another root.
func (lib *Library) changeRootFolder(ctx context.Context, volumeID, rootFolderID int64) error {
	vol, err := lib.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}
	oldRoot, err := lib.db.RootFolder(ctx, vol.RootFolderID)
	if err != nil {
		return err
	}
	newRoot, err := lib.db.RootFolder(ctx, rootFolderID)
	if err != nil {
		return err
	}

	custom := ""
	if vol.CustomFolder {
		// Keep the user's folder name, just re-root it.
		if rel, err := filepath.Rel(oldRoot.Path, vol.Folder); err == nil {
			custom = rel
		}
	}
	vol.RootFolderID = newRoot.ID
	newFolder := lib.namer.VolumeFolderPath(newRoot.Path, vol, custom)

	l.Infoln("Moving volume", vol.Title, "from", oldRoot.Path, "to", newRoot.Path)
	return lib.moveVolume(ctx, vol, newFolder)
}

// changeVolumeFolder renames the volume folder. An empty folder reverts to
// the generated name.
func (lib *Library) changeVolumeFolder(ctx context.Context, volumeID int64, folder string) error {
	vol, err := lib.db.Volume(ctx, volumeID)
	if err != nil {
		return err
	}
	root, err := lib.db.RootFolder(ctx, vol.RootFolderID)
	if err != nil {
		return err
	}
	newFolder := lib.namer.VolumeFolderPath(root.Path, vol, folder)
	if newFolder == vol.Folder {
		return nil
	}
	vol.CustomFolder = folder != ""
	return lib.moveVolume(ctx, vol, newFolder)
}

// moveVolume moves the volume's files into newFolder, updates the stored
// paths in one transaction and collapses what is left behind.
func (lib *Library) moveVolume(ctx context.Context, vol db.Volume, newFolder string) error {
	files, err := lib.db.FilesForVolume(ctx, vol.ID)
	if err != nil {
		return err
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	changes, err := fsutil.ProposeBasefolderChange(paths, vol.Folder, newFolder)
	if err != nil {
		return err
	}
	oldPaths := make([]string, 0, len(changes))
	newPaths := make([]string, 0, len(changes))
	for old, renamed := range changes {
		if old == renamed {
			continue
		}
		if err := fsutil.MoveFile(old, renamed); err != nil {
			return err
		}
		oldPaths = append(oldPaths, old)
		newPaths = append(newPaths, renamed)
	}

	oldFolder := vol.Folder
	vol.Folder = newFolder
	err = lib.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateVolume(ctx, vol); err != nil {
			return err
		}
		return tx.UpdateFilepaths(ctx, oldPaths, newPaths)
	})
	if err != nil {
		return err
	}

	root, err := lib.db.RootFolder(ctx, vol.RootFolderID)
	if err != nil {
		return err
	}
	if err := fsutil.DeleteEmptyChildFolders(oldFolder); err != nil {
		l.Debugln("Collapsing children:", err)
	}
	if !lib.cfg.Raw().CreateEmptyVolumeFolders {
		if err := fsutil.DeleteEmptyParentFolders(oldFolder, root.Path); err != nil {
			l.Debugln("Collapsing parents:", err)
		}
	} else if err := fsutil.CreateFolder(vol.Folder); err != nil {
		l.Warnln("Creating volume folder:", err)
	}
	return nil
}

// applyMonitorScheme sets the monitored flag of all issues at once.
func (lib *Library) applyMonitorScheme(ctx context.Context, volumeID int64, scheme comic.MonitorScheme) error {
	if scheme == "" || scheme == comic.MonitorAll {
		return nil
	}
	issues, err := lib.db.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		monitored := false
		if scheme == comic.MonitorMissing {
			files, err := lib.db.FilesForIssue(ctx, issue.ID)
			if err != nil {
				return err
			}
			monitored = len(files) == 0
		}
		if monitored == issue.Monitored {
			continue
		}
		if err := lib.db.SetIssueMonitored(ctx, issue.ID, monitored); err != nil {
			return err
		}
	}
	return nil
}

// SetIssueMonitored flips one issue's monitored flag.
func (lib *Library) SetIssueMonitored(ctx context.Context, issueID int64, monitored bool) error {
	if err := lib.db.SetIssueMonitored(ctx, issueID, monitored); err != nil {
		return err
	}
	lib.evLogger.Log(events.IssueUpdated, map[string]any{"issue_id": issueID})
	return nil
}

// SearchVolumes queries the catalog and annotates each result with the
// library volume that already wraps it, when one does.
func (lib *Library) SearchVolumes(ctx context.Context, query string) ([]comicvine.Volume, error) {
	var results []comicvine.Volume
	if cvID, err := comicvine.ParseID(query); err == nil {
		vol, err := lib.cv.FetchVolume(ctx, cvID)
		if err != nil {
			return nil, err
		}
		results = []comicvine.Volume{vol}
	} else {
		var err error
		results, err = lib.cv.SearchVolumes(ctx, query)
		if err != nil {
			return nil, err
		}
	}
	for i := range results {
		if vol, ok, err := lib.db.VolumeByComicVine(ctx, results[i].ComicVineID); err != nil {
			return nil, err
		} else if ok {
			results[i].AlreadyAdded = vol.ID
		}
	}
	return results, nil
}

// Stats are the library-wide totals.
type Stats struct {
	Volumes          int   `json:"volumes"`
	Monitored        int   `json:"monitored"`
	Unmonitored      int   `json:"unmonitored"`
	Issues           int   `json:"issues"`
	DownloadedIssues int   `json:"downloaded_issues"`
	Files            int   `json:"files"`
	TotalFileSize    int64 `json:"total_file_size"`
}

// Stats aggregates the per-volume stats into the library totals.
func (lib *Library) Stats(ctx context.Context) (Stats, error) {
	volumes, err := lib.db.Volumes(ctx)
	if err != nil {
		return Stats{}, err
	}
	perVolume, err := lib.db.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	files, err := lib.db.AllFiles(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Volumes: len(volumes), Files: len(files)}
	for _, vol := range volumes {
		if vol.Monitored {
			stats.Monitored++
		} else {
			stats.Unmonitored++
		}
		vs := perVolume[vol.ID]
		stats.Issues += vs.IssueCount
		stats.DownloadedIssues += vs.DownloadedIssues
	}
	for _, f := range files {
		stats.TotalFileSize += f.Size
	}
	return stats, nil
}

// A VolumeOverview is the list representation of a volume.
type VolumeOverview struct {
	db.Volume
	IssueCount       int   `json:"issue_count"`
	DownloadedIssues int   `json:"issues_downloaded"`
	TotalSize        int64 `json:"total_size"`
}

// Volumes lists the library, filtered on a title substring when query is
// not empty.
func (lib *Library) Volumes(ctx context.Context, query string) ([]VolumeOverview, error) {
	volumes, err := lib.db.Volumes(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := lib.db.Stats(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	overviews := make([]VolumeOverview, 0, len(volumes))
	for _, vol := range volumes {
		if query != "" && !strings.Contains(strings.ToLower(vol.Title), query) {
			continue
		}
		vs := stats[vol.ID]
		overviews = append(overviews, VolumeOverview{
			Volume:           vol,
			IssueCount:       vs.IssueCount,
			DownloadedIssues: vs.DownloadedIssues,
			TotalSize:        vs.TotalSize,
		})
	}
	sort.Slice(overviews, func(i, j int) bool {
		return strings.ToLower(overviews[i].Title) < strings.ToLower(overviews[j].Title)
	})
	return overviews, nil
}

func volumeFromCV(cv comicvine.Volume) db.Volume {
	vol := db.Volume{
		ComicVineID:  cv.ComicVineID,
		Title:        cv.Title,
		Year:         cv.Year,
		VolumeNumber: cv.VolumeNumber,
		Description:  cv.Description,
		SiteURL:      cv.SiteURL,
	}
	if len(cv.Aliases) > 0 {
		alt := cv.Aliases[0]
		vol.AltTitle = &alt
	}
	if cv.Publisher != "" {
		p := cv.Publisher
		vol.Publisher = &p
	}
	return vol
}

func issuesFromCV(volumeID int64, cvIssues []comicvine.Issue) []db.Issue {
	issues := make([]db.Issue, len(cvIssues))
	for i, ci := range cvIssues {
		issues[i] = db.Issue{
			VolumeID:              volumeID,
			ComicVineID:           ci.ComicVineID,
			IssueNumber:           ci.IssueNumber,
			CalculatedIssueNumber: ci.CalculatedIssueNumber,
			Title:                 ci.Title,
			Date:                  ci.Date,
			Description:           ci.Description,
			Monitored:             true,
		}
	}
	return issues
}

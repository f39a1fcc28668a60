// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package naming

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
)

// A Rename is one planned file move.
type Rename struct {
	From string `json:"before"`
	To   string `json:"after"`
}

// PreviewMassRename determines the new names for the volume's files, or one
// issue's when issueID is not zero. Files whose name already matches are
// left out. The second return is the new volume folder when the formats
// place the volume somewhere else than it currently is, empty otherwise.
func (n *Namer) PreviewMassRename(ctx context.Context, volumeID, issueID int64, pathFilter []string) ([]Rename, string, error) {
	vol, err := n.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, "", err
	}

	var paths []string
	if issueID != 0 {
		files, err := n.db.FilesForIssue(ctx, issueID)
		if err != nil {
			return nil, "", err
		}
		for _, f := range files {
			paths = append(paths, f.Path)
		}
	} else {
		files, err := n.db.FilesForVolume(ctx, volumeID)
		if err != nil {
			return nil, "", err
		}
		general, err := n.db.GeneralFilesForVolume(ctx, volumeID)
		if err != nil {
			return nil, "", err
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

	volumeFolder := vol.Folder
	if issueID == 0 {
		if len(paths) == 0 {
			return nil, "", nil
		}
		if !vol.CustomFolder {
			rf, err := n.db.RootFolder(ctx, vol.RootFolderID)
			if err != nil {
				return nil, "", err
			}
			volumeFolder = n.VolumeFolderPath(rf.Path, vol, "")
		}
	}

	var renames []Rename
	for _, path := range paths {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}

		numbers, err := n.db.IssuesCovered(ctx, path)
		if err != nil {
			return nil, "", err
		}

		var body string
		switch {
		case len(numbers) > 1:
			r := comic.NewRange(numbers[0], numbers[len(numbers)-1])
			body, err = n.IssueName(ctx, vol, vol.SpecialVersion, &r)
			if err != nil {
				return nil, "", err
			}

		case len(numbers) == 1:
			r := comic.Number(numbers[0])
			body, err = n.IssueName(ctx, vol, vol.SpecialVersion, &r)
			if err != nil {
				return nil, "", err
			}
			if filename.IsMetadataName(path) {
				// Keep the recognizable sidecar name next to the issue name,
				// so the file is still found as metadata after the rename.
				body += " " + stem(path)
			}

		case comic.IsImage(path):
			body, err = n.IssueName(ctx, vol, comic.CoverFile, nil)
			if err != nil {
				return nil, "", err
			}

		default:
			body = stem(path)
		}

		if len(numbers) > 0 && comic.IsImage(path) {
			// A page scan lives in a folder per issue, named after its page.
			body = filepath.Join(body, ImageName(path))
		}

		suggested := filepath.Join(volumeFolder, body+comic.Ext(path))
		if suggested != path {
			l.Debugln("Suggesting rename:", path, "->", suggested)
			renames = append(renames, Rename{From: path, To: suggested})
		}
	}

	renames = sameNameIndexing(volumeFolder, renames)

	if volumeFolder != vol.Folder {
		return renames, volumeFolder, nil
	}
	return renames, "", nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// sameNameIndexing suffixes planned names with " (1)", " (2)"… when the name
// is already taken, either on disk or by an earlier planned rename. Renames
// that end up at their own current name are dropped.
func sameNameIndexing(volumeFolder string, renames []Rename) []Rename {
	if _, err := os.Stat(volumeFolder); err != nil {
		return renames
	}

	existing, err := fsutil.ListFiles(volumeFolder, nil)
	if err != nil {
		return renames
	}
	taken := make(map[string]bool, len(existing))
	for _, f := range existing {
		taken[f] = true
	}

	var out []Rename
	for _, r := range renames {
		after := r.To
		ext := filepath.Ext(after)
		base := strings.TrimSuffix(after, ext)
		for index := 1; r.From != after && taken[after]; index++ {
			after = fmt.Sprintf("%s (%d)%s", base, index, ext)
		}
		taken[after] = true
		if r.From != after {
			out = append(out, Rename{From: r.From, To: after})
		}
	}
	return out
}

// MassRename renames the volume's files, or one issue's, to match the
// naming formats. The stored paths are rewritten in one transaction and
// empty directories left behind are removed. Returns the new paths of the
// files actually renamed.
func (n *Namer) MassRename(ctx context.Context, volumeID, issueID int64, pathFilter []string, notify bool) ([]string, error) {
	renames, newFolder, err := n.PreviewMassRename(ctx, volumeID, issueID, pathFilter)
	if err != nil {
		return nil, err
	}
	if len(renames) == 0 && newFolder == "" {
		return nil, nil
	}

	vol, err := n.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	rf, err := n.db.RootFolder(ctx, vol.RootFolderID)
	if err != nil {
		return nil, err
	}
	oldFolder := vol.Folder

	if newFolder != "" {
		vol.Folder = newFolder
		if err := n.db.UpdateVolume(ctx, vol); err != nil {
			return nil, err
		}
	}

	var moveErr error
	done := 0
	for i, r := range renames {
		if notify && n.evLogger != nil {
			n.evLogger.Log(events.TaskStatus, map[string]any{
				"message": fmt.Sprintf("Renaming file %d/%d", i+1, len(renames)),
			})
		}
		if err := fsutil.MoveFile(r.From, r.To); err != nil {
			moveErr = err
			break
		}
		done++
		metricRenamesTotal.Inc()
	}

	newPaths := make([]string, done)
	if done > 0 {
		oldPaths := make([]string, done)
		for i, r := range renames[:done] {
			oldPaths[i], newPaths[i] = r.From, r.To
		}
		err := n.db.WithTx(ctx, func(tx *db.Tx) error {
			return tx.UpdateFilepaths(ctx, oldPaths, newPaths)
		})
		if err != nil {
			return nil, err
		}

		if _, err := os.Stat(oldFolder); err == nil {
			if err := fsutil.DeleteEmptyChildFolders(oldFolder); err != nil {
				l.Warnln("Cleaning empty folders:", err)
			}
			if err := fsutil.DeleteEmptyParentFolders(oldFolder, rf.Path); err != nil {
				l.Warnln("Cleaning empty folders:", err)
			}
		}
	}
	if moveErr != nil {
		return newPaths, moveErr
	}

	l.Infof("Renamed %d file(s) for volume %d", done, volumeID)
	return newPaths, nil
}

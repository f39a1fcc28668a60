// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package importer proposes and commits library imports: it finds files in
// the root folders that no volume claims yet, groups them by release,
// matches each group against the catalog and, on the user's go-ahead, adds
// the volumes and attaches the files.
package importer

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/comicvine"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
)

// An Importer proposes and commits library imports.
type Importer struct {
	cfg     *config.Wrapper
	db      *db.DB
	cv      *comicvine.Client
	library *library.Library
	scanner *scanner.Scanner
	namer   *naming.Namer

	// Swappable in tests.
	matchGroups func(ctx context.Context, groups map[comic.GroupKey][]comic.FilenameData, onlyEnglish bool) (map[comic.GroupKey]*comicvine.GroupMatch, error)
	addVolume   func(ctx context.Context, opts library.AddVolumeOptions) (db.Volume, error)
}

func New(cfg *config.Wrapper, database *db.DB, cv *comicvine.Client, lib *library.Library, sc *scanner.Scanner, namer *naming.Namer) *Importer {
	imp := &Importer{
		cfg:     cfg,
		db:      database,
		cv:      cv,
		library: lib,
		scanner: sc,
		namer:   namer,
	}
	imp.matchGroups = func(ctx context.Context, groups map[comic.GroupKey][]comic.FilenameData, onlyEnglish bool) (map[comic.GroupKey]*comicvine.GroupMatch, error) {
		return imp.cv.FilenamesToCVs(ctx, groups, onlyEnglish)
	}
	imp.addVolume = func(ctx context.Context, opts library.AddVolumeOptions) (db.Volume, error) {
		return imp.library.AddVolume(ctx, opts)
	}
	return imp
}

// ProposeOptions filter and bound a proposal run.
type ProposeOptions struct {
	// IncludedFolders and ExcludedFolders are glob patterns over folder
	// paths. Empty included means all root folders.
	IncludedFolders []string
	ExcludedFolders []string
	// Limit caps the number of distinct folders considered.
	Limit int
	// LimitParentFolder counts the limit against parent folders, for
	// layouts where every issue has its own sub-folder.
	LimitParentFolder bool
	// OnlyEnglish suppresses matches against translated releases.
	OnlyEnglish bool
}

// A Proposal is one not-yet-imported file and the catalog volume suggested
// for it. CV is nil when nothing matched.
type Proposal struct {
	Filepath    string                `json:"filepath"`
	FileTitle   string                `json:"file_title"`
	CV          *comicvine.GroupMatch `json:"cv"`
	GroupNumber int                   `json:"group_number"`
}

// A Mapping is the user's accepted pairing of a file with a catalog volume.
type Mapping struct {
	Filepath    string `json:"filepath"`
	ComicVineID int64  `json:"id"`
}

// Propose lists unimported files with a catalog suggestion per release
// group.
func (imp *Importer) Propose(ctx context.Context, opts ProposeOptions) ([]Proposal, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	rootFolders, err := imp.db.RootFolders(ctx)
	if err != nil {
		return nil, err
	}
	roots := make(map[string]bool, len(rootFolders))
	for _, rf := range rootFolders {
		roots[rf.Path] = true
	}

	include, err := compileGlobs(opts.IncludedFolders, "included_folders")
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(opts.ExcludedFolders, "excluded_folders")
	if err != nil {
		return nil, err
	}

	imported, err := imp.importedPaths(ctx)
	if err != nil {
		return nil, err
	}

	var all []string
	for _, rf := range rootFolders {
		files, err := fsutil.ListFiles(rf.Path, comic.ScannableExtensions)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
	}
	// Stable input order keeps group numbers stable.
	sort.Slice(all, func(i, j int) bool {
		return filepath.Base(all[i]) < filepath.Base(all[j])
	})

	folders := make(map[string]bool)
	imageFolders := make(map[string]bool)
	candidates := make(map[string]comic.FilenameData)
	var order []string

	for _, f := range all {
		if imported[f] {
			continue
		}
		dir := filepath.Dir(f)
		if roots[dir] {
			// Files directly in a root folder have no volume folder to
			// become; skip them.
			continue
		}
		if len(include) > 0 && !matchAny(include, dir) && !matchAny(include, f) {
			continue
		}
		if matchAny(exclude, dir) || matchAny(exclude, f) {
			continue
		}

		fd := filename.ExtractWith(f, filename.Options{PreferFolderYear: true})

		if comic.IsImage(f) && fd.SpecialVersion != comic.CoverFile {
			// A folder of loose page images collapses to one entry for
			// the folder itself.
			if imageFolders[dir] {
				continue
			}
			imageFolders[dir] = true
			f, dir = dir, filepath.Dir(dir)
			fd = filename.ExtractWith(f, filename.Options{PreferFolderYear: true})
		}

		countFolder := dir
		if opts.LimitParentFolder {
			countFolder = filepath.Dir(dir)
		}
		folders[countFolder] = true
		if len(folders) > opts.Limit {
			break
		}

		if _, seen := candidates[f]; !seen {
			candidates[f] = fd
			order = append(order, f)
		}
	}

	groups := make(map[comic.GroupKey][]comic.FilenameData)
	groupNumbers := make(map[comic.GroupKey]int)
	fileGroups := make(map[string]comic.GroupKey, len(order))
	for _, f := range order {
		fd := candidates[f]
		key := fd.Key()
		if _, ok := groupNumbers[key]; !ok {
			groupNumbers[key] = len(groupNumbers) + 1
		}
		groups[key] = append(groups[key], fd)
		fileGroups[f] = key
	}

	matches, err := imp.matchGroups(ctx, groups, opts.OnlyEnglish)
	if err != nil {
		return nil, err
	}

	proposals := make([]Proposal, 0, len(order))
	for _, f := range order {
		key := fileGroups[f]
		proposals = append(proposals, Proposal{
			Filepath:    f,
			FileTitle:   fileTitle(f),
			CV:          matches[key],
			GroupNumber: groupNumbers[key],
		})
	}
	l.Infoln("Proposing", len(proposals), "files for import")
	return proposals, nil
}

// Commit adds the accepted volumes and attaches their files. With
// renameFiles the files move into the generated volume folder and get the
// configured names; otherwise the volume folder is set to where the files
// already sit.
func (imp *Importer) Commit(ctx context.Context, mappings []Mapping, renameFiles bool) error {
	byCV := make(map[int64][]string)
	var cvOrder []int64
	for _, m := range mappings {
		if _, ok := byCV[m.ComicVineID]; !ok {
			cvOrder = append(cvOrder, m.ComicVineID)
		}
		byCV[m.ComicVineID] = append(byCV[m.ComicVineID], m.Filepath)
	}

	rootFolders, err := imp.db.RootFolders(ctx)
	if err != nil {
		return err
	}

	for _, cvID := range cvOrder {
		files := byCV[cvID]

		var root *db.RootFolder
		for i := range rootFolders {
			if fsutil.FolderIsInside(files[0], rootFolders[i].Path) {
				root = &rootFolders[i]
				break
			}
		}
		if root == nil {
			l.Warnln("Skipping import of", files[0], "- outside all root folders")
			continue
		}

		commonFolder := fsutil.CommonFolder(files)

		opts := library.AddVolumeOptions{
			ComicVineID:      cvID,
			RootFolderID:     root.ID,
			Monitored:        true,
			MonitorScheme:    comic.MonitorAll,
			MonitorNewIssues: true,
		}
		if !renameFiles {
			opts.VolumeFolder = commonFolder
		}
		vol, err := imp.addVolume(ctx, opts)
		if err != nil {
			if errors.Is(err, errdef.VolumeAlreadyAdded) {
				// Added but the file did not match it earlier, so the
				// file is for something else. Leave it be.
				l.Debugln("Volume for", files[0], "already added, skipping")
				continue
			}
			return err
		}

		if renameFiles {
			changes, err := fsutil.ProposeBasefolderChange(files, commonFolder, vol.Folder)
			if err != nil {
				return err
			}
			moved := make([]string, 0, len(changes))
			for old, renamed := range changes {
				if old != renamed {
					if err := fsutil.MoveFile(old, renamed); err != nil {
						return err
					}
					if err := fsutil.DeleteEmptyParentFolders(filepath.Dir(old), root.Path); err != nil {
						l.Debugln("Collapsing parents:", err)
					}
				}
				moved = append(moved, renamed)
			}
			if err := imp.scanner.Scan(ctx, vol.ID, scanner.Options{PathFilter: moved}); err != nil {
				return err
			}
			if _, err := imp.namer.MassRename(ctx, vol.ID, 0, moved, false); err != nil {
				return err
			}
		} else {
			if err := imp.scanner.Scan(ctx, vol.ID, scanner.Options{PathFilter: files}); err != nil {
				return err
			}
		}
	}
	l.Infoln("Library import finished")
	return nil
}

func (imp *Importer) importedPaths(ctx context.Context) (map[string]bool, error) {
	files, err := imp.db.AllFiles(ctx)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]bool, len(files))
	for _, f := range files {
		paths[f.Path] = true
	}
	return paths, nil
}

func compileGlobs(patterns []string, key string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(filepath.ToSlash(p))
		if err != nil {
			return nil, errdef.New(errdef.InvalidKeyValue, "%s: %q: %v", key, p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	path = filepath.ToSlash(path)
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func fileTitle(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && comic.HasExtension(base, comic.ScannableExtensions) {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

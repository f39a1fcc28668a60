// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package library

import (
	"context"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/fsutil"
)

// SizeData is the observed disk usage of a root folder. It is gathered best
// effort; a folder on an unreachable mount reports nothing.
type SizeData struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// A RootFolderInfo is a root folder with its disk usage.
type RootFolderInfo struct {
	ID     int64     `json:"id"`
	Folder string    `json:"folder"`
	Size   *SizeData `json:"size"`
}

func rootFolderInfo(rf db.RootFolder) RootFolderInfo {
	info := RootFolderInfo{ID: rf.ID, Folder: rf.Path}
	if usage, err := disk.Usage(rf.Path); err == nil {
		info.Size = &SizeData{
			Total: usage.Total,
			Used:  usage.Used,
			Free:  usage.Free,
		}
	} else {
		l.Debugln("Disk usage for", rf.Path, "failed:", err)
	}
	return info
}

// RootFolders lists all root folders with their disk usage.
func (lib *Library) RootFolders(ctx context.Context) ([]RootFolderInfo, error) {
	folders, err := lib.db.RootFolders(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]RootFolderInfo, len(folders))
	for i, rf := range folders {
		infos[i] = rootFolderInfo(rf)
	}
	return infos, nil
}

// RootFolder returns one root folder with its disk usage.
func (lib *Library) RootFolder(ctx context.Context, id int64) (RootFolderInfo, error) {
	rf, err := lib.db.RootFolder(ctx, id)
	if err != nil {
		return RootFolderInfo{}, err
	}
	return rootFolderInfo(rf), nil
}

// AddRootFolder registers a new root folder. The path is made absolute and
// created when missing. A folder that contains or sits inside another root
// folder, or that collides with the download folder, is refused.
func (lib *Library) AddRootFolder(ctx context.Context, folder string) (RootFolderInfo, error) {
	folder, err := fsutil.ExpandTilde(folder)
	if err != nil {
		return RootFolderInfo{}, err
	}
	folder, err = filepath.Abs(folder)
	if err != nil {
		return RootFolderInfo{}, errdef.Wrap(errdef.RootFolderInvalid, err)
	}

	existing, err := lib.db.RootFolders(ctx)
	if err != nil {
		return RootFolderInfo{}, err
	}
	others := make([]string, 0, len(existing)+1)
	for _, rf := range existing {
		others = append(others, rf.Path)
	}
	others = append(others, lib.cfg.Raw().DownloadFolder)
	for _, other := range others {
		if fsutil.FolderIsInside(folder, other) || fsutil.FolderIsInside(other, folder) {
			return RootFolderInfo{}, errdef.New(errdef.RootFolderInvalid,
				"%s collides with %s", folder, other)
		}
	}

	if err := fsutil.CreateFolder(folder); err != nil {
		return RootFolderInfo{}, errdef.Wrap(errdef.FolderNotFound, err)
	}

	rf, err := lib.db.AddRootFolder(ctx, folder)
	if err != nil {
		return RootFolderInfo{}, err
	}
	l.Infoln("Added root folder", folder)
	return rootFolderInfo(rf), nil
}

// UpdateRootFolder changes a root folder's path. Only folders no volume
// lives under can be repointed; moving a populated root is a volume-level
// operation.
func (lib *Library) UpdateRootFolder(ctx context.Context, id int64, folder string) (RootFolderInfo, error) {
	if _, err := lib.db.RootFolder(ctx, id); err != nil {
		return RootFolderInfo{}, err
	}
	volumes, err := lib.db.Volumes(ctx)
	if err != nil {
		return RootFolderInfo{}, err
	}
	for _, vol := range volumes {
		if vol.RootFolderID == id {
			return RootFolderInfo{}, errdef.New(errdef.RootFolderInUse, "volume %d uses root folder %d", vol.ID, id)
		}
	}

	folder, err = fsutil.ExpandTilde(folder)
	if err != nil {
		return RootFolderInfo{}, err
	}
	folder, err = filepath.Abs(folder)
	if err != nil {
		return RootFolderInfo{}, errdef.Wrap(errdef.RootFolderInvalid, err)
	}

	existing, err := lib.db.RootFolders(ctx)
	if err != nil {
		return RootFolderInfo{}, err
	}
	others := []string{lib.cfg.Raw().DownloadFolder}
	for _, rf := range existing {
		if rf.ID != id {
			others = append(others, rf.Path)
		}
	}
	for _, other := range others {
		if fsutil.FolderIsInside(folder, other) || fsutil.FolderIsInside(other, folder) {
			return RootFolderInfo{}, errdef.New(errdef.RootFolderInvalid,
				"%s collides with %s", folder, other)
		}
	}

	if err := fsutil.CreateFolder(folder); err != nil {
		return RootFolderInfo{}, errdef.Wrap(errdef.FolderNotFound, err)
	}
	if err := lib.db.UpdateRootFolder(ctx, id, folder); err != nil {
		return RootFolderInfo{}, err
	}
	l.Infoln("Root folder", id, "now points at", folder)
	return rootFolderInfo(db.RootFolder{ID: id, Path: folder}), nil
}

// DeleteRootFolder removes a root folder that no volume uses.
func (lib *Library) DeleteRootFolder(ctx context.Context, id int64) error {
	if err := lib.db.DeleteRootFolder(ctx, id); err != nil {
		return err
	}
	l.Infoln("Deleted root folder", id)
	return nil
}

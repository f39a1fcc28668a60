// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fsutil collects the file system helpers the pipeline is built on:
// filtered listings, moves that survive crossing devices, and the empty
// directory collapse that runs after renames and conversions.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/longbox/longbox/lib/comic"
)

// ExpandTilde replaces a leading ~ with the user's home directory.
func ExpandTilde(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}

	path = filepath.FromSlash(path)
	if !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

// ListFiles returns all files below folder whose extension is in exts,
// sorted by path. Hidden files are skipped, but hidden directories are
// descended into; extraction scratch folders are hidden and their contents
// must still be found. An empty exts lists every file.
func ListFiles(folder string, exts []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(exts) == 0 || comic.HasExtension(d.Name(), exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// CreateFolder makes the folder and any missing parents.
func CreateFolder(path string) error {
	return os.MkdirAll(path, 0o777)
}

var (
	unsafeCharExp   = regexp.MustCompile(`[<>:"|?*` + "\x00" + `]`)
	trailingJunkExp = regexp.MustCompile(`[\s.]+([/\\]|$)`)
)

// SafePath strips characters that common filesystems refuse, along with
// whitespace and dots that would end a path element. A drive letter colon at
// the start of the path survives.
func SafePath(path string) string {
	var drive string
	if len(path) >= 2 && path[1] == ':' && isWordByte(path[0]) {
		drive, path = path[:2], path[2:]
	}
	path = unsafeCharExp.ReplaceAllString(path, "")
	path = trailingJunkExp.ReplaceAllString(path, "$1")
	return drive + path
}

func isWordByte(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}

// FolderIsInside reports whether child lies below parent (or is parent
// itself).
func FolderIsInside(child, parent string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// CommonFolder returns the deepest folder shared by all files.
func CommonFolder(files []string) string {
	if len(files) == 0 {
		return ""
	}
	common := filepath.Dir(files[0])
	for _, f := range files[1:] {
		dir := filepath.Dir(f)
		for !FolderIsInside(dir, common) {
			common = filepath.Dir(common)
		}
	}
	return common
}

// ProposeBasefolderChange maps each file onto the same relative location
// under a different base folder.
func ProposeBasefolderChange(files []string, currentBase, desiredBase string) (map[string]string, error) {
	changes := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(currentBase, f)
		if err != nil {
			return nil, err
		}
		changes[f] = filepath.Join(desiredBase, rel)
	}
	return changes, nil
}

// ExtractionFolder returns the scratch folder an archive inside volumeFolder
// is unpacked into. The name embeds the archive's relative path so that two
// archives never share a scratch folder.
func ExtractionFolder(volumeFolder, archiveFile string) string {
	rel, err := filepath.Rel(volumeFolder, archiveFile)
	if err != nil {
		rel = filepath.Base(archiveFile)
	}
	stem := strings.ReplaceAll(rel, string(filepath.Separator), "_")
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	return filepath.Join(volumeFolder, comic.ExtractionPrefix+"_"+stem)
}

// MoveFile renames src to dst, creating missing parents. When the rename
// crosses a device boundary it degrades to copy and delete.
func MoveFile(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst, creating missing parents. Permission and time
// attributes are carried over on a best effort basis: filesystems that
// refuse attribute changes after the copy (NFS commonly, with EPERM,
// ENOTSUP or the undeclared 524) do not fail the copy.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Chmod(dst, info.Mode()); err != nil && !attrErrorTolerable(err) {
		return err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil && !attrErrorTolerable(err) {
		return err
	}
	return nil
}

func attrErrorTolerable(err error) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	// 524 is ENOTSUPP, leaked by some kernel filesystems.
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.Errno(524))
}

// DeleteFileFolder removes a file, or a folder recursively. A missing path
// is not an error.
func DeleteFileFolder(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// DeleteEmptyChildFolders removes empty directories below base, bottom up,
// so that a tree of nothing but directories collapses in one call. Hidden
// directories are left untouched. base itself always stays. The operation
// is idempotent.
func DeleteEmptyChildFolders(base string) error {
	_, err := pruneEmpty(base)
	return err
}

// pruneEmpty returns whether dir is empty after pruning its children.
func pruneEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	empty := true
	for _, e := range entries {
		if !e.IsDir() {
			empty = false
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			empty = false
			continue
		}
		sub := filepath.Join(dir, e.Name())
		subEmpty, err := pruneEmpty(sub)
		if err != nil {
			return false, err
		}
		if !subEmpty {
			empty = false
			continue
		}
		if err := os.Remove(sub); err != nil {
			return false, err
		}
	}
	return empty, nil
}

// DeleteEmptyParentFolders removes path and then its parents for as long as
// they are empty, stopping at (and never removing) root. Used to clean up
// after the last file of a volume moved away.
func DeleteEmptyParentFolders(path, root string) error {
	path, root = filepath.Clean(path), filepath.Clean(root)
	if path == root {
		return nil
	}
	if !FolderIsInside(path, root) {
		return fmt.Errorf("%s is not inside %s", path, root)
	}
	for path != root {
		entries, err := os.ReadDir(path)
		if os.IsNotExist(err) {
			path = filepath.Dir(path)
			continue
		}
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		path = filepath.Dir(path)
	}
	return nil
}

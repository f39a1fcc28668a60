// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/kballard/go-shellquote"
	"github.com/klauspost/compress/zip"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/filename"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/matching"
	"github.com/longbox/longbox/lib/scanner"
)

// registerAll fills the converter table. A cb* extension is the same
// container as its plain counterpart under a different name, so those pairs
// are renames and the remaining cb* conversions reuse the plain bodies.
func (m *Manager) registerAll() {
	m.register("zip", "cbz", renameTo("cbz"))
	m.register("zip", "rar", m.zipToRar)
	m.register("zip", "cbr", m.zipToCbr)
	m.register("zip", folderFormat, m.zipToFolder)

	m.register("cbz", "zip", renameTo("zip"))
	m.register("cbz", "rar", m.zipToRar)
	m.register("cbz", "cbr", m.zipToCbr)
	m.register("cbz", folderFormat, m.zipToFolder)

	m.register("rar", "cbr", renameTo("cbr"))
	m.register("rar", "zip", m.rarToZip)
	m.register("rar", "cbz", m.rarToCbz)
	m.register("rar", folderFormat, m.rarToFolder)

	m.register("cbr", "rar", renameTo("rar"))
	m.register("cbr", "zip", m.rarToZip)
	m.register("cbr", "cbz", m.rarToCbz)
	m.register("cbr", folderFormat, m.rarToFolder)
}

// The external archiver commands. Overridable through the environment for
// binaries outside $PATH or ones that need a wrapper, e.g.
// LONGBOX_RAR="wine rar.exe".
var (
	rarCommand   = envCommand("LONGBOX_RAR", "rar")
	unrarCommand = envCommand("LONGBOX_UNRAR", "unrar")
)

func envCommand(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// haveCommand reports whether the external command's binary exists.
// Conversions that need a missing binary degrade to a no-op.
func haveCommand(command string) bool {
	words, err := shellquote.Split(command)
	if err != nil || len(words) == 0 {
		return false
	}
	_, err = exec.LookPath(words[0])
	return err == nil
}

// externalCommand builds an exec.Cmd from a shell style command string plus
// arguments.
func externalCommand(ctx context.Context, command string, args ...string) (*exec.Cmd, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", command, err)
	}
	if len(words) == 0 {
		return nil, errors.New("empty archiver command")
	}
	return exec.CommandContext(ctx, words[0], append(words[1:], args...)...), nil
}

func runArchiver(ctx context.Context, command string, args ...string) error {
	cmd, err := externalCommand(ctx, command, args...)
	if err != nil {
		return err
	}
	l.Debugln("Running archiver:", cmd.Args)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, bytes.TrimSpace(out))
	}
	return nil
}

// archiveEntryNames lists the file names inside a zip or rar archive.
// Listing a rar needs the external unrar binary; without it, or for other
// formats, the listing is empty.
func archiveEntryNames(ctx context.Context, path string) ([]string, error) {
	format := strings.TrimPrefix(comic.Ext(path), ".")
	if plain, ok := comic.CBToArchive[format]; ok {
		format = plain
	}

	switch format {
	case "zip":
		r, err := zip.OpenReader(path)
		if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
			return nil, err
		}
		defer r.Close()
		names := make([]string, 0, len(r.File))
		for _, f := range r.File {
			if !f.FileInfo().IsDir() {
				names = append(names, f.Name)
			}
		}
		return names, nil

	case "rar":
		if !haveCommand(unrarCommand) {
			return nil, nil
		}
		cmd, err := externalCommand(ctx, unrarCommand, "lb", path)
		if err != nil {
			return nil, err
		}
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.Args[0], err)
		}
		var names []string
		for _, line := range strings.Split(string(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
		return names, nil
	}
	return nil, nil
}

// renameTo converts between formats that share a container, which is just a
// rename.
func renameTo(ext string) convertFunc {
	return func(_ context.Context, path string) ([]string, error) {
		target := strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext
		if err := fsutil.MoveFile(path, target); err != nil {
			return nil, err
		}
		return []string{target}, nil
	}
}

// zipToRar repacks a zip container with the external rar binary.
func (m *Manager) zipToRar(ctx context.Context, path string) ([]string, error) {
	if !haveCommand(rarCommand) {
		l.Infoln("rar binary not available, keeping", path)
		return []string{path}, nil
	}
	volumeFolder, ok, err := m.volumeFolderOf(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	scratch := fsutil.ExtractionFolder(volumeFolder, path)
	if err := extractZip(path, scratch); err != nil {
		return nil, err
	}
	defer fsutil.DeleteFileFolder(scratch) //nolint:errcheck

	// rar appends the .rar extension to the archive name itself.
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	if err := runArchiver(ctx, rarCommand, "a", "-ep", "-inul", stem, scratch); err != nil {
		return nil, err
	}
	if err := fsutil.DeleteFileFolder(path); err != nil {
		return nil, err
	}
	if err := fsutil.DeleteEmptyParentFolders(filepath.Dir(path), volumeFolder); err != nil {
		l.Warnln("Cleaning empty folders:", err)
	}
	return []string{stem + ".rar"}, nil
}

func (m *Manager) zipToCbr(ctx context.Context, path string) ([]string, error) {
	out, err := m.zipToRar(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 || out[0] == path {
		return out, nil
	}
	return renameTo("cbr")(ctx, out[0])
}

// zipMinModTime is the oldest timestamp a zip entry can carry. The format
// stores MS-DOS times, which begin in 1980.
var zipMinModTime = time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC)

// rarToZip unpacks a rar container with the external unrar binary and
// repacks the contents as a zip.
func (m *Manager) rarToZip(ctx context.Context, path string) ([]string, error) {
	if !haveCommand(unrarCommand) {
		l.Infoln("unrar binary not available, keeping", path)
		return []string{path}, nil
	}
	volumeFolder, ok, err := m.volumeFolderOf(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	scratch := fsutil.ExtractionFolder(volumeFolder, path)
	if err := fsutil.CreateFolder(scratch); err != nil {
		return nil, err
	}
	defer fsutil.DeleteFileFolder(scratch) //nolint:errcheck
	if err := runArchiver(ctx, unrarCommand, "x", "-inul", path, scratch+string(filepath.Separator)); err != nil {
		return nil, err
	}

	target := strings.TrimSuffix(path, filepath.Ext(path)) + ".zip"
	if err := createZipArchive(scratch, target); err != nil {
		return nil, err
	}
	if err := fsutil.DeleteFileFolder(path); err != nil {
		return nil, err
	}
	if err := fsutil.DeleteEmptyParentFolders(filepath.Dir(path), volumeFolder); err != nil {
		l.Warnln("Cleaning empty folders:", err)
	}
	return []string{target}, nil
}

func (m *Manager) rarToCbz(ctx context.Context, path string) ([]string, error) {
	out, err := m.rarToZip(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 || out[0] == path {
		return out, nil
	}
	return renameTo("cbz")(ctx, out[0])
}

// zipToFolder explodes a zip archive holding whole issues into the volume
// folder, then scans and renames what came out.
func (m *Manager) zipToFolder(ctx context.Context, path string) ([]string, error) {
	return m.archiveToFolder(ctx, path, extractZip)
}

func (m *Manager) rarToFolder(ctx context.Context, path string) ([]string, error) {
	if !haveCommand(unrarCommand) {
		l.Infoln("unrar binary not available, keeping", path)
		return []string{path}, nil
	}
	return m.archiveToFolder(ctx, path, func(archive, folder string) error {
		if err := fsutil.CreateFolder(folder); err != nil {
			return err
		}
		return runArchiver(ctx, unrarCommand, "x", "-inul", archive, folder+string(filepath.Separator))
	})
}

func (m *Manager) archiveToFolder(ctx context.Context, path string, extract func(archive, folder string) error) ([]string, error) {
	volumeID, ok, err := m.db.VolumeOfFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}
	vol, err := m.db.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	// The archive's provenance carries over to whatever comes out of it.
	row, err := m.db.FileByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	scratch := fsutil.ExtractionFolder(vol.Folder, path)
	if err := extract(path, scratch); err != nil {
		fsutil.DeleteFileFolder(scratch) //nolint:errcheck
		return nil, err
	}

	resulting, err := m.extractFilesFromFolder(ctx, scratch, vol)
	if err != nil {
		return nil, err
	}

	if len(resulting) > 0 {
		err := m.scanner.Scan(ctx, volumeID, scanner.Options{
			PathFilter: resulting,
			Provenance: row.Provenance,
		})
		if err != nil {
			return nil, err
		}
		newPaths, err := m.namer.MassRename(ctx, volumeID, 0, resulting, false)
		if err != nil {
			return nil, err
		}
		if len(newPaths) > 0 {
			// The rename moved some of the extracted files. Whatever still
			// exists kept its name; the rest answer to the new paths now.
			kept := resulting[:0]
			for _, p := range resulting {
				if _, err := os.Stat(p); err == nil {
					kept = append(kept, p)
				}
			}
			resulting = append(kept, newPaths...)
		}
	}

	if err := fsutil.DeleteFileFolder(path); err != nil {
		return nil, err
	}
	err = m.db.WithTx(ctx, func(tx *db.Tx) error {
		return tx.DeleteFile(ctx, row.ID)
	})
	if err != nil {
		return nil, err
	}
	if err := fsutil.DeleteEmptyParentFolders(filepath.Dir(path), vol.Folder); err != nil {
		l.Warnln("Cleaning empty folders:", err)
	}
	metricArchivesExtractedTotal.Inc()
	return resulting, nil
}

// extractFilesFromFolder moves the usable files out of an extraction folder
// into the volume folder and deletes the rest along with the folder itself.
// When nothing qualifies everything is kept: an archive of files we cannot
// place beats silently deleted issues.
func (m *Manager) extractFilesFromFolder(ctx context.Context, folder string, vol db.Volume) ([]string, error) {
	paths, err := fsutil.ListFiles(folder, comic.ScannableExtensions)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fsutil.DeleteFileFolder(folder)
	}

	issues, err := m.db.IssuesForVolume(ctx, vol.ID)
	if err != nil {
		return nil, err
	}
	mvol := matchingVolume(vol)
	missues := make([]matching.Issue, len(issues))
	for i, issue := range issues {
		missues[i] = matching.Issue{
			ID:               issue.ID,
			CalculatedNumber: issue.CalculatedIssueNumber,
			Year:             issue.Year(),
		}
	}
	endYear := vol.Year
	if len(issues) > 0 {
		if y := issues[len(issues)-1].Year(); y != nil {
			endYear = y
		}
	}

	var keep []string
	for _, path := range paths {
		// Without the extraction prefix the scratch folder reads as a
		// regular folder named after the archive, which is what the
		// entries' names should be judged against.
		cleaned := strings.Replace(path, comic.ExtractionPrefix+"_", "", 1)
		fd := filename.Extract(cleaned)
		if !matching.FolderExtractionFilter(fd, mvol, missues, endYear) {
			continue
		}
		if strings.Contains(strings.ReplaceAll(strings.ToLower(path), " ", ""), "variantcover") {
			continue
		}
		keep = append(keep, path)
	}
	if len(keep) == 0 {
		l.Infoln("No files in the archive matched the volume, keeping all of them")
		keep = paths
	}

	var moved []string
	for _, path := range keep {
		dst := filepath.Join(vol.Folder, filepath.Base(path))
		if comic.IsImage(path) && filepath.Dir(path) != folder {
			// Page images keep their parent folder so the scans of
			// different issues do not mix.
			dst = filepath.Join(vol.Folder, filepath.Base(filepath.Dir(path)), filepath.Base(path))
		}
		// Archive members regularly carry the wrong extension.
		if corrected := fsutil.SetDetectedExtension(path); corrected != path {
			dst = strings.TrimSuffix(dst, filepath.Ext(dst)) + filepath.Ext(corrected)
		}
		if err := fsutil.MoveFile(path, dst); err != nil {
			return nil, err
		}
		moved = append(moved, dst)
	}
	return moved, fsutil.DeleteFileFolder(folder)
}

// volumeFolderOf resolves the volume folder a file belongs to through its
// database binding. Unmatched files have no volume folder to stage scratch
// space in and cannot be converted.
func (m *Manager) volumeFolderOf(ctx context.Context, path string) (string, bool, error) {
	volumeID, ok, err := m.db.VolumeOfFile(ctx, path)
	if err != nil || !ok {
		return "", false, err
	}
	vol, err := m.db.Volume(ctx, volumeID)
	if err != nil {
		return "", false, err
	}
	return vol.Folder, true, nil
}

// extractZip unpacks the archive into the folder, preserving entry paths.
// Entries that would escape the folder are skipped.
func extractZip(archive, folder string) error {
	// The insecure path error comes with a usable reader; the escape check
	// below handles the offending entries.
	r, err := zip.OpenReader(archive)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return err
	}
	defer r.Close()

	if err := fsutil.CreateFolder(folder); err != nil {
		return err
	}
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		dst := filepath.Join(folder, filepath.FromSlash(entry.Name))
		if !fsutil.FolderIsInside(dst, folder) {
			l.Warnln("Skipping archive entry escaping the extraction folder:", entry.Name)
			continue
		}
		if err := writeZipEntry(entry, dst); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(entry *zip.File, dst string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// createZipArchive packs the folder's files into a zip written atomically
// at target. Entry names are relative to the folder. Times older than the
// zip epoch are clamped so the entries stay representable.
func createZipArchive(folder, target string) error {
	t, err := renameio.TempFile("", target)
	if err != nil {
		return err
	}
	defer t.Cleanup() //nolint:errcheck

	paths, err := fsutil.ListFiles(folder, nil)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(t)
	for _, path := range paths {
		if err := addZipEntry(zw, folder, path); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func addZipEntry(zw *zip.Writer, folder, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(folder, path)
	if err != nil {
		return err
	}
	mod := info.ModTime()
	if mod.Before(zipMinModTime) {
		mod = zipMinModTime
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.ToSlash(rel),
		Method:   zip.Deflate,
		Modified: mod,
	})
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// matchingVolume reduces a volume row to the state the matching predicates
// need.
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

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/fsutil"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
)

func newTestManager(t *testing.T) (*Manager, *db.DB, *config.Wrapper) {
	t.Helper()
	database := db.OpenMemory()
	t.Cleanup(func() { database.Close() })

	cfg, err := config.Load(context.Background(), database, nil)
	if err != nil {
		t.Fatal(err)
	}

	sc := scanner.New(cfg, database, nil)
	namer := naming.New(cfg, database, nil)
	return New(cfg, database, sc, namer, nil), database, cfg
}

func intp(i int) *int { return &i }

func setPreference(t *testing.T, cfg *config.Wrapper, extractRanges bool, formats ...string) {
	t.Helper()
	_, err := cfg.Modify(context.Background(), func(s *config.Settings) {
		s.ExtractIssueRanges = extractRanges
		s.FormatPreference = formats
	})
	if err != nil {
		t.Fatal(err)
	}
}

// seedVolume adds a root folder, a volume rooted in it and issues with the
// given numbers and titles.
func seedVolume(t *testing.T, database *db.DB, root, folder string, v db.Volume, issues ...db.Issue) (db.Volume, []db.Issue) {
	t.Helper()
	ctx := context.Background()

	rf, err := database.AddRootFolder(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	v.ComicVineID = 4050
	v.Monitored = true
	v.RootFolderID = rf.ID
	v.Folder = folder
	if err := database.AddVolume(ctx, &v); err != nil {
		t.Fatal(err)
	}

	for idx := range issues {
		issues[idx].VolumeID = v.ID
		issues[idx].ComicVineID = 4050*1000 + int64(idx)
		if issues[idx].Date == nil {
			date := fmt.Sprintf("2016-%02d-01", idx%12+1)
			issues[idx].Date = &date
		}
	}
	err = database.WithTx(ctx, func(tx *db.Tx) error {
		return tx.UpsertIssues(ctx, issues, true)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := database.IssuesForVolume(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	return v, got
}

func issue(num float64, title string) db.Issue {
	i := db.Issue{
		IssueNumber:           fmt.Sprintf("%v", num),
		CalculatedIssueNumber: num,
	}
	if title != "" {
		i.Title = &title
	}
	return i
}

func linkFile(t *testing.T, database *db.DB, issueID int64, path string) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *db.Tx) error {
		id, err := tx.AddFile(ctx, db.File{Path: path})
		if err != nil {
			return err
		}
		return tx.LinkIssueFile(ctx, issueID, id)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSelectConverter(t *testing.T) {
	m, _, cfg := newTestManager(t)
	ctx := context.Background()

	setPreference(t, cfg, false, "cbz")

	c := m.SelectConverter(ctx, "/lib/file.zip")
	if c == nil || c.Source != "zip" || c.Target != "cbz" {
		t.Fatalf("zip with cbz preference: got %+v", c)
	}
	if c := m.SelectConverter(ctx, "/lib/file.cbz"); c != nil {
		t.Errorf("already preferred format: got %+v", c)
	}
	if c := m.SelectConverter(ctx, "/lib/file.pdf"); c != nil {
		t.Errorf("format without converters: got %+v", c)
	}

	// The first reachable preference wins even when a later one matches
	// the source.
	setPreference(t, cfg, false, "zip", "cbz")
	c = m.SelectConverter(ctx, "/lib/file.cbz")
	if c == nil || c.Target != "zip" {
		t.Errorf("cbz with zip,cbz preference: got %+v", c)
	}

	setPreference(t, cfg, false)
	if c := m.SelectConverter(ctx, "/lib/file.zip"); c != nil {
		t.Errorf("empty preference: got %+v", c)
	}
}

func TestSelectConverterIssuePack(t *testing.T) {
	m, _, cfg := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	pack := filepath.Join(dir, "Batman (2016) Volume 02 Issue 1-2.zip")
	writeZip(t, pack, map[string][]byte{
		"Batman (2016) Issue 001.cbz": []byte("one"),
		"Batman (2016) Issue 002.cbz": []byte("two"),
	})
	pages := filepath.Join(dir, "Batman (2016) Volume 02 Issue 003.zip")
	writeZip(t, pages, map[string][]byte{
		"page 01.jpg": []byte("img"),
		"page 02.jpg": []byte("img"),
	})

	setPreference(t, cfg, true, "cbz")
	if c := m.SelectConverter(ctx, pack); c == nil || c.Target != folderFormat {
		t.Errorf("issue pack: got %+v, want folder target", c)
	}
	if c := m.SelectConverter(ctx, pages); c == nil || c.Target != "cbz" {
		t.Errorf("page archive: got %+v, want cbz target", c)
	}

	// Without extract_issue_ranges a pack converts like any other archive.
	setPreference(t, cfg, false, "cbz")
	if c := m.SelectConverter(ctx, pack); c == nil || c.Target != "cbz" {
		t.Errorf("issue pack without extraction: got %+v, want cbz target", c)
	}
}

func TestPreviewMassConvert(t *testing.T) {
	m, database, cfg := newTestManager(t)
	ctx := context.Background()

	root := t.TempDir()
	folder := filepath.Join(root, "Batman", "Volume 02 (2016)")
	vol, issues := seedVolume(t, database, root, folder,
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2},
		issue(1, ""), issue(2, ""))

	path := filepath.Join(folder, "Batman (2016) Volume 02 Issue 002.zip")
	linkFile(t, database, issues[1].ID, path)

	setPreference(t, cfg, false, "cbz")

	previews, err := m.PreviewMassConvert(ctx, vol.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []Preview{{
		IssueID: issues[1].ID,
		From:    path,
		To:      filepath.Join(folder, "Batman (2016) Volume 02 Issue 002.cbz"),
	}}
	if !reflect.DeepEqual(previews, want) {
		t.Errorf("preview: got %+v, want %+v", previews, want)
	}

	previews, err = m.PreviewMassConvert(ctx, vol.ID, issues[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(previews) != 1 || previews[0].IssueID != issues[1].ID {
		t.Errorf("issue scoped preview: got %+v", previews)
	}
}

func TestMassConvertRename(t *testing.T) {
	m, database, cfg := newTestManager(t)
	ctx := context.Background()

	root := t.TempDir()
	folder := filepath.Join(root, "Batman", "Volume 02 (2016)")
	vol, issues := seedVolume(t, database, root, folder,
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2},
		issue(1, ""), issue(2, ""))

	path := filepath.Join(folder, "Batman (2016) Volume 02 Issue 001.zip")
	writeZip(t, path, map[string][]byte{"page 01.jpg": []byte("img")})
	linkFile(t, database, issues[0].ID, path)

	setPreference(t, cfg, false, "cbz")

	converted, err := m.MassConvert(ctx, vol.ID, 0, nil, false, false, comic.Provenance{})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(folder, "Batman (2016) Volume 02 Issue 001.cbz")
	if !reflect.DeepEqual(converted, []string{want}) {
		t.Fatalf("converted: got %v, want %v", converted, []string{want})
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("source still exists: %v", err)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("target missing: %v", err)
	}
	if _, err := database.FileByPath(ctx, path); !errors.Is(err, errdef.FileNotFound) {
		t.Errorf("source row: got %v, want FileNotFound", err)
	}
	covered, err := database.IssuesCovered(ctx, want)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(covered, []float64{1}) {
		t.Errorf("issues covered by target: got %v", covered)
	}

	// A second pass finds nothing left to convert.
	converted, err = m.MassConvert(ctx, vol.ID, 0, nil, false, false, comic.Provenance{})
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 0 {
		t.Errorf("second pass converted %v", converted)
	}
}

func TestMassConvertIssuePack(t *testing.T) {
	m, database, cfg := newTestManager(t)
	ctx := context.Background()

	root := t.TempDir()
	folder := filepath.Join(root, "Batman", "Volume 02 (2016)")
	vol, issues := seedVolume(t, database, root, folder,
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2},
		issue(1, "Dark City"), issue(2, ""))

	pack := filepath.Join(folder, "Batman (2016) Volume 02 Issue 1-2.zip")
	writeZip(t, pack, map[string][]byte{
		"Batman (2016) Issue 001.cbz":        []byte("one"),
		"Batman (2016) Issue 002.cbz":        []byte("two"),
		"Batman (2016) Variant Cover 01.jpg": []byte("img"),
	})
	linkFile(t, database, issues[0].ID, pack)
	linkFile(t, database, issues[1].ID, pack)

	setPreference(t, cfg, true, "cbz")

	converted, err := m.MassConvert(ctx, vol.ID, 0, nil, false, false, comic.Provenance{})
	if err != nil {
		t.Fatal(err)
	}
	// The extracted issues already are cbz, so nothing further was planned.
	if len(converted) != 0 {
		t.Errorf("converted: got %v", converted)
	}

	wantFiles := []string{
		filepath.Join(folder, "Batman (2016) Volume 02 Issue 001 - Dark City.cbz"),
		filepath.Join(folder, "Batman (2016) Volume 02 Issue 002.cbz"),
	}
	onDisk, err := fsutil.ListFiles(folder, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(onDisk, wantFiles) {
		t.Errorf("volume folder: got %v, want %v", onDisk, wantFiles)
	}

	if _, err := database.FileByPath(ctx, pack); !errors.Is(err, errdef.FileNotFound) {
		t.Errorf("pack row: got %v, want FileNotFound", err)
	}
	for i, path := range wantFiles {
		covered, err := database.IssuesCovered(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(covered, []float64{float64(i + 1)}) {
			t.Errorf("issues covered by %s: got %v", path, covered)
		}
	}
}

func TestMassConvertMissingBinary(t *testing.T) {
	m, database, cfg := newTestManager(t)
	ctx := context.Background()

	old := rarCommand
	rarCommand = "longbox-no-such-binary"
	t.Cleanup(func() { rarCommand = old })

	root := t.TempDir()
	folder := filepath.Join(root, "Batman", "Volume 02 (2016)")
	vol, issues := seedVolume(t, database, root, folder,
		db.Volume{Title: "Batman", Year: intp(2016), VolumeNumber: 2},
		issue(1, ""))

	path := filepath.Join(folder, "Batman (2016) Volume 02 Issue 001.zip")
	writeZip(t, path, map[string][]byte{"page 01.jpg": []byte("img")})
	linkFile(t, database, issues[0].ID, path)

	setPreference(t, cfg, false, "rar")

	converted, err := m.MassConvert(ctx, vol.ID, 0, nil, false, false, comic.Provenance{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(converted, []string{path}) {
		t.Fatalf("converted: got %v, want input unchanged", converted)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file went missing: %v", err)
	}
	if _, err := database.FileByPath(ctx, path); err != nil {
		t.Errorf("file row went missing: %v", err)
	}
}

func TestAvailableFormats(t *testing.T) {
	m, _, _ := newTestManager(t)

	want := []string{"cbr", "cbz", "folder", "rar", "zip"}
	if got := m.AvailableFormats(); !reflect.DeepEqual(got, want) {
		t.Errorf("available formats: got %v, want %v", got, want)
	}
}

func TestVerifyConfiguration(t *testing.T) {
	m, _, _ := newTestManager(t)

	ok := config.Settings{FormatPreference: []string{"cbz", "folder"}}
	if err := m.VerifyConfiguration(config.Settings{}, ok); err != nil {
		t.Errorf("valid preference: %v", err)
	}

	bad := config.Settings{FormatPreference: []string{"exe"}}
	err := m.VerifyConfiguration(config.Settings{}, bad)
	if !errors.Is(err, errdef.InvalidSettingValue) {
		t.Errorf("unknown format: got %v, want InvalidSettingValue", err)
	}
}

func TestCreateZipArchiveClampsTimes(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "in")

	old := filepath.Join(inner, "old.txt")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(old, zipMinModTime.AddDate(-20, 0, 0), zipMinModTime.AddDate(-20, 0, 0)); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "out.zip")
	if err := createZipArchive(inner, target); err != nil {
		t.Fatal(err)
	}

	r, err := zip.OpenReader(target)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if len(r.File) != 1 || r.File[0].Name != "old.txt" {
		t.Fatalf("entries: got %v", r.File)
	}
	if got := r.File[0].Modified; got.Before(zipMinModTime.Add(-2 * time.Second)) {
		t.Errorf("entry time not clamped: %v", got)
	}
}

func TestExtractZipSkipsEscapingEntries(t *testing.T) {
	dir := t.TempDir()

	archive := filepath.Join(dir, "evil.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range []string{"../escape.txt", "fine.txt"} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out")
	if err := extractZip(archive, out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(out, "fine.txt")); err != nil {
		t.Errorf("regular entry missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("escaping entry was written: %v", err)
	}
}

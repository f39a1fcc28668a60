// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
)

// A File is a row in the files table. Provenance fields are empty strings
// when unknown.
type File struct {
	ID         int64            `json:"id"`
	Path       string           `json:"filepath"`
	Size       int64            `json:"size"`
	Provenance comic.Provenance `json:"provenance"`
}

// A GeneralFile is a volume level file that is not bound to any one issue:
// a cover image or a metadata file.
type GeneralFile struct {
	File
	Type comic.GeneralFileType
}

// An IssueFileBinding links one file to one issue of a volume.
type IssueFileBinding struct {
	IssueID int64
	FileID  int64
	Path    string
}

const fileColumns = `f.id, f.filepath, f.size, f.releaser, f.scan_type, f.resolution, f.dpi`

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var f File
	var releaser, scanType, resolution, dpi sql.NullString
	err := row.Scan(&f.ID, &f.Path, &f.Size, &releaser, &scanType, &resolution, &dpi)
	if err != nil {
		return File{}, err
	}
	f.Provenance = comic.Provenance{
		Releaser:   releaser.String,
		ScanType:   scanType.String,
		Resolution: resolution.String,
		DPI:        dpi.String,
	}
	return f, nil
}

func queryFiles(ctx context.Context, q querier, query string, args ...any) ([]File, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FilesForVolume returns every file bound to any issue of the volume,
// ordered by path.
func (db *DB) FilesForVolume(ctx context.Context, volumeID int64) ([]File, error) {
	return filesForVolume(ctx, db.sql, volumeID)
}

func (t *Tx) FilesForVolume(ctx context.Context, volumeID int64) ([]File, error) {
	return filesForVolume(ctx, t.tx, volumeID)
}

func filesForVolume(ctx context.Context, q querier, volumeID int64) ([]File, error) {
	return queryFiles(ctx, q, `
		SELECT DISTINCT `+fileColumns+`
		FROM files f
		INNER JOIN issues_files if ON f.id = if.file_id
		INNER JOIN issues i ON if.issue_id = i.id
		WHERE i.volume_id = ?
		ORDER BY f.filepath`, volumeID)
}

// FilesForIssue returns the files bound to the issue, ordered by path.
func (db *DB) FilesForIssue(ctx context.Context, issueID int64) ([]File, error) {
	return queryFiles(ctx, db.sql, `
		SELECT DISTINCT `+fileColumns+`
		FROM files f
		INNER JOIN issues_files if ON f.id = if.file_id
		WHERE if.issue_id = ?
		ORDER BY f.filepath`, issueID)
}

// AllFiles returns every file row, ordered by path.
func (db *DB) AllFiles(ctx context.Context) ([]File, error) {
	return queryFiles(ctx, db.sql, `
		SELECT `+fileColumns+`
		FROM files f
		ORDER BY f.filepath`)
}

// FileByID returns the file with the given id, or FileNotFound.
func (db *DB) FileByID(ctx context.Context, fileID int64) (File, error) {
	f, err := scanFile(db.sql.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, errdef.New(errdef.FileNotFound, "file id %d", fileID)
	}
	return f, err
}

// FileByPath returns the file with the given path, or FileNotFound.
func (db *DB) FileByPath(ctx context.Context, path string) (File, error) {
	return fileByPath(ctx, db.sql, path)
}

func (t *Tx) FileByPath(ctx context.Context, path string) (File, error) {
	return fileByPath(ctx, t.tx, path)
}

func fileByPath(ctx context.Context, q querier, path string) (File, error) {
	f, err := scanFile(q.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files f WHERE f.filepath = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, errdef.New(errdef.FileNotFound, "%s", path)
	}
	return f, err
}

// VolumeOfFile returns the id of the volume a file path belongs to, through
// either an issue binding or a volume level binding. ok is false when the
// path is not known at all.
func (db *DB) VolumeOfFile(ctx context.Context, path string) (volumeID int64, ok bool, err error) {
	err = db.sql.QueryRowContext(ctx, `
		SELECT i.volume_id
		FROM files f
		INNER JOIN issues_files if ON f.id = if.file_id
		INNER JOIN issues i ON if.issue_id = i.id
		WHERE f.filepath = ?
		LIMIT 1`, path).Scan(&volumeID)
	if err == nil {
		return volumeID, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	err = db.sql.QueryRowContext(ctx, `
		SELECT vf.volume_id
		FROM files f
		INNER JOIN volume_files vf ON f.id = vf.file_id
		WHERE f.filepath = ?
		LIMIT 1`, path).Scan(&volumeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return volumeID, true, nil
}

// IssuesCovered returns the sorted set of calculated issue numbers bound to
// the file path.
func (db *DB) IssuesCovered(ctx context.Context, path string) ([]float64, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT DISTINCT i.calculated_issue_number
		FROM issues i
		INNER JOIN issues_files if ON i.id = if.issue_id
		INNER JOIN files f ON if.file_id = f.id
		WHERE f.filepath = ?
		ORDER BY i.calculated_issue_number`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []float64
	for rows.Next() {
		var n float64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// AddFile inserts the file if its path is new and returns the file id either
// way.
func (t *Tx) AddFile(ctx context.Context, f File) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO files(filepath, size, releaser, scan_type, resolution, dpi)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.Path, f.Size,
		emptyNull(f.Provenance.Releaser), emptyNull(f.Provenance.ScanType),
		emptyNull(f.Provenance.Resolution), emptyNull(f.Provenance.DPI))
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err == nil {
			l.Debugf("Added file to the database: %s", f.Path)
		}
		return id, err
	}
	existing, err := fileByPath(ctx, t.tx, f.Path)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

func emptyNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// UpdateFilepaths rewrites file paths in bulk; pairs of old and new paths
// must line up. Runs inside the surrounding transaction so a crashed rename
// never leaves half the paths updated.
func (t *Tx) UpdateFilepaths(ctx context.Context, oldPaths, newPaths []string) error {
	stmt, err := t.tx.PrepareContext(ctx, `UPDATE files SET filepath = ? WHERE filepath = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range oldPaths {
		if _, err := stmt.ExecContext(ctx, newPaths[i], oldPaths[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetFileSize refreshes the stored byte size of a file.
func (t *Tx) SetFileSize(ctx context.Context, path string, size int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE files SET size = ? WHERE filepath = ?`, size, path)
	return err
}

// DeleteFile removes a file row; link rows cascade.
func (t *Tx) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	return err
}

// DeleteLinkedFiles removes all file rows reachable from the volume through
// either link table.
func (t *Tx) DeleteLinkedFiles(ctx context.Context, volumeID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM files
		WHERE id IN (
			SELECT DISTINCT file_id
			FROM issues_files
			INNER JOIN issues ON issues_files.issue_id = issues.id
			WHERE volume_id = ?
		) OR id IN (
			SELECT DISTINCT file_id
			FROM volume_files
			WHERE volume_id = ?
		)`, volumeID, volumeID)
	return err
}

// DeleteIssueLinkedFiles removes all file rows bound to the issue.
func (t *Tx) DeleteIssueLinkedFiles(ctx context.Context, issueID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM files
		WHERE id IN (
			SELECT DISTINCT file_id
			FROM issues_files
			WHERE issue_id = ?
		)`, issueID)
	return err
}

// DeleteUnmatchedFiles is the orphan sweep: every file row with no link in
// either table goes away.
func (t *Tx) DeleteUnmatchedFiles(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `
		WITH ids AS (
			SELECT file_id FROM issues_files
			UNION
			SELECT file_id FROM volume_files
		)
		DELETE FROM files
		WHERE id NOT IN ids`)
	return err
}

// LinkIssueFile binds a file to an issue. Existing bindings are left alone.
func (t *Tx) LinkIssueFile(ctx context.Context, issueID, fileID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO issues_files(issue_id, file_id) VALUES (?, ?)`,
		issueID, fileID)
	return err
}

// UnlinkIssueFile removes one issue to file binding.
func (t *Tx) UnlinkIssueFile(ctx context.Context, issueID, fileID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM issues_files WHERE issue_id = ? AND file_id = ?`,
		issueID, fileID)
	return err
}

// IssueFileBindings returns the current issue to file bindings of a volume.
func (db *DB) IssueFileBindings(ctx context.Context, volumeID int64) ([]IssueFileBinding, error) {
	return issueFileBindings(ctx, db.sql, volumeID)
}

func (t *Tx) IssueFileBindings(ctx context.Context, volumeID int64) ([]IssueFileBinding, error) {
	return issueFileBindings(ctx, t.tx, volumeID)
}

func issueFileBindings(ctx context.Context, q querier, volumeID int64) ([]IssueFileBinding, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT if.issue_id, f.id, f.filepath
		FROM issues_files if
		INNER JOIN issues i ON if.issue_id = i.id
		INNER JOIN files f ON if.file_id = f.id
		WHERE i.volume_id = ?
		ORDER BY if.issue_id, f.filepath`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var binds []IssueFileBinding
	for rows.Next() {
		var b IssueFileBinding
		if err := rows.Scan(&b.IssueID, &b.FileID, &b.Path); err != nil {
			return nil, err
		}
		binds = append(binds, b)
	}
	return binds, rows.Err()
}

// GeneralFilesForVolume returns the volume level files (covers, metadata).
func (db *DB) GeneralFilesForVolume(ctx context.Context, volumeID int64) ([]GeneralFile, error) {
	return generalFilesForVolume(ctx, db.sql, volumeID)
}

func (t *Tx) GeneralFilesForVolume(ctx context.Context, volumeID int64) ([]GeneralFile, error) {
	return generalFilesForVolume(ctx, t.tx, volumeID)
}

func generalFilesForVolume(ctx context.Context, q querier, volumeID int64) ([]GeneralFile, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+fileColumns+`, vf.file_type
		FROM files f
		INNER JOIN volume_files vf ON f.id = vf.file_id
		WHERE vf.volume_id = ?
		ORDER BY f.filepath`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []GeneralFile
	for rows.Next() {
		var g GeneralFile
		var releaser, scanType, resolution, dpi sql.NullString
		if err := rows.Scan(&g.ID, &g.Path, &g.Size, &releaser, &scanType, &resolution, &dpi, &g.Type); err != nil {
			return nil, err
		}
		g.Provenance = comic.Provenance{
			Releaser:   releaser.String,
			ScanType:   scanType.String,
			Resolution: resolution.String,
			DPI:        dpi.String,
		}
		files = append(files, g)
	}
	return files, rows.Err()
}

// LinkGeneralFile binds a file to the volume as a cover or metadata file.
func (t *Tx) LinkGeneralFile(ctx context.Context, volumeID, fileID int64, typ comic.GeneralFileType) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO volume_files(file_id, file_type, volume_id)
		VALUES (?, ?, ?)`, fileID, typ, volumeID)
	return err
}

// UnlinkGeneralFilesNotIn removes volume level bindings whose file id is not
// in keep. An empty keep removes them all.
func (t *Tx) UnlinkGeneralFilesNotIn(ctx context.Context, volumeID int64, keep []int64) error {
	if len(keep) == 0 {
		_, err := t.tx.ExecContext(ctx, `DELETE FROM volume_files WHERE volume_id = ?`, volumeID)
		return err
	}
	query := `DELETE FROM volume_files WHERE volume_id = ? AND file_id NOT IN (?` +
		repeatPlaceholder(len(keep)-1) + `)`
	args := make([]any, 0, len(keep)+1)
	args = append(args, volumeID)
	for _, id := range keep {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func repeatPlaceholder(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		b = append(b, ',', '?')
	}
	return string(b)
}

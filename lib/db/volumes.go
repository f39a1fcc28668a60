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
	"strconv"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
)

// A Volume is one entry in the library: a series (or one-shot, trade, ...)
// tied to a catalog id and rooted in a root folder.
type Volume struct {
	ID                   int64                `json:"id"`
	ComicVineID          int64                `json:"comicvine_id"`
	Title                string               `json:"title"`
	AltTitle             *string              `json:"alt_title"`
	Year                 *int                 `json:"year"`
	Publisher            *string              `json:"publisher"`
	VolumeNumber         int                  `json:"volume_number"`
	Description          string               `json:"description"`
	SiteURL              string               `json:"site_url"`
	Monitored            bool                 `json:"monitored"`
	MonitorNewIssues     bool                 `json:"monitor_new_issues"`
	RootFolderID         int64                `json:"root_folder"`
	Folder               string               `json:"folder"`
	CustomFolder         bool                 `json:"custom_folder"`
	SpecialVersion       comic.SpecialVersion `json:"special_version"`
	SpecialVersionLocked bool                 `json:"special_version_locked"`
	LastCVFetch          int64                `json:"last_cv_fetch"`
}

// An Issue belongs to a volume. CalculatedIssueNumber is the float normal
// form of the literal issue number string.
type Issue struct {
	ID                    int64   `json:"id"`
	VolumeID              int64   `json:"volume_id"`
	ComicVineID           int64   `json:"comicvine_id"`
	IssueNumber           string  `json:"issue_number"`
	CalculatedIssueNumber float64 `json:"calculated_issue_number"`
	Title                 *string `json:"title"`
	Date                  *string `json:"date"`
	Description           string  `json:"description"`
	Monitored             bool    `json:"monitored"`
}

// Year returns the year of the issue's release date, when known.
func (i Issue) Year() *int {
	if i.Date == nil || len(*i.Date) < 4 {
		return nil
	}
	y, err := strconv.Atoi((*i.Date)[:4])
	if err != nil {
		return nil
	}
	return &y
}

const volumeColumns = `v.id, v.comicvine_id, v.title, v.alt_title, v.year,
	v.publisher, v.volume_number, v.description, v.site_url, v.monitored,
	v.monitor_new_issues, v.root_folder, v.folder, v.custom_folder,
	v.special_version, v.special_version_locked, v.last_cv_fetch`

func scanVolume(row interface{ Scan(...any) error }) (Volume, error) {
	var v Volume
	var altTitle, publisher, specialVersion sql.NullString
	var year sql.NullInt64
	err := row.Scan(&v.ID, &v.ComicVineID, &v.Title, &altTitle, &year,
		&publisher, &v.VolumeNumber, &v.Description, &v.SiteURL, &v.Monitored,
		&v.MonitorNewIssues, &v.RootFolderID, &v.Folder, &v.CustomFolder,
		&specialVersion, &v.SpecialVersionLocked, &v.LastCVFetch)
	if err != nil {
		return Volume{}, err
	}
	v.AltTitle = strPtr(altTitle)
	v.Year = intPtr(year)
	v.Publisher = strPtr(publisher)
	v.SpecialVersion = comic.SpecialVersion(specialVersion.String)
	return v, nil
}

func svNull(sv comic.SpecialVersion) sql.NullString {
	if sv == comic.Normal {
		return sql.NullString{}
	}
	return sql.NullString{String: string(sv), Valid: true}
}

// Volume returns the volume with the given id, or VolumeNotFound.
func (db *DB) Volume(ctx context.Context, id int64) (Volume, error) {
	return getVolume(ctx, db.sql, id)
}

func (t *Tx) Volume(ctx context.Context, id int64) (Volume, error) {
	return getVolume(ctx, t.tx, id)
}

func getVolume(ctx context.Context, q querier, id int64) (Volume, error) {
	v, err := scanVolume(q.QueryRowContext(ctx, `
		SELECT `+volumeColumns+` FROM volumes v WHERE v.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Volume{}, errdef.New(errdef.VolumeNotFound, "volume id %d", id)
	}
	return v, err
}

// Volumes returns all volumes ordered by title.
func (db *DB) Volumes(ctx context.Context) ([]Volume, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT `+volumeColumns+` FROM volumes v ORDER BY v.title, v.year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vols []Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}
	return vols, rows.Err()
}

// VolumeByComicVine returns the volume with the given catalog id, when
// present.
func (db *DB) VolumeByComicVine(ctx context.Context, cvID int64) (Volume, bool, error) {
	v, err := scanVolume(db.sql.QueryRowContext(ctx, `
		SELECT `+volumeColumns+` FROM volumes v WHERE v.comicvine_id = ?`, cvID))
	if errors.Is(err, sql.ErrNoRows) {
		return Volume{}, false, nil
	}
	if err != nil {
		return Volume{}, false, err
	}
	return v, true, nil
}

// AddVolume inserts a new volume and sets its id. A volume with the same
// catalog id already present is VolumeAlreadyAdded.
func (db *DB) AddVolume(ctx context.Context, v *Volume) error {
	if _, ok, err := db.VolumeByComicVine(ctx, v.ComicVineID); err != nil {
		return err
	} else if ok {
		return errdef.New(errdef.VolumeAlreadyAdded, "comicvine id %d", v.ComicVineID)
	}
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO volumes(comicvine_id, title, alt_title, year, publisher,
			volume_number, description, site_url, monitored, monitor_new_issues,
			root_folder, folder, custom_folder, special_version,
			special_version_locked, last_cv_fetch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ComicVineID, v.Title, nullString(v.AltTitle), nullInt(v.Year),
		nullString(v.Publisher), v.VolumeNumber, v.Description, v.SiteURL,
		v.Monitored, v.MonitorNewIssues, v.RootFolderID, v.Folder,
		v.CustomFolder, svNull(v.SpecialVersion), v.SpecialVersionLocked,
		v.LastCVFetch)
	if err != nil {
		return err
	}
	v.ID, err = res.LastInsertId()
	return err
}

// UpdateVolume writes all mutable columns of the volume.
func (db *DB) UpdateVolume(ctx context.Context, v Volume) error {
	return updateVolume(ctx, db.sql, v)
}

func (t *Tx) UpdateVolume(ctx context.Context, v Volume) error {
	return updateVolume(ctx, t.tx, v)
}

func updateVolume(ctx context.Context, q querier, v Volume) error {
	res, err := q.ExecContext(ctx, `
		UPDATE volumes SET
			title = ?, alt_title = ?, year = ?, publisher = ?,
			volume_number = ?, description = ?, site_url = ?, monitored = ?,
			monitor_new_issues = ?, root_folder = ?, folder = ?,
			custom_folder = ?, special_version = ?, special_version_locked = ?,
			last_cv_fetch = ?
		WHERE id = ?`,
		v.Title, nullString(v.AltTitle), nullInt(v.Year), nullString(v.Publisher),
		v.VolumeNumber, v.Description, v.SiteURL, v.Monitored,
		v.MonitorNewIssues, v.RootFolderID, v.Folder, v.CustomFolder,
		svNull(v.SpecialVersion), v.SpecialVersionLocked, v.LastCVFetch, v.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.VolumeNotFound, "volume id %d", v.ID)
	}
	return nil
}

// SetVolumeCover stores the cover image blob for the volume.
func (db *DB) SetVolumeCover(ctx context.Context, volumeID int64, cover []byte) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE volumes SET cover = ? WHERE id = ?`, cover, volumeID)
	return err
}

// VolumeCover returns the stored cover image, which may be empty.
func (db *DB) VolumeCover(ctx context.Context, volumeID int64) ([]byte, error) {
	var cover []byte
	err := db.sql.QueryRowContext(ctx, `SELECT cover FROM volumes WHERE id = ?`, volumeID).Scan(&cover)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.VolumeNotFound, "volume id %d", volumeID)
	}
	return cover, err
}

// DeleteVolume removes the volume, its issues and all linked file rows.
// Queue entries cascade with the volume row.
func (t *Tx) DeleteVolume(ctx context.Context, volumeID int64) error {
	if err := t.DeleteLinkedFiles(ctx, volumeID); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM volumes WHERE id = ?`, volumeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.VolumeNotFound, "volume id %d", volumeID)
	}
	return nil
}

// VolumeStats carries the per volume aggregates the library overview shows.
type VolumeStats struct {
	IssueCount       int
	DownloadedIssues int
	TotalSize        int64
}

// Stats returns the aggregates for all volumes in one sweep.
func (db *DB) Stats(ctx context.Context) (map[int64]VolumeStats, error) {
	stats := make(map[int64]VolumeStats)

	rows, err := db.sql.QueryContext(ctx, `
		SELECT i.volume_id, COUNT(i.id),
			COUNT(DISTINCT CASE WHEN if.file_id IS NOT NULL THEN i.id END)
		FROM issues i
		LEFT JOIN issues_files if ON i.id = if.issue_id
		GROUP BY i.volume_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var s VolumeStats
		if err := rows.Scan(&id, &s.IssueCount, &s.DownloadedIssues); err != nil {
			return nil, err
		}
		stats[id] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// Distinct file per volume, so a range file bound to several issues
	// counts its size once.
	sizes, err := db.sql.QueryContext(ctx, `
		SELECT vol, SUM(sz) FROM (
			SELECT DISTINCT i.volume_id AS vol, f.id, f.size AS sz
			FROM files f
			INNER JOIN issues_files if ON f.id = if.file_id
			INNER JOIN issues i ON if.issue_id = i.id
		)
		GROUP BY vol`)
	if err != nil {
		return nil, err
	}
	defer sizes.Close()
	for sizes.Next() {
		var id int64
		var total sql.NullInt64
		if err := sizes.Scan(&id, &total); err != nil {
			return nil, err
		}
		s := stats[id]
		s.TotalSize = total.Int64
		stats[id] = s
	}
	return stats, sizes.Err()
}

const issueColumns = `i.id, i.volume_id, i.comicvine_id, i.issue_number,
	i.calculated_issue_number, i.title, i.date, i.description, i.monitored`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var i Issue
	var title, date sql.NullString
	err := row.Scan(&i.ID, &i.VolumeID, &i.ComicVineID, &i.IssueNumber,
		&i.CalculatedIssueNumber, &title, &date, &i.Description, &i.Monitored)
	if err != nil {
		return Issue{}, err
	}
	i.Title = strPtr(title)
	i.Date = strPtr(date)
	return i, nil
}

func queryIssues(ctx context.Context, q querier, query string, args ...any) ([]Issue, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// Issue returns the issue with the given id, or IssueNotFound.
func (db *DB) Issue(ctx context.Context, id int64) (Issue, error) {
	i, err := scanIssue(db.sql.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM issues i WHERE i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, errdef.New(errdef.IssueNotFound, "issue id %d", id)
	}
	return i, err
}

// IssueByCalculatedNumber returns the volume's issue with the given
// calculated issue number, or IssueNotFound.
func (db *DB) IssueByCalculatedNumber(ctx context.Context, volumeID int64, number float64) (Issue, error) {
	i, err := scanIssue(db.sql.QueryRowContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues i
		WHERE i.volume_id = ? AND i.calculated_issue_number = ?`, volumeID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, errdef.New(errdef.IssueNotFound, "volume %d issue number %v", volumeID, number)
	}
	return i, err
}

// IssuesForVolume returns the volume's issues ordered by calculated issue
// number.
func (db *DB) IssuesForVolume(ctx context.Context, volumeID int64) ([]Issue, error) {
	return issuesForVolume(ctx, db.sql, volumeID)
}

func (t *Tx) IssuesForVolume(ctx context.Context, volumeID int64) ([]Issue, error) {
	return issuesForVolume(ctx, t.tx, volumeID)
}

func issuesForVolume(ctx context.Context, q querier, volumeID int64) ([]Issue, error) {
	return queryIssues(ctx, q, `
		SELECT `+issueColumns+`
		FROM issues i
		WHERE i.volume_id = ?
		ORDER BY i.calculated_issue_number`, volumeID)
}

// IssuesInRange returns the volume's issues with lo <= calculated issue
// number <= hi.
func (t *Tx) IssuesInRange(ctx context.Context, volumeID int64, lo, hi float64) ([]Issue, error) {
	return queryIssues(ctx, t.tx, `
		SELECT `+issueColumns+`
		FROM issues i
		WHERE i.volume_id = ? AND i.calculated_issue_number BETWEEN ? AND ?
		ORDER BY i.calculated_issue_number`, volumeID, lo, hi)
}

// UpsertIssues inserts or refreshes issues keyed by their catalog id and
// returns nothing; new issues get monitored per monitorNew.
func (t *Tx) UpsertIssues(ctx context.Context, issues []Issue, monitorNew bool) error {
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO issues(volume_id, comicvine_id, issue_number,
			calculated_issue_number, title, date, description, monitored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(comicvine_id) DO UPDATE SET
			issue_number = excluded.issue_number,
			calculated_issue_number = excluded.calculated_issue_number,
			title = excluded.title,
			date = excluded.date,
			description = excluded.description`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, i := range issues {
		if _, err := stmt.ExecContext(ctx, i.VolumeID, i.ComicVineID,
			i.IssueNumber, i.CalculatedIssueNumber, nullString(i.Title),
			nullString(i.Date), i.Description, monitorNew); err != nil {
			return err
		}
	}
	return nil
}

// DeleteIssuesNotIn removes the volume's issues whose catalog id is not in
// keep; their file links cascade. Used when the catalog drops issues.
func (t *Tx) DeleteIssuesNotIn(ctx context.Context, volumeID int64, keep []int64) error {
	if len(keep) == 0 {
		_, err := t.tx.ExecContext(ctx, `DELETE FROM issues WHERE volume_id = ?`, volumeID)
		return err
	}
	query := `DELETE FROM issues WHERE volume_id = ? AND comicvine_id NOT IN (?` +
		repeatPlaceholder(len(keep)-1) + `)`
	args := make([]any, 0, len(keep)+1)
	args = append(args, volumeID)
	for _, id := range keep {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// SetIssueMonitored flips the monitored flag of one issue.
func (db *DB) SetIssueMonitored(ctx context.Context, issueID int64, monitored bool) error {
	return setIssueMonitored(ctx, db.sql, issueID, monitored)
}

func (t *Tx) SetIssueMonitored(ctx context.Context, issueID int64, monitored bool) error {
	return setIssueMonitored(ctx, t.tx, issueID, monitored)
}

func setIssueMonitored(ctx context.Context, q querier, issueID int64, monitored bool) error {
	res, err := q.ExecContext(ctx, `UPDATE issues SET monitored = ? WHERE id = ?`, monitored, issueID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.IssueNotFound, "issue id %d", issueID)
	}
	return nil
}

// SetVolumeMonitored flips the monitored flag of one volume.
func (db *DB) SetVolumeMonitored(ctx context.Context, volumeID int64, monitored bool) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE volumes SET monitored = ? WHERE id = ?`, monitored, volumeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.VolumeNotFound, "volume id %d", volumeID)
	}
	return nil
}

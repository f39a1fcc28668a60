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
	"time"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
)

// A BlocklistEntry records a link that must not be downloaded again. Either
// DownloadLink or WebLink is set; an entry with only a WebLink blocks the
// whole release page.
type BlocklistEntry struct {
	ID           int64                 `json:"id"`
	VolumeID     *int64                `json:"volume_id"`
	IssueID      *int64                `json:"issue_id"`
	WebLink      *string               `json:"web_link"`
	WebTitle     *string               `json:"web_title"`
	WebSubTitle  *string               `json:"web_sub_title"`
	DownloadLink *string               `json:"download_link"`
	Source       string                `json:"source"`
	Reason       comic.BlocklistReason `json:"reason"`
	AddedAt      int64                 `json:"added_at"`
}

const blocklistColumns = `id, volume_id, issue_id, web_link, web_title,
	web_sub_title, download_link, source, reason, added_at`

func scanBlocklistEntry(row interface{ Scan(...any) error }) (BlocklistEntry, error) {
	var e BlocklistEntry
	var volumeID, issueID sql.NullInt64
	var webLink, webTitle, webSubTitle, downloadLink, source sql.NullString
	err := row.Scan(&e.ID, &volumeID, &issueID, &webLink, &webTitle,
		&webSubTitle, &downloadLink, &source, &e.Reason, &e.AddedAt)
	if err != nil {
		return BlocklistEntry{}, err
	}
	e.VolumeID = int64Ptr(volumeID)
	e.IssueID = int64Ptr(issueID)
	e.WebLink = strPtr(webLink)
	e.WebTitle = strPtr(webTitle)
	e.WebSubTitle = strPtr(webSubTitle)
	e.DownloadLink = strPtr(downloadLink)
	e.Source = source.String
	return e, nil
}

// Blocklist returns a page of entries, newest first.
func (db *DB) Blocklist(ctx context.Context, offset, limit int) ([]BlocklistEntry, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT `+blocklistColumns+`
		FROM blocklist
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BlocklistEntry
	for rows.Next() {
		e, err := scanBlocklistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BlocklistEntryByID returns one entry, or BlocklistEntryNotFound.
func (db *DB) BlocklistEntryByID(ctx context.Context, id int64) (BlocklistEntry, error) {
	e, err := scanBlocklistEntry(db.sql.QueryRowContext(ctx, `
		SELECT `+blocklistColumns+` FROM blocklist WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BlocklistEntry{}, errdef.New(errdef.BlocklistEntryNotFound, "blocklist id %d", id)
	}
	return e, err
}

// AddBlocklist inserts an entry unless its download link is already blocked;
// the first insertion wins and is returned either way.
func (db *DB) AddBlocklist(ctx context.Context, e BlocklistEntry) (BlocklistEntry, error) {
	if e.AddedAt == 0 {
		e.AddedAt = time.Now().Unix()
	}

	if e.DownloadLink != nil {
		existing, err := scanBlocklistEntry(db.sql.QueryRowContext(ctx, `
			SELECT `+blocklistColumns+` FROM blocklist WHERE download_link = ?`, *e.DownloadLink))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return BlocklistEntry{}, err
		}
	}

	res, err := db.sql.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocklist(volume_id, issue_id, web_link, web_title,
			web_sub_title, download_link, source, reason, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(e.VolumeID), nullInt64(e.IssueID), nullString(e.WebLink),
		nullString(e.WebTitle), nullString(e.WebSubTitle), nullString(e.DownloadLink),
		e.Source, e.Reason, e.AddedAt)
	if err != nil {
		return BlocklistEntry{}, err
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return BlocklistEntry{}, err
	}
	l.Debugf("Blocklisted %v (%s)", coalesce(e.DownloadLink, e.WebLink), e.Reason)
	return e, nil
}

func coalesce(ptrs ...*string) string {
	for _, p := range ptrs {
		if p != nil {
			return *p
		}
	}
	return ""
}

// IsBlocklisted reports whether the link is blocked, matching both download
// links and release page links.
func (db *DB) IsBlocklisted(ctx context.Context, link string) bool {
	var one int
	err := db.sql.QueryRowContext(ctx, `
		SELECT 1 FROM blocklist
		WHERE download_link = ? OR web_link = ?
		LIMIT 1`, link, link).Scan(&one)
	return err == nil
}

// DeleteBlocklistEntry removes one entry.
func (db *DB) DeleteBlocklistEntry(ctx context.Context, id int64) error {
	res, err := db.sql.ExecContext(ctx, `DELETE FROM blocklist WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.BlocklistEntryNotFound, "blocklist id %d", id)
	}
	return nil
}

// ClearBlocklist removes all entries.
func (db *DB) ClearBlocklist(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM blocklist`)
	return err
}

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

// A QueuedDownload is the persisted form of a queue entry, enough to rebuild
// the download after a restart.
type QueuedDownload struct {
	ID               int64
	ClientKind       string
	ExternalClientID *int64
	Link             string
	FilenameBody     string
	Source           string
	WebLink          *string
	WebTitle         *string
	WebSubTitle      *string
	VolumeID         int64
	IssueID          *int64
	Provenance       comic.Provenance
}

// QueuedDownloads returns the persisted queue in FIFO order.
func (db *DB) QueuedDownloads(ctx context.Context) ([]QueuedDownload, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, client_kind, external_client_id, download_link, filename_body,
			source, web_link, web_title, web_sub_title, volume_id, issue_id,
			releaser, scan_type, resolution, dpi
		FROM download_queue
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []QueuedDownload
	for rows.Next() {
		var d QueuedDownload
		var externalClientID, issueID sql.NullInt64
		var webLink, webTitle, webSubTitle sql.NullString
		var releaser, scanType, resolution, dpi sql.NullString
		if err := rows.Scan(&d.ID, &d.ClientKind, &externalClientID, &d.Link,
			&d.FilenameBody, &d.Source, &webLink, &webTitle, &webSubTitle,
			&d.VolumeID, &issueID, &releaser, &scanType, &resolution, &dpi); err != nil {
			return nil, err
		}
		d.ExternalClientID = int64Ptr(externalClientID)
		d.IssueID = int64Ptr(issueID)
		d.WebLink = strPtr(webLink)
		d.WebTitle = strPtr(webTitle)
		d.WebSubTitle = strPtr(webSubTitle)
		d.Provenance = comic.Provenance{
			Releaser:   releaser.String,
			ScanType:   scanType.String,
			Resolution: resolution.String,
			DPI:        dpi.String,
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// AddQueuedDownload persists a queue entry and sets its id.
func (db *DB) AddQueuedDownload(ctx context.Context, d *QueuedDownload) error {
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO download_queue(client_kind, external_client_id, download_link,
			filename_body, source, web_link, web_title, web_sub_title,
			volume_id, issue_id, releaser, scan_type, resolution, dpi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ClientKind, nullInt64(d.ExternalClientID), d.Link, d.FilenameBody,
		d.Source, nullString(d.WebLink), nullString(d.WebTitle),
		nullString(d.WebSubTitle), d.VolumeID, nullInt64(d.IssueID),
		emptyNull(d.Provenance.Releaser), emptyNull(d.Provenance.ScanType),
		emptyNull(d.Provenance.Resolution), emptyNull(d.Provenance.DPI))
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// DeleteQueuedDownload removes a persisted queue entry.
func (db *DB) DeleteQueuedDownload(ctx context.Context, id int64) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM download_queue WHERE id = ?`, id)
	return err
}

// VolumeHasDownloads reports whether any queue entry references the volume.
func (db *DB) VolumeHasDownloads(ctx context.Context, volumeID int64) (bool, error) {
	var one int
	err := db.sql.QueryRowContext(ctx, `
		SELECT 1 FROM download_queue WHERE volume_id = ? LIMIT 1`, volumeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// A DownloadHistoryEntry records one finished (or failed) download.
type DownloadHistoryEntry struct {
	WebLink      *string `json:"web_link"`
	WebTitle     *string `json:"web_title"`
	WebSubTitle  *string `json:"web_sub_title"`
	FileTitle    *string `json:"file_title"`
	VolumeID     *int64  `json:"volume_id"`
	IssueID      *int64  `json:"issue_id"`
	Source       string  `json:"source"`
	DownloadedAt int64   `json:"downloaded_at"`
}

// AddDownloadHistory appends a history entry.
func (db *DB) AddDownloadHistory(ctx context.Context, e DownloadHistoryEntry) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO download_history(web_link, web_title, web_sub_title,
			file_title, volume_id, issue_id, source, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(e.WebLink), nullString(e.WebTitle), nullString(e.WebSubTitle),
		nullString(e.FileTitle), nullInt64(e.VolumeID), nullInt64(e.IssueID),
		e.Source, e.DownloadedAt)
	return err
}

// DownloadHistory returns a page of history, newest first, optionally
// filtered by volume.
func (db *DB) DownloadHistory(ctx context.Context, volumeID *int64, offset, limit int) ([]DownloadHistoryEntry, error) {
	query := `
		SELECT web_link, web_title, web_sub_title, file_title, volume_id,
			issue_id, source, downloaded_at
		FROM download_history`
	args := []any{}
	if volumeID != nil {
		query += ` WHERE volume_id = ?`
		args = append(args, *volumeID)
	}
	query += ` ORDER BY downloaded_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DownloadHistoryEntry
	for rows.Next() {
		var e DownloadHistoryEntry
		var webLink, webTitle, webSubTitle, fileTitle, source sql.NullString
		var vID, iID sql.NullInt64
		if err := rows.Scan(&webLink, &webTitle, &webSubTitle, &fileTitle,
			&vID, &iID, &source, &e.DownloadedAt); err != nil {
			return nil, err
		}
		e.WebLink = strPtr(webLink)
		e.WebTitle = strPtr(webTitle)
		e.WebSubTitle = strPtr(webSubTitle)
		e.FileTitle = strPtr(fileTitle)
		e.VolumeID = int64Ptr(vID)
		e.IssueID = int64Ptr(iID)
		e.Source = source.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearDownloadHistory removes all history, or only one volume's when
// volumeID is set.
func (db *DB) ClearDownloadHistory(ctx context.Context, volumeID *int64) error {
	if volumeID != nil {
		_, err := db.sql.ExecContext(ctx, `DELETE FROM download_history WHERE volume_id = ?`, *volumeID)
		return err
	}
	_, err := db.sql.ExecContext(ctx, `DELETE FROM download_history`)
	return err
}

// An ExternalClient is a configured external download client (a torrent
// client reachable over its RPC interface).
type ExternalClient struct {
	ID       int64   `json:"id"`
	Type     string  `json:"client_type"`
	Title    string  `json:"title"`
	BaseURL  string  `json:"base_url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	APIToken *string `json:"api_token"`
}

const externalClientColumns = `id, client_type, title, base_url, username, password, api_token`

func scanExternalClient(row interface{ Scan(...any) error }) (ExternalClient, error) {
	var c ExternalClient
	var username, password, apiToken sql.NullString
	err := row.Scan(&c.ID, &c.Type, &c.Title, &c.BaseURL, &username, &password, &apiToken)
	if err != nil {
		return ExternalClient{}, err
	}
	c.Username = strPtr(username)
	c.Password = strPtr(password)
	c.APIToken = strPtr(apiToken)
	return c, nil
}

// ExternalClients returns all configured external clients.
func (db *DB) ExternalClients(ctx context.Context) ([]ExternalClient, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT `+externalClientColumns+` FROM external_download_clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []ExternalClient
	for rows.Next() {
		c, err := scanExternalClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// ExternalClient returns one client, or ExternalClientNotFound.
func (db *DB) ExternalClient(ctx context.Context, id int64) (ExternalClient, error) {
	c, err := scanExternalClient(db.sql.QueryRowContext(ctx, `
		SELECT `+externalClientColumns+` FROM external_download_clients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ExternalClient{}, errdef.New(errdef.ExternalClientNotFound, "client id %d", id)
	}
	return c, err
}

// AddExternalClient inserts a client and sets its id.
func (db *DB) AddExternalClient(ctx context.Context, c *ExternalClient) error {
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO external_download_clients(client_type, title, base_url,
			username, password, api_token)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Type, c.Title, c.BaseURL, nullString(c.Username),
		nullString(c.Password), nullString(c.APIToken))
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// UpdateExternalClient rewrites a client's settings.
func (db *DB) UpdateExternalClient(ctx context.Context, c ExternalClient) error {
	res, err := db.sql.ExecContext(ctx, `
		UPDATE external_download_clients
		SET client_type = ?, title = ?, base_url = ?, username = ?, password = ?, api_token = ?
		WHERE id = ?`,
		c.Type, c.Title, c.BaseURL, nullString(c.Username),
		nullString(c.Password), nullString(c.APIToken), c.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.ExternalClientNotFound, "client id %d", c.ID)
	}
	return nil
}

// DeleteExternalClient removes a client; a client with queue entries
// attached is ClientDownloading.
func (db *DB) DeleteExternalClient(ctx context.Context, id int64) error {
	var n int
	if err := db.sql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM download_queue WHERE external_client_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return errdef.New(errdef.ClientDownloading, "%d downloads use client %d", n, id)
	}
	res, err := db.sql.ExecContext(ctx, `DELETE FROM external_download_clients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return errdef.New(errdef.ExternalClientNotFound, "client id %d", id)
	}
	return nil
}

// A Credential holds login details for an external service.
type Credential struct {
	ID       int64   `json:"id"`
	Source   string  `json:"source"`
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	APIKey   *string `json:"api_key"`
}

const credentialColumns = `id, source, username, email, password, api_key`

func scanCredential(row interface{ Scan(...any) error }) (Credential, error) {
	var c Credential
	var username, email, password, apiKey sql.NullString
	err := row.Scan(&c.ID, &c.Source, &username, &email, &password, &apiKey)
	if err != nil {
		return Credential{}, err
	}
	c.Username = strPtr(username)
	c.Email = strPtr(email)
	c.Password = strPtr(password)
	c.APIKey = strPtr(apiKey)
	return c, nil
}

// Credentials returns all stored credentials.
func (db *DB) Credentials(ctx context.Context) ([]Credential, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// CredentialBySource returns the first credential for a source.
func (db *DB) CredentialBySource(ctx context.Context, source string) (Credential, bool, error) {
	c, err := scanCredential(db.sql.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials WHERE source = ? ORDER BY id LIMIT 1`, source))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	return c, true, nil
}

// AddCredential inserts a credential and sets its id.
func (db *DB) AddCredential(ctx context.Context, c *Credential) error {
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO credentials(source, username, email, password, api_key)
		VALUES (?, ?, ?, ?, ?)`,
		c.Source, nullString(c.Username), nullString(c.Email),
		nullString(c.Password), nullString(c.APIKey))
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// DeleteCredential removes a credential.
func (db *DB) DeleteCredential(ctx context.Context, id int64) error {
	res, err := db.sql.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdef.New(errdef.CredentialNotFound, "credential id %d", id)
	}
	return nil
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// schemaVersion is the version the code expects. The database reports its
// version through PRAGMA user_version.
const schemaVersion = 1

var migrations = []struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}{
	{1, migrateV1},
}

func (db *DB) migrate(ctx context.Context) error {
	var current int
	if err := db.sql.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return err
	}
	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this version supports (%d)", current, schemaVersion)
	}

	if current > 0 {
		if err := db.backup(current); err != nil {
			return err
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		l.Infof("Migrating database to schema version %d...", m.version)
		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
		// PRAGMA does not take placeholders.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// backup copies the database file into a backups folder next to it, so a
// botched migration never costs the library.
func (db *DB) backup(fromVersion int) error {
	if db.location == "<memory>" {
		return nil
	}
	src, err := os.ReadFile(db.location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dir := filepath.Join(filepath.Dir(db.location), "backups")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	name := fmt.Sprintf("longbox-v%d-%s.db", fromVersion, time.Now().Format("20060102-150405"))
	dst := filepath.Join(dir, name)
	l.Infof("Backing up database to %s before migration", dst)
	return os.WriteFile(dst, src, 0o666)
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, schemaV1)
	return err
}

const schemaV1 = `
CREATE TABLE root_folders (
	id INTEGER PRIMARY KEY,
	folder TEXT UNIQUE NOT NULL
);

CREATE TABLE volumes (
	id INTEGER PRIMARY KEY,
	comicvine_id INTEGER UNIQUE NOT NULL,
	title TEXT NOT NULL,
	alt_title TEXT,
	year INTEGER,
	publisher TEXT,
	volume_number INTEGER NOT NULL DEFAULT 1,
	description TEXT NOT NULL DEFAULT '',
	site_url TEXT NOT NULL DEFAULT '',
	cover BLOB,
	monitored BOOLEAN NOT NULL DEFAULT 1,
	monitor_new_issues BOOLEAN NOT NULL DEFAULT 1,
	root_folder INTEGER NOT NULL,
	folder TEXT NOT NULL DEFAULT '',
	custom_folder BOOLEAN NOT NULL DEFAULT 0,
	special_version TEXT,
	special_version_locked BOOLEAN NOT NULL DEFAULT 0,
	last_cv_fetch INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (root_folder) REFERENCES root_folders(id)
);

CREATE TABLE issues (
	id INTEGER PRIMARY KEY,
	volume_id INTEGER NOT NULL,
	comicvine_id INTEGER UNIQUE NOT NULL,
	issue_number TEXT NOT NULL,
	calculated_issue_number REAL NOT NULL,
	title TEXT,
	date TEXT,
	description TEXT NOT NULL DEFAULT '',
	monitored BOOLEAN NOT NULL DEFAULT 1,
	FOREIGN KEY (volume_id) REFERENCES volumes(id) ON DELETE CASCADE
);
CREATE INDEX issues_volume_number_index ON issues(volume_id, calculated_issue_number);

CREATE TABLE files (
	id INTEGER PRIMARY KEY,
	filepath TEXT UNIQUE NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	releaser TEXT,
	scan_type TEXT,
	resolution TEXT,
	dpi TEXT
);

CREATE TABLE issues_files (
	file_id INTEGER NOT NULL,
	issue_id INTEGER NOT NULL,
	PRIMARY KEY (file_id, issue_id),
	FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE TABLE volume_files (
	file_id INTEGER PRIMARY KEY,
	file_type TEXT NOT NULL,
	volume_id INTEGER NOT NULL,
	FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
	FOREIGN KEY (volume_id) REFERENCES volumes(id) ON DELETE CASCADE
);

CREATE TABLE blocklist (
	id INTEGER PRIMARY KEY,
	volume_id INTEGER,
	issue_id INTEGER,
	web_link TEXT,
	web_title TEXT,
	web_sub_title TEXT,
	download_link TEXT UNIQUE,
	source TEXT,
	reason INTEGER NOT NULL,
	added_at INTEGER NOT NULL,
	FOREIGN KEY (volume_id) REFERENCES volumes(id) ON DELETE CASCADE,
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE TABLE credentials (
	id INTEGER PRIMARY KEY,
	source TEXT NOT NULL,
	username TEXT,
	email TEXT,
	password TEXT,
	api_key TEXT
);

CREATE TABLE external_download_clients (
	id INTEGER PRIMARY KEY,
	client_type TEXT NOT NULL,
	title TEXT NOT NULL,
	base_url TEXT NOT NULL,
	username TEXT,
	password TEXT,
	api_token TEXT
);

CREATE TABLE download_queue (
	id INTEGER PRIMARY KEY,
	client_kind TEXT NOT NULL,
	external_client_id INTEGER,
	download_link TEXT NOT NULL,
	filename_body TEXT NOT NULL,
	source TEXT NOT NULL,
	web_link TEXT,
	web_title TEXT,
	web_sub_title TEXT,
	volume_id INTEGER NOT NULL,
	issue_id INTEGER,
	releaser TEXT,
	scan_type TEXT,
	resolution TEXT,
	dpi TEXT,
	FOREIGN KEY (volume_id) REFERENCES volumes(id) ON DELETE CASCADE,
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE,
	FOREIGN KEY (external_client_id) REFERENCES external_download_clients(id)
);

CREATE TABLE download_history (
	id INTEGER PRIMARY KEY,
	web_link TEXT,
	web_title TEXT,
	web_sub_title TEXT,
	file_title TEXT,
	volume_id INTEGER,
	issue_id INTEGER,
	source TEXT,
	downloaded_at INTEGER NOT NULL
);

CREATE TABLE task_history (
	id INTEGER PRIMARY KEY,
	task_name TEXT NOT NULL,
	display_title TEXT NOT NULL,
	run_at INTEGER NOT NULL
);

CREATE TABLE task_intervals (
	task_name TEXT PRIMARY KEY,
	interval INTEGER NOT NULL,
	next_run INTEGER NOT NULL
);

CREATE TABLE config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

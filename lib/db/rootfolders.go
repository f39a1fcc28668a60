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

	"github.com/longbox/longbox/lib/errdef"
)

// A RootFolder is a directory volumes live under.
type RootFolder struct {
	ID   int64
	Path string
}

// RootFolders returns all root folders ordered by path.
func (db *DB) RootFolders(ctx context.Context) ([]RootFolder, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id, folder FROM root_folders ORDER BY folder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []RootFolder
	for rows.Next() {
		var rf RootFolder
		if err := rows.Scan(&rf.ID, &rf.Path); err != nil {
			return nil, err
		}
		folders = append(folders, rf)
	}
	return folders, rows.Err()
}

// RootFolder returns the root folder with the given id, or
// RootFolderNotFound.
func (db *DB) RootFolder(ctx context.Context, id int64) (RootFolder, error) {
	var rf RootFolder
	err := db.sql.QueryRowContext(ctx, `SELECT id, folder FROM root_folders WHERE id = ?`, id).
		Scan(&rf.ID, &rf.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return RootFolder{}, errdef.New(errdef.RootFolderNotFound, "root folder id %d", id)
	}
	return rf, err
}

// AddRootFolder inserts a root folder. Nesting validation happens in the
// library layer; here only uniqueness is enforced.
func (db *DB) AddRootFolder(ctx context.Context, path string) (RootFolder, error) {
	res, err := db.sql.ExecContext(ctx, `INSERT INTO root_folders(folder) VALUES (?)`, path)
	if err != nil {
		return RootFolder{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return RootFolder{}, err
	}
	return RootFolder{ID: id, Path: path}, nil
}

// UpdateRootFolder rewrites a root folder's path.
func (db *DB) UpdateRootFolder(ctx context.Context, id int64, path string) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE root_folders SET folder = ? WHERE id = ?`, path, id)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return errdef.New(errdef.RootFolderNotFound, "root folder id %d", id)
	}
	return nil
}

// DeleteRootFolder removes a root folder; a folder still referenced by
// volumes is RootFolderInUse.
func (db *DB) DeleteRootFolder(ctx context.Context, id int64) error {
	var n int
	if err := db.sql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM volumes WHERE root_folder = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return errdef.New(errdef.RootFolderInUse, "%d volumes use root folder %d", n, id)
	}
	res, err := db.sql.ExecContext(ctx, `DELETE FROM root_folders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return errdef.New(errdef.RootFolderNotFound, "root folder id %d", id)
	}
	return nil
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db is the relational store. Everything the service persists other
// than the catalog response cache lives in one SQLite database: root
// folders, volumes, issues, files and their links, the blocklist,
// credentials, external clients, the download queue, histories and settings.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle. The zero value is not usable; call Open or
// OpenMemory.
type DB struct {
	sql      *sql.DB
	location string
}

// Open opens or creates the database at the given location and brings the
// schema up to date. An outdated database is backed up next to itself before
// migration.
func Open(location string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(location), 0o777); err != nil {
		return nil, err
	}

	// Escape spaces for the file: URI form. The _pragma parameters apply to
	// every connection the pool opens; plain PRAGMA statements would only
	// hit one of them.
	escaped := strings.ReplaceAll(location, " ", "%20")
	dsn := "file:" + escaped +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(10000)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{sql: sqlDB, location: location}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory returns a DB backed by an in-memory database, for tests. The
// pool is pinned to a single connection so the database survives between
// queries.
func OpenMemory() *DB {
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{sql: sqlDB, location: "<memory>"}
	if err := db.migrate(context.Background()); err != nil {
		panic(err)
	}
	return db
}

func (db *DB) Close() error {
	return db.sql.Close()
}

// Location returns the filesystem path where the database is stored.
func (db *DB) Location() string {
	return db.location
}

// A Tx carries the typed operations that must run atomically with others.
// It is only valid inside the WithTx callback.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing when it returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// querier is the intersection of *sql.DB and *sql.Tx the typed queries run
// against.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func intPtr(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

func int64Ptr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

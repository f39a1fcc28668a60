// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"context"
)

// A TaskHistoryEntry records one completed background task run.
type TaskHistoryEntry struct {
	TaskName     string `json:"task_name"`
	DisplayTitle string `json:"display_title"`
	RunAt        int64  `json:"run_at"`
}

// AddTaskHistory appends a task run to the history.
func (db *DB) AddTaskHistory(ctx context.Context, e TaskHistoryEntry) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO task_history(task_name, display_title, run_at)
		VALUES (?, ?, ?)`,
		e.TaskName, e.DisplayTitle, e.RunAt)
	return err
}

// TaskHistory returns a page of task history, newest first.
func (db *DB) TaskHistory(ctx context.Context, offset, limit int) ([]TaskHistoryEntry, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT task_name, display_title, run_at
		FROM task_history
		ORDER BY run_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		if err := rows.Scan(&e.TaskName, &e.DisplayTitle, &e.RunAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearTaskHistory removes all task history.
func (db *DB) ClearTaskHistory(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM task_history`)
	return err
}

// A TaskInterval is the schedule for one recurring task. Interval is in
// seconds, NextRun a unix timestamp.
type TaskInterval struct {
	TaskName string
	Interval int64
	NextRun  int64
}

// TaskIntervals returns the persisted schedule for all recurring tasks.
func (db *DB) TaskIntervals(ctx context.Context) (map[string]TaskInterval, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT task_name, interval, next_run FROM task_intervals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intervals := make(map[string]TaskInterval)
	for rows.Next() {
		var t TaskInterval
		if err := rows.Scan(&t.TaskName, &t.Interval, &t.NextRun); err != nil {
			return nil, err
		}
		intervals[t.TaskName] = t
	}
	return intervals, rows.Err()
}

// UpsertTaskInterval inserts or replaces a task's schedule. An existing
// next run time survives an unchanged interval so restarts don't reset
// the schedule.
func (db *DB) UpsertTaskInterval(ctx context.Context, t TaskInterval) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO task_intervals(task_name, interval, next_run)
		VALUES (?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			interval = excluded.interval,
			next_run = CASE WHEN task_intervals.interval = excluded.interval
				THEN task_intervals.next_run ELSE excluded.next_run END`,
		t.TaskName, t.Interval, t.NextRun)
	return err
}

// SetTaskNextRun advances a task's next run time.
func (db *DB) SetTaskNextRun(ctx context.Context, taskName string, nextRun int64) error {
	_, err := db.sql.ExecContext(ctx, `
		UPDATE task_intervals SET next_run = ? WHERE task_name = ?`, nextRun, taskName)
	return err
}

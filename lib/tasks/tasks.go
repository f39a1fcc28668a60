// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tasks runs background work units. A Manager serialises tasks per
// volume and runs them on a small worker pool, a Planner re-queues the
// recurring ones on their interval, and a MassEditor applies one action to
// a list of volumes. Progress goes out on the event bus.
package tasks

import (
	"context"
	"fmt"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/convert"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/download"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/importer"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/naming"
	"github.com/longbox/longbox/lib/scanner"
	"github.com/longbox/longbox/lib/search"
)

// A Task is one unit of background work. Tasks touching the same volume are
// serialised; tasks without a volume share a single global lane.
type Task interface {
	// Action is the stable machine name of the task kind.
	Action() string
	// DisplayTitle is what the user sees in the queue and the history.
	DisplayTitle() string
	// VolumeID and IssueID name the targets, nil when the task has none.
	VolumeID() *int64
	IssueID() *int64
	Run(ctx context.Context) error
}

// Deps is everything a task may call into. The task constructors take it
// whole rather than each picking its own parameter list.
type Deps struct {
	Config    *config.Wrapper
	DB        *db.DB
	Library   *library.Library
	Importer  *importer.Importer
	Scanner   *scanner.Scanner
	Namer     *naming.Namer
	Converter *convert.Manager
	Searcher  *search.Searcher
	Queue     *download.Queue
	Events    events.Logger
}

type task struct {
	action   string
	title    string
	volumeID *int64
	issueID  *int64
	run      func(ctx context.Context) error
}

func (t *task) Action() string              { return t.action }
func (t *task) DisplayTitle() string        { return t.title }
func (t *task) VolumeID() *int64            { return t.volumeID }
func (t *task) IssueID() *int64             { return t.issueID }
func (t *task) Run(ctx context.Context) error { return t.run(ctx) }

// NewFromAction builds a registered task by action name. Actions operating
// on a volume or issue require the respective id; the two recurring actions
// take none.
func NewFromAction(ctx context.Context, deps Deps, action string, volumeID, issueID *int64) (Task, error) {
	switch action {
	case "refresh_and_scan":
		return NewRefreshAndScan(ctx, deps, volumeID)
	case "search_all":
		return NewSearchAll(deps), nil
	}

	if volumeID == nil {
		return nil, errdef.New(errdef.InvalidKeyValue, "action %s needs a volume id", action)
	}
	switch action {
	case "search_volume":
		return NewSearchVolume(ctx, deps, *volumeID)
	case "rename_volume":
		return NewRenameVolume(ctx, deps, *volumeID)
	case "convert_volume":
		return NewConvertVolume(ctx, deps, *volumeID)
	case "scan_volume":
		return NewScanVolume(ctx, deps, *volumeID)
	case "mass_rename":
		return NewMassRename(ctx, deps, *volumeID, nil)
	case "mass_convert":
		return NewMassConvert(ctx, deps, *volumeID, nil)
	}

	if issueID == nil {
		return nil, errdef.New(errdef.InvalidKeyValue, "action %s needs an issue id", action)
	}
	switch action {
	case "search_issue":
		return NewSearchIssue(ctx, deps, *volumeID, *issueID)
	case "rename_issue":
		return NewRenameIssue(ctx, deps, *volumeID, *issueID)
	case "convert_issue":
		return NewConvertIssue(ctx, deps, *volumeID, *issueID)
	}
	return nil, errdef.New(errdef.TaskNotFound, "unknown action %s", action)
}

// NewRefreshAndScan refreshes metadata and rescans files, for one volume or,
// with a nil volume id, for the whole library.
func NewRefreshAndScan(ctx context.Context, deps Deps, volumeID *int64) (Task, error) {
	if volumeID == nil {
		return &task{
			action: "refresh_and_scan",
			title:  "Updating library",
			run: func(ctx context.Context) error {
				vols, err := deps.DB.Volumes(ctx)
				if err != nil {
					return err
				}
				for _, vol := range vols {
					if err := ctx.Err(); err != nil {
						return err
					}
					taskStatus(deps, "Updating %s", vol.Title)
					if err := deps.Library.RefreshVolume(ctx, vol.ID); err != nil {
						l.Warnln("Refreshing volume", vol.ID, "failed:", err)
					}
					if err := deps.Scanner.Scan(ctx, vol.ID, scanner.Options{}); err != nil {
						l.Warnln("Scanning volume", vol.ID, "failed:", err)
					}
				}
				return nil
			},
		}, nil
	}

	vol, err := deps.DB.Volume(ctx, *volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "refresh_and_scan",
		title:    fmt.Sprintf("Updating %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			if err := deps.Library.RefreshVolume(ctx, id); err != nil {
				return err
			}
			return deps.Scanner.Scan(ctx, id, scanner.Options{Notify: true})
		},
	}, nil
}

// NewSearchAll auto-searches every monitored volume and queues what it
// finds.
func NewSearchAll(deps Deps) Task {
	return &task{
		action: "search_all",
		title:  "Searching for all volumes",
		run: func(ctx context.Context) error {
			vols, err := deps.DB.Volumes(ctx)
			if err != nil {
				return err
			}
			for _, vol := range vols {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !vol.Monitored {
					continue
				}
				taskStatus(deps, "Searching for %s", vol.Title)
				if err := autoSearchAndQueue(ctx, deps, vol.ID, 0); err != nil {
					l.Warnln("Searching volume", vol.ID, "failed:", err)
				}
			}
			return nil
		},
	}
}

func NewSearchVolume(ctx context.Context, deps Deps, volumeID int64) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "search_volume",
		title:    fmt.Sprintf("Searching for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			return autoSearchAndQueue(ctx, deps, id, 0)
		},
	}, nil
}

func NewSearchIssue(ctx context.Context, deps Deps, volumeID, issueID int64) (Task, error) {
	vol, issue, err := volumeIssue(ctx, deps, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	vid, iid := vol.ID, issue.ID
	return &task{
		action:   "search_issue",
		title:    fmt.Sprintf("Searching for %s #%s", vol.Title, issue.IssueNumber),
		volumeID: &vid,
		issueID:  &iid,
		run: func(ctx context.Context) error {
			return autoSearchAndQueue(ctx, deps, vid, iid)
		},
	}, nil
}

func NewRenameVolume(ctx context.Context, deps Deps, volumeID int64) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "rename_volume",
		title:    fmt.Sprintf("Renaming files for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			_, err := deps.Namer.MassRename(ctx, id, 0, nil, true)
			return err
		},
	}, nil
}

func NewRenameIssue(ctx context.Context, deps Deps, volumeID, issueID int64) (Task, error) {
	vol, issue, err := volumeIssue(ctx, deps, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	vid, iid := vol.ID, issue.ID
	return &task{
		action:   "rename_issue",
		title:    fmt.Sprintf("Renaming files for %s #%s", vol.Title, issue.IssueNumber),
		volumeID: &vid,
		issueID:  &iid,
		run: func(ctx context.Context) error {
			_, err := deps.Namer.MassRename(ctx, vid, iid, nil, true)
			return err
		},
	}, nil
}

func NewConvertVolume(ctx context.Context, deps Deps, volumeID int64) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "convert_volume",
		title:    fmt.Sprintf("Converting files for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			_, err := deps.Converter.MassConvert(ctx, id, 0, nil, true, false, comic.Provenance{})
			return err
		},
	}, nil
}

func NewConvertIssue(ctx context.Context, deps Deps, volumeID, issueID int64) (Task, error) {
	vol, issue, err := volumeIssue(ctx, deps, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	vid, iid := vol.ID, issue.ID
	return &task{
		action:   "convert_issue",
		title:    fmt.Sprintf("Converting files for %s #%s", vol.Title, issue.IssueNumber),
		volumeID: &vid,
		issueID:  &iid,
		run: func(ctx context.Context) error {
			_, err := deps.Converter.MassConvert(ctx, vid, iid, nil, true, false, comic.Provenance{})
			return err
		},
	}, nil
}

func NewScanVolume(ctx context.Context, deps Deps, volumeID int64) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "scan_volume",
		title:    fmt.Sprintf("Scanning files for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			return deps.Scanner.Scan(ctx, id, scanner.Options{Notify: true})
		},
	}, nil
}

// NewMassRename renames a volume's files, restricted to pathFilter when not
// empty.
func NewMassRename(ctx context.Context, deps Deps, volumeID int64, pathFilter []string) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "mass_rename",
		title:    fmt.Sprintf("Renaming files for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			_, err := deps.Namer.MassRename(ctx, id, 0, pathFilter, true)
			return err
		},
	}, nil
}

// NewMassConvert converts a volume's files, restricted to pathFilter when
// not empty.
func NewMassConvert(ctx context.Context, deps Deps, volumeID int64, pathFilter []string) (Task, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	id := vol.ID
	return &task{
		action:   "mass_convert",
		title:    fmt.Sprintf("Converting files for %s", vol.Title),
		volumeID: &id,
		run: func(ctx context.Context) error {
			_, err := deps.Converter.MassConvert(ctx, id, 0, pathFilter, true, false, comic.Provenance{})
			return err
		},
	}, nil
}

// NewImportLibrary commits an accepted library import proposal.
func NewImportLibrary(deps Deps, mappings []importer.Mapping, renameFiles bool) Task {
	return &task{
		action: "import_library",
		title:  "Importing library",
		run: func(ctx context.Context) error {
			return deps.Importer.Commit(ctx, mappings, renameFiles)
		},
	}
}

// autoSearchAndQueue queues a download for every result the auto search
// picked. A failing add is logged and skipped; one broken link should not
// stop the rest.
func autoSearchAndQueue(ctx context.Context, deps Deps, volumeID, issueID int64) error {
	results, err := deps.Searcher.AutoSearch(ctx, volumeID, issueID)
	if err != nil {
		return err
	}
	var issuePtr *int64
	if issueID != 0 {
		issuePtr = &issueID
	}
	for _, result := range results {
		if _, err := deps.Queue.AddDownload(ctx, volumeID, issuePtr, result.Link, false); err != nil {
			l.Warnln("Queueing", result.DisplayTitle, "failed:", err)
		}
	}
	return nil
}

func volumeIssue(ctx context.Context, deps Deps, volumeID, issueID int64) (db.Volume, db.Issue, error) {
	vol, err := deps.DB.Volume(ctx, volumeID)
	if err != nil {
		return db.Volume{}, db.Issue{}, err
	}
	issue, err := deps.DB.Issue(ctx, issueID)
	if err != nil {
		return db.Volume{}, db.Issue{}, err
	}
	if issue.VolumeID != vol.ID {
		return db.Volume{}, db.Issue{}, errdef.New(errdef.IssueNotFound, "issue %d is not part of volume %d", issueID, volumeID)
	}
	return vol, issue, nil
}

func taskStatus(deps Deps, format string, args ...any) {
	if deps.Events == nil {
		return
	}
	deps.Events.Log(events.TaskStatus, map[string]any{
		"message": fmt.Sprintf(format, args...),
	})
}

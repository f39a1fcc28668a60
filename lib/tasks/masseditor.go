// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"context"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/scanner"
)

// A MassEditor applies one action to a list of volumes, streaming progress
// on the event bus. A failing volume is logged and skipped.
type MassEditor struct {
	deps Deps
}

// EditArgs carries the per-action parameters of a mass edit.
type EditArgs struct {
	// RootFolderID is the target of the root_folder action.
	RootFolderID *int64 `json:"root_folder_id"`
	// DeleteFolder makes the delete action remove the volume folders too.
	DeleteFolder bool `json:"delete_folder"`
}

func NewMassEditor(deps Deps) *MassEditor {
	return &MassEditor{deps: deps}
}

// Check reports whether the action and its arguments are acceptable,
// without touching any volume. Callers that run the edit asynchronously use
// it to refuse bad input up front.
func (me *MassEditor) Check(action string, args EditArgs) error {
	_, err := me.applyFunc(action, args)
	return err
}

// Run applies the action to each volume in turn. Unknown actions and
// missing arguments are refused before any volume is touched.
func (me *MassEditor) Run(ctx context.Context, action string, volumeIDs []int64, args EditArgs) error {
	apply, err := me.applyFunc(action, args)
	if err != nil {
		return err
	}

	l.Infoln("Mass editor running", action, "on", len(volumeIDs), "volumes")
	total := len(volumeIDs)
	for i, volumeID := range volumeIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		me.status(action, i, total)
		if err := apply(ctx, volumeID); err != nil {
			l.Warnln("Mass editor:", action, "on volume", volumeID, "failed:", err)
		}
	}
	me.status(action, total, total)
	return nil
}

func (me *MassEditor) applyFunc(action string, args EditArgs) (func(context.Context, int64) error, error) {
	deps := me.deps
	switch action {
	case "delete":
		return func(ctx context.Context, id int64) error {
			return deps.Library.DeleteVolume(ctx, id, args.DeleteFolder)
		}, nil

	case "root_folder":
		if args.RootFolderID == nil {
			return nil, errdef.New(errdef.InvalidKeyValue, "root_folder action needs a root_folder_id")
		}
		return func(ctx context.Context, id int64) error {
			return deps.Library.UpdateVolume(ctx, id, library.VolumeEdits{RootFolderID: args.RootFolderID})
		}, nil

	case "rename":
		return func(ctx context.Context, id int64) error {
			_, err := deps.Namer.MassRename(ctx, id, 0, nil, false)
			return err
		}, nil

	case "update":
		return func(ctx context.Context, id int64) error {
			return deps.Library.RefreshVolume(ctx, id)
		}, nil

	case "scan":
		return func(ctx context.Context, id int64) error {
			return deps.Scanner.Scan(ctx, id, scanner.Options{})
		}, nil

	case "search":
		return func(ctx context.Context, id int64) error {
			return autoSearchAndQueue(ctx, deps, id, 0)
		}, nil

	case "convert":
		return func(ctx context.Context, id int64) error {
			_, err := deps.Converter.MassConvert(ctx, id, 0, nil, false, false, comic.Provenance{})
			return err
		}, nil

	case "monitor", "unmonitor":
		monitored := action == "monitor"
		return func(ctx context.Context, id int64) error {
			return deps.Library.UpdateVolume(ctx, id, library.VolumeEdits{Monitored: &monitored})
		}, nil

	default:
		return nil, errdef.New(errdef.InvalidKeyValue, "unknown mass editor action %q", action)
	}
}

func (me *MassEditor) status(action string, current, total int) {
	if me.deps.Events == nil {
		return
	}
	me.deps.Events.Log(events.MassEditorStatus, map[string]any{
		"identifier": action,
		"current":    current,
		"total":      total,
	})
}

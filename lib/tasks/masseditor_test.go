// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/naming"
)

func newTestMassEditor(t *testing.T) (*MassEditor, *db.DB, events.Logger) {
	t.Helper()
	database := db.OpenMemory()
	t.Cleanup(func() { database.Close() })

	cfg, err := config.Load(context.Background(), database, nil)
	if err != nil {
		t.Fatal(err)
	}

	ev := events.NewLogger()
	ctx, cancel := context.WithCancel(context.Background())
	go ev.Serve(ctx) //nolint:errcheck
	t.Cleanup(cancel)

	namer := naming.New(cfg, database, ev)
	lib := library.New(cfg, database, nil, nil, namer, ev)
	me := NewMassEditor(Deps{
		Config:  cfg,
		DB:      database,
		Library: lib,
		Namer:   namer,
		Events:  ev,
	})
	return me, database, ev
}

func addTestVolume(t *testing.T, database *db.DB, root string, cvID int64, title string) db.Volume {
	t.Helper()
	ctx := context.Background()
	vol := db.Volume{
		ComicVineID: cvID,
		Title:       title,
		Monitored:   true,
		Folder:      filepath.Join(root, title),
	}
	rf, err := database.AddRootFolder(ctx, root)
	if err != nil {
		// Another volume already registered this root.
		rfs, rerr := database.RootFolders(ctx)
		if rerr != nil {
			t.Fatal(rerr)
		}
		for _, existing := range rfs {
			if existing.Path == root {
				rf = existing
				err = nil
			}
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	vol.RootFolderID = rf.ID
	if err := database.AddVolume(ctx, &vol); err != nil {
		t.Fatal(err)
	}
	return vol
}

func TestMassEditorMonitorActions(t *testing.T) {
	me, database, ev := newTestMassEditor(t)
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "comics")
	a := addTestVolume(t, database, root, 4050, "Invincible")
	b := addTestVolume(t, database, root, 4051, "Saga")

	sub := ev.Subscribe(events.MassEditorStatus)
	defer sub.Unsubscribe()

	if err := me.Run(ctx, "unmonitor", []int64{a.ID, b.ID}, EditArgs{}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		vol, err := database.Volume(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if vol.Monitored {
			t.Errorf("volume %d still monitored", id)
		}
	}

	if err := me.Run(ctx, "monitor", []int64{a.ID}, EditArgs{}); err != nil {
		t.Fatal(err)
	}
	vol, err := database.Volume(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !vol.Monitored {
		t.Error("volume not monitored again")
	}

	// Two volumes plus the final event for the first run, then two for the
	// second run.
	for i := 0; i < 5; i++ {
		event, err := sub.Poll(time.Second)
		if err != nil {
			t.Fatalf("status event %d: %v", i, err)
		}
		data, ok := event.Data.(map[string]any)
		if !ok {
			t.Fatalf("unexpected event payload %T", event.Data)
		}
		if data["identifier"] != "unmonitor" && data["identifier"] != "monitor" {
			t.Errorf("identifier = %v", data["identifier"])
		}
	}
}

func TestMassEditorDelete(t *testing.T) {
	me, database, _ := newTestMassEditor(t)
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "comics")
	vol := addTestVolume(t, database, root, 4050, "Invincible")

	if err := me.Run(ctx, "delete", []int64{vol.ID}, EditArgs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Volume(ctx, vol.ID); !errors.Is(err, errdef.VolumeNotFound) {
		t.Fatalf("volume still present: %v", err)
	}
}

func TestMassEditorRefusesBadInput(t *testing.T) {
	me, _, _ := newTestMassEditor(t)
	ctx := context.Background()

	if err := me.Run(ctx, "explode", []int64{1}, EditArgs{}); !errors.Is(err, errdef.InvalidKeyValue) {
		t.Fatalf("unknown action: got %v, want InvalidKeyValue", err)
	}
	if err := me.Run(ctx, "root_folder", []int64{1}, EditArgs{}); !errors.Is(err, errdef.InvalidKeyValue) {
		t.Fatalf("missing root folder: got %v, want InvalidKeyValue", err)
	}
}

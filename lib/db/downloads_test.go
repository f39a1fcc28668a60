// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"context"
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/errdef"
)

func TestQueuePersistence(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	v, issues := seedVolume(t, db, 30, 1, 2)

	first := QueuedDownload{
		ClientKind:   "direct",
		Link:         "https://example.com/a.cbz",
		FilenameBody: "Batman (2016) Volume 3 Issue 001",
		Source:       "gc",
		WebLink:      strp("https://example.com/release"),
		VolumeID:     v.ID,
		IssueID:      &issues[0].ID,
		Provenance:   comic.Provenance{Releaser: "Oracle"},
	}
	if err := db.AddQueuedDownload(ctx, &first); err != nil {
		t.Fatal(err)
	}
	second := QueuedDownload{
		ClientKind: "torrent",
		Link:       "magnet:?xt=urn:btih:deadbeef",
		Source:     "gc",
		VolumeID:   v.ID,
	}
	if err := db.AddQueuedDownload(ctx, &second); err != nil {
		t.Fatal(err)
	}

	// Load order is insertion order.
	queue, err := db.QueuedDownloads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff([]QueuedDownload{first, second}, queue); !equal {
		t.Errorf("Unexpected queue, diff:\n%s", diff)
	}

	if ok, err := db.VolumeHasDownloads(ctx, v.ID); err != nil || !ok {
		t.Fatalf("Expected downloads for volume %d (%v, %v)", v.ID, ok, err)
	}
	if ok, err := db.VolumeHasDownloads(ctx, v.ID+1); err != nil || ok {
		t.Fatalf("Expected no downloads for other volumes (%v, %v)", ok, err)
	}

	if err := db.DeleteQueuedDownload(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	queue, _ = db.QueuedDownloads(ctx)
	if len(queue) != 1 || queue[0].ID != second.ID {
		t.Fatal("Expected only the second entry, not", queue)
	}
}

func TestDownloadHistory(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	v1, _ := seedVolume(t, db, 31, 1)
	v2, _ := seedVolume(t, db, 32, 1)

	for i, volumeID := range []int64{v1.ID, v2.ID, v1.ID} {
		err := db.AddDownloadHistory(ctx, DownloadHistoryEntry{
			FileTitle:    strp("file"),
			VolumeID:     &volumeID,
			Source:       "gc",
			DownloadedAt: int64(100 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.DownloadHistory(ctx, nil, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].DownloadedAt != 102 {
		t.Fatal("Expected three entries newest first, not", all)
	}

	forV1, err := db.DownloadHistory(ctx, &v1.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(forV1) != 2 {
		t.Fatal("Expected two entries for volume 1, not", forV1)
	}

	if err := db.ClearDownloadHistory(ctx, &v1.ID); err != nil {
		t.Fatal(err)
	}
	all, _ = db.DownloadHistory(ctx, nil, 0, 10)
	if len(all) != 1 || *all[0].VolumeID != v2.ID {
		t.Fatal("Expected only volume 2's entry, not", all)
	}

	if err := db.ClearDownloadHistory(ctx, nil); err != nil {
		t.Fatal(err)
	}
	all, _ = db.DownloadHistory(ctx, nil, 0, 10)
	if len(all) != 0 {
		t.Fatal("Expected empty history, not", all)
	}
}

func TestExternalClients(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	c := ExternalClient{
		Type:    "transmission",
		Title:   "Seedbox",
		BaseURL: "http://localhost:9091",
	}
	if err := db.AddExternalClient(ctx, &c); err != nil {
		t.Fatal(err)
	}

	got, err := db.ExternalClient(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(c, got); !equal {
		t.Errorf("Unexpected client, diff:\n%s", diff)
	}

	c.Title = "Seedbox 2"
	c.Username = strp("admin")
	if err := db.UpdateExternalClient(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, _ = db.ExternalClient(ctx, c.ID)
	if got.Title != "Seedbox 2" || got.Username == nil || *got.Username != "admin" {
		t.Fatal("Update did not stick:", got)
	}

	if _, err := db.ExternalClient(ctx, 999); errdef.KindOf(err) != errdef.ExternalClientNotFound {
		t.Fatal("Expected ExternalClientNotFound, not", err)
	}

	// A client with queue entries attached must not be deletable.
	v, _ := seedVolume(t, db, 33, 1)
	d := QueuedDownload{
		ClientKind:       "torrent",
		ExternalClientID: &c.ID,
		Link:             "magnet:?xt=urn:btih:cafe",
		Source:           "gc",
		VolumeID:         v.ID,
	}
	if err := db.AddQueuedDownload(ctx, &d); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteExternalClient(ctx, c.ID); errdef.KindOf(err) != errdef.ClientDownloading {
		t.Fatal("Expected ClientDownloading, not", err)
	}

	if err := db.DeleteQueuedDownload(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteExternalClient(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if clients, _ := db.ExternalClients(ctx); len(clients) != 0 {
		t.Fatal("Expected no clients, not", clients)
	}
}

func TestCredentials(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	c := Credential{
		Source: "mega",
		Email:  strp("user@example.com"),
	}
	if err := db.AddCredential(ctx, &c); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.CredentialBySource(ctx, "mega")
	if err != nil || !ok {
		t.Fatalf("Expected a mega credential (%v, %v)", ok, err)
	}
	if diff, equal := messagediff.PrettyDiff(c, got); !equal {
		t.Errorf("Unexpected credential, diff:\n%s", diff)
	}

	if _, ok, err := db.CredentialBySource(ctx, "pixeldrain"); err != nil || ok {
		t.Fatalf("Expected no pixeldrain credential (%v, %v)", ok, err)
	}

	if err := db.DeleteCredential(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteCredential(ctx, c.ID); errdef.KindOf(err) != errdef.CredentialNotFound {
		t.Fatal("Expected CredentialNotFound, not", err)
	}
	if creds, _ := db.Credentials(ctx); len(creds) != 0 {
		t.Fatal("Expected no credentials, not", creds)
	}
}

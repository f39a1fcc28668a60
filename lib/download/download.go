// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package download runs the download queue: admission of new links,
// dispatch to the built in and external clients, progress polling, and the
// import of finished files into their volume folders.
package download

import (
	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
)

// A Download is one queue entry. The exported fields are its API
// representation; the runtime fields belong to the Queue and are guarded by
// its lock.
type Download struct {
	ID          int64               `json:"id"`
	VolumeID    int64               `json:"volume_id"`
	IssueID     *int64              `json:"issue_id"`
	Client      string              `json:"client"`
	Link        string              `json:"download_link"`
	WebLink     *string             `json:"web_link"`
	WebTitle    *string             `json:"web_title"`
	WebSubTitle *string             `json:"web_sub_title"`
	Source      string              `json:"source"`
	Title       string              `json:"title"`
	Size        int64               `json:"size"`
	Speed       int64               `json:"speed"`
	Progress    float64             `json:"progress"`
	State       comic.DownloadState `json:"status"`

	externalClientID *int64
	provenance       comic.Provenance
	handle           string
	imported         bool
}

func fromRow(row db.QueuedDownload) *Download {
	return &Download{
		ID:          row.ID,
		VolumeID:    row.VolumeID,
		IssueID:     row.IssueID,
		Client:      row.ClientKind,
		Link:        row.Link,
		WebLink:     row.WebLink,
		WebTitle:    row.WebTitle,
		WebSubTitle: row.WebSubTitle,
		Source:      row.Source,
		Title:       row.FilenameBody,
		State:       comic.DownloadQueued,

		externalClientID: row.ExternalClientID,
		provenance:       row.Provenance,
	}
}

func (d *Download) row() db.QueuedDownload {
	return db.QueuedDownload{
		ID:               d.ID,
		ClientKind:       d.Client,
		ExternalClientID: d.externalClientID,
		Link:             d.Link,
		FilenameBody:     d.Title,
		Source:           d.Source,
		WebLink:          d.WebLink,
		WebTitle:         d.WebTitle,
		WebSubTitle:      d.WebSubTitle,
		VolumeID:         d.VolumeID,
		IssueID:          d.IssueID,
		Provenance:       d.provenance,
	}
}

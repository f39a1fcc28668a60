// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
)

func (s *service) getBlocklist(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		sendError(w, err)
		return
	}
	entries, err := s.deps.DB.Blocklist(r.Context(), offset, defaultPageSize)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(entries))
}

func (s *service) getBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	entry, err := s.deps.DB.BlocklistEntryByID(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, entry)
}

func (s *service) postBlocklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VolumeID     *int64  `json:"volume_id"`
		IssueID      *int64  `json:"issue_id"`
		WebLink      *string `json:"web_link"`
		WebTitle     *string `json:"web_title"`
		WebSubTitle  *string `json:"web_sub_title"`
		DownloadLink *string `json:"download_link"`
		Source       string  `json:"source"`
		Reason       int     `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.WebLink == nil && body.DownloadLink == nil {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "web_link or download_link is required"))
		return
	}
	reason := comic.BlocklistReason(body.Reason)
	if reason < comic.BlocklistLinkBroken || reason > comic.BlocklistAddedByUser {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "unknown blocklist reason %d", body.Reason))
		return
	}

	entry, err := s.deps.DB.AddBlocklist(r.Context(), db.BlocklistEntry{
		VolumeID:     body.VolumeID,
		IssueID:      body.IssueID,
		WebLink:      body.WebLink,
		WebTitle:     body.WebTitle,
		WebSubTitle:  body.WebSubTitle,
		DownloadLink: body.DownloadLink,
		Source:       body.Source,
		Reason:       reason,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, entry)
}

func (s *service) deleteBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.DB.DeleteBlocklistEntry(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) deleteBlocklist(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.ClearBlocklist(r.Context()); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"

	"github.com/longbox/longbox/lib/errdef"
)

func (s *service) getRootFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.deps.Library.RootFolders(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(folders))
}

func (s *service) getRootFolder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	folder, err := s.deps.Library.RootFolder(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, folder)
}

func (s *service) postRootFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.Folder == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "folder is required"))
		return
	}
	folder, err := s.deps.Library.AddRootFolder(r.Context(), body.Folder)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, folder)
}

func (s *service) putRootFolder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.Folder == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "folder is required"))
		return
	}
	folder, err := s.deps.Library.UpdateRootFolder(r.Context(), id, body.Folder)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, folder)
}

func (s *service) deleteRootFolder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.Library.DeleteRootFolder(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

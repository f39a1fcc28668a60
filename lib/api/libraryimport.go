// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"strings"

	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/importer"
	"github.com/longbox/longbox/lib/tasks"
)

func (s *service) getLibraryImport(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		sendError(w, err)
		return
	}
	limitParent, err := boolParam(r, "limit_parent_folder", false)
	if err != nil {
		sendError(w, err)
		return
	}
	onlyEnglish, err := boolParam(r, "only_english", true)
	if err != nil {
		sendError(w, err)
		return
	}
	var included []string
	if filter := r.URL.Query().Get("folder_filter"); filter != "" {
		included = strings.Split(filter, ",")
	}

	proposals, err := s.deps.Importer.Propose(r.Context(), importer.ProposeOptions{
		IncludedFolders:   included,
		Limit:             limit,
		LimitParentFolder: limitParent,
		OnlyEnglish:       onlyEnglish,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(proposals))
}

func (s *service) postLibraryImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RenameFiles bool              `json:"rename_files"`
		Mappings    []importer.Mapping `json:"mappings"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if len(body.Mappings) == 0 {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "mappings are required"))
		return
	}

	status, err := s.mgr.Add(tasks.NewImportLibrary(s.deps, body.Mappings, body.RenameFiles))
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, status)
}

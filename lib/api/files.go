// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"path/filepath"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/fsutil"
)

func (s *service) getFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	file, err := s.deps.DB.FileByID(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, file)
}

// deleteFile removes the file from disk and from the library, sweeping up
// folders its removal left empty.
func (s *service) deleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	file, err := s.deps.DB.FileByID(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}

	if err := fsutil.DeleteFileFolder(file.Path); err != nil {
		sendError(w, err)
		return
	}
	if volumeID, ok, err := s.deps.DB.VolumeOfFile(r.Context(), file.Path); err == nil && ok {
		if vol, err := s.deps.DB.Volume(r.Context(), volumeID); err == nil {
			if err := fsutil.DeleteEmptyParentFolders(filepath.Dir(file.Path), vol.Folder); err != nil {
				l.Warnln("Cleaning up after deleting", file.Path, "-", err)
			}
		}
	}

	err = s.deps.DB.WithTx(r.Context(), func(tx *db.Tx) error {
		return tx.DeleteFile(r.Context(), id)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	l.Infoln("Deleted file", file.Path)
	sendResult(w, http.StatusOK, nil)
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/longbox/longbox/lib/errdef"
)

func (s *service) getQueue(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, emptySlice(s.deps.Queue.Downloads()))
}

func (s *service) getQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	download, err := s.deps.Queue.Download(id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, download)
}

func (s *service) postQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VolumeID   int64  `json:"volume_id"`
		IssueID    *int64 `json:"issue_id"`
		Link       string `json:"link"`
		ForceMatch bool   `json:"force_match"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.VolumeID == 0 {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "volume_id is required"))
		return
	}
	s.enqueueDownload(w, r, body.VolumeID, body.IssueID, body.Link, body.ForceMatch)
}

func (s *service) putQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var body struct {
		Index *int `json:"index"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.Index == nil {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "index is required"))
		return
	}
	if err := s.deps.Queue.Move(id, *body.Index); err != nil {
		sendError(w, err)
		return
	}
	download, err := s.deps.Queue.Download(id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, download)
}

func (s *service) deleteQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	blocklist, err := boolParam(r, "blocklist", false)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.Queue.Remove(r.Context(), id, blocklist); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Clear(r.Context()); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) getDownloadHistory(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		sendError(w, err)
		return
	}
	volumeID, err := optionalIDParam(r, "volume_id")
	if err != nil {
		sendError(w, err)
		return
	}
	entries, err := s.deps.DB.DownloadHistory(r.Context(), volumeID, offset, defaultPageSize)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(entries))
}

func (s *service) deleteDownloadHistory(w http.ResponseWriter, r *http.Request) {
	volumeID, err := optionalIDParam(r, "volume_id")
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.DB.ClearDownloadHistory(r.Context(), volumeID); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

// downloadFolderEntry is one item in the download folder listing.
type downloadFolderEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

func (s *service) getDownloadFolder(w http.ResponseWriter, _ *http.Request) {
	folder := s.deps.Config.Raw().DownloadFolder
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			sendResult(w, http.StatusOK, []downloadFolderEntry{})
			return
		}
		sendError(w, err)
		return
	}
	listing := make([]downloadFolderEntry, 0, len(entries))
	for _, e := range entries {
		item := downloadFolderEntry{
			Path:  filepath.Join(folder, e.Name()),
			IsDir: e.IsDir(),
		}
		if info, err := e.Info(); err == nil {
			item.Size = info.Size()
		}
		listing = append(listing, item)
	}
	sendResult(w, http.StatusOK, listing)
}

// deleteDownloadFolder empties the download folder. Refused while anything
// is in the queue; the queue owns those files.
func (s *service) deleteDownloadFolder(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Queue.Downloads()) > 0 {
		sendError(w, errdef.New(errdef.ClientDownloading, "downloads are queued"))
		return
	}
	folder := s.deps.Config.Raw().DownloadFolder
	entries, err := os.ReadDir(folder)
	if err != nil && !os.IsNotExist(err) {
		sendError(w, err)
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(folder, e.Name())); err != nil {
			sendError(w, err)
			return
		}
	}
	l.Infoln("Emptied download folder", folder)
	sendResult(w, http.StatusOK, nil)
}

// optionalIDParam parses an optional integer query parameter, nil when
// absent.
func optionalIDParam(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := intParam(r, name, 0)
	if err != nil {
		return nil, err
	}
	id := int64(n)
	return &id, nil
}

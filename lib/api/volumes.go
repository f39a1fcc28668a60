// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"errors"
	"net/http"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/library"
	"github.com/longbox/longbox/lib/tasks"
)

func (s *service) getVolumes(w http.ResponseWriter, r *http.Request) {
	volumes, err := s.deps.Library.Volumes(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(volumes))
}

func (s *service) getVolumesSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "query parameter is required"))
		return
	}
	results, err := s.deps.Library.SearchVolumes(r.Context(), query)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(results))
}

func (s *service) getVolumesStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Library.Stats(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, stats)
}

func (s *service) postVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ComicVineID      int64                 `json:"comicvine_id"`
		RootFolderID     int64                 `json:"root_folder_id"`
		Monitor          *bool                 `json:"monitor"`
		MonitorScheme    comic.MonitorScheme   `json:"monitoring_scheme"`
		MonitorNewIssues *bool                 `json:"monitor_new_issues"`
		VolumeFolder     string                `json:"volume_folder"`
		SpecialVersion   *comic.SpecialVersion `json:"special_version"`
		AutoSearch       bool                  `json:"auto_search"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.ComicVineID == 0 {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "comicvine_id is required"))
		return
	}
	if body.RootFolderID == 0 {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "root_folder_id is required"))
		return
	}

	opts := library.AddVolumeOptions{
		ComicVineID:      body.ComicVineID,
		RootFolderID:     body.RootFolderID,
		Monitored:        true,
		MonitorScheme:    comic.MonitorAll,
		MonitorNewIssues: true,
		VolumeFolder:     body.VolumeFolder,
		SpecialVersion:   body.SpecialVersion,
	}
	if body.Monitor != nil {
		opts.Monitored = *body.Monitor
	}
	if body.MonitorScheme != "" {
		opts.MonitorScheme = body.MonitorScheme
	}
	if body.MonitorNewIssues != nil {
		opts.MonitorNewIssues = *body.MonitorNewIssues
	}

	vol, err := s.deps.Library.AddVolume(r.Context(), opts)
	if err != nil {
		sendError(w, err)
		return
	}

	if body.AutoSearch {
		if task, err := tasks.NewFromAction(r.Context(), s.deps, "search_volume", &vol.ID, nil); err == nil {
			if _, err := s.mgr.Add(task); err != nil {
				l.Warnln("Queueing auto search for new volume:", err)
			}
		}
	}
	sendResult(w, http.StatusCreated, vol)
}

// issueDetail is an issue with the files that cover it.
type issueDetail struct {
	db.Issue
	Files []db.File `json:"files"`
}

// volumeDetail is the single volume response: the volume row with its
// issues, their files and the unlinked general files.
type volumeDetail struct {
	db.Volume
	Issues       []issueDetail    `json:"issues"`
	GeneralFiles []db.GeneralFile `json:"general_files"`
}

func (s *service) volumeDetail(r *http.Request, id int64) (volumeDetail, error) {
	vol, err := s.deps.DB.Volume(r.Context(), id)
	if err != nil {
		return volumeDetail{}, err
	}
	issues, err := s.deps.DB.IssuesForVolume(r.Context(), id)
	if err != nil {
		return volumeDetail{}, err
	}
	detail := volumeDetail{Volume: vol, Issues: make([]issueDetail, len(issues))}
	for i, issue := range issues {
		files, err := s.deps.DB.FilesForIssue(r.Context(), issue.ID)
		if err != nil {
			return volumeDetail{}, err
		}
		detail.Issues[i] = issueDetail{Issue: issue, Files: emptySlice(files)}
	}
	general, err := s.deps.DB.GeneralFilesForVolume(r.Context(), id)
	if err != nil {
		return volumeDetail{}, err
	}
	detail.GeneralFiles = emptySlice(general)
	return detail, nil
}

func (s *service) getVolume(w http.ResponseWriter, r *http.Request) {
	// search and stats share the wildcard slot with volume ids.
	switch pathParam(r) {
	case "search":
		s.getVolumesSearch(w, r)
		return
	case "stats":
		s.getVolumesStats(w, r)
		return
	}
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	detail, err := s.volumeDetail(r, id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, detail)
}

func (s *service) putVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var edits library.VolumeEdits
	if err := decodeBody(r, &edits); err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.Library.UpdateVolume(r.Context(), id, edits); err != nil {
		sendError(w, err)
		return
	}
	detail, err := s.volumeDetail(r, id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, detail)
}

func (s *service) deleteVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	deleteFolder, err := boolParam(r, "delete_folder", false)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.deps.Library.DeleteVolume(r.Context(), id, deleteFolder); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

// getVolumeCover serves the stored cover image raw, outside the response
// envelope.
func (s *service) getVolumeCover(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	cover, err := s.deps.DB.VolumeCover(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(cover))
	w.WriteHeader(http.StatusOK)
	w.Write(cover)
}

func (s *service) getVolumeRename(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	renames, _, err := s.deps.Namer.PreviewMassRename(r.Context(), id, 0, nil)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(renames))
}

func (s *service) postVolumeRename(w http.ResponseWriter, r *http.Request) {
	s.queueVolumeTask(w, r, "rename_volume")
}

func (s *service) getVolumeConvert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	previews, err := s.deps.Converter.PreviewMassConvert(r.Context(), id, 0)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(previews))
}

func (s *service) postVolumeConvert(w http.ResponseWriter, r *http.Request) {
	s.queueVolumeTask(w, r, "convert_volume")
}

func (s *service) getVolumeManualSearch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	results, err := s.deps.Searcher.ManualSearch(r.Context(), id, 0)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(results))
}

func (s *service) postVolumeDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	s.addDownload(w, r, id, nil)
}

// queueVolumeTask queues the named background task for the volume in the
// path.
func (s *service) queueVolumeTask(w http.ResponseWriter, r *http.Request, action string) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	task, err := tasks.NewFromAction(r.Context(), s.deps, action, &id, nil)
	if err != nil {
		sendError(w, err)
		return
	}
	status, err := s.mgr.Add(task)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, status)
}

// addDownload decodes the download request body and queues it for the
// given volume or issue.
func (s *service) addDownload(w http.ResponseWriter, r *http.Request, volumeID int64, issueID *int64) {
	var body struct {
		Link       string `json:"link"`
		ForceMatch bool   `json:"force_match"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	s.enqueueDownload(w, r, volumeID, issueID, body.Link, body.ForceMatch)
}

// enqueueDownload queues a download and translates the expected failures
// into a successful response carrying the failure reason, so clients can
// tell "the link is dead" from "the request was malformed".
func (s *service) enqueueDownload(w http.ResponseWriter, r *http.Request, volumeID int64, issueID *int64, link string, forceMatch bool) {
	if link == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "link is required"))
		return
	}

	downloads, err := s.deps.Queue.AddDownload(r.Context(), volumeID, issueID, link, forceMatch)
	if err != nil {
		for _, kind := range []*errdef.Kind{errdef.LinkBroken, errdef.FailedGCPage, errdef.DownloadLimitReached} {
			if errors.Is(err, kind) {
				sendResult(w, http.StatusOK, map[string]any{
					"fail_reason": kind.Name(),
					"downloads":   []struct{}{},
				})
				return
			}
		}
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusCreated, map[string]any{
		"fail_reason": nil,
		"downloads":   emptySlice(downloads),
	})
}

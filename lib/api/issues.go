// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/tasks"
)

func (s *service) getIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	issue, err := s.deps.DB.Issue(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	files, err := s.deps.DB.FilesForIssue(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, issueDetail{Issue: issue, Files: emptySlice(files)})
}

func (s *service) putIssue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var body struct {
		Monitored *bool `json:"monitored"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if body.Monitored == nil {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "monitored is required"))
		return
	}
	if err := s.deps.Library.SetIssueMonitored(r.Context(), id, *body.Monitored); err != nil {
		sendError(w, err)
		return
	}
	issue, err := s.deps.DB.Issue(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, issue)
}

func (s *service) getIssueRename(w http.ResponseWriter, r *http.Request) {
	id, issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	renames, _, err := s.deps.Namer.PreviewMassRename(r.Context(), issue.VolumeID, id, nil)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(renames))
}

func (s *service) postIssueRename(w http.ResponseWriter, r *http.Request) {
	s.queueIssueTask(w, r, "rename_issue")
}

func (s *service) getIssueConvert(w http.ResponseWriter, r *http.Request) {
	id, issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	previews, err := s.deps.Converter.PreviewMassConvert(r.Context(), issue.VolumeID, id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(previews))
}

func (s *service) postIssueConvert(w http.ResponseWriter, r *http.Request) {
	s.queueIssueTask(w, r, "convert_issue")
}

func (s *service) getIssueManualSearch(w http.ResponseWriter, r *http.Request) {
	id, issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	results, err := s.deps.Searcher.ManualSearch(r.Context(), issue.VolumeID, id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(results))
}

func (s *service) postIssueDownload(w http.ResponseWriter, r *http.Request) {
	id, issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	s.addDownload(w, r, issue.VolumeID, &id)
}

func (s *service) issueFromPath(w http.ResponseWriter, r *http.Request) (int64, db.Issue, bool) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return 0, db.Issue{}, false
	}
	issue, err := s.deps.DB.Issue(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return 0, db.Issue{}, false
	}
	return id, issue, true
}

func (s *service) queueIssueTask(w http.ResponseWriter, r *http.Request, action string) {
	id, issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	task, err := tasks.NewFromAction(r.Context(), s.deps, action, &issue.VolumeID, &id)
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

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/longbox/longbox/lib/build"
	"github.com/longbox/longbox/lib/locations"
	"github.com/longbox/longbox/lib/svcutil"
	"github.com/longbox/longbox/lib/tasks"
)

func (s *service) getSystemAbout(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	about := map[string]any{
		"version":      build.Version,
		"long_version": build.LongVersion,
		"codename":     build.Codename,
		"is_release":   build.IsRelease,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"hostname":     hostname,
		"uptime":       int64(time.Since(s.startTime).Seconds()),
		"data_folder":  locations.GetBaseDir(locations.DataBaseDir),
		"database":     locations.Get(locations.Database),
		"downloads":    s.deps.Config.Raw().DownloadFolder,
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		about["memory_total"] = vm.Total
		about["memory_available"] = vm.Available
	}
	sendResult(w, http.StatusOK, about)
}

func (s *service) getSystemLogs(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, emptySlice(s.systemLog.Since(time.Time{})))
}

func (s *service) getTasks(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, emptySlice(s.mgr.Tasks()))
}

func (s *service) getTask(w http.ResponseWriter, r *http.Request) {
	// history and planning share the wildcard slot with task ids.
	switch pathParam(r) {
	case "history":
		s.getTaskHistory(w, r)
		return
	case "planning":
		s.getTaskPlanning(w, r)
		return
	}
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	status, err := s.mgr.Task(id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, status)
}

func (s *service) postTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action   string `json:"action"`
		VolumeID *int64 `json:"volume_id"`
		IssueID  *int64 `json:"issue_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}

	task, err := tasks.NewFromAction(r.Context(), s.deps, body.Action, body.VolumeID, body.IssueID)
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

func (s *service) deleteTask(w http.ResponseWriter, r *http.Request) {
	if pathParam(r) == "history" {
		s.deleteTaskHistory(w, r)
		return
	}
	id, err := pathID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.mgr.Remove(id); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		sendError(w, err)
		return
	}
	entries, err := s.deps.DB.TaskHistory(r.Context(), offset, defaultPageSize)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(entries))
}

func (s *service) deleteTaskHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.ClearTaskHistory(r.Context()); err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, nil)
}

func (s *service) getTaskPlanning(w http.ResponseWriter, r *http.Request) {
	planning, err := s.planner.Planning(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, emptySlice(planning))
}

func (s *service) postPowerShutdown(w http.ResponseWriter, _ *http.Request) {
	l.Infoln("Shutdown requested via API")
	sendResult(w, http.StatusOK, nil)
	s.fatal(&svcutil.FatalErr{
		Err:    errors.New("shutdown requested"),
		Status: svcutil.ExitSuccess,
	})
}

func (s *service) postPowerRestart(w http.ResponseWriter, _ *http.Request) {
	l.Infoln("Restart requested via API")
	sendResult(w, http.StatusOK, nil)
	s.fatal(&svcutil.FatalErr{
		Err:    errors.New("restart requested"),
		Status: svcutil.ExitRestart,
	})
}

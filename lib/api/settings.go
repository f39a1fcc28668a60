// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"

	"github.com/longbox/longbox/lib/config"
	"github.com/longbox/longbox/lib/errdef"
)

func (s *service) getSettings(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, s.deps.Config.Raw())
}

func (s *service) putSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := decodeBody(r, &values); err != nil {
		sendError(w, err)
		return
	}

	// Validate against a scratch copy first so a bad key in the middle of
	// the map can't commit a partial change.
	scratch := s.deps.Config.Raw()
	if err := scratch.ApplyKeyValues(values); err != nil {
		sendError(w, err)
		return
	}

	settings, err := s.deps.Config.Modify(r.Context(), func(cs *config.Settings) {
		_ = cs.ApplyKeyValues(values)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, settings)
}

func (s *service) deleteSettings(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "key parameter is required"))
		return
	}
	settings, err := s.deps.Config.ResetKey(r.Context(), key)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, settings)
}

func (s *service) postSettingsAPIKey(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Config.RegenerateAPIKey(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendResult(w, http.StatusOK, map[string]string{
		"api_key": settings.APIKey,
	})
}

func (s *service) getAvailableFormats(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, emptySlice(s.deps.Converter.AvailableFormats()))
}

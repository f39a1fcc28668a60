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

// postAuth exchanges the auth password for the API key. When no password is
// configured the key is handed out freely; the deployment is then expected
// to sit behind some other access control.
func (s *service) postAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			sendError(w, err)
			return
		}
	}

	settings := s.deps.Config.Raw()
	if !settings.CompareAuthPassword(body.Password) {
		metricAuthFailuresTotal.Inc()
		sendError(w, errdef.New(errdef.PasswordInvalid, "wrong password"))
		return
	}

	sendResult(w, http.StatusOK, map[string]string{
		"api_key": settings.APIKey,
	})
}

// postAuthCheck is a no-op behind the API key middleware; reaching it means
// the key is valid.
func (s *service) postAuthCheck(w http.ResponseWriter, _ *http.Request) {
	sendResult(w, http.StatusOK, nil)
}

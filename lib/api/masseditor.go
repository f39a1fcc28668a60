// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"net/http"

	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/tasks"
)

// postMassEditor validates the edit and runs it in the background; progress
// arrives on the event channel. Validation failures are reported
// synchronously so the caller can fix the request.
func (s *service) postMassEditor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action    string `json:"action"`
		VolumeIDs []int64 `json:"volume_ids"`
		tasks.EditArgs
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if len(body.VolumeIDs) == 0 {
		sendError(w, errdef.New(errdef.InvalidKeyValue, "volume_ids are required"))
		return
	}
	if err := s.massEditor.Check(body.Action, body.EditArgs); err != nil {
		sendError(w, err)
		return
	}

	go func() {
		if err := s.massEditor.Run(context.Background(), body.Action, body.VolumeIDs, body.EditArgs); err != nil {
			l.Warnln("Mass editor:", err)
		}
	}()
	sendResult(w, http.StatusAccepted, nil)
}

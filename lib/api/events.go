// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware already gates this endpoint; browser clients
	// connect cross origin from whatever serves the frontend.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// getEvents upgrades to a websocket and streams events as JSON. The
// optional events parameter is a comma separated list of event type names
// to subscribe to; absent means everything.
func (s *service) getEvents(w http.ResponseWriter, r *http.Request) {
	var mask events.EventType = events.AllEvents
	if param := r.URL.Query().Get("events"); param != "" {
		mask = 0
		for _, name := range strings.Split(param, ",") {
			t := events.UnmarshalEventType(strings.TrimSpace(name))
			if t == 0 {
				sendError(w, errdef.New(errdef.InvalidKeyValue, "unknown event type %q", name))
				return
			}
			mask |= t
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		l.Debugln("Websocket upgrade:", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(mask)
	defer sub.Unsubscribe()

	// The read side exists only to learn about the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				l.Debugln("Websocket write:", err)
				return
			}
		}
	}
}

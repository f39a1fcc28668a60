// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package longbox

import (
	"context"
	"fmt"

	"github.com/longbox/longbox/lib/events"
)

// verboseService narrates bus events as VERBOSE log lines.
type verboseService struct {
	evLogger events.Logger
}

func newVerboseService(evLogger events.Logger) *verboseService {
	return &verboseService{evLogger: evLogger}
}

func (s *verboseService) Serve(ctx context.Context) error {
	sub := s.evLogger.Subscribe(events.AllEvents)
	defer sub.Unsubscribe()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			l.Verboseln(formatEvent(ev))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *verboseService) String() string {
	return fmt.Sprintf("verboseService@%p", s)
}

func formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.Starting:
		return "Starting up"
	case events.StartupComplete:
		return "Startup complete"
	case events.SettingsUpdated:
		return fmt.Sprintf("Settings updated: %v", ev.Data)
	default:
		return fmt.Sprintf("%v: %v", ev.Type, ev.Data)
	}
}

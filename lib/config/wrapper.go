// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"context"
	"sync"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
)

// A Committer is a subscriber to settings changes. VerifyConfiguration is
// called first on all Committers; any error aborts the change.
// CommitConfiguration is called after the change has been stored.
type Committer interface {
	VerifyConfiguration(from, to Settings) error
	CommitConfiguration(from, to Settings) bool
	String() string
}

// ModifyFunction gets a settings copy to mutate in place.
type ModifyFunction func(*Settings)

// Wrapper is the accessor around the stored settings. All reads and
// modifications go through it; it owns verification, persistence, committer
// notification and the SETTINGS_UPDATED event.
type Wrapper struct {
	database *db.DB
	evLogger events.Logger

	mut      sync.Mutex
	settings Settings
	subs     []Committer
}

// Load reads the stored settings, overlays them onto the defaults, generates
// an API key when none exists yet, and writes the canonical form back so
// that new keys get their default rows.
func Load(ctx context.Context, database *db.DB, evLogger events.Logger) (*Wrapper, error) {
	stored, err := database.SettingsMap(ctx)
	if err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if err := settings.fromMap(stored); err != nil {
		return nil, err
	}
	if settings.APIKey == "" {
		settings.APIKey = GenerateAPIKey()
		l.Infoln("Generated API key")
	}
	if err := settings.prepare(); err != nil {
		return nil, err
	}

	w := &Wrapper{
		database: database,
		evLogger: evLogger,
		settings: settings,
	}
	return w, w.store(ctx, settings.toMap())
}

func (w *Wrapper) store(ctx context.Context, values map[string]string) error {
	return w.database.WithTx(ctx, func(tx *db.Tx) error {
		return tx.SetSettings(ctx, values)
	})
}

// Raw returns a copy of the current settings.
func (w *Wrapper) Raw() Settings {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.settings.Copy()
}

// Subscribe registers a Committer for verification and change notification.
func (w *Wrapper) Subscribe(c Committer) {
	w.mut.Lock()
	w.subs = append(w.subs, c)
	w.mut.Unlock()
}

// Unsubscribe deregisters a Committer.
func (w *Wrapper) Unsubscribe(c Committer) {
	w.mut.Lock()
	for i := range w.subs {
		if w.subs[i] == c {
			copy(w.subs[i:], w.subs[i+1:])
			w.subs[len(w.subs)-1] = nil
			w.subs = w.subs[:len(w.subs)-1]
			break
		}
	}
	w.mut.Unlock()
}

// Modify runs fn on a copy of the settings and commits the result: static
// verification, committer verification, persistence, then notification. On
// any error the stored settings are untouched.
func (w *Wrapper) Modify(ctx context.Context, fn ModifyFunction) (Settings, error) {
	w.mut.Lock()
	from := w.settings.Copy()
	to := from.Copy()
	fn(&to)

	if err := to.prepare(); err != nil {
		w.mut.Unlock()
		return Settings{}, err
	}
	if err := to.verify(); err != nil {
		w.mut.Unlock()
		return Settings{}, err
	}
	subs := append([]Committer{}, w.subs...)
	for _, sub := range subs {
		if err := sub.VerifyConfiguration(from.Copy(), to.Copy()); err != nil {
			w.mut.Unlock()
			l.Debugln("Settings change vetoed by", sub, "-", err)
			return Settings{}, err
		}
	}

	changed := changedKeys(from, to)
	if len(changed) == 0 {
		w.mut.Unlock()
		return to, nil
	}

	values := to.toMap()
	store := make(map[string]string, len(changed))
	for _, key := range changed {
		store[key] = values[key]
	}
	if err := w.store(ctx, store); err != nil {
		w.mut.Unlock()
		return Settings{}, err
	}
	w.settings = to
	w.mut.Unlock()

	l.Debugln("Settings changed:", changed)
	for _, sub := range subs {
		sub.CommitConfiguration(from.Copy(), to.Copy())
	}
	if w.evLogger != nil {
		w.evLogger.Log(events.SettingsUpdated, map[string]any{"changed": changed})
	}
	return to, nil
}

// RegenerateAPIKey replaces the API key, invalidating the previous one.
func (w *Wrapper) RegenerateAPIKey(ctx context.Context) (Settings, error) {
	return w.Modify(ctx, func(s *Settings) {
		s.APIKey = GenerateAPIKey()
	})
}

// ResetKey restores a single settings key to its default value. Unknown
// keys yield InvalidSettingKey, immutable keys InvalidSettingModification.
func (w *Wrapper) ResetKey(ctx context.Context, key string) (Settings, error) {
	f, ok := fieldsByKey[key]
	if !ok {
		return Settings{}, errdef.New(errdef.InvalidSettingKey, "%s", key)
	}
	if f.immutable {
		return Settings{}, errdef.New(errdef.InvalidSettingModification, "%s", key)
	}
	defaults := DefaultSettings()
	return w.Modify(ctx, func(s *Settings) {
		_ = f.set(s, f.get(&defaults))
	})
}

func changedKeys(from, to Settings) []string {
	fromMap, toMap := from.toMap(), to.toMap()
	var changed []string
	for _, f := range fieldDefs {
		if fromMap[f.key] != toMap[f.key] {
			changed = append(changed, f.key)
		}
	}
	return changed
}

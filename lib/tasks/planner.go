// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
)

// checkInterval is how often the planner looks for due tasks.
const checkInterval = 30 * time.Second

// recurring is the built-in schedule, intervals in seconds.
var recurring = map[string]struct {
	interval    int64
	displayName string
}{
	"refresh_and_scan": {86400, "Update library"},
	"search_all":       {86400, "Search all volumes"},
}

// A Planner queues the recurring tasks when their time comes. The schedule
// is persisted so restarts do not reset it.
type Planner struct {
	db   *db.DB
	mgr  *Manager
	deps Deps

	// Swappable in tests.
	build func(ctx context.Context, action string) (Task, error)
	now   func() time.Time
}

func NewPlanner(deps Deps, mgr *Manager) *Planner {
	p := &Planner{
		db:   deps.DB,
		mgr:  mgr,
		deps: deps,
		now:  time.Now,
	}
	p.build = func(ctx context.Context, action string) (Task, error) {
		return NewFromAction(ctx, p.deps, action, nil, nil)
	}
	return p
}

func (p *Planner) String() string {
	return "tasks.Planner"
}

func (p *Planner) Serve(ctx context.Context) error {
	if err := p.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if err := p.queueDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Warnln("Planning recurring tasks:", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// register makes sure every recurring task has a persisted schedule. A new
// task first runs one interval from now; an existing schedule survives.
func (p *Planner) register(ctx context.Context) error {
	for name, r := range recurring {
		err := p.db.UpsertTaskInterval(ctx, db.TaskInterval{
			TaskName: name,
			Interval: r.interval,
			NextRun:  p.now().Unix() + r.interval,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) queueDue(ctx context.Context) error {
	intervals, err := p.db.TaskIntervals(ctx)
	if err != nil {
		return err
	}
	now := p.now().Unix()
	for _, t := range sortedIntervals(intervals) {
		if t.NextRun > now {
			continue
		}
		task, err := p.build(ctx, t.TaskName)
		if err != nil {
			l.Warnln("Building recurring task", t.TaskName+":", err)
			continue
		}
		if _, err := p.mgr.Add(task); err != nil && !errors.Is(err, errdef.TaskForVolumeRunning) {
			return err
		}
		if err := p.db.SetTaskNextRun(ctx, t.TaskName, now+t.Interval); err != nil {
			return err
		}
	}
	return nil
}

// Planning is one row of the schedule view.
type Planning struct {
	TaskName    string `json:"task_name"`
	DisplayName string `json:"display_name"`
	Interval    int64  `json:"interval"`
	LastRun     int64  `json:"last_run"`
	NextRun     int64  `json:"next_run"`
}

// Planning returns the persisted schedule for all recurring tasks.
func (p *Planner) Planning(ctx context.Context) ([]Planning, error) {
	intervals, err := p.db.TaskIntervals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Planning, 0, len(intervals))
	for _, t := range sortedIntervals(intervals) {
		displayName := t.TaskName
		if r, ok := recurring[t.TaskName]; ok {
			displayName = r.displayName
		}
		out = append(out, Planning{
			TaskName:    t.TaskName,
			DisplayName: displayName,
			Interval:    t.Interval,
			LastRun:     t.NextRun - t.Interval,
			NextRun:     t.NextRun,
		})
	}
	return out, nil
}

func sortedIntervals(intervals map[string]db.TaskInterval) []db.TaskInterval {
	out := make([]db.TaskInterval, 0, len(intervals))
	for _, t := range intervals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out
}

// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"context"
	"testing"
	"time"
)

func TestPlannerQueuesDueTasks(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	ctx := context.Background()

	p := NewPlanner(Deps{DB: database}, mgr)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }
	p.build = func(_ context.Context, action string) (Task, error) {
		return &stubTask{action: action, title: action}, nil
	}

	if err := p.register(ctx); err != nil {
		t.Fatal(err)
	}

	// Nothing is due right after registration.
	if err := p.queueDue(ctx); err != nil {
		t.Fatal(err)
	}
	if got := mgr.Tasks(); len(got) != 0 {
		t.Fatalf("queued too early: %+v", got)
	}

	// A day later both recurring tasks are due.
	now = now.Add(25 * time.Hour)
	if err := p.queueDue(ctx); err != nil {
		t.Fatal(err)
	}
	queued := make(map[string]bool)
	for _, st := range mgr.Tasks() {
		queued[st.Action] = true
	}
	if !queued["refresh_and_scan"] || !queued["search_all"] {
		t.Fatalf("queued = %v", queued)
	}

	// The next run moved forward, so a second pass queues nothing new and
	// does not trip over the still-queued duplicates.
	if err := p.queueDue(ctx); err != nil {
		t.Fatal(err)
	}
	if got := mgr.Tasks(); len(got) != 2 {
		t.Fatalf("got %d queued tasks, want 2", len(got))
	}

	intervals, err := database.TaskIntervals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for name, iv := range intervals {
		if iv.NextRun <= now.Unix() {
			t.Errorf("%s next run %d not advanced past %d", name, iv.NextRun, now.Unix())
		}
	}
}

func TestPlannerScheduleSurvivesRegister(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	ctx := context.Background()

	p := NewPlanner(Deps{DB: database}, mgr)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	if err := p.register(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := database.TaskIntervals(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A restart re-registers with the same interval; next run times must
	// not reset.
	now = now.Add(12 * time.Hour)
	if err := p.register(ctx); err != nil {
		t.Fatal(err)
	}
	after, err := database.TaskIntervals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for name, iv := range after {
		if iv.NextRun != before[name].NextRun {
			t.Errorf("%s next run reset: %d != %d", name, iv.NextRun, before[name].NextRun)
		}
	}
}

func TestPlanningView(t *testing.T) {
	mgr, database, _ := newTestManager(t)
	ctx := context.Background()

	p := NewPlanner(Deps{DB: database}, mgr)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	if err := p.register(ctx); err != nil {
		t.Fatal(err)
	}
	planning, err := p.Planning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(planning) != len(recurring) {
		t.Fatalf("got %d rows, want %d", len(planning), len(recurring))
	}
	for _, row := range planning {
		r, ok := recurring[row.TaskName]
		if !ok {
			t.Errorf("unexpected task %s", row.TaskName)
			continue
		}
		if row.Interval != r.interval {
			t.Errorf("%s interval = %d, want %d", row.TaskName, row.Interval, r.interval)
		}
		if row.DisplayName != r.displayName {
			t.Errorf("%s display name = %q", row.TaskName, row.DisplayName)
		}
		if row.NextRun-row.LastRun != row.Interval {
			t.Errorf("%s last/next run inconsistent: %d %d", row.TaskName, row.LastRun, row.NextRun)
		}
	}
}

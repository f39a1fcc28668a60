// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/longbox/longbox/lib/db"
	"github.com/longbox/longbox/lib/errdef"
	"github.com/longbox/longbox/lib/events"
)

// workerCap bounds the pool; the effective worker count is the smaller of
// this and NumCPU.
const workerCap = 4

// A Manager owns the task queue. Tasks run FIFO on a worker pool, at most
// one task per volume at a time and at most one volume-less task at a time.
type Manager struct {
	db       *db.DB
	evLogger events.Logger
	workers  int

	mut     sync.Mutex
	nextID  int64
	entries []*entry

	trigger chan struct{}
}

type entry struct {
	id      int64
	task    Task
	running bool
}

// Status is the externally visible state of a queued or running task.
type Status struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	DisplayTitle string `json:"display_title"`
	VolumeID     *int64 `json:"volume_id"`
	IssueID      *int64 `json:"issue_id"`
	Running      bool   `json:"running"`
}

func NewManager(database *db.DB, evLogger events.Logger) *Manager {
	return &Manager{
		db:       database,
		evLogger: evLogger,
		workers:  min(runtime.NumCPU(), workerCap),
		trigger:  make(chan struct{}, 1),
	}
}

func (m *Manager) String() string {
	return "tasks.Manager"
}

// Serve runs the worker pool until the context is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) worker(ctx context.Context) {
	for {
		e := m.claim()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.trigger:
				continue
			}
		}
		m.run(ctx, e)
	}
}

// claim marks the first runnable entry as running and returns it, or nil
// when every pending task is blocked behind its lane.
func (m *Manager) claim() *entry {
	m.mut.Lock()
	defer m.mut.Unlock()

	busyVolumes := make(map[int64]bool)
	busyGlobal := false
	for _, e := range m.entries {
		if !e.running {
			continue
		}
		if vid := e.task.VolumeID(); vid != nil {
			busyVolumes[*vid] = true
		} else {
			busyGlobal = true
		}
	}

	for _, e := range m.entries {
		if e.running {
			continue
		}
		if vid := e.task.VolumeID(); vid != nil {
			if busyVolumes[*vid] {
				continue
			}
		} else if busyGlobal {
			continue
		}
		e.running = true
		return e
	}
	return nil
}

func (m *Manager) run(ctx context.Context, e *entry) {
	st := m.statusFor(e)
	m.evLogger.Log(events.TaskStatus, map[string]any{
		"id":      st.ID,
		"message": st.DisplayTitle,
	})
	l.Infoln("Running task:", st.DisplayTitle)
	metricTasksRunTotal.WithLabelValues(st.Action).Inc()

	start := time.Now()
	err := e.task.Run(ctx)
	switch {
	case err == nil:
		l.Debugf("Task %q finished in %v", st.DisplayTitle, time.Since(start))
	case errors.Is(err, context.Canceled):
	default:
		l.Warnf("Task %q failed: %v", st.DisplayTitle, err)
		metricTasksFailedTotal.WithLabelValues(st.Action).Inc()
	}

	if ctx.Err() == nil {
		herr := m.db.AddTaskHistory(ctx, db.TaskHistoryEntry{
			TaskName:     st.Action,
			DisplayTitle: st.DisplayTitle,
			RunAt:        time.Now().Unix(),
		})
		if herr != nil {
			l.Warnln("Recording task history:", herr)
		}
	}

	m.mut.Lock()
	m.removeLocked(e.id)
	m.mut.Unlock()
	m.evLogger.Log(events.TaskEnded, st)
	m.poke()
}

// Add queues a task. A task with the same action and volume already queued
// or running is refused.
func (m *Manager) Add(task Task) (Status, error) {
	m.mut.Lock()
	for _, e := range m.entries {
		if e.task.Action() == task.Action() && sameTarget(e.task.VolumeID(), task.VolumeID()) {
			m.mut.Unlock()
			return Status{}, errdef.New(errdef.TaskForVolumeRunning, "%s is already queued", task.DisplayTitle())
		}
	}
	m.nextID++
	e := &entry{id: m.nextID, task: task}
	m.entries = append(m.entries, e)
	st := m.statusFor(e)
	m.mut.Unlock()

	l.Infoln("Added task:", task.DisplayTitle())
	m.evLogger.Log(events.TaskAdded, st)
	m.poke()
	return st, nil
}

// Tasks returns the queue in order, running tasks first by construction.
func (m *Manager) Tasks() []Status {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.statusFor(e))
	}
	return out
}

func (m *Manager) Task(id int64) (Status, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for _, e := range m.entries {
		if e.id == id {
			return m.statusFor(e), nil
		}
	}
	return Status{}, errdef.New(errdef.TaskNotFound, "task %d", id)
}

// Remove takes a pending task out of the queue. A running task cannot be
// removed.
func (m *Manager) Remove(id int64) error {
	m.mut.Lock()
	var st Status
	found := false
	for _, e := range m.entries {
		if e.id != id {
			continue
		}
		if e.running {
			m.mut.Unlock()
			return errdef.New(errdef.TaskNotDeletable, "task %d is running", id)
		}
		st = m.statusFor(e)
		found = true
		break
	}
	if !found {
		m.mut.Unlock()
		return errdef.New(errdef.TaskNotFound, "task %d", id)
	}
	m.removeLocked(id)
	m.mut.Unlock()

	m.evLogger.Log(events.TaskEnded, st)
	return nil
}

func (m *Manager) removeLocked(id int64) {
	for i, e := range m.entries {
		if e.id == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (m *Manager) statusFor(e *entry) Status {
	return Status{
		ID:           e.id,
		Action:       e.task.Action(),
		DisplayTitle: e.task.DisplayTitle(),
		VolumeID:     e.task.VolumeID(),
		IssueID:      e.task.IssueID(),
		Running:      e.running,
	}
}

func (m *Manager) poke() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func sameTarget(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

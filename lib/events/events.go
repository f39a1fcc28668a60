// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type EventType int64

const (
	Starting EventType = 1 << iota
	StartupComplete
	QueueAdded
	QueueStatus
	QueueEnded
	TaskAdded
	TaskStatus
	TaskEnded
	MassEditorStatus
	DownloadedStatus
	SettingsUpdated
	VolumeUpdated
	VolumeDeleted
	IssueUpdated
	IssueDeleted

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case Starting:
		return "starting"
	case StartupComplete:
		return "startup_complete"
	case QueueAdded:
		return "queue_added"
	case QueueStatus:
		return "queue_status"
	case QueueEnded:
		return "queue_ended"
	case TaskAdded:
		return "task_added"
	case TaskStatus:
		return "task_status"
	case TaskEnded:
		return "task_ended"
	case MassEditorStatus:
		return "mass_editor_status"
	case DownloadedStatus:
		return "downloaded_status"
	case SettingsUpdated:
		return "settings_updated"
	case VolumeUpdated:
		return "volume_updated"
	case VolumeDeleted:
		return "volume_deleted"
	case IssueUpdated:
		return "issue_updated"
	case IssueDeleted:
		return "issue_deleted"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(bs []byte) error {
	*t = UnmarshalEventType(string(bs))
	if *t == 0 {
		return fmt.Errorf("unknown event type %q", string(bs))
	}
	return nil
}

func UnmarshalEventType(s string) EventType {
	for t := Starting; t < AllEvents; t <<= 1 {
		if t.String() == s {
			return t
		}
	}
	return 0
}

// BufferSize is the size of the bounded channel between producers and the
// dispatch loop. A full channel back-pressures the producers; events are
// never dropped.
const BufferSize = 64

// SubscriptionBufferSize is the per subscriber channel depth.
const SubscriptionBufferSize = 64

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions.
	GlobalID int       `json:"globalID"`
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	Data     any       `json:"data"`
}

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

// A Logger fans events out to subscribers. Logging is cheap while the
// internal buffer has room; once it is full the producer blocks until the
// dispatch loop catches up. The Logger must be running (Serve) for events to
// be delivered.
type Logger interface {
	Serve(ctx context.Context) error
	Log(t EventType, data any)
	Subscribe(mask EventType) *Subscription
}

type logger struct {
	events       chan Event
	subs         []*Subscription
	nextSubIDs   []int
	nextGlobalID int
	mut          sync.Mutex
}

func NewLogger() Logger {
	return &logger{
		events: make(chan Event, BufferSize),
	}
}

func (l *logger) Serve(ctx context.Context) error {
	for {
		select {
		case e := <-l.events:
			l.dispatch(e)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Log queues the event for delivery. It blocks only when the internal
// buffer is full.
func (l *logger) Log(t EventType, data any) {
	dl.Debugln("log", t, data)
	l.events <- Event{
		Time: time.Now(),
		Type: t,
		Data: data,
	}
}

func (l *logger) dispatch(e Event) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.nextGlobalID++
	e.GlobalID = l.nextGlobalID

	for i, s := range l.subs {
		if s.mask&e.Type == 0 {
			continue
		}
		e.SubscriptionID = l.nextSubIDs[i]
		l.nextSubIDs[i]++

		// The send blocks when the subscriber is slow; an unsubscribe
		// releases it. Events are not dropped.
		select {
		case s.events <- e:
		case <-s.stopped:
		}
	}
}

func (l *logger) Subscribe(mask EventType) *Subscription {
	l.mut.Lock()
	defer l.mut.Unlock()
	dl.Debugln("subscribe", mask)

	s := &Subscription{
		logger:  l,
		mask:    mask,
		events:  make(chan Event, SubscriptionBufferSize),
		stopped: make(chan struct{}),
	}
	l.subs = append(l.subs, s)
	l.nextSubIDs = append(l.nextSubIDs, 1)
	return s
}

func (l *logger) unsubscribe(s *Subscription) {
	l.mut.Lock()
	defer l.mut.Unlock()
	dl.Debugln("unsubscribe", s.mask)

	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1

			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]

			l.nextSubIDs[i] = l.nextSubIDs[last]
			l.nextSubIDs[last] = 0
			l.nextSubIDs = l.nextSubIDs[:last]

			break
		}
	}
}

type Subscription struct {
	logger   *logger
	mask     EventType
	events   chan Event
	stopped  chan struct{}
	stopOnce sync.Once
}

// Mask returns the event mask the subscription was created with.
func (s *Subscription) Mask() EventType {
	return s.mask
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Poll returns an event from the subscription or an error if the poll times
// out or the subscription has been unsubscribed. Poll should not be called
// concurrently from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	dl.Debugln("poll", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-s.events:
		return e, nil
	case <-s.stopped:
		// Drain what was delivered before the unsubscribe.
		select {
		case e := <-s.events:
			return e, nil
		default:
		}
		return Event{}, ErrClosed
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

// Unsubscribe detaches the subscription. Pending events may still be read
// from the channel afterwards; Poll returns ErrClosed once it runs dry.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		// The stop channel is closed before the subscriber list is updated
		// so that a dispatch blocked on this subscription gets released.
		close(s.stopped)
		s.logger.unsubscribe(s)
	})
}

type bufferedSubscription struct {
	sub  *Subscription
	buf  []Event
	next int
	cur  int // Current SubscriptionID
	mut  sync.Mutex
	cond *sync.Cond
}

type BufferedSubscription interface {
	Since(id int, into []Event) []Event
}

func NewBufferedSubscription(s *Subscription, size int) BufferedSubscription {
	bs := &bufferedSubscription{
		sub: s,
		buf: make([]Event, size),
	}
	bs.cond = sync.NewCond(&bs.mut)
	go bs.pollingLoop()
	return bs
}

func (s *bufferedSubscription) pollingLoop() {
	for {
		ev, err := s.sub.Poll(time.Minute)
		if err == ErrTimeout {
			continue
		}
		if err == ErrClosed {
			return
		}

		s.mut.Lock()
		s.buf[s.next] = ev
		s.next = (s.next + 1) % len(s.buf)
		s.cur = ev.SubscriptionID
		s.cond.Broadcast()
		s.mut.Unlock()
	}
}

func (s *bufferedSubscription) Since(id int, into []Event) []Event {
	s.mut.Lock()
	defer s.mut.Unlock()

	for id >= s.cur {
		s.cond.Wait()
	}

	for i := s.next; i < len(s.buf); i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}
	for i := 0; i < s.next; i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}

	return into
}

// Error returns a string pointer suitable for JSON marshalling errors. It
// retains the "null on success" semantics, but ensures the error result is a
// string regardless of the underlying concrete error type.
func Error(err error) *string {
	if err == nil {
		return nil
	}
	str := err.Error()
	return &str
}

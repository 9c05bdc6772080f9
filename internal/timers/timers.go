// Package timers keeps at most one outstanding timer per purpose. Expiry is
// posted back to the owning event loop instead of running logic on the timer
// goroutine.
package timers

import (
	"sort"
	"sync"
	"time"
)

type Purpose string

const (
	Continuation Purpose = "continuation"
	UIGrace      Purpose = "ui_grace"
	ResumeIgnore Purpose = "resume_ignore"
	TurnDeferCap Purpose = "turn_defer_cap"
)

// Fired is posted when a timer expires. Seq identifies the arming so a timer
// that raced its own cancellation can be recognised and ignored.
type Fired struct {
	Purpose Purpose
	Seq     uint64
}

type Stopper interface {
	Stop() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// RealScheduler uses time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

type armed struct {
	seq  uint64
	stop Stopper
}

// Set is owned by one goroutine. post must be safe to call from any goroutine.
type Set struct {
	sched  Scheduler
	post   func(Fired)
	seq    uint64
	active map[Purpose]armed
}

func NewSet(sched Scheduler, post func(Fired)) *Set {
	if sched == nil {
		sched = RealScheduler{}
	}
	return &Set{sched: sched, post: post, active: make(map[Purpose]armed)}
}

// Replace cancels any outstanding timer for p and arms a new one.
func (s *Set) Replace(p Purpose, d time.Duration) {
	s.Cancel(p)
	s.seq++
	f := Fired{Purpose: p, Seq: s.seq}
	s.active[p] = armed{seq: f.Seq, stop: s.sched.AfterFunc(d, func() { s.post(f) })}
}

// Cancel stops the timer for p and reports whether one was outstanding.
func (s *Set) Cancel(p Purpose) bool {
	a, ok := s.active[p]
	if !ok {
		return false
	}
	a.stop.Stop()
	delete(s.active, p)
	return true
}

func (s *Set) Pending(p Purpose) bool {
	_, ok := s.active[p]
	return ok
}

// Accept consumes a fired notification. It returns false for notifications
// belonging to a timer that was since cancelled or replaced.
func (s *Set) Accept(f Fired) bool {
	a, ok := s.active[f.Purpose]
	if !ok || a.seq != f.Seq {
		return false
	}
	delete(s.active, f.Purpose)
	return true
}

func (s *Set) CancelAll() {
	for p := range s.active {
		s.Cancel(p)
	}
}

// ManualScheduler is a deterministic Scheduler driven by Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	order   int
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now.Add(d), f: f, order: len(m.pending)}
	m.pending = append(m.pending, t)
	return &manualStopper{m: m, t: t}
}

// Advance moves the clock forward and runs every due callback in deadline order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due, rest []*manualTimer
	for _, t := range m.pending {
		switch {
		case t.stopped:
		case !t.at.After(now):
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].order < due[j].order
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

// Outstanding counts armed, unstopped timers.
func (m *ManualScheduler) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualStopper struct {
	m *ManualScheduler
	t *manualTimer
}

func (s *manualStopper) Stop() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	was := !s.t.stopped
	s.t.stopped = true
	return was
}

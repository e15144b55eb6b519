package opcache

import (
	"sync"
	"time"
)

// Scheduler abstracts delayed execution so timer-driven behavior can be
// unit-tested without real timers. The returned cancel func is safe to call
// more than once and after the callback has fired.
type Scheduler interface {
	Schedule(after time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

// NewTimerScheduler returns the production Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(after time.Duration, fn func()) func() {
	if after < 0 {
		after = 0
	}
	timer := time.AfterFunc(after, fn)
	return func() { timer.Stop() }
}

// ManualScheduler queues callbacks and fires them only when told to. Tests
// drive it tick by tick.
type ManualScheduler struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]manualEntry
}

type manualEntry struct {
	after time.Duration
	fn    func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: map[int]manualEntry{}}
}

func (m *ManualScheduler) Schedule(after time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.pending[id] = manualEntry{after: after, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.pending, id)
	}
}

// Pending reports how many callbacks are queued.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// FireAll runs every queued callback in scheduling order, including any
// callbacks those callbacks queue in turn, up to a bounded number of rounds.
func (m *ManualScheduler) FireAll() {
	for range [64]struct{}{} {
		if m.FireNext() == 0 {
			return
		}
	}
}

// FireNext runs the currently queued callbacks once and returns how many ran.
// Callbacks scheduled during the sweep stay queued for the next call.
func (m *ManualScheduler) FireNext() int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sortInts(ids)
	batch := make([]func(), 0, len(ids))
	for _, id := range ids {
		batch = append(batch, m.pending[id].fn)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

func sortInts(values []int) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

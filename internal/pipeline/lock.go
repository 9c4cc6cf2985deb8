package pipeline

import (
	"sync"
	"time"
)

type dateRange struct {
	from time.Time
	to   time.Time
}

func (r dateRange) overlaps(o dateRange) bool {
	return !r.from.After(o.to) && !o.from.After(r.to)
}

// rangeLocker admits at most one holder per overlapping inclusive date range.
type rangeLocker struct {
	mu     sync.Mutex
	next   uint64
	active map[uint64]dateRange
}

func newRangeLocker() *rangeLocker {
	return &rangeLocker{active: make(map[uint64]dateRange)}
}

// TryLock claims [from, to] if no active claim overlaps it.
func (l *rangeLocker) TryLock(from, to time.Time) (release func(), ok bool) {
	want := dateRange{from: from, to: to}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.active {
		if r.overlaps(want) {
			return nil, false
		}
	}

	l.next++
	id := l.next
	l.active[id] = want

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, id)
			l.mu.Unlock()
		})
	}, true
}

func (l *rangeLocker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

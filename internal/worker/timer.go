package worker

import "time"

// timer is a logical "next due" deadline checked by the polling loop.
type timer struct {
	interval time.Duration
	next     time.Time
}

// newTimer returns a timer first due at first.
func newTimer(interval time.Duration, first time.Time) *timer {
	return &timer{interval: interval, next: first}
}

// Due reports whether the deadline has passed. A non-positive interval
// disables the timer.
func (t *timer) Due(now time.Time) bool {
	return t.interval > 0 && !now.Before(t.next)
}

// Reset schedules the next deadline one interval after now.
func (t *timer) Reset(now time.Time) {
	t.next = now.Add(t.interval)
}

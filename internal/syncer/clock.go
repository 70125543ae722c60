// Package syncer is the adaptive sync coordinator: it decides the order,
// pacing and batching with which the replicated collection moves through the
// transports. Large collections are classified by priority and delivered in
// pages; background work drains sequentially with explicit delays; batch
// operations retry with backoff under a concurrency cap; and observed network
// latency feeds back into recommended batch sizes.
package syncer

import "time"

// Clock abstracts wall time and timers so retry, backoff and debounce logic
// is testable without real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// systemClock is the production clock.
type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

/*
Package scheduler provides a named one-shot timer registry.

Subscription handshakes and notification deliveries are retried on a fixed
interval. Each pending attempt is a timer registered under a stable id such as
"handshake:12" or "notification:40", so scheduling the same id again replaces
the previous attempt and cancelling it is a single map delete.

# Usage

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	sched.Schedule("handshake:12", 0, func() { mgr.handshake(12) })
	sched.Schedule("handshake:12", 5*time.Second, retry) // replaces the first
	sched.Cancel("handshake:12")                          // no-op if absent

# Concurrency

Every entry carries a generation number. A timer that fires while its id is
being replaced or cancelled finds a different generation (or no entry) in the
table and returns without running its callback. The entry is removed before
the callback runs, which makes Schedule and Cancel safe to call from inside the
callback that is currently executing.

Callbacks run on the timer's own goroutine, so a slow webhook never delays
another subscription's retry. A panicking callback is recovered and logged.
*/
package scheduler

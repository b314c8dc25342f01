package worker

import (
	"context"
	"errors"
)

var (
	ErrDispatcherBusy    = errors.New("worker: queue is full")
	ErrDispatcherStopped = errors.New("worker: dispatcher stopped")
	ErrJobCanceled       = errors.New("worker: job canceled")
)

// Job is one unit of background work attributed to a user. Jobs of different users are
// interleaved round-robin; jobs of the same user run in submission order.
type Job struct {
	UserID string
	Name   string
	Run    func(ctx context.Context) error
	// Done, when set, receives the outcome exactly once, including cancellation.
	Done func(err error)

	epoch uint64
	stop  bool
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted int64
	Rejected  int64
	Completed int64
	Failed    int64
	Canceled  int64
	Pending   int
	Workers   int
	Idle      int
}

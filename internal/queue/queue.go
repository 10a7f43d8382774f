// Package queue implements the post-commit side-effect buffer described in
// spec.md §4.3: work that must only happen once a transaction's writes are
// durable (notifying a scheduler, waking a waiting goroutine, publishing to
// a dispatcher) is enqueued during the transaction and drained in FIFO
// order immediately after commit. On rollback the queue is simply
// discarded by its owner, never drained.
package queue

import (
	"context"
	"log/slog"
)

// Func is a unit of post-commit work.
type Func func(ctx context.Context)

// Queue is a FIFO buffer of post-commit callbacks. It is not safe for
// concurrent Enqueue calls from multiple goroutines against the same
// transaction, matching the expectation that a single goroutine drives a
// single Store.Transaction body.
type Queue struct {
	fns []Func
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends f to the queue. f runs outside any transaction, after
// the owning transaction has committed.
func (q *Queue) Enqueue(f Func) {
	q.fns = append(q.fns, f)
}

// Drain runs every enqueued func in FIFO order, outside any transaction.
// A panic or error from one entry is logged and does not stop the
// remaining entries, and entries are never retried, per spec.md §4.3.
func (q *Queue) Drain(ctx context.Context) {
	for _, f := range q.fns {
		runOne(ctx, f)
	}
	q.fns = nil
}

func runOne(ctx context.Context, f Func) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("post-commit queue entry panicked", "recover", r)
		}
	}()
	f(ctx)
}

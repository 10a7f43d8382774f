// Package store provides transactional persistence for all engine
// entities (spec.md §4.1), backed by go.etcd.io/bbolt.
//
// bbolt only ever admits one writer transaction process-wide; that
// single-writer guarantee is what this package leans on to implement
// acquireLock and the named-lock primitive without a relational FOR UPDATE
// clause. See SPEC_FULL.md §4.1 for the full rationale, and §9 of spec.md
// for the sanctioned substitution of an equivalent-semantics primitive on
// backends that don't support the relational idiom.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Netcracker/qubership-mistral/internal/queue"
)

// Bucket names. Primary buckets are keyed by entity id; idx* buckets are
// secondary indices, since bbolt has no native secondary index support.
var (
	bucketWorkflowDefinitions = []byte("workflow_definitions")
	bucketWorkflowExecutions  = []byte("workflow_executions")
	bucketTaskExecutions      = []byte("task_executions")
	bucketActionExecutions    = []byte("action_executions")
	bucketScheduledJobs       = []byte("scheduled_jobs")
	bucketNamedLocks          = []byte("named_locks")

	idxTaskByWorkflow     = []byte("idx_task_by_workflow")      // wfExecID\x00taskExecID -> nil
	idxTaskByWorkflowName = []byte("idx_task_by_workflow_name") // wfExecID\x00name -> taskExecID
	idxActionByTask       = []byte("idx_action_by_task")        // taskExecID\x00actionExecID -> nil
	idxJobByExecuteAt     = []byte("idx_job_by_execute_at")     // executeAt(fixed-width RFC3339, ns)\x00jobID -> nil
	idxDefinitionByName   = []byte("idx_definition_by_name")    // name -> definitionID (latest wins)

	// bucketUniqueKeys maps a TaskExecution's UniqueKey to its id,
	// backstopping the Controller's at-most-one-task-into-a-join
	// tie-break (spec.md §4.7, invariant 4).
	bucketUniqueKeys = []byte("task_unique_keys")
)

var allBuckets = [][]byte{
	bucketWorkflowDefinitions, bucketWorkflowExecutions, bucketTaskExecutions,
	bucketActionExecutions, bucketScheduledJobs, bucketNamedLocks,
	idxTaskByWorkflow, idxTaskByWorkflowName, idxActionByTask, idxJobByExecuteAt,
	idxDefinitionByName, bucketUniqueKeys,
}

// Store is the engine's persistence layer.
type Store struct {
	db *bbolt.DB

	rowLocksMu sync.Mutex
	rowLocks   map[string]*rowLock

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

type rowLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens (creating if necessary) a bbolt-backed Store at path.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("mistral_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("mistral_store_write_ms")
	return &Store{
		db:           db,
		rowLocks:     make(map[string]*rowLock),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// txCtxKey / queueCtxKey carry the active transaction handle and post-commit
// queue through context.Context, so nested Transaction calls join the
// outer transaction instead of deadlocking on bbolt's single writer.
type txCtxKey struct{}
type queueCtxKey struct{}

// TxHandle is the handle passed to a transaction's body.
type TxHandle struct {
	tx             *bbolt.Tx
	readOnly       bool
	pendingUnlocks []func()
}

// ReadOnly reports whether this handle only permits reads.
func (h *TxHandle) ReadOnly() bool { return h.readOnly }

// Transaction runs fn within a transaction. If ctx already carries a
// transaction (a nested call), fn joins it directly instead of opening a
// new one. On successful exit the post-commit queue attached to the
// outermost transaction is drained after commit; on error or panic the
// transaction rolls back and the queue is discarded.
func (s *Store) Transaction(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx *TxHandle) error) error {
	if outer, ok := ctx.Value(txCtxKey{}).(*TxHandle); ok {
		if !readOnly && outer.readOnly {
			return fmt.Errorf("store: cannot open a writable transaction nested inside a read-only one")
		}
		return fn(ctx, outer)
	}

	start := time.Now()
	q := queue.New()
	ctx = context.WithValue(ctx, queueCtxKey{}, q)

	run := func(tx *bbolt.Tx) error {
		handle := &TxHandle{tx: tx, readOnly: readOnly}
		defer func() {
			for i := len(handle.pendingUnlocks) - 1; i >= 0; i-- {
				handle.pendingUnlocks[i]()
			}
		}()
		innerCtx := context.WithValue(ctx, txCtxKey{}, handle)
		return fn(innerCtx, handle)
	}

	var err error
	if readOnly {
		err = s.db.View(run)
	} else {
		err = s.db.Update(run)
	}

	dur := float64(time.Since(start).Milliseconds())
	if readOnly {
		s.readLatency.Record(ctx, dur, metric.WithAttributes(attribute.Bool("read_only", true)))
	} else {
		s.writeLatency.Record(ctx, dur, metric.WithAttributes(attribute.Bool("read_only", false)))
	}

	if err != nil {
		return err
	}
	// Commit happened: drain the post-commit queue outside any transaction.
	q.Drain(ctx)
	return nil
}

// QueueFrom returns the post-commit queue attached to ctx's transaction.
// Panics if called outside a Transaction — engine code should never reach
// here without one.
func QueueFrom(ctx context.Context) *queue.Queue {
	q, ok := ctx.Value(queueCtxKey{}).(*queue.Queue)
	if !ok {
		panic("store: QueueFrom called outside a transaction")
	}
	return q
}

// acquireLock serializes concurrent callers against the same (kind, id)
// pair for the lifetime of the current goroutine's hold, modeling
// `SELECT ... FOR UPDATE` row locking on top of bbolt's process-wide
// single writer. Must be released by the returned func, typically via
// defer immediately after acquiring it inside a write transaction.
func (s *Store) acquireLock(kind, id string) func() {
	key := kind + "\x00" + id
	s.rowLocksMu.Lock()
	l, ok := s.rowLocks[key]
	if !ok {
		l = &rowLock{}
		s.rowLocks[key] = l
	}
	l.refs++
	s.rowLocksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.rowLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rowLocks, key)
		}
		s.rowLocksMu.Unlock()
	}
}

// AcquireLock locks the (kind, id) row for the duration of the current
// transaction, per spec.md §4.1. Must be called from inside a
// Store.Transaction body. The lock is released when the transaction's
// body returns, whether it commits or rolls back.
func (s *Store) AcquireLock(ctx context.Context, kind, id string) {
	tx, ok := ctx.Value(txCtxKey{}).(*TxHandle)
	if !ok {
		panic("store: AcquireLock called outside a transaction")
	}
	release := s.acquireLock(kind, id)
	tx.pendingUnlocks = append(tx.pendingUnlocks, release)
}

// Refresh is a no-op for this store: bbolt transactions always observe a
// consistent snapshot, so there is no stale in-memory cache to refresh.
// Kept as an explicit method to satisfy spec.md §4.1's Store contract.
func (s *Store) Refresh(context.Context, any) {}

// ExpireAll is a no-op for the same reason as Refresh.
func (s *Store) ExpireAll(context.Context) {}

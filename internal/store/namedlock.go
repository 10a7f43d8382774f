package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/model"
)

// namedLockPollBase and namedLockPollMax bound the jittered poll interval
// WithNamedLock waits between attempts on a contended lock row.
const namedLockPollBase = 20 * time.Millisecond
const namedLockPollMax = 200 * time.Millisecond

// WithNamedLock runs fn while holding the named lock `name`, per spec.md
// §4.1/§9: the lock is a row in bucketNamedLocks that exists only for the
// lifetime of the holder's transaction. A caller blocked on a held lock
// polls with jittered backoff rather than holding a bbolt writer
// transaction open, since bbolt's single writer would otherwise serialize
// every unrelated write behind the wait.
func (s *Store) WithNamedLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for {
		acquired, err := s.tryAcquireNamedLock(ctx, name)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitteredDelay(namedLockPollBase, namedLockPollMax)):
		}
	}

	defer func() {
		_ = s.Transaction(context.WithoutCancel(ctx), false, func(ctx context.Context, tx *TxHandle) error {
			return deleteKey(tx.tx, bucketNamedLocks, name)
		})
	}()

	return fn(ctx)
}

func (s *Store) tryAcquireNamedLock(ctx context.Context, name string) (bool, error) {
	var acquired bool
	err := s.Transaction(ctx, false, func(ctx context.Context, tx *TxHandle) error {
		b := tx.tx.Bucket(bucketNamedLocks)
		if b.Get([]byte(name)) != nil {
			return nil
		}
		lock := &model.NamedLock{ID: model.NewID(), Name: name}
		if err := putJSON(tx.tx, bucketNamedLocks, name, lock); err != nil {
			return fmt.Errorf("store: acquire named lock %q: %w", name, err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func jitteredDelay(base, max time.Duration) time.Duration {
	d := base + time.Duration(rand.Int63n(int64(max-base)))
	return d
}

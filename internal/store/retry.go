package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/bbolt"
)

// TransactionWithRetry wraps Transaction with up to 6 attempts of
// exponential backoff (50ms-1s, jittered) on bbolt's transient
// bbolt.ErrTimeout, per SPEC_FULL.md §4.1. bbolt.ErrTimeout is the only
// error this store's single-process writer can plausibly surface
// transiently (lock-file contention from another process opening the
// same file); all other errors are returned immediately without retry.
func (s *Store) TransactionWithRetry(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx *TxHandle) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.MaxElapsedTime = 0
	bctx := backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx)

	return backoff.Retry(func() error {
		err := s.Transaction(ctx, readOnly, fn)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bctx)
}

func isTransient(err error) bool {
	return errors.Is(err, bbolt.ErrTimeout)
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Serialization failures are retried this many times in total before the error reaches the caller.
const (
	serializationAttempts = 3
	serializationBackoff  = 15 * time.Millisecond
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// Workflow repositories lock the rows they mutate with SELECT ... FOR UPDATE; the losing
// side of a concurrent transition fails with a serialization error (see IsSerializationFailure).
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// WithTxRetry runs WithTx and starts over on a serialization failure, so a transaction
// that touched rows outside its row locks (ledger entries, sibling aggregates) is re-run
// against the committed state instead of being refused. fn must not keep state across
// attempts. The last serialization failure is returned once the attempts are spent.
func WithTxRetry(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return retrySerializable(ctx, serializationAttempts, serializationBackoff, func() error {
		return WithTx(ctx, pool, fn)
	})
}

func retrySerializable(ctx context.Context, attempts int, backoff time.Duration, run func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = run()
		if err == nil || !IsSerializationFailure(err) || attempt >= attempts {
			return err
		}
		timer := time.NewTimer(backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

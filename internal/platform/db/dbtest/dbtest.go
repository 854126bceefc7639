// Package dbtest provides in-memory stand-ins for the transaction layer so
// service tests can exercise concurrency without a database.
package dbtest

import (
	"context"
	"sync"
	"sync/atomic"
)

type txKey struct{}

// SerialTransactor runs one transaction at a time across all callers. That is
// stronger than read-committed plus row locks, which is what the services rely
// on, so races that the services guard against still surface as failures.
type SerialTransactor struct {
	mu      sync.Mutex
	commits atomic.Int64
	aborts  atomic.Int64
}

func (t *SerialTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.aborts.Add(1)
		return err
	}
	t.commits.Add(1)
	return nil
}

// InTransaction reports whether ctx was derived inside InTx.
func InTransaction(ctx context.Context) bool {
	return ctx.Value(txKey{}) != nil
}

func (t *SerialTransactor) Commits() int64 { return t.commits.Load() }
func (t *SerialTransactor) Aborts() int64  { return t.aborts.Load() }

package invoicebatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/pkg/lock"
)

const keyBatchLock = "seikyu:invoice-batch:%s:%s"

// guard keeps one run per (month, type) at a time, in process and across replicas when redis is configured.
type guard struct {
	mu      sync.Mutex
	running map[string]struct{}
	locker  *lock.Locker
}

func newGuard(locker *lock.Locker) *guard {
	return &guard{running: map[string]struct{}{}, locker: locker}
}

func (g *guard) acquire(ctx context.Context, month string, invoiceType invoicedomain.InvoiceType, ttl time.Duration) (func(), error) {
	key := fmt.Sprintf(keyBatchLock, month, invoiceType)

	g.mu.Lock()
	if _, busy := g.running[key]; busy {
		g.mu.Unlock()
		return nil, invoicedomain.ErrBatchInProgress
	}
	g.running[key] = struct{}{}
	g.mu.Unlock()

	local := func() {
		g.mu.Lock()
		delete(g.running, key)
		g.mu.Unlock()
	}
	if !g.locker.Enabled() {
		return local, nil
	}

	token, ok, err := g.locker.TryLock(ctx, key, ttl)
	if err != nil {
		local()
		return nil, fmt.Errorf("acquire batch lock: %w", err)
	}
	if !ok {
		local()
		return nil, invoicedomain.ErrBatchInProgress
	}
	return func() {
		_ = g.locker.Release(context.WithoutCancel(ctx), key, token)
		local()
	}, nil
}

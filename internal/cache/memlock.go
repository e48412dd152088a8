package cache

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/gateway/pkg/contracts"
)

// MemoryLocker is a single-process contracts.Locker used by tests and by
// deployments without redis. Leases do not expire on their own; Release is
// the only way out, which is fine for in-process use where the holder cannot
// crash independently.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

// Acquire implements contracts.Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (contracts.Lease, error) {
	for {
		l.mu.Lock()
		ch, held := l.locks[key]
		if !held {
			l.locks[key] = make(chan struct{})
			l.mu.Unlock()
			return &memoryLease{locker: l, key: key}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
			// Holder released; race for it again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	once   sync.Once
}

func (le *memoryLease) Renew(context.Context, time.Duration) error { return nil }

func (le *memoryLease) Release(context.Context) error {
	le.once.Do(func() {
		le.locker.mu.Lock()
		ch := le.locker.locks[le.key]
		delete(le.locker.locks, le.key)
		le.locker.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	})
	return nil
}

package orchestration

import (
	"context"
	"sync"
)

// LocalScanLock is an in-process ScanLock for single-instance deployments.
type LocalScanLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalScanLock() *LocalScanLock {
	return &LocalScanLock{held: make(map[string]struct{})}
}

func (l *LocalScanLock) Acquire(ctx context.Context, userID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[userID]; ok {
		return nil, ErrScanInProgress
	}
	l.held[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, userID)
			l.mu.Unlock()
		})
	}, nil
}

func (l *LocalScanLock) Held(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[userID]
	return ok
}

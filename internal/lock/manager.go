// Package lock serializes writers per lot within one process.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/parkaudit/parkaudit/pkg/errclass"
)

// Manager hands out one exclusive holder per lot. Lots never block each
// other. Idle lots are forgotten so the table does not grow with every lot
// ever seen.
type Manager struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewManager creates a lock manager. A positive timeout bounds how long
// Acquire waits when the caller's context carries no earlier deadline.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		slots:   make(map[string]*slot),
	}
}

// Acquire blocks until the caller holds lotID or ctx is done. The returned
// release func must be called exactly once; extra calls are no-ops.
func (m *Manager) Acquire(ctx context.Context, lotID string) (func(), error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	s := m.ref(lotID)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(lotID, s)
		return nil, errclass.ErrLockTimeout.WithMessagef("lot %s: %v", lotID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(lotID, s)
		})
	}, nil
}

// Held reports the number of lots with a holder or waiter.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) ref(lotID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[lotID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[lotID] = s
	}
	s.refs++
	return s
}

func (m *Manager) unref(lotID string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, lotID)
	}
}

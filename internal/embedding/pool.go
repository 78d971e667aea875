package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPoolSize = 2
	AcquireTimeout  = 5 * time.Second
)

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// Session is one loaded copy of the network. A session is not safe for
// concurrent use; the pool hands it to one caller at a time.
type Session interface {
	Infer(input []float32) ([]float32, error)
	Destroy()
}

type SessionFactory func() (Session, error)

type SessionPool struct {
	sessions       chan Session
	size           int
	acquireTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	metrics *poolMetrics
}

type poolMetrics struct {
	mu sync.RWMutex
	PoolStats
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// NewSessionPool eagerly creates size sessions. Any creation failure destroys
// the sessions built so far.
func NewSessionPool(size int, factory SessionFactory) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions:       make(chan Session, size),
		size:           size,
		acquireTimeout: AcquireTimeout,
		metrics:        &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Close destroys idle sessions. Sessions still checked out are destroyed when
// they are released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) Size() int {
	return p.size
}

func (p *SessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.PoolStats
}

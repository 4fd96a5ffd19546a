package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/equipment-scanner/detections"
	"github.com/Tutortoise/equipment-scanner/pipeline"
)

const (
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

type sessionFactory func() (*detections.ModelSession, error)

// ModelSessionPool bounds concurrent inference to a fixed number of sessions.
// Callers that cannot get a session within the acquire timeout are turned
// away with pipeline.ErrBusy instead of queueing without limit.
type ModelSessionPool struct {
	sessions       chan *detections.ModelSession
	size           int
	live           int
	acquireTimeout time.Duration
	newSession     sessionFactory
	log            logrus.FieldLogger

	mu         sync.Mutex
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

type PoolSnapshot struct {
	Size            int     `json:"pool_size"`
	Live            int     `json:"sessions_live"`
	InUse           int     `json:"sessions_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	Discarded       int64   `json:"discarded"`
	AvgWaitMs       float64 `json:"avg_wait_ms"`
}

func NewModelSessionPool(size int, acquireTimeout time.Duration, factory sessionFactory, log logrus.FieldLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = AcquireTimeout
	}

	pool := &ModelSessionPool{
		sessions:       make(chan *detections.ModelSession, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		newSession:     factory,
		log:            log,
		stop:           make(chan struct{}),
		metrics:        &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.live++
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) Size() int { return p.size }

func (p *ModelSessionPool) Acquire(ctx context.Context) (*detections.ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("%w: no session available after %v", pipeline.ErrBusy, p.acquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *detections.ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session whose state can no longer be trusted. The health
// check creates a replacement.
func (p *ModelSessionPool) Discard(session *detections.ModelSession, cause error) {
	session.Destroy()

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	p.recordError(cause)
	p.log.WithError(cause).Warn("discarded detector session")
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.newSession()
		if err != nil {
			p.recordError(err)
			p.log.WithError(err).Error("failed to replace detector session")
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()
	}
	if missing > 0 {
		p.log.WithField("replaced", missing).Info("replenished detector sessions")
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolSnapshot {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	snap := PoolSnapshot{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
	}
	if attempts := p.metrics.totalAcquired + p.metrics.acquireFailures; attempts > 0 {
		snap.AvgWaitMs = float64(p.metrics.waitTime.Milliseconds()) / float64(attempts)
	}
	return snap
}

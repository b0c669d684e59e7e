package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// SessionPool runs session-level orchestration with a small concurrency cap.
// A session already queued or running is not submitted twice.
type SessionPool struct {
	run    func(ctx context.Context, sessionID string) error
	ctx    context.Context
	sem    chan struct{}
	logger *log.Logger

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

func NewSessionPool(ctx context.Context, size int, run func(ctx context.Context, sessionID string) error, logger *log.Logger) *SessionPool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SessionPool{
		run:    run,
		ctx:    ctx,
		sem:    make(chan struct{}, size),
		logger: logger,
		active: map[string]bool{},
	}
}

// Submit queues a run for sessionID. It reports false when the session is
// already queued or running, or the pool is shutting down.
func (p *SessionPool) Submit(sessionID string) bool {
	if p.ctx.Err() != nil {
		return false
	}
	p.mu.Lock()
	if p.active[sessionID] {
		p.mu.Unlock()
		return false
	}
	p.active[sessionID] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, sessionID)
			p.mu.Unlock()
		}()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		defer func() { <-p.sem }()
		if err := p.run(p.ctx, sessionID); err != nil {
			switch {
			case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrInvalidState):
				p.logger.Printf("[orchestrator] session %s not started: %v", sessionID, err)
			case errors.Is(err, context.Canceled):
				p.logger.Printf("[orchestrator] session %s interrupted; it resumes once its lease is free", sessionID)
			default:
				p.logger.Printf("[orchestrator] session %s run failed: %v", sessionID, err)
			}
		}
	}()
	return true
}

// Active reports whether sessionID is queued or running.
func (p *SessionPool) Active(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[sessionID]
}

// Wait blocks until every submitted run returned.
func (p *SessionPool) Wait() {
	p.wg.Wait()
}

// ResumeStalled submits every session left in validating_in_background whose
// run lease is free or expired, for example after a restart or a run that
// stopped on a store error. Sessions leased by a live run are left alone.
func (e Engine) ResumeStalled(ctx context.Context, pool *SessionPool) (int, error) {
	sessions, err := e.Repo.ListStalledSessions(ctx, e.now(), 1000)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if pool.Submit(s.ID) {
			n++
		}
	}
	return n, nil
}

// RunResumer calls ResumeStalled every interval until ctx is done.
func (e Engine) RunResumer(ctx context.Context, pool *SessionPool, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := e.ResumeStalled(ctx, pool)
		if err != nil && ctx.Err() == nil {
			e.logger().Printf("[orchestrator] resume stalled sessions: %v", err)
			continue
		}
		if n > 0 {
			e.logger().Printf("[orchestrator] resumed %d stalled session(s)", n)
		}
	}
}

// Package parallel implements warp's cooperative scheduler plugin: a
// weighted semaphore over N cores gating task execution. Each task may
// declare how many cores it needs in its storage; running a task first
// acquires those cores and releases them on completion, success or not.
//
// When a task fails the pool drains: released cores accumulate instead of
// becoming available, holding back new work until the session either
// handles the failure (the pool resumes) or aborts the run.
package parallel

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/FollowTheProcess/warp/graph"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

// NCoresKey is the task storage key a task declares its core count under.
const NCoresKey = "ncores"

// Pool is the parallel execution plugin.
type Pool struct {
	session.NopPlugin
	log        logger.Logger
	sem        *semaphore.Weighted
	ctx        context.Context
	cancel     context.CancelFunc
	ncores     int64
	mu         sync.Mutex
	wg         sync.WaitGroup
	pending    int64 // cores held back while draining
	exceptions int   // failures observed but not yet handled
	draining   bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(log logger.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New creates a Pool over ncores cores, defaulting to the host core
// count when ncores is zero.
func New(ncores int, options ...Option) *Pool {
	if ncores <= 0 {
		ncores = runtime.NumCPU()
	}
	p := &Pool{log: logger.Noop{}, ncores: int64(ncores)}
	for _, option := range options {
		option(p)
	}
	return p
}

// Name implements Plugin for Pool.
func (p *Pool) Name() string { return "parallel" }

// PreRun implements Plugin for Pool, arming the semaphore for a run.
func (p *Pool) PreRun() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sem = semaphore.NewWeighted(p.ncores)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.pending = 0
	p.exceptions = 0
	p.draining = false
	return nil
}

// PostRun implements Plugin for Pool, asking outstanding workers to
// finish and waiting for them.
func (p *Pool) PostRun() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// IgnoredException implements Plugin for Pool: the session's exception
// handler accepted a failure, so one drain trigger goes away; once all
// observed failures are handled the pool resumes with the held cores.
func (p *Pool) IgnoredException() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exceptions == 0 {
		return
	}
	p.exceptions--
	if p.exceptions > 0 {
		return
	}
	p.log.Info("resuming scheduler with %d cores", p.pending)
	p.draining = false
	if p.pending > 0 {
		p.sem.Release(p.pending)
		p.pending = 0
	}
}

// WrapExecute implements Plugin for Pool: each execution moves to a
// worker goroutine that first acquires the task's declared cores.
func (p *Pool) WrapExecute(exe session.Execute) session.Execute {
	return func(t *task.Task, done func(graph.Result[*task.Task])) {
		n := p.coresFor(t)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.sem.Acquire(p.ctx, n); err != nil {
				// Run shut down while waiting for cores
				done(graph.Result[*task.Task]{Node: t, Err: err})
				return
			}
			exe(t, func(result graph.Result[*task.Task]) {
				if result.Err != nil {
					p.noteException()
				}
				done(result)
				p.release(n)
			})
		}()
	}
}

// coresFor reads the task's declared core count, clamped to the pool
// size so a misdeclared task cannot deadlock the run.
func (p *Pool) coresFor(t *task.Task) int64 {
	n := int64(1)
	if declared, ok := t.Storage()[NCoresKey]; ok {
		switch v := declared.(type) {
		case int:
			n = int64(v)
		case int64:
			n = v
		case float64:
			n = int64(v)
		}
	}
	if n < 1 {
		n = 1
	}
	if n > p.ncores {
		p.log.Warn("task %s wants %d cores, pool has %d", t, n, p.ncores)
		n = p.ncores
	}
	return n
}

func (p *Pool) noteException() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exceptions == 0 {
		p.log.Info("stopping scheduler")
		p.draining = true
		p.pending = 0
	}
	p.exceptions++
}

func (p *Pool) release(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		p.pending += n
		return
	}
	p.sem.Release(n)
}

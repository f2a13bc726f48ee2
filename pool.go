package aio

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is an opaque unit of work submitted to a Pool. Immutable after
// submission: owned by the submitter before Submit, owned by the pool from
// Submit until the worker returns from calling Fn.
type Task struct {
	Fn  func()
	Arg any
}

func (t Task) run() {
	if t.Fn != nil {
		t.Fn()
	}
}

// wakeReason tells a parked worker why it was signalled, made explicit as
// a Go enum instead of relying on spurious-wakeup + empty queue checks
// alone — the per-worker hand-off (reason == wakeTask) lets a standby
// worker skip the shared queue entirely.
type wakeReason int

const (
	wakeSpurious wakeReason = iota
	wakeTask
	wakeDie
	wakeShutdown
)

// standby is one parked worker's rendezvous point. LIFO push/pop on
// Pool.standbyStack maximises cache warmth and lets idle workers time out
// deterministically.
type standby struct {
	cond   *sync.Cond
	reason wakeReason
	task   Task
}

// PoolConfig holds the pool's tunables as constructor defaults. There is
// no file/env surface for these — a library takes Go values, not config
// files.
type PoolConfig struct {
	// MinThreads is the floor worker count; growing it spawns the deficit
	// immediately.
	MinThreads int
	// MaxThreads is the hard ceiling on worker count (default: NumCPU).
	MaxThreads int
	// ConcurrencyCap bounds how many workers Submit will wake/create per
	// call; the timer's stall-break may still exceed it up to MaxThreads.
	ConcurrencyCap int
	// IdleTimeout is how long a standby worker waits before exiting, when
	// current total > MinThreads.
	IdleTimeout time.Duration
	// TimerInterval is the stall-detector tick.
	TimerInterval time.Duration
	// Logger receives structured diagnostics; defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultPoolConfig returns concurrency = hardware threads, a 60s idle
// timeout, and a 10ms stall-detector tick.
func DefaultPoolConfig() PoolConfig {
	n := runtime.NumCPU()
	return PoolConfig{
		MinThreads:     0,
		MaxThreads:     n,
		ConcurrencyCap: n,
		IdleTimeout:    60 * time.Second,
		TimerInterval:  10 * time.Millisecond,
		Logger:         nopLogger,
	}
}

// Pool is a cooperative worker thread pool: it grows up to a concurrency
// cap under load and shrinks when workers idle past a timeout. An internal
// timer goroutine detects stalls (no task dequeued in an interval despite
// every worker being active) and force-grows the pool past the
// concurrency cap, up to MaxThreads, so that tasks which themselves submit
// and wait cannot deadlock the pool.
type Pool struct {
	mu  sync.Mutex
	cfg PoolConfig
	log *zap.Logger

	queue []Task

	standbyStack []*standby // LIFO

	total          int
	active         int
	tasksDequeued  int
	concurrencyCap int
	maxThreads     int
	minThreads     int

	shutdown bool

	cvNoThreads *sync.Cond

	timerDone chan struct{}
}

// NewPool constructs a Pool with the given configuration. Zero-valued
// fields in cfg fall back to DefaultPoolConfig's values, except
// ConcurrencyCap, which falls back to the resulting MaxThreads.
func NewPool(cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = def.MaxThreads
	}
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = cfg.MaxThreads
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = def.TimerInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}

	p := &Pool{
		cfg:            cfg,
		log:            cfg.Logger,
		concurrencyCap: cfg.ConcurrencyCap,
		maxThreads:     cfg.MaxThreads,
		minThreads:     cfg.MinThreads,
		timerDone:      make(chan struct{}),
	}
	p.cvNoThreads = sync.NewCond(&p.mu)

	for i := 0; i < p.minThreads; i++ {
		p.addThreadLocked()
	}

	go p.timerMain()
	return p
}

// Submit enqueues tasks atomically, then wakes or creates up to
// min(concurrencyCap-active, len(tasks)) workers. Submits after Shutdown
// has begun are dropped silently.
func (p *Pool) Submit(tasks ...Task) {
	if len(tasks) == 0 {
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.log.Debug("submit dropped: pool is shut down", zap.Int("tasks", len(tasks)))
		return
	}
	p.queue = append(p.queue, tasks...)

	n := p.concurrencyCap - p.active
	if n > len(tasks) {
		n = len(tasks)
	}
	for i := 0; i < n; i++ {
		if !p.wakeOrCreateLocked() {
			break
		}
	}
	p.mu.Unlock()
}

// wakeOrCreateLocked wakes the most-recently-parked standby worker with a
// hand-off task, or creates a new worker if none is parked. Must hold p.mu.
func (p *Pool) wakeOrCreateLocked() bool {
	if len(p.queue) == 0 {
		return false
	}
	if n := len(p.standbyStack); n > 0 {
		s := p.standbyStack[n-1]
		p.standbyStack = p.standbyStack[:n-1]
		s.task = p.popQueueLocked()
		p.tasksDequeued++
		s.reason = wakeTask
		s.cond.Signal()
		return true
	}
	if p.total >= p.maxThreads || p.shutdown {
		return false
	}
	p.addThreadLocked()
	return true
}

func (p *Pool) popQueueLocked() Task {
	t := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	return t
}

// addThreadLocked spawns one worker goroutine. Must hold p.mu. Goroutine
// creation in Go cannot fail the way pthread_create can, so the
// thread-creation-failure-is-fatal case this mirrors has no code path
// here — noted in DESIGN.md.
func (p *Pool) addThreadLocked() {
	p.total++
	p.active++
	go p.workerMain()
}

// SetMinThreads adjusts the floor; growing it immediately spawns the
// deficit.
func (p *Pool) SetMinThreads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minThreads = n
	for p.total < p.minThreads && p.total < p.maxThreads {
		p.addThreadLocked()
	}
}

// SetMaxThreads adjusts the ceiling; shrinking it below the current worker
// count wakes the surplus with a DIE reason.
func (p *Pool) SetMaxThreads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxThreads = n
	if p.concurrencyCap > n {
		p.concurrencyCap = n
	}
	for p.total > p.maxThreads && len(p.standbyStack) > 0 {
		k := len(p.standbyStack) - 1
		s := p.standbyStack[k]
		p.standbyStack = p.standbyStack[:k]
		s.reason = wakeDie
		s.cond.Signal()
	}
}

// Shutdown is idempotent: it sets the shutdown flag, wakes every standby
// worker with SHUTDOWN, waits for the worker count to reach zero, then
// signals the timer goroutine to stop; it does not wait for that goroutine
// to exit. Subsequent Submit calls are dropped silently.
// Queued-but-unstarted tasks are discarded without running.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	for _, s := range p.standbyStack {
		s.reason = wakeShutdown
		s.cond.Signal()
	}
	p.standbyStack = nil
	p.queue = nil

	for p.total > 0 {
		p.cvNoThreads.Wait()
	}
	p.mu.Unlock()

	close(p.timerDone)
}

// workerMain is the per-goroutine loop: Active -> (queue empty) ->
// Standby-with-CV -> (signalled OR timeout) -> Active -> Exit.
func (p *Pool) workerMain() {
	p.mu.Lock()
	s := &standby{cond: sync.NewCond(&p.mu)}

	for {
		if p.shutdown && len(p.queue) == 0 {
			// Nothing left to do and no further wakeup will ever arrive for
			// a freshly-parked standby entry once Shutdown's wake pass has
			// already run; exit immediately instead of parking.
			p.active--
			goto exit
		}

		if len(p.queue) == 0 {
			p.standbyStack = append(p.standbyStack, s)
			p.active--

			deadline := time.Now().Add(p.cfg.IdleTimeout)
			for {
				timedOut := p.condWaitUntil(s.cond, deadline)
				if s.reason != wakeSpurious {
					break
				}
				if p.shutdown {
					p.removeFromStandbyLocked(s)
					goto exit
				}
				if timedOut {
					if p.total > p.minThreads {
						p.removeFromStandbyLocked(s)
						goto exit
					}
					// re-park: total <= min, so this worker stays.
					deadline = time.Now().Add(p.cfg.IdleTimeout)
					continue
				}
			}

			switch s.reason {
			case wakeDie, wakeShutdown:
				goto exit
			case wakeTask:
				p.active++
				t := s.task
				s.task = Task{}
				s.reason = wakeSpurious
				p.mu.Unlock()
				t.run()
				p.mu.Lock()
				continue
			default: // spurious wake found the queue non-empty by the time we looked
				p.active++
				continue
			}
		}

		t := p.popQueueLocked()
		p.tasksDequeued++
		p.mu.Unlock()
		t.run()
		p.mu.Lock()
	}

exit:
	// active was already decremented when this worker parked; only total
	// needs adjusting here.
	p.total--
	if p.total == 0 {
		p.cvNoThreads.Broadcast()
	}
	p.mu.Unlock()
}

// removeFromStandbyLocked deletes s from the standby stack if still
// present (it may already have been popped by a waker racing the timeout).
func (p *Pool) removeFromStandbyLocked(s *standby) {
	for i, v := range p.standbyStack {
		if v == s {
			p.standbyStack = append(p.standbyStack[:i], p.standbyStack[i+1:]...)
			return
		}
	}
}

// condWaitUntil waits on cond until deadline, returning true if it woke
// because of the deadline rather than a Signal/Broadcast. sync.Cond has no
// native timed wait, so this spins a timer goroutine that signals the same
// cond when the deadline passes.
func (p *Pool) condWaitUntil(cond *sync.Cond, deadline time.Time) (timedOut bool) {
	d := time.Until(deadline)
	if d <= 0 {
		return true
	}
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		cond.Signal()
		p.mu.Unlock()
	})
	cond.Wait()
	if !timer.Stop() {
		// the timer fired; we can't tell from here alone whether this wake
		// was the timer or a real signal racing it, so the caller
		// re-checks reason/queue state, which is always safe because the
		// wake is treated as spurious until proven otherwise.
	}
	return time.Now().After(deadline) || time.Now().Equal(deadline)
}

// timerMain is the stall detector: every TimerInterval it checks whether
// no task was dequeued since the previous tick while every worker stayed
// active; if so it force-grows the pool by one thread, past the
// concurrency cap, up to MaxThreads. This defeats deadlocks caused by
// tasks that themselves submit work and wait on it.
func (p *Pool) timerMain() {
	lastDequeued := 0
	ticker := time.NewTicker(p.cfg.TimerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.timerDone:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.shutdown && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			continue
		}
		if p.active < p.concurrencyCap {
			p.wakeOrCreateLocked()
		} else if p.tasksDequeued == lastDequeued && p.active == p.total {
			if p.total < p.maxThreads {
				p.log.Debug("stall detected, force-growing pool",
					zap.Int("total", p.total), zap.Int("active", p.active))
				p.addThreadLocked()
			}
		}
		lastDequeued = p.tasksDequeued
		p.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot, intended for tests and metrics.
type Stats struct {
	Total         int
	Active        int
	Queued        int
	TasksDequeued int
}

// Stats returns a snapshot of the pool's internal counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:         p.total,
		Active:        p.active,
		Queued:        len(p.queue),
		TasksDequeued: p.tasksDequeued,
	}
}

package worker

import (
	"sync"
	"time"
)

type pooledWorker struct {
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool
	discarded bool // retired or about to be
}

// workerPool keeps between min and max workers alive. Idle workers are
// reused FIFO and reaped after expiry.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*pooledWorker
	workers map[chan Job]*pooledWorker
	min     int
	max     int
	running int
	expiry  time.Duration
	manager *Manager
	quit    chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration, manager *Manager) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &workerPool{
		workers: make(map[chan Job]*pooledWorker),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  idle,
		manager: manager,
		quit:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// newWorkerLocked registers a worker; p.mu must be held.
func (p *workerPool) newWorkerLocked() *Worker {
	worker := NewWorker(p, p.manager)
	p.workers[worker.jobChannel] = &pooledWorker{ch: worker.jobChannel, lastUsed: time.Now()}
	p.running++
	return worker
}

// spawnWorker adds an idle worker, used for warm-up.
func (p *workerPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
	p.Release(worker.jobChannel)
}

// acquire gets an idle worker, spawns one below max, or waits.
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if pw := p.takeIdleLocked(); pw != nil {
			return pw.ch
		}
		if p.running < p.max {
			worker := p.newWorkerLocked()
			worker.Start()
			return worker.jobChannel
		}
		p.cond.Wait()
	}
}

// Release puts a worker back into the idle queue.
func (p *workerPool) Release(ch chan Job) {
	p.mu.Lock()
	pw, ok := p.workers[ch]
	if !ok || pw.discarded || pw.enqueued {
		p.mu.Unlock()
		return
	}
	pw.enqueued = true
	pw.lastUsed = time.Now()
	p.idle = append(p.idle, pw)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if pw, ok := p.workers[ch]; ok {
		delete(p.workers, ch)
		pw.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) takeIdleLocked() *pooledWorker {
	for len(p.idle) > 0 {
		pw := p.idle[0]
		p.idle = p.idle[1:]
		if pw.discarded {
			continue
		}
		pw.enqueued = false
		return pw
	}
	return nil
}

func (p *workerPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.reapExpired(time.Now())
		}
	}
}

// reapExpired retires idle workers unused for longer than expiry, never
// going below min.
func (p *workerPool) reapExpired(now time.Time) {
	var stale []*pooledWorker

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, pw := range p.idle {
		if pw.discarded {
			continue
		}
		if now.Sub(pw.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			pw.discarded = true
			pw.enqueued = false
			stale = append(stale, pw)
			continue
		}
		remaining = append(remaining, pw)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, pw := range stale {
		pw.ch <- Job{Type: Stop}
	}
}

func (p *workerPool) close() {
	close(p.quit)
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, pw := range idle {
		pw.discarded = true
	}
	p.mu.Unlock()
	for _, pw := range idle {
		pw.ch <- Job{Type: Stop}
	}
}

package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDispatcherBusy is returned when the inbound job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy")

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type characterQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to pooled workers, rotating between characters so a
// busy conversation cannot starve the others.
type Dispatcher struct {
	pool     *workerPool
	jobQueue chan Job
	quit     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	queues    map[int64]*characterQueue
	ready     *list.List // round-robin order of character ids with pending jobs
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		pool:      newWorkerPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, manager),
		jobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
		queues:    make(map[int64]*characterQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherBusy
	default:
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Stop halts dispatching and retires idle workers. Jobs still queued are
// abandoned; their waiters observe their own context cancellation.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	characterID := job.characterID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[characterID]
	if q == nil {
		q = &characterQueue{}
		d.queues[characterID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[characterID] = d.ready.PushBack(characterID)
}

// dispatchOne takes the next job of the character at the front of the ring.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	characterID := elem.Value.(int64)
	q := d.queues[characterID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, characterID)
		delete(d.queues, characterID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	zap.L().Named("worker").Debug("dispatch job", zap.String("type", string(job.Type)), zap.Int64("character_id", characterID))
	workerChan <- job
	return true
}

package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tutorgo/internal/models"
)

// ErrDispatcherClosed is returned for work offered after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds jobs to an elastic worker pool. Jobs sharing a key keep FIFO order;
// keys are served round-robin so one busy conversation cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // interface for outer jobs get in the dispatcher
	limit    int64
	pending  atomic.Int64 // submitted but not yet handed to a worker

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // round-robin queue of keys
	positions map[string]*list.Element

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatcher")
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger)

	d := &Dispatcher{
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		jobQueue:  make(chan Job, cfg.QueueSize),
		limit:     int64(cfg.QueueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without waiting for it. It fails with ErrOverloaded when
// QueueSize jobs are already waiting for a worker.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	if d.pending.Add(1) > d.limit {
		d.pending.Add(-1)
		return models.Errorf(models.ErrOverloaded, "task queue full")
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.pending.Add(-1)
		return models.Errorf(models.ErrOverloaded, "task queue full")
	}
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

// Do runs fn on a pool worker in lane key and waits for it to return. If ctx ends
// before a worker picks fn up, fn never runs; once started, Do waits for it to finish.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	job := NewJob(Stream, key, func() {
		if !state.CompareAndSwap(jobQueued, jobStarted) {
			return
		}
		defer close(finished)
		fn()
	})
	if err := d.Submit(job); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(jobQueued, jobAbandoned) {
			return models.Wrap(models.ErrCancelled, ctx.Err(), "waiting for worker")
		}
	case <-d.done:
		if state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ErrDispatcherClosed
		}
	}
	<-finished
	return nil
}

// Pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Close stops dispatching. Queued jobs are dropped; running jobs finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key in the front of the ready queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.done:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.done:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne takes the first key in the ready queue and hands its oldest job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	d.pending.Add(-1)
	debugLog(d.logger, "assign job", "job_type", job.Type, "key", key, "worker_id", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

package worker

import "runtime/debug"

// Worker runs jobs handed to it by the dispatcher, one at a time.
type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, id int) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog(w.pool.logger, "worker stopped", "worker_id", w.id)
				return
			}
			w.handle(job)
		}
	}()
}

func (w *Worker) handle(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked",
				"worker_id", w.id, "job_type", job.Type, "key", job.Key,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if job.run != nil {
		job.run()
	}
}

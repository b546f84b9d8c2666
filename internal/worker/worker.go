package worker

type JobType string

const (
	Stream JobType = "stream"
	Stop   JobType = "stop"
)

// Job is one unit of work handed to a pooled worker.
type Job struct {
	Type       JobType
	StreamTask *streamTask
}

func (job Job) characterID() int64 {
	if job.StreamTask != nil {
		return job.StreamTask.req.CharacterID
	}
	return 0
}

type Worker struct {
	manager    *Manager
	pool       *workerPool
	jobChannel chan Job
}

func NewWorker(pool *workerPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Stream:
				w.manager.handleStream(job.StreamTask)
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}

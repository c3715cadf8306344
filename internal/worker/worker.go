package worker

import "sync"

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			w.pool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				switch job.Type {
				case Send:
					w.manager.handleSend(job.SendTask)
				case Stop:
					return
				}
			case <-w.quit:
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

package worker

type worker struct {
	id   int
	pool *jobChannelPool
	// buffered so a dispatch never blocks on a worker that is about to exit
	jobs chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{id: id, pool: pool, jobs: make(chan Job, 1)}
}

func (w *worker) start() {
	go w.loop()
}

func (w *worker) loop() {
	d := w.pool.dispatcher
	defer d.wg.Done()
	for {
		w.pool.Release(w)
		select {
		case job := <-w.jobs:
			if job.stop {
				w.pool.retire(w)
				return
			}
			d.execute(job)
		case <-w.pool.quit:
			w.pool.retire(w)
			select {
			case job := <-w.jobs:
				if !job.stop {
					d.execute(job)
				}
			default:
			}
			return
		}
	}
}

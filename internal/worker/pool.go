package worker

import (
	"sync"
	"time"
)

type workerMeta struct {
	w         *worker
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[*worker]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	closed   bool
	quit     chan struct{}

	dispatcher *Dispatcher
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, d *Dispatcher) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata:   make(map[*worker]*workerMeta),
		min:        minWorkers,
		max:        maxWorkers,
		expiry:     idle,
		quit:       make(chan struct{}),
		dispatcher: d,
	}
	p.cond = sync.NewCond(&p.mu)
	d.wg.Add(1)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds a worker unless the pool is full.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	w := p.newWorkerLocked()
	p.mu.Unlock()
	if w != nil {
		w.start()
	}
}

func (p *jobChannelPool) newWorkerLocked() *worker {
	if p.closed || p.running >= p.max {
		return nil
	}
	p.nextID++
	w := newWorker(p.nextID, p)
	p.metadata[w] = &workerMeta{w: w}
	p.running++
	p.dispatcher.wg.Add(1)
	return w
}

// acquire returns an idle worker, spawning one when below max. It returns nil once the pool is closed.
func (p *jobChannelPool) acquire() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta.w
		}
		// new workers register themselves as idle once started
		if w := p.newWorkerLocked(); w != nil {
			p.mu.Unlock()
			w.start()
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
}

// dispatch hands job to an idle worker and reports which one took it.
func (p *jobChannelPool) dispatch(job Job) (int, bool) {
	w := p.acquire()
	if w == nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// the worker drains its channel after retiring, so leave the job to the caller
		return 0, false
	}
	w.jobs <- job
	return w.id, true
}

// Release puts a worker back into the idle queue.
func (p *jobChannelPool) Release(w *worker) {
	p.mu.Lock()
	meta, ok := p.metadata[w]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire deletes a worker.
func (p *jobChannelPool) retire(w *worker) {
	p.mu.Lock()
	if meta, ok := p.metadata[w]; ok {
		delete(p.metadata, w)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked returns the oldest idle worker, skipping discarded ones.
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *jobChannelPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, meta := range p.idle {
		if !meta.discarded {
			idle++
		}
	}
	return p.running, idle
}

func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// purgeStaleWorkers calls shutdownExpired every expiry period.
func (p *jobChannelPool) purgeStaleWorkers() {
	defer p.dispatcher.wg.Done()
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retires idle workers unused for longer than expiry, keeping at least min.
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.w.jobs <- Job{stop: true}
	}
}

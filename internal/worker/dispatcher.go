package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Options tunes the dispatcher and its worker pool.
type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// JobTimeout bounds a single Run call. Zero means no limit beyond Stop.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	log      *zap.Logger

	baseCtx    context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
	quit       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	capacity  int
	pending   int
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // round-robin order of users with queued jobs
	positions map[string]*list.Element
	epochs    map[string]uint64 // bumped by CancelUser
	inflight  map[string]map[uint64]context.CancelFunc
	runSeq    uint64

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.MinWorkers < 0 {
		opts.MinWorkers = 0
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		jobQueue:   make(chan Job, opts.QueueSize),
		log:        opts.Logger.Named("worker"),
		baseCtx:    ctx,
		cancel:     cancel,
		jobTimeout: opts.JobTimeout,
		quit:       make(chan struct{}),
		capacity:   opts.QueueSize,
		queues:     make(map[string]*userQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
		epochs:     make(map[string]uint64),
		inflight:   make(map[string]map[uint64]context.CancelFunc),
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d)

	for i := 0; i < opts.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Submit queues a job without blocking. It fails with ErrDispatcherBusy when the pending
// backlog is at capacity.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("worker: job has no Run func")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.pending >= d.capacity {
		d.rejected.Add(1)
		return ErrDispatcherBusy
	}
	job.epoch = d.epochs[job.UserID]
	select {
	case d.jobQueue <- job:
	default:
		d.rejected.Add(1)
		return ErrDispatcherBusy
	}
	d.pending++
	d.submitted.Add(1)
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		// pull everything already submitted so the ready list sees every waiting user
		for drained := false; !drained; {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			default:
				drained = true
			}
		}
		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		}
	}
}

// CancelUser drops the user's queued jobs and cancels the ones already running.
// It returns how many jobs were affected.
func (d *Dispatcher) CancelUser(userID string) int {
	d.mu.Lock()
	d.epochs[userID]++
	n := 0
	var dropped []Job
	if q := d.queues[userID]; q != nil {
		dropped = q.jobs
		d.pending -= len(q.jobs)
		delete(d.queues, userID)
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	for _, cancel := range d.inflight[userID] {
		cancel()
		n++
	}
	d.mu.Unlock()

	for _, job := range dropped {
		d.finish(job, ErrJobCanceled)
	}
	n += len(dropped)
	if n > 0 {
		d.log.Debug("user jobs canceled", zap.String("user_id", userID), zap.Int("jobs", n))
	}
	return n
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()
	workers, idle := d.pool.size()
	return Stats{
		Submitted: d.submitted.Load(),
		Rejected:  d.rejected.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Canceled:  d.canceled.Load(),
		Pending:   pending,
		Workers:   workers,
		Idle:      idle,
	}
}

// Stop rejects new jobs, cancels running ones and waits for every goroutine to exit.
// Jobs still queued are finished with ErrDispatcherStopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.quit)
	d.cancel()
	d.pool.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop dispatcher: %w", ctx.Err())
	}

	d.drain()
	return nil
}

func (d *Dispatcher) drain() {
	var left []Job
	d.mu.Lock()
	for {
		select {
		case job := <-d.jobQueue:
			left = append(left, job)
			continue
		default:
		}
		break
	}
	for e := d.ready.Front(); e != nil; e = e.Next() {
		left = append(left, d.queues[e.Value.(string)].jobs...)
	}
	d.queues = make(map[string]*userQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
	d.pending = 0
	d.mu.Unlock()

	for _, job := range left {
		d.finish(job, ErrDispatcherStopped)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	if job.epoch != d.epochs[job.UserID] {
		d.pending--
		d.mu.Unlock()
		d.finish(job, ErrJobCanceled)
		return
	}
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the front user to a worker and rotates that user to the back.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerID, ok := d.pool.dispatch(job)
	if !ok {
		// pool closed while waiting; Stop will not see this job in the queues
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		d.finish(job, ErrDispatcherStopped)
		return true
	}
	d.log.Debug("assign job",
		zap.String("job", job.Name),
		zap.String("user_id", userID),
		zap.Int("worker", workerID),
	)
	return true
}

// begin registers a job as running and returns its context, or ok=false if the user was
// canceled after the job was queued.
func (d *Dispatcher) begin(job Job) (ctx context.Context, id uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if job.epoch != d.epochs[job.UserID] || d.stopped {
		return nil, 0, false
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	if d.jobTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, d.jobTimeout)
		parent := cancel
		cancel = func() {
			timeoutCancel()
			parent()
		}
	}
	d.runSeq++
	id = d.runSeq
	if d.inflight[job.UserID] == nil {
		d.inflight[job.UserID] = make(map[uint64]context.CancelFunc)
	}
	d.inflight[job.UserID][id] = cancel
	return ctx, id, true
}

func (d *Dispatcher) end(userID string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.inflight[userID][id]; ok {
		cancel()
		delete(d.inflight[userID], id)
		if len(d.inflight[userID]) == 0 {
			delete(d.inflight, userID)
		}
	}
}

// execute runs one job on the calling worker goroutine.
func (d *Dispatcher) execute(job Job) {
	ctx, id, ok := d.begin(job)
	if !ok {
		d.finish(job, ErrJobCanceled)
		return
	}
	defer d.end(job.UserID, id)

	start := time.Now()
	err := safeRun(ctx, job.Run)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrJobCanceled
	}
	d.log.Debug("job finished",
		zap.String("job", job.Name),
		zap.String("user_id", job.UserID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	d.finish(job, err)
}

func (d *Dispatcher) finish(job Job, err error) {
	switch {
	case err == nil:
		d.completed.Add(1)
	case errors.Is(err, ErrJobCanceled), errors.Is(err, ErrDispatcherStopped):
		d.canceled.Add(1)
	default:
		d.failed.Add(1)
		d.log.Warn("job failed", zap.String("job", job.Name), zap.String("user_id", job.UserID), zap.Error(err))
	}
	if job.Done != nil {
		job.Done(err)
	}
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job panicked: %v", r)
		}
	}()
	return run(ctx)
}

package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrBufferFull = errors.New("workerpool: global buffer is full")
	ErrClosed     = errors.New("workerpool: pool is closed")
)

// Pool runs tasks on a fixed number of goroutines. Tasks are grouped in
// rooms so that every caller can wait for its own work.
type Pool struct {
	config    Config
	taskQueue chan func()

	mu     sync.RWMutex
	closed bool
}

type Config struct {
	// WorkerCount defaults to three workers per CPU.
	WorkerCount  int
	GlobalBuffer int
}

func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	p := &Pool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for run := range p.taskQueue {
		run()
	}
}

func (p *Pool) Workers() int {
	return p.config.WorkerCount
}

// Close stops the workers once the queued tasks ran. Submitting afterwards
// fails with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.taskQueue)
	}
}

// Room collects the results of related tasks.
type Room[T any] struct {
	pool *Pool
	wg   sync.WaitGroup

	mu      sync.Mutex
	results []T
	errs    []error
}

func NewRoom[T any](p *Pool) *Room[T] {
	return &Room[T]{pool: p}
}

func (r *Room[T]) wrap(job func() (T, error)) func() {
	return func() {
		defer r.wg.Done()
		result, err := job()
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.errs = append(r.errs, err)
			return
		}
		r.results = append(r.results, result)
	}
}

// NewTask queues job without blocking and fails with ErrBufferFull when the
// queue has no room.
func (r *Room[T]) NewTask(job func() (T, error)) error {
	r.pool.mu.RLock()
	defer r.pool.mu.RUnlock()
	if r.pool.closed {
		return ErrClosed
	}
	r.wg.Add(1)
	select {
	case r.pool.taskQueue <- r.wrap(job):
		return nil
	default:
		r.wg.Done()
		return ErrBufferFull
	}
}

// NewTaskWaitForFreeSlot queues job, waiting for space in the queue until
// ctx is done.
func (r *Room[T]) NewTaskWaitForFreeSlot(ctx context.Context, job func() (T, error)) error {
	r.pool.mu.RLock()
	defer r.pool.mu.RUnlock()
	if r.pool.closed {
		return ErrClosed
	}
	r.wg.Add(1)
	select {
	case r.pool.taskQueue <- r.wrap(job):
		return nil
	case <-ctx.Done():
		r.wg.Done()
		return ctx.Err()
	}
}

// Collect waits for all tasks of the room. Results come in completion
// order; the errors of failed tasks are joined.
func (r *Room[T]) Collect() ([]T, error) {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results, errors.Join(r.errs...)
}

package unityhelper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("worker pool closed")

type poolJob struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	err  error
	done chan struct{}
}

// workerPool runs submitted functions on a fixed number of goroutines,
// so slow upstream calls can't pile up without limit.
type workerPool struct {
	jobs     chan *poolJob
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	active   atomic.Int64
	size     int
	logger   *slog.Logger
}

func newWorkerPool(size int, logger *slog.Logger) *workerPool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &workerPool{
		jobs:   make(chan *poolJob),
		quit:   make(chan struct{}),
		size:   size,
		logger: logger,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	return p
}

func (p *workerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			p.logger.Debug("worker stopped", "worker_id", id)
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *workerPool) run(job *poolJob) {
	if err := job.ctx.Err(); err != nil {
		job.err = err
		close(job.done)
		return
	}
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered from panic in worker", "panic", r)
			job.err = fmt.Errorf("worker panic: %v", r)
		}
		p.active.Add(-1)
		close(job.done)
	}()
	job.fn(job.ctx)
}

// Submit blocks until a worker is free to run fn, then until fn returns.
// If ctx is done first, Submit returns ctx.Err() right away. A job that
// hasn't started yet is skipped, and one that has keeps its worker until
// fn notices ctx is done, so fn should return promptly after that.
// Results fn produces should go somewhere that doesn't need the caller
// to be waiting, such as a buffered channel.
func (p *workerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	job := &poolJob{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
	}
	select {
	case <-job.done:
		return job.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of functions currently running.
func (p *workerPool) Active() int {
	return int(p.active.Load())
}

// Stop waits for running functions to finish, then stops all workers.
// Later calls to Submit return ErrPoolClosed.
func (p *workerPool) Stop() {
	p.stopOnce.Do(
		func() {
			close(p.quit)
			p.wg.Wait()
		},
	)
}

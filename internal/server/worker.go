package server

import (
	"context"
	"errors"
	"log"
	"runtime/debug"

	"livebridge/internal/executor"
)

// ErrStopped is returned for work submitted to a stopped server.
var ErrStopped = errors.New("bridge server stopped")

// worker owns the namespace. Every execution, and every read of the
// namespace, runs on its single goroutine in submission order, so at most
// one Executor.Run is in flight no matter how many connections are open.
type worker struct {
	ns   *executor.Namespace
	jobs chan job
}

type job struct {
	fn   func(ns *executor.Namespace)
	done chan struct{}
}

func newWorker(ns *executor.Namespace) *worker {
	return &worker{ns: ns, jobs: make(chan job)}
}

// run consumes jobs until ctx is done.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case j := <-w.jobs:
			w.exec(j)
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) exec(j job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic recovered in execution worker: %v\n%s", r, debug.Stack())
		}
	}()
	j.fn(w.ns)
}

// do runs fn on the worker and waits for it. It gives up if ctx or stop is
// done before the job is picked up; once running, the job always finishes.
func (w *worker) do(ctx context.Context, stop <-chan struct{}, fn func(ns *executor.Namespace)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	}
	<-j.done
	return nil
}

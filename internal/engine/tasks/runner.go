// Package tasks runs fire-and-forget work (automation, campaigns) outside the
// request that triggered it, without losing its failures.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// TaskError is reported on the runner's error channel.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

type Runner struct {
	wg   sync.WaitGroup
	errs chan *TaskError
}

func NewRunner(buffer int) *Runner {
	if buffer <= 0 {
		buffer = 64
	}
	return &Runner{errs: make(chan *TaskError, buffer)}
}

// Go runs fn in its own goroutine. fn receives a context that keeps the
// caller's values but is not cancelled with it.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("task", name).Bytes("stack", debug.Stack()).Msg("task panicked")
				r.report(name, fmt.Errorf("panic: %v", p))
			}
		}()

		if err := fn(taskCtx); err != nil {
			r.report(name, err)
		}
	}()
}

func (r *Runner) report(name string, err error) {
	select {
	case r.errs <- &TaskError{Task: name, Err: err}:
	default:
		log.Error().Err(err).Str("task", name).Msg("task error channel full, dropping")
	}
}

func (r *Runner) Errors() <-chan *TaskError {
	return r.errs
}

// Drain logs task failures until ctx is done.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case te := <-r.errs:
			log.Error().Err(te.Err).Str("task", te.Task).Msg("background task failed")
		}
	}
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

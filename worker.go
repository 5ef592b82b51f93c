// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// worker executes one message at a time via the handler of its task.
type worker struct {
	m      *Manager
	workc  <-chan *delivery // manager passes works here
	logger log.Logger
}

func newWorker(m *Manager, workc <-chan *delivery) *worker {
	w := &worker{
		m:      m,
		workc:  workc,
		logger: m.logger,
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer w.m.workersWg.Done()
	for d := range w.workc {
		if err := w.process(d); err != nil {
			// This is a hard error: the message stays in the work queue
			// and is delivered again after its lease expired.
			level.Error(w.logger).Log("msg", "cannot process message", "queue", d.queue, "id", d.msg.ID, "err", err)
		}
	}
}

func (w *worker) process(d *delivery) error {
	m := w.m
	ctx := context.Background()

	env, err := DecodeEnvelope(m.codec, d.msg.Body)
	if err != nil {
		level.Error(w.logger).Log("msg", "dead-lettering malformed message", "queue", d.queue, "id", d.msg.ID, "err", err)
		return w.deadLetter(ctx, d, &WatchEvent{Type: TaskDeadLetter, Queue: d.queue, Error: err.Error()}, err.Error())
	}
	logger := log.With(w.logger, "task", env.Task, "id", env.ID, "attempt", env.Attempt)

	def, err := m.registry.Resolve(env.Task)
	if err != nil {
		level.Error(logger).Log("msg", "dead-lettering message of unknown task", "err", err)
		rec := &ResultRecord{
			ID:         env.ID,
			Task:       env.Task,
			Queue:      d.queue,
			Status:     StatusFailure,
			Error:      errorInfo(err),
			RetryCount: env.Attempt,
		}
		if err := m.finish(ctx, env, rec); err != nil && err != ErrTerminalState {
			return err
		}
		e := taskEvent(TaskDeadLetter, env)
		e.Error = err.Error()
		return w.deadLetter(ctx, d, e, err.Error())
	}

	rec, err := m.backend.Load(ctx, env.ID)
	switch {
	case err == nil && rec.Status.Terminal():
		// Revoked, or delivered more than once
		level.Debug(logger).Log("msg", "skipping invocation in terminal state", "status", rec.Status)
		if err := m.continuation(ctx, env, rec, true); err != nil {
			return err
		}
		return m.broker.Ack(ctx, d.queue, d.msg)
	case err != nil && err != ErrResultNotFound:
		w.nack(d)
		return err
	}

	started := time.Now()
	err = m.backend.Store(ctx, &ResultRecord{
		ID:         env.ID,
		Task:       env.Task,
		Queue:      d.queue,
		Status:     StatusRunning,
		RetryCount: env.Attempt,
		StartedAt:  started.UnixNano(),
		Timestamp:  started.UnixNano(),
	})
	if err == ErrTerminalState {
		return w.settled(ctx, d, env)
	}
	if err != nil {
		w.nack(d)
		return err
	}

	m.broker.StatsIncrement(ctx, StartedField, 1)
	m.broadcast(ctx, taskEvent(TaskStart, env))
	level.Debug(logger).Log("msg", "running task")

	result, herr := w.execute(def, env, d.queue)

	if herr != nil && errors.Is(herr, context.Canceled) && m.workCtx.Err() != nil {
		// Shutting down: somebody else will pick it up
		level.Info(logger).Log("msg", "handler interrupted by shutdown")
		w.nack(d)
		return nil
	}

	rec = &ResultRecord{
		ID:         env.ID,
		Task:       env.Task,
		Queue:      d.queue,
		RetryCount: env.Attempt,
		StartedAt:  started.UnixNano(),
	}

	if herr == nil {
		rec.Status = StatusSuccess
		rec.Result = result
		err = m.finish(ctx, env, rec)
		if err == ErrTerminalState {
			return w.settled(ctx, d, env)
		}
		if err != nil {
			return err
		}
		m.broker.StatsIncrement(ctx, CompletedField, 1)
		m.broadcast(ctx, taskEvent(TaskCompletion, env))
		level.Debug(logger).Log("msg", "task completed", "took", time.Since(started))
		return m.broker.Ack(ctx, d.queue, d.msg)
	}

	info := errorInfo(herr)
	if delay, ok := w.retryDelay(def, env, herr); ok {
		// Retry
		rec.Status = StatusRetryScheduled
		rec.Error = info
		rec.RetryCount = env.Attempt + 1
		rec.Timestamp = time.Now().UnixNano()
		err = m.backend.Store(ctx, rec)
		if err == ErrTerminalState {
			return w.settled(ctx, d, env)
		}
		if err != nil {
			return err
		}
		next := *env
		next.Attempt++
		if err := m.publish(ctx, &next, time.Now().Add(delay)); err != nil {
			return err
		}
		m.broker.StatsIncrement(ctx, RetriedField, 1)
		e := taskEvent(TaskRetry, env)
		e.Error = info.Error()
		m.broadcast(ctx, e)
		level.Info(logger).Log("msg", "retry scheduled", "delay", delay, "err", herr)
		return m.broker.Ack(ctx, d.queue, d.msg)
	}

	rec.Status = StatusFailure
	rec.Error = info
	err = m.finish(ctx, env, rec)
	if err == ErrTerminalState {
		return w.settled(ctx, d, env)
	}
	if err != nil {
		return err
	}
	m.broker.StatsIncrement(ctx, FailedField, 1)
	e := taskEvent(TaskFailure, env)
	e.Error = info.Error()
	m.broadcast(ctx, e)
	level.Warn(logger).Log("msg", "task failed", "err", herr)
	return m.broker.Ack(ctx, d.queue, d.msg)
}

// execute runs the handler of def under a context carrying the request,
// the time limit of the task, and its revocation.
func (w *worker) execute(def *TaskDefinition, env *Envelope, queue string) (interface{}, error) {
	ctx, cancel := context.WithCancelCause(w.m.workCtx)
	defer cancel(nil)
	w.m.trackRunning(env.ID, cancel)
	defer w.m.untrackRunning(env.ID)

	hctx := ctx
	if limit := def.Policy.TimeLimit; limit > 0 {
		var cancelTimeout context.CancelFunc
		hctx, cancelTimeout = context.WithTimeout(ctx, limit)
		defer cancelTimeout()
	}
	hctx = withRequest(hctx, &Request{
		ID:         env.ID,
		Task:       env.Task,
		Queue:      queue,
		Attempt:    env.Attempt,
		MaxRetries: def.Policy.MaxRetries,
		ParentID:   env.ParentID,
		Kwargs:     env.Kwargs,
	})

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: Errorf(KindPanic, "%v", r)}
			}
		}()
		result, err := def.Handler(hctx, env.Args...)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && hctx.Err() != nil {
			return nil, interruption(hctx)
		}
		return o.result, o.err
	case <-hctx.Done():
		// The handler doesn't watch its context; leave it behind
		return nil, interruption(hctx)
	}
}

// interruption returns the reason ctx was cancelled.
func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == context.DeadlineExceeded {
		return ErrTaskTimeout
	}
	return cause
}

// retryDelay returns the delay before the next attempt, or false if
// the invocation must not be retried.
func (w *worker) retryDelay(def *TaskDefinition, env *Envelope, err error) (time.Duration, bool) {
	kind := ErrorKind(err)
	if kind == KindRevoked {
		return 0, false
	}
	var rr *RetryRequest
	manual := errors.As(err, &rr)
	if !manual && !def.Policy.Retryable(kind) {
		return 0, false
	}
	if env.Attempt >= def.Policy.MaxRetries {
		return 0, false
	}
	if manual && rr.Countdown > 0 {
		return rr.Countdown, true
	}
	if d, ok := def.Policy.Delay(env.Attempt); ok {
		return d, true
	}
	return w.m.backoff(env.Attempt), true
}

// settled handles a message whose invocation reached a terminal state
// elsewhere, e.g. because it was revoked while running.
func (w *worker) settled(ctx context.Context, d *delivery, env *Envelope) error {
	rec, err := w.m.backend.Load(ctx, env.ID)
	if err != nil {
		return err
	}
	if err := w.m.continuation(ctx, env, rec, true); err != nil {
		return err
	}
	return w.m.broker.Ack(ctx, d.queue, d.msg)
}

func (w *worker) deadLetter(ctx context.Context, d *delivery, e *WatchEvent, reason string) error {
	if err := w.m.broker.DeadLetter(ctx, d.queue, d.msg, reason); err != nil {
		return err
	}
	w.m.broker.StatsIncrement(ctx, DeadLetteredField, 1)
	w.m.broadcast(ctx, e)
	return nil
}

func (w *worker) nack(d *delivery) {
	if err := w.m.broker.Nack(context.Background(), d.queue, d.msg); err != nil {
		level.Warn(w.logger).Log("msg", "cannot return message", "queue", d.queue, "id", d.msg.ID, "err", err)
	}
}

// finish stores a terminal record and drives the continuation of env.
func (m *Manager) finish(ctx context.Context, env *Envelope, rec *ResultRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}
	if err := m.backend.Store(ctx, rec); err != nil {
		return err
	}
	return m.continuation(ctx, env, rec, false)
}

// continuation submits the link of env after a success, or abandons it
// after a failure, and marks the chord member env belongs to.
// If redrive is true, the continuation may have been driven before.
func (m *Manager) continuation(ctx context.Context, env *Envelope, rec *ResultRecord, redrive bool) error {
	if rec.Status == StatusSuccess && env.Link != nil {
		prev := &prevResult{value: rec.Result, parentID: env.ID}
		return m.submit(ctx, env.Link, prev, nil, env.Chord)
	}
	if rec.Status == StatusFailure && env.Link != nil {
		if err := m.abandon(ctx, env.Link, rec.Error); err != nil {
			return err
		}
	}
	if env.Chord != nil {
		return m.chordMemberDone(ctx, env.Chord, redrive)
	}
	return nil
}

func taskErrorOf(rec *ResultRecord) *TaskError {
	if rec.Error != nil {
		return rec.Error
	}
	return NewError(KindError, fmt.Sprintf("task %s failed", rec.ID))
}

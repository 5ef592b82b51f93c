// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"time"
)

// Result is a handle to the eventual outcome of an invocation.
type Result interface {
	// ID returns the invocation ID, or the group ID for groups.
	ID() string
	// Get waits at most timeout for the outcome. It returns ErrTimeout
	// if there is none in time, and a *TaskError if the task failed.
	Get(timeout time.Duration) (interface{}, error)
	// Wait is like Get but waits until ctx is done.
	Wait(ctx context.Context) (interface{}, error)
	// Ready returns true if the outcome is available.
	Ready(ctx context.Context) (bool, error)
}

// AsyncResult is the handle of a single invocation. It polls the
// result backend.
type AsyncResult struct {
	id       string
	backend  Backend
	interval time.Duration
}

// AsyncResult returns a handle to the invocation with the given ID,
// e.g. to check on an invocation submitted by another process.
func (m *Manager) AsyncResult(id string) *AsyncResult {
	interval := m.resultInterval
	if interval <= 0 {
		interval = defaultResultPollInterval
	}
	return &AsyncResult{id: id, backend: m.backend, interval: interval}
}

func (m *Manager) resultFor(sig *Signature) Result {
	switch sig.Kind {
	case KindChain:
		return m.resultFor(sig.Children[len(sig.Children)-1])
	case KindChord:
		return m.resultFor(sig.Body)
	case KindGroup:
		results := make([]Result, len(sig.Children))
		for i, child := range sig.Children {
			results[i] = m.resultFor(child)
		}
		return &GroupResult{id: sig.GroupID, results: results}
	}
	return m.AsyncResult(sig.ID)
}

func (r *AsyncResult) ID() string { return r.id }

// Record returns the stored record of the invocation.
func (r *AsyncResult) Record(ctx context.Context) (*ResultRecord, error) {
	return r.backend.Load(ctx, r.id)
}

// State returns the status of the invocation. Invocations without
// a record are PENDING.
func (r *AsyncResult) State(ctx context.Context) (Status, error) {
	rec, err := r.backend.Load(ctx, r.id)
	if err == ErrResultNotFound {
		return StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	st, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Terminal(), nil
}

func (r *AsyncResult) Get(timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := r.Wait(ctx)
	if err == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	return v, err
}

func (r *AsyncResult) Wait(ctx context.Context) (interface{}, error) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		rec, err := r.backend.Load(ctx, r.id)
		switch {
		case err == ErrResultNotFound:
		case IsTransportError(err):
			// Keep polling until ctx is done
		case err != nil:
			return nil, err
		case rec.Status == StatusSuccess:
			return rec.Result, nil
		case rec.Status == StatusFailure:
			return nil, taskErrorOf(rec)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Forget removes the record of the invocation from the backend.
func (r *AsyncResult) Forget(ctx context.Context) error {
	return r.backend.Forget(ctx, r.id)
}

// GroupResult is the handle of a group. Its value is the list of the
// results of the members in submission order.
type GroupResult struct {
	id      string
	results []Result
}

func (r *GroupResult) ID() string { return r.id }

// Results returns the handles of the members.
func (r *GroupResult) Results() []Result {
	return r.results
}

func (r *GroupResult) Ready(ctx context.Context) (bool, error) {
	for _, res := range r.results {
		ok, err := res.Ready(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (r *GroupResult) Get(timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := r.Wait(ctx)
	if err == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	return v, err
}

// Wait waits until all members are terminal. If members failed, the
// failure of the first one in submission order is returned.
func (r *GroupResult) Wait(ctx context.Context) (interface{}, error) {
	values := make([]interface{}, len(r.results))
	var failure error
	for i, res := range r.results {
		v, err := res.Wait(ctx)
		if err != nil {
			if findTaskError(err) == nil {
				return nil, err
			}
			if failure == nil {
				failure = err
			}
			continue
		}
		values[i] = v
	}
	if failure != nil {
		return nil, failure
	}
	return values, nil
}

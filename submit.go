// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// prevResult is the result of the predecessor in a chain.
type prevResult struct {
	value    interface{}
	parentID string
}

// Submit publishes an invocation of the named task and returns a
// handle to its result.
func (m *Manager) Submit(ctx context.Context, task string, args ...interface{}) (Result, error) {
	return m.Apply(ctx, NewSignature(task, args...))
}

// Apply publishes the invocations described by sig and returns a handle
// to the final result: the result of the last link of a chain, the
// results of a group, or the result of the callback of a chord.
func (m *Manager) Apply(ctx context.Context, sig *Signature) (Result, error) {
	prepared, err := m.prepare(sig, false)
	if err != nil {
		return nil, err
	}
	res := m.resultFor(prepared)
	if err := m.submit(ctx, prepared, nil, nil, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// submit publishes the first invocations of a prepared signature.
// The result of the predecessor (if any) is passed to them; link is
// what follows sig, and ref is the chord sig is a member of.
func (m *Manager) submit(ctx context.Context, sig *Signature, prev *prevResult, link *Signature, ref *ChordRef) error {
	switch sig.Kind {
	case KindTask:
		args := sig.Args
		env := &Envelope{
			ID:       sig.ID,
			Task:     sig.Task,
			Kwargs:   sig.Kwargs,
			Queue:    m.queueFor(sig),
			Link:     link,
			Chord:    ref,
			Enqueued: time.Now().UnixNano(),
		}
		if prev != nil {
			env.ParentID = prev.parentID
			if !sig.Immutable {
				args = append([]interface{}{prev.value}, args...)
			}
		}
		env.Args = args
		ok, err := m.storePending(ctx, env)
		if err != nil {
			return err
		}
		if !ok {
			// Already in flight: a continuation is driven again
			return nil
		}
		if err := m.publish(ctx, env, time.Now()); err != nil {
			return err
		}
		m.broker.StatsIncrement(ctx, EnqueuedField, 1)
		m.broadcast(ctx, taskEvent(TaskEnqueue, env))
		return nil

	case KindChain:
		rest := chainOf(append(append([]*Signature(nil), sig.Children[1:]...), link))
		return m.submit(ctx, sig.Children[0], prev, rest, ref)

	case KindGroup:
		if link != nil || ref != nil {
			// Something waits for the results of the group
			body := link
			if body == nil {
				body = &Signature{Kind: KindTask, ID: newID(), Task: CollectTask}
			}
			return m.submitChord(ctx, sig.GroupID, sig.Children, body, ChordFailFast, prev, ref)
		}
		for _, child := range sig.Children {
			if err := m.submit(ctx, child, prev, nil, nil); err != nil {
				return err
			}
		}
		return nil

	case KindChord:
		body := chainOf([]*Signature{sig.Body, link})
		return m.submitChord(ctx, sig.GroupID, sig.Children, body, sig.Policy, prev, ref)
	}
	return errors.Errorf("cabbage: unknown signature kind %q", sig.Kind)
}

// submitChord initializes the counter of the chord and publishes all
// members of its header.
func (m *Manager) submitChord(ctx context.Context, groupID string, header []*Signature, body *Signature, policy ChordPolicy, prev *prevResult, parent *ChordRef) error {
	if len(header) == 0 {
		return m.submit(ctx, body, &prevResult{value: []interface{}{}}, nil, parent)
	}
	members := make([]string, len(header))
	for i, child := range header {
		members[i] = resultID(child)
	}
	if err := m.backend.InitChord(ctx, groupID, len(header)); err != nil {
		return err
	}
	for i, child := range header {
		ref := &ChordRef{
			GroupID:  groupID,
			Index:    i,
			Members:  members,
			Callback: body,
			Policy:   policy,
			Parent:   parent,
		}
		if err := m.submit(ctx, child, prev, nil, ref); err != nil {
			return err
		}
	}
	return nil
}

// chordMemberDone marks a member of a chord as terminal. The member
// that completes the chord submits the callback. If redrive is true, the
// callback is submitted whenever the chord is complete; submitting it
// twice is harmless because its IDs are fixed.
func (m *Manager) chordMemberDone(ctx context.Context, ref *ChordRef, redrive bool) error {
	remaining, counted, err := m.backend.MarkChordMember(ctx, ref.GroupID, ref.Index)
	if err != nil {
		return err
	}
	if remaining > 0 || (!counted && !redrive) {
		return nil
	}

	results := make([]interface{}, len(ref.Members))
	var failure *TaskError
	for i, id := range ref.Members {
		rec, err := m.backend.Load(ctx, id)
		if err == ErrResultNotFound {
			rec = &ResultRecord{ID: id, Status: StatusFailure, Error: NewError(KindError, "result not found")}
		} else if err != nil {
			return err
		}
		switch rec.Status {
		case StatusSuccess:
			results[i] = rec.Result
		case StatusFailure:
			te := taskErrorOf(rec)
			if failure == nil {
				failure = te
			}
			results[i] = ErrorMarker(te)
		default:
			return errors.Errorf("cabbage: chord %s completed with member %s in state %s", ref.GroupID, id, rec.Status)
		}
	}

	if failure != nil && ref.Policy != ChordPartial {
		level.Debug(m.logger).Log("msg", "chord failed", "group", ref.GroupID, "err", failure)
		if err := m.abandon(ctx, ref.Callback, failure); err != nil {
			return err
		}
		if ref.Parent != nil {
			return m.chordMemberDone(ctx, ref.Parent, redrive)
		}
		return nil
	}
	return m.submit(ctx, ref.Callback, &prevResult{value: results}, nil, ref.Parent)
}

// abandon records all invocations of sig as failed with e. It is used
// for continuations that will never run because their predecessor failed.
func (m *Manager) abandon(ctx context.Context, sig *Signature, e *TaskError) error {
	now := time.Now().UnixNano()
	for _, id := range taskIDs(sig) {
		err := m.backend.Store(ctx, &ResultRecord{
			ID:        id,
			Status:    StatusFailure,
			Error:     &TaskError{Kind: e.Kind, Message: e.Message},
			Timestamp: now,
		})
		if err != nil && err != ErrTerminalState {
			return err
		}
	}
	return nil
}

// storePending records a new invocation as PENDING unless there is a
// record already, e.g. because a continuation is driven again. It returns
// false if the invocation must not be published again because it is
// RUNNING or RETRY_SCHEDULED. Invocations in a terminal state are
// published so that a worker drives their continuation.
func (m *Manager) storePending(ctx context.Context, env *Envelope) (bool, error) {
	rec, err := m.backend.Load(ctx, env.ID)
	if err == nil {
		switch rec.Status {
		case StatusRunning, StatusRetryScheduled:
			return false, nil
		}
		return true, nil
	}
	if err != ErrResultNotFound {
		return false, err
	}
	err = m.backend.Store(ctx, &ResultRecord{
		ID:        env.ID,
		Task:      env.Task,
		Queue:     env.Queue,
		Status:    StatusPending,
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil && err != ErrTerminalState {
		return false, err
	}
	return true, nil
}

// publish encodes env and publishes it to its queue with the given ETA.
func (m *Manager) publish(ctx context.Context, env *Envelope, eta time.Time) error {
	body, err := EncodeEnvelope(m.codec, env)
	if err != nil {
		return err
	}
	msg := &Message{
		ID:   messageID(env.ID, env.Attempt),
		Body: body,
		ETA:  eta.UnixNano(),
	}
	return m.broker.Publish(ctx, env.Queue, msg)
}

// queueFor returns the queue of a task signature: the queue of the
// signature, the queue of the task policy, or the first queue of the
// manager for built-in tasks.
func (m *Manager) queueFor(sig *Signature) string {
	if sig.Queue != "" {
		return sig.Queue
	}
	if def, err := m.registry.Resolve(sig.Task); err == nil && def.Policy.Queue != "" {
		return def.Policy.Queue
	}
	if len(m.queues) > 0 {
		return m.queues[0]
	}
	return DefaultQueue
}

// Revoke cancels an invocation. A pending invocation is removed from
// its queue and never runs; the handler of a running invocation sees
// its context cancelled. The invocation is recorded as FAILURE with
// kind Revoked, and its continuation is abandoned. Revoking an
// invocation in a terminal state is a no-op.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	rec, err := m.backend.Load(ctx, id)
	switch {
	case err == ErrResultNotFound:
		rec = &ResultRecord{ID: id, Queue: DefaultQueue}
	case err != nil:
		return err
	case rec.Status.Terminal():
		return nil
	}

	revoked := &ResultRecord{
		ID:         id,
		Task:       rec.Task,
		Queue:      rec.Queue,
		Status:     StatusFailure,
		Error:      NewError(KindRevoked, ErrRevoked.Message),
		RetryCount: rec.RetryCount,
		Timestamp:  time.Now().UnixNano(),
	}
	if err := m.backend.Store(ctx, revoked); err == ErrTerminalState {
		return nil
	} else if err != nil {
		return err
	}

	queue := rec.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	msg, err := m.broker.Remove(ctx, queue, messageID(id, rec.RetryCount))
	if err != nil {
		return err
	}
	if msg != nil {
		// It never ran, so nobody else drives its continuation
		env, err := DecodeEnvelope(m.codec, msg.Body)
		if err != nil {
			return err
		}
		if err := m.continuation(ctx, env, revoked, false); err != nil {
			return err
		}
	}

	m.cancelRunning(id)
	return m.broker.Broadcast(ctx, &WatchEvent{Type: TaskRevoke, TaskID: id, Task: rec.Task, Queue: queue})
}

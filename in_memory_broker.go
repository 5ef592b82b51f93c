// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultVisibilityTimeout = time.Hour

// InMemoryBroker is a simple in-memory message transport.
// It is used in tests and for single-process deployments.
type InMemoryBroker struct {
	mu          sync.Mutex
	queues      map[string]*memQueue
	metrics     map[StatsField]int
	subs        map[chan *WatchEvent]struct{}
	visibility  time.Duration
	unavailable bool
	closed      bool
}

type memQueue struct {
	input []*Message
	work  []*leased
	dead  []*Message
}

type leased struct {
	msg      *Message
	deadline time.Time
}

// NewInMemoryBroker creates a new in-memory broker. Messages not
// acknowledged within the visibility timeout are handed out again
// after Reclaim.
func NewInMemoryBroker(visibility time.Duration) *InMemoryBroker {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &InMemoryBroker{
		queues:     make(map[string]*memQueue),
		metrics:    make(map[StatsField]int),
		subs:       make(map[chan *WatchEvent]struct{}),
		visibility: visibility,
	}
}

// SetUnavailable simulates a broken connection: while set, all
// operations fail with ErrTransportUnavailable.
func (r *InMemoryBroker) SetUnavailable(down bool) {
	r.mu.Lock()
	r.unavailable = down
	r.mu.Unlock()
}

// queue returns the named queue. r.mu must be held.
func (r *InMemoryBroker) queue(name string) (*memQueue, error) {
	if r.closed || r.unavailable {
		return nil, ErrTransportUnavailable
	}
	q, found := r.queues[name]
	if !found {
		q = &memQueue{}
		r.queues[name] = q
	}
	return q, nil
}

func copyMessage(msg *Message) *Message {
	out := *msg
	out.Body = append([]byte(nil), msg.Body...)
	return &out
}

// insert adds msg to the input queue, keeping it ordered by ETA.
func (q *memQueue) insert(msg *Message) {
	i := sort.Search(len(q.input), func(i int) bool {
		return q.input[i].ETA > msg.ETA
	})
	q.input = append(q.input, nil)
	copy(q.input[i+1:], q.input[i:])
	q.input[i] = msg
}

func (r *InMemoryBroker) Publish(ctx context.Context, queue string, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return err
	}
	for _, m := range q.input {
		if m.ID == msg.ID {
			return nil
		}
	}
	q.insert(copyMessage(msg))
	return nil
}

func (r *InMemoryBroker) Next(ctx context.Context, queue string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return nil, err
	}
	if len(q.input) == 0 {
		return nil, nil
	}
	now := time.Now()
	msg := q.input[0]
	if msg.ETA > now.UnixNano() {
		return nil, nil
	}
	q.input = q.input[1:]
	q.work = append(q.work, &leased{msg: msg, deadline: now.Add(r.visibility)})
	return copyMessage(msg), nil
}

func (r *InMemoryBroker) Ack(ctx context.Context, queue string, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return err
	}
	for i, l := range q.work {
		if l.msg.ID == msg.ID {
			q.work = append(q.work[:i], q.work[i+1:]...)
			break
		}
	}
	return nil
}

func (r *InMemoryBroker) Nack(ctx context.Context, queue string, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return err
	}
	for i, l := range q.work {
		if l.msg.ID == msg.ID {
			q.work = append(q.work[:i], q.work[i+1:]...)
			q.insert(l.msg)
			return nil
		}
	}
	return nil
}

func (r *InMemoryBroker) DeadLetter(ctx context.Context, queue string, msg *Message, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return err
	}
	for i, l := range q.work {
		if l.msg.ID == msg.ID {
			q.work = append(q.work[:i], q.work[i+1:]...)
			dead := copyMessage(l.msg)
			dead.Reason = reason
			q.dead = append(q.dead, dead)
			return nil
		}
	}
	return nil
}

func (r *InMemoryBroker) DeadLetters(ctx context.Context, queue string) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, len(q.dead))
	for i, msg := range q.dead {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func (r *InMemoryBroker) Requeue(ctx context.Context, queue, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return false, err
	}
	for i, msg := range q.dead {
		if msg.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			msg.Reason = ""
			msg.ETA = time.Now().UnixNano()
			q.insert(msg)
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryBroker) Remove(ctx context.Context, queue, id string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return nil, err
	}
	for i, msg := range q.input {
		if msg.ID == id {
			q.input = append(q.input[:i], q.input[i+1:]...)
			return msg, nil
		}
	}
	return nil, nil
}

func (r *InMemoryBroker) Reclaim(ctx context.Context, queue string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var n int
	work := q.work[:0]
	for _, l := range q.work {
		if l.deadline.After(now) {
			work = append(work, l)
			continue
		}
		l.msg.ETA = now.UnixNano()
		q.insert(l.msg)
		n++
	}
	q.work = work
	return n, nil
}

func (r *InMemoryBroker) StatsIncrement(ctx context.Context, f StatsField, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.unavailable {
		return ErrTransportUnavailable
	}
	r.metrics[f] += delta
	return nil
}

func (r *InMemoryBroker) StatsSnapshot(ctx context.Context, queue string) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(queue)
	if err != nil {
		return nil, err
	}
	st := new(Stats)
	for key, value := range r.metrics {
		st.set(key, value)
	}
	st.InputQueueSize = len(q.input)
	st.WorkQueueSize = len(q.work)
	st.DeadQueueSize = len(q.dead)
	return st, nil
}

func (r *InMemoryBroker) Broadcast(ctx context.Context, e *WatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.unavailable {
		return ErrTransportUnavailable
	}
	for c := range r.subs {
		select {
		case c <- e:
		default:
			// Slow subscriber; drop the event
		}
	}
	return nil
}

func (r *InMemoryBroker) Subscribe(ctx context.Context) (<-chan *WatchEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.unavailable {
		return nil, ErrTransportUnavailable
	}
	c := make(chan *WatchEvent, 64)
	r.subs[c] = struct{}{}
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if _, found := r.subs[c]; found {
			delete(r.subs, c)
			close(c)
		}
		r.mu.Unlock()
	}()
	return c, nil
}

func (r *InMemoryBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for c := range r.subs {
		delete(r.subs, c)
		close(c)
	}
	return nil
}

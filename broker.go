// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"time"
)

// Message is a serialized envelope travelling through a Broker.
type Message struct {
	ID     string `json:"id"`               // unique per attempt
	Body   []byte `json:"body"`             // encoded Envelope
	ETA    int64  `json:"eta"`              // earliest delivery time (unix nanos)
	Reason string `json:"reason,omitempty"` // why the message was dead-lettered
}

// Broker is the message transport between producers and workers.
//
// Every queue consists of an input queue with messages ordered by ETA,
// a work queue with messages that have been handed out but not yet
// acknowledged, and a dead queue with messages that couldn't be
// processed. The dead queue will not be touched until a human moves
// messages back into the input queue.
//
// Implementations return an error wrapping ErrTransportUnavailable if
// the connection to the transport is down.
type Broker interface {
	// Publish adds the message to the input queue. Publishing a message
	// with an ID that is already queued doesn't add it a second time.
	Publish(ctx context.Context, queue string, msg *Message) error

	// Next moves the first due message of the input queue into the
	// work queue and returns it. If there is no due message, nil is
	// returned. The message is leased for the visibility timeout of
	// the broker and becomes available again after that unless it is
	// acknowledged or dead-lettered.
	Next(ctx context.Context, queue string) (*Message, error)

	// Ack removes the message from the work queue.
	Ack(ctx context.Context, queue string, msg *Message) error

	// Nack moves the message from the work queue back into the input
	// queue immediately, e.g. when a worker shuts down before processing it.
	Nack(ctx context.Context, queue string, msg *Message) error

	// DeadLetter moves the message from the work queue to the dead queue.
	DeadLetter(ctx context.Context, queue string, msg *Message, reason string) error

	// DeadLetters returns the messages in the dead queue.
	DeadLetters(ctx context.Context, queue string) ([]*Message, error)

	// Requeue moves a message from the dead queue back into the input queue.
	Requeue(ctx context.Context, queue, id string) (bool, error)

	// Remove deletes a message from the input queue if it hasn't been
	// handed out yet and returns it. If there is no such message in the
	// input queue, nil is returned.
	Remove(ctx context.Context, queue, id string) (*Message, error)

	// Reclaim moves all messages with an expired lease from the work
	// queue back into the input queue and returns their number.
	Reclaim(ctx context.Context, queue string) (int, error)

	// StatsIncrement increments a given statistic.
	StatsIncrement(ctx context.Context, field StatsField, delta int) error

	// StatsSnapshot returns a snapshot of the statistics and the sizes
	// of the given queue.
	StatsSnapshot(ctx context.Context, queue string) (*Stats, error)

	// Broadcast sends an event to all subscribers.
	Broadcast(ctx context.Context, e *WatchEvent) error

	// Subscribe returns a channel of broadcast events. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan *WatchEvent, error)

	// Close releases the resources of the broker.
	Close() error
}

// StatsField represents a metrics.
type StatsField string

const (
	EnqueuedField     StatsField = "enqueued"
	StartedField      StatsField = "started"
	RetriedField      StatsField = "retried"
	FailedField       StatsField = "failed"
	CompletedField    StatsField = "completed"
	DeadLetteredField StatsField = "dead"
)

var statsFields = []StatsField{
	EnqueuedField,
	StartedField,
	RetriedField,
	FailedField,
	CompletedField,
	DeadLetteredField,
}

// Stats represents statistics.
type Stats struct {
	Enqueued       int `json:"enqueued"`  // submitted invocations
	Started        int `json:"started"`   // started handler
	Retried        int `json:"retried"`   // failed but still retrying
	Failed         int `json:"failed"`    // finally failed
	Completed      int `json:"completed"` // completed successfully
	DeadLettered   int `json:"dead"`      // messages moved to the dead queue
	InputQueueSize int `json:"input_queue_size"`
	WorkQueueSize  int `json:"work_queue_size"`
	DeadQueueSize  int `json:"dead_queue_size"`
}

func (st *Stats) set(f StatsField, v int) {
	switch f {
	case EnqueuedField:
		st.Enqueued = v
	case StartedField:
		st.Started = v
	case RetriedField:
		st.Retried = v
	case FailedField:
		st.Failed = v
	case CompletedField:
		st.Completed = v
	case DeadLetteredField:
		st.DeadLettered = v
	}
}

// Consume returns the messages of queue as a channel. It polls the
// broker every interval while the queue is empty and backs off on
// transport errors, reporting them to errc if not nil. The channel is
// closed when ctx is done; a closed consumer can not be restarted.
func Consume(ctx context.Context, b Broker, queue string, interval time.Duration, errc chan<- error) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		failures := 0
		for {
			msg, err := b.Next(ctx, queue)
			var wait time.Duration
			switch {
			case err != nil:
				failures++
				wait = transportBackoff(interval, failures)
				if errc != nil {
					select {
					case errc <- err:
					default:
					}
				}
			case msg == nil:
				failures = 0
				wait = interval
			default:
				failures = 0
				select {
				case out <- msg:
					continue
				case <-ctx.Done():
					b.Nack(context.Background(), queue, msg)
					return
				}
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

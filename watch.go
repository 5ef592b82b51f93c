// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log/level"
)

const (
	// ManagerStart event type is triggered on manager startup.
	ManagerStart = "MANAGER_START"
	// ManagerStop event type is triggered on manager shutdown.
	ManagerStop = "MANAGER_STOP"
	// ManagerStats event type returns global stats periodically.
	ManagerStats = "MANAGER_STATS"
	// TaskEnqueue event type is triggered when a new invocation is published.
	TaskEnqueue = "TASK_ENQUEUE"
	// TaskStart event type is triggered when a handler is started.
	TaskStart = "TASK_START"
	// TaskRetry event type is triggered when a retry has been scheduled.
	TaskRetry = "TASK_RETRY"
	// TaskCompletion event type is triggered when a task completed successfully.
	TaskCompletion = "TASK_COMPLETION"
	// TaskFailure event type is triggered when a task has finally failed.
	TaskFailure = "TASK_FAILURE"
	// TaskRevoke event type is triggered when an invocation is revoked.
	// Workers cancel the context of the handler running the invocation.
	TaskRevoke = "TASK_REVOKE"
	// TaskDeadLetter event type is triggered when a message is moved to
	// the dead queue.
	TaskDeadLetter = "TASK_DEAD_LETTER"
)

const watchStatsInterval = 1 * time.Second

// WatchEvent is send to consumers watching the manager after
// calling Watch on the manager.
type WatchEvent struct {
	Type    string `json:"type"`              // event type
	TaskID  string `json:"task_id,omitempty"` // invocation ID
	Task    string `json:"task,omitempty"`    // task name
	Queue   string `json:"queue,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
	Stats   *Stats `json:"stats,omitempty"` // statistics
}

func taskEvent(typ string, env *Envelope) *WatchEvent {
	return &WatchEvent{
		Type:    typ,
		TaskID:  env.ID,
		Task:    env.Task,
		Queue:   env.Queue,
		Attempt: env.Attempt,
	}
}

// broadcast sends e to all watchers. Events are informational, so
// errors are only logged.
func (m *Manager) broadcast(ctx context.Context, e *WatchEvent) {
	if err := m.broker.Broadcast(ctx, e); err != nil {
		level.Debug(m.logger).Log("msg", "cannot broadcast event", "type", e.Type, "err", err)
	}
}

// Watch enables consumers to watch events happening inside a manager.
// Watch returns a channel of WatchEvents that it will send on.
// The caller must pass a done channel that it needs to close if it is
// no longer interested in watching events.
func (m *Manager) Watch(done chan struct{}) <-chan *WatchEvent {
	// Events broadcast by workers and clients come from the broker,
	// ManagerStats events from a local ticker.
	ctx, cancel := context.WithCancel(context.Background())

	events, err := m.broker.Subscribe(ctx)
	if err != nil {
		level.Warn(m.logger).Log("msg", "cannot subscribe to events", "err", err)
		closed := make(chan *WatchEvent)
		close(closed)
		events = closed
	}

	statsev := make(chan *WatchEvent)

	go func() {
		t := time.NewTicker(watchStatsInterval)
		defer t.Stop()

		for {
			select {
			case <-done:
				// Stop watching
				cancel()
				close(statsev)
				return
			case <-t.C:
				st, err := m.Stats()
				if err != nil {
					// No stats
					break
				}
				select {
				case statsev <- &WatchEvent{Type: ManagerStats, Stats: st}:
				case <-done:
				}
			}
		}
	}()

	return mergeWatchEvents(done, events, statsev)
}

// mergeWatchEvents fans in the channels cs into a single channel. The
// returned channel is closed after all of cs are closed. Values still
// arriving after done is closed are dropped.
func mergeWatchEvents(done <-chan struct{}, cs ...<-chan *WatchEvent) <-chan *WatchEvent {
	out := make(chan *WatchEvent)
	var wg sync.WaitGroup
	wg.Add(len(cs))
	for _, c := range cs {
		go func(c <-chan *WatchEvent) {
			defer wg.Done()
			for e := range c {
				select {
				case out <- e:
				case <-done:
				}
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

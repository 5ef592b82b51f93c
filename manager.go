// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	defaultPollInterval       = 1 * time.Second
	defaultConcurrency        = 5
	defaultReclaimInterval    = 1 * time.Minute
	defaultResultPollInterval = 100 * time.Millisecond
)

func nop() {}

var (
	testHookMu        sync.Mutex
	testPollerStarted = nop // testing hook
	testPollerStopped = nop // testing hook
)

// runTestHook calls the testing hook stored at hook.
func runTestHook(hook *func()) {
	testHookMu.Lock()
	h := *hook
	testHookMu.Unlock()
	h()
}

// Manager submits invocations and runs workers that execute them.
//
// Producers and workers may live in different processes as long as
// they share the broker and the backend.
type Manager struct {
	mu             sync.Mutex
	started        bool
	logger         log.Logger
	registry       *Registry
	broker         Broker
	backend        Backend
	codec          Codec
	queues         []string
	interval       time.Duration
	resultInterval time.Duration
	reclaim        time.Duration
	concurrency    int
	backoff        BackoffFunc

	stopPolling context.CancelFunc // stops accepting new messages
	stopBg      context.CancelFunc // stops reclaimer and revoke listener
	stopWork    context.CancelFunc // cancels running handlers
	workCtx     context.Context    // parent of all handler contexts
	pollerDone  chan struct{}
	bgWg        sync.WaitGroup
	workersWg   sync.WaitGroup
	workc       chan *delivery

	runningMu sync.Mutex
	running   map[string]context.CancelCauseFunc // key: invocation ID
}

// delivery is a message handed from a poller to a worker.
type delivery struct {
	queue string
	msg   *Message
}

// New creates a new manager.
//
// Configure the manager with Set methods.
// Example:
//
//	m := cabbage.New(cabbage.SetBroker(...), cabbage.SetPollInterval(...))
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:         log.NewNopLogger(),
		registry:       NewRegistry(),
		broker:         NewInMemoryBroker(0),
		codec:          JSONCodec{},
		queues:         []string{DefaultQueue},
		interval:       defaultPollInterval,
		resultInterval: defaultResultPollInterval,
		reclaim:        defaultReclaimInterval,
		concurrency:    defaultConcurrency,
		backoff:        exponentialBackoff,
		running:        make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.backend == nil {
		m.backend = NewInMemoryBackend(m.codec)
	}
	return m
}

// Registry returns the task registry of the manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Broker returns the message transport of the manager.
func (m *Manager) Broker() Broker {
	return m.broker
}

// Backend returns the result store of the manager.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Queues returns the queues the workers of the manager consume.
func (m *Manager) Queues() []string {
	return m.queues
}

// Stats returns a snapshot of the current statistics, e.g. the number
// of started and completed tasks. Queue sizes are summed up over all
// queues of the manager.
func (m *Manager) Stats() (*Stats, error) {
	ctx := context.Background()
	var total *Stats
	for _, q := range m.queues {
		st, err := m.broker.StatsSnapshot(ctx, q)
		if err != nil {
			return nil, err
		}
		if total == nil {
			total = st
			continue
		}
		total.InputQueueSize += st.InputQueueSize
		total.WorkQueueSize += st.WorkQueueSize
		total.DeadQueueSize += st.DeadQueueSize
	}
	if total == nil {
		total = new(Stats)
	}
	return total, nil
}

// ManagerOption is an options provider to be used when creating a
// new task manager.
type ManagerOption func(*Manager)

// SetBroker specifies the message transport. The default is an
// InMemoryBroker.
func SetBroker(b Broker) ManagerOption {
	return func(m *Manager) {
		m.broker = b
	}
}

// SetBackend specifies the result store. The default is an
// InMemoryBackend.
func SetBackend(b Backend) ManagerOption {
	return func(m *Manager) {
		m.backend = b
	}
}

// SetCodec specifies the codec for envelopes. JSON is used by default.
func SetCodec(c Codec) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// SetLogger specifies the logger to use when reporting.
func SetLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger == nil {
			logger = log.NewNopLogger()
		}
		m.logger = logger
	}
}

// SetRegistry specifies the task registry, e.g. to share it between
// several managers.
func SetRegistry(r *Registry) ManagerOption {
	return func(m *Manager) {
		m.registry = r
	}
}

// SetQueues specifies the queues the workers consume.
// The default is DefaultQueue.
func SetQueues(queues ...string) ManagerOption {
	return func(m *Manager) {
		if len(queues) > 0 {
			m.queues = queues
		}
	}
}

// SetPollInterval specifies the interval at which the manager polls for jobs.
func SetPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.interval = interval
	}
}

// SetResultPollInterval specifies the interval at which results poll
// the backend while waiting.
func SetResultPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.resultInterval = interval
	}
}

// SetReclaimInterval specifies how often the manager moves messages
// with an expired lease back into the input queue.
func SetReclaimInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reclaim = interval
	}
}

// SetConcurrency specifies the number of workers working in parallel.
// Concurrency must be greater or equal to 1 and is 5 by default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n <= 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetBackoffFunc specifies the backoff function that returns the timespan
// between retries of failed tasks whose policy has no backoff.
// Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn == nil {
			m.backoff = exponentialBackoff
		} else {
			m.backoff = fn
		}
	}
}

// Register registers a task and its handler.
func (m *Manager) Register(name string, h Handler, options ...TaskOption) error {
	return m.registry.Register(name, h, options...)
}

// LoadModules registers the tasks of the named bootstrap modules.
func (m *Manager) LoadModules(names ...string) error {
	return LoadModules(m.registry, names...)
}

// Start runs the workers of the manager. Use Close to stop it.
// Tasks can no longer be registered after Start.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("cabbage: manager already started")
	}

	m.registry.Freeze()

	// Move stalled messages from previous runs back into input queues
	for _, q := range m.queues {
		n, err := m.broker.Reclaim(context.Background(), q)
		if err != nil {
			return err
		}
		if n > 0 {
			level.Info(m.logger).Log("msg", "reclaimed messages", "queue", q, "n", n)
		}
	}

	bgCtx, stopBg := context.WithCancel(context.Background())
	m.stopBg = stopBg
	revokes, err := m.broker.Subscribe(bgCtx)
	if err != nil {
		stopBg()
		return err
	}
	m.bgWg.Add(2)
	go m.revokeListener(bgCtx, revokes)
	go m.reclaimer(bgCtx)

	m.workCtx, m.stopWork = context.WithCancel(context.Background())
	m.workc = make(chan *delivery)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		newWorker(m, m.workc)
	}

	pollCtx, stopPolling := context.WithCancel(context.Background())
	m.stopPolling = stopPolling
	m.pollerDone = make(chan struct{})
	go m.poller(pollCtx)

	m.started = true

	m.broadcast(context.Background(), &WatchEvent{Type: ManagerStart})
	level.Info(m.logger).Log("msg", "manager started", "queues", len(m.queues), "concurrency", m.concurrency)

	return nil
}

// Close stops the task manager. It waits until all running tasks are
// completed. If you want to limit the time to wait, use CloseWithTimeout.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout is like Close but waits at most timeout for running
// tasks to complete. New tasks are no longer accepted. Handlers still
// running after the timeout see their context cancelled, and their
// messages are put back into the input queue.
// Use a negative timeout to wait indefinitely.
func (m *Manager) CloseWithTimeout(timeout time.Duration) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}

	// Stop accepting new tasks
	m.stopPolling()
	<-m.pollerDone

	if timeout < 0 {
		// Wait until all workers are completed
		m.workersWg.Wait()
	} else {
		complete := make(chan struct{})
		go func() {
			m.workersWg.Wait()
			close(complete)
		}()
		select {
		case <-complete:
			// Completed in time
		case <-time.After(timeout):
			// Time out waiting for active tasks
			err = errors.New("timeout")
			m.stopWork()
			<-complete
		}
	}
	m.stopWork()
	m.stopBg()
	m.bgWg.Wait()
	m.started = false

	m.broadcast(context.Background(), &WatchEvent{Type: ManagerStop})
	level.Info(m.logger).Log("msg", "manager stopped")
	return
}

// poller consumes all queues and passes the messages to idle workers.
// It closes the work channel when ctx is done.
func (m *Manager) poller(ctx context.Context) {
	defer close(m.pollerDone)
	runTestHook(&testPollerStarted)
	defer runTestHook(&testPollerStopped)

	var wg sync.WaitGroup
	for _, q := range m.queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			m.consume(ctx, queue)
		}(q)
	}
	wg.Wait()
	close(m.workc)
}

func (m *Manager) consume(ctx context.Context, queue string) {
	errc := make(chan error, 1)
	msgs := Consume(ctx, m.broker, queue, m.interval, errc)
	for {
		select {
		case msg, more := <-msgs:
			if !more {
				return
			}
			select {
			case m.workc <- &delivery{queue: queue, msg: msg}:
			case <-ctx.Done():
				// No worker took it; hand it back
				if err := m.broker.Nack(context.Background(), queue, msg); err != nil {
					level.Warn(m.logger).Log("msg", "cannot return message", "queue", queue, "id", msg.ID, "err", err)
				}
			}
		case err := <-errc:
			level.Warn(m.logger).Log("msg", "transport unavailable", "queue", queue, "err", err)
		}
	}
}

// reclaimer periodically moves messages whose lease expired, e.g.
// because a worker crashed, back into the input queue.
func (m *Manager) reclaimer(ctx context.Context) {
	defer m.bgWg.Done()
	if m.reclaim <= 0 {
		return
	}
	t := time.NewTicker(m.reclaim)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, q := range m.queues {
				n, err := m.broker.Reclaim(ctx, q)
				if err != nil {
					level.Warn(m.logger).Log("msg", "cannot reclaim messages", "queue", q, "err", err)
					continue
				}
				if n > 0 {
					level.Info(m.logger).Log("msg", "reclaimed messages", "queue", q, "n", n)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// revokeListener cancels running handlers of revoked invocations. Revoke
// events may get lost while the broker is disconnected, so the records
// of running invocations are checked every poll interval, too.
func (m *Manager) revokeListener(ctx context.Context, events <-chan *WatchEvent) {
	defer m.bgWg.Done()
	interval := m.interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e.Type == TaskRevoke && e.TaskID != "" {
				m.cancelRunning(e.TaskID)
			}
		case <-t.C:
			m.cancelRevoked(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cancelRevoked cancels running handlers whose invocation has been
// recorded as revoked.
func (m *Manager) cancelRevoked(ctx context.Context) {
	m.runningMu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.runningMu.Unlock()

	for _, id := range ids {
		rec, err := m.backend.Load(ctx, id)
		if err != nil {
			if err != ErrResultNotFound {
				level.Debug(m.logger).Log("msg", "cannot check for revoke", "id", id, "err", err)
			}
			continue
		}
		if rec.Status == StatusFailure && rec.Error != nil && rec.Error.Kind == KindRevoked {
			m.cancelRunning(id)
		}
	}
}

func (m *Manager) trackRunning(id string, cancel context.CancelCauseFunc) {
	m.runningMu.Lock()
	m.running[id] = cancel
	m.runningMu.Unlock()
}

func (m *Manager) untrackRunning(id string) {
	m.runningMu.Lock()
	delete(m.running, id)
	m.runningMu.Unlock()
}

func (m *Manager) cancelRunning(id string) bool {
	m.runningMu.Lock()
	cancel, found := m.running[id]
	m.runningMu.Unlock()
	if found {
		cancel(ErrRevoked)
	}
	return found
}

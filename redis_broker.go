// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"
)

// RedisBroker is a message transport backed by Redis.
//
// For a queue q, the input queue is a sorted set at "<ns>:queue:<q>:input"
// scored by ETA, the work queue is a sorted set at "<ns>:queue:<q>:work"
// scored by the lease deadline, and the dead queue is a sorted set at
// "<ns>:queue:<q>:dead". Message bodies are stored at "<ns>:msgs:<id>".
type RedisBroker struct {
	pool       *redis.Pool
	ns         keyspace
	visibility time.Duration
}

// NewRedisBroker creates a broker connecting to the given Redis server.
func NewRedisBroker(server, namespace, password string, db int, visibility time.Duration) *RedisBroker {
	return NewRedisBrokerFromPool(namespace, newPool(server, password, db), visibility)
}

// NewRedisBrokerFromPool creates a broker from an existing pool.
func NewRedisBrokerFromPool(namespace string, pool *redis.Pool, visibility time.Duration) *RedisBroker {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &RedisBroker{
		ns:         keyspace(namespace),
		pool:       pool,
		visibility: visibility,
	}
}

func (r *RedisBroker) inputQ(queue string) string { return r.ns.key("queue", queue, "input") }
func (r *RedisBroker) workQ(queue string) string  { return r.ns.key("queue", queue, "work") }
func (r *RedisBroker) deadQ(queue string) string  { return r.ns.key("queue", queue, "dead") }
func (r *RedisBroker) reasons(queue string) string {
	return r.ns.key("queue", queue, "reasons")
}

// Publish adds the message to the input queue.
func (r *RedisBroker) Publish(ctx context.Context, queue string, msg *Message) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	score := strconv.FormatInt(msg.ETA, 10)

	c.Send("MULTI")
	c.Send("SET", r.ns.key("msgs", msg.ID), msg.Body)
	c.Send("ZADD", r.inputQ(queue), "NX", score, msg.ID)
	_, err = c.Do("EXEC")
	if err != nil {
		c.Do("DISCARD")
		return redisError(err)
	}
	return nil
}

// KEYS[1] name of input queue
// KEYS[2] name of work queue
// KEYS[3] prefix of message bodies
// ARGV[1] now
// ARGV[2] lease deadline
var nextScript = redis.NewScript(3, `
	local r = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', '0', '1')
	if r ~= false and #r ~= 0 then
		local id = r[1]
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		local body = redis.call('GET', KEYS[3] .. ':' .. id)
		if body == false then
			body = ''
		end
		return {id, body, r[2]}
	end
	return {}
`)

// Next moves the first due message into the work queue and returns it.
func (r *RedisBroker) Next(ctx context.Context, queue string) (*Message, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	now := time.Now()
	deadline := now.Add(r.visibility)
	v, err := redis.Values(nextScript.Do(c,
		r.inputQ(queue),
		r.workQ(queue),
		r.ns.key("msgs"),
		now.UnixNano(),
		deadline.UnixNano(),
	))
	if err != nil {
		return nil, redisError(err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	var (
		msg   Message
		score string
	)
	if _, err := redis.Scan(v, &msg.ID, &msg.Body, &score); err != nil {
		return nil, err
	}
	if f, err := strconv.ParseFloat(score, 64); err == nil {
		msg.ETA = int64(f)
	}
	return &msg, nil
}

// KEYS[1] name of work queue
// KEYS[2] name of input queue
// KEYS[3] message body
// ARGV[1] message id
var ackScript = redis.NewScript(3, `
	local r = redis.call('ZREM', KEYS[1], ARGV[1])
	if redis.call('ZSCORE', KEYS[2], ARGV[1]) == false then
		redis.call('DEL', KEYS[3])
	end
	return r
`)

// Ack removes the message from the work queue. The body is kept if the
// same message has been published again in the meantime.
func (r *RedisBroker) Ack(ctx context.Context, queue string, msg *Message) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = redis.Int(ackScript.Do(c, r.workQ(queue), r.inputQ(queue), r.ns.key("msgs", msg.ID), msg.ID))
	return redisError(err)
}

// KEYS[1] name of work queue
// KEYS[2] name of input queue
// ARGV[1] message id
// ARGV[2] score
var nackScript = redis.NewScript(2, `
	local r = redis.call('ZREM', KEYS[1], ARGV[1])
	if r == 1 then
		redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[1])
	end
	return r
`)

// Nack moves the message from the work queue back into the input queue.
func (r *RedisBroker) Nack(ctx context.Context, queue string, msg *Message) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = redis.Int(nackScript.Do(c, r.workQ(queue), r.inputQ(queue), msg.ID, msg.ETA))
	return redisError(err)
}

// KEYS[1] name of work queue
// KEYS[2] name of dead queue
// KEYS[3] name of reasons hash
// ARGV[1] message id
// ARGV[2] score
// ARGV[3] reason
var deadLetterScript = redis.NewScript(3, `
	local r = redis.call('ZREM', KEYS[1], ARGV[1])
	if r == 1 then
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
		redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
	end
	return r
`)

// DeadLetter moves the message from the work queue to the dead queue.
func (r *RedisBroker) DeadLetter(ctx context.Context, queue string, msg *Message, reason string) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = redis.Int(deadLetterScript.Do(c,
		r.workQ(queue),
		r.deadQ(queue),
		r.reasons(queue),
		msg.ID,
		time.Now().UnixNano(),
		reason,
	))
	return redisError(err)
}

// DeadLetters returns the messages in the dead queue.
func (r *RedisBroker) DeadLetters(ctx context.Context, queue string) ([]*Message, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ids, err := redis.Strings(c.Do("ZRANGE", r.deadQ(queue), "0", "-1"))
	if err != nil {
		return nil, redisError(err)
	}
	var msgs []*Message
	for _, id := range ids {
		body, err := redis.Bytes(c.Do("GET", r.ns.key("msgs", id)))
		if err != nil && err != redis.ErrNil {
			return nil, redisError(err)
		}
		reason, err := redis.String(c.Do("HGET", r.reasons(queue), id))
		if err != nil && err != redis.ErrNil {
			return nil, redisError(err)
		}
		msgs = append(msgs, &Message{ID: id, Body: body, Reason: reason})
	}
	return msgs, nil
}

// KEYS[1] name of dead queue
// KEYS[2] name of reasons hash
// KEYS[3] name of input queue
// ARGV[1] message id
// ARGV[2] score
var requeueScript = redis.NewScript(3, `
	local r = redis.call('ZREM', KEYS[1], ARGV[1])
	if r == 1 then
		redis.call('HDEL', KEYS[2], ARGV[1])
		redis.call('ZADD', KEYS[3], 'NX', ARGV[2], ARGV[1])
	end
	return r
`)

// Requeue moves a message from the dead queue back into the input queue.
func (r *RedisBroker) Requeue(ctx context.Context, queue, id string) (bool, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return false, err
	}
	defer c.Close()

	n, err := redis.Int(requeueScript.Do(c, r.deadQ(queue), r.reasons(queue), r.inputQ(queue), id, time.Now().UnixNano()))
	if err != nil {
		return false, redisError(err)
	}
	return n == 1, nil
}

// KEYS[1] name of input queue
// KEYS[2] name of work queue
// KEYS[3] message body
// ARGV[1] message id
var removeScript = redis.NewScript(3, `
	local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
	if score == false then
		return {}
	end
	redis.call('ZREM', KEYS[1], ARGV[1])
	local body = redis.call('GET', KEYS[3])
	if body == false then
		body = ''
	end
	if redis.call('ZSCORE', KEYS[2], ARGV[1]) == false then
		redis.call('DEL', KEYS[3])
	end
	return {body, score}
`)

// Remove deletes a message from the input queue and returns it.
func (r *RedisBroker) Remove(ctx context.Context, queue, id string) (*Message, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	v, err := redis.Values(removeScript.Do(c, r.inputQ(queue), r.workQ(queue), r.ns.key("msgs", id), id))
	if err != nil {
		return nil, redisError(err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	msg := &Message{ID: id}
	var score string
	if _, err := redis.Scan(v, &msg.Body, &score); err != nil {
		return nil, err
	}
	if f, err := strconv.ParseFloat(score, 64); err == nil {
		msg.ETA = int64(f)
	}
	return msg, nil
}

// KEYS[1] name of work queue
// KEYS[2] name of input queue
// ARGV[1] now
var reclaimScript = redis.NewScript(2, `
	local n = 0
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
		n = n + 1
	end
	return n
`)

// Reclaim moves messages with an expired lease back into the input queue.
func (r *RedisBroker) Reclaim(ctx context.Context, queue string) (int, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(reclaimScript.Do(c, r.workQ(queue), r.inputQ(queue), time.Now().UnixNano()))
	if err != nil {
		return 0, redisError(err)
	}
	return n, nil
}

// StatsIncrement increments a statistic.
func (r *RedisBroker) StatsIncrement(ctx context.Context, f StatsField, delta int) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Do("INCRBY", r.ns.key("stats", string(f)), delta)
	return redisError(err)
}

// StatsSnapshot reads the stored statistics.
func (r *RedisBroker) StatsSnapshot(ctx context.Context, queue string) (*Stats, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	args := make([]interface{}, len(statsFields))
	for i, f := range statsFields {
		args[i] = r.ns.key("stats", string(f))
	}
	v, err := redis.Values(c.Do("MGET", args...))
	if err != nil {
		return nil, redisError(err)
	}
	st := new(Stats)
	for i, f := range statsFields {
		if i < len(v) && v[i] != nil {
			n, _ := redis.Int(v[i], nil)
			st.set(f, n)
		}
	}
	if st.InputQueueSize, err = redis.Int(c.Do("ZCARD", r.inputQ(queue))); err != nil {
		return nil, redisError(err)
	}
	if st.WorkQueueSize, err = redis.Int(c.Do("ZCARD", r.workQ(queue))); err != nil {
		return nil, redisError(err)
	}
	if st.DeadQueueSize, err = redis.Int(c.Do("ZCARD", r.deadQ(queue))); err != nil {
		return nil, redisError(err)
	}
	return st, nil
}

// Broadcast publishes an event.
func (r *RedisBroker) Broadcast(ctx context.Context, e *WatchEvent) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.Do("PUBLISH", r.ns.key("events"), data)
	return redisError(err)
}

// resubscribeInterval is the initial wait before resubscribing after
// the pub/sub connection broke.
const resubscribeInterval = 100 * time.Millisecond

// Subscribe subscribes to broadcast events until ctx is done. If the
// connection breaks, Subscribe reconnects with exponential backoff.
// Events broadcast while disconnected are lost.
func (r *RedisBroker) Subscribe(ctx context.Context) (<-chan *WatchEvent, error) {
	psc, err := r.subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan *WatchEvent, 64)
	go func() {
		defer close(out)
		for {
			r.receive(ctx, psc, out)
			psc.Close()
			for n := 0; ; n++ {
				select {
				case <-time.After(transportBackoff(resubscribeInterval, n)):
				case <-ctx.Done():
					return
				}
				if psc, err = r.subscribe(ctx); err == nil {
					break
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisBroker) subscribe(ctx context.Context) (redis.PubSubConn, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return redis.PubSubConn{}, err
	}
	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(r.ns.key("events")); err != nil {
		c.Close()
		return redis.PubSubConn{}, redisError(err)
	}
	return psc, nil
}

// receive passes events from psc to out until the connection breaks or
// ctx is done.
func (r *RedisBroker) receive(ctx context.Context, psc redis.PubSubConn, out chan<- *WatchEvent) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			psc.Unsubscribe()
			psc.Close()
		case <-stop:
		}
	}()

	for {
		// No read timeout: subscribers may be idle for a long time
		switch n := psc.ReceiveWithTimeout(0).(type) {
		case redis.Message:
			e := new(WatchEvent)
			if err := json.Unmarshal(n.Data, e); err != nil {
				break
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		case redis.Subscription:
			if n.Count == 0 {
				return
			}
		case error:
			return
		}
	}
}

// Close closes the underlying pool.
func (r *RedisBroker) Close() error {
	return r.pool.Close()
}

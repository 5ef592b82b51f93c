// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"time"

	"github.com/garyburd/redigo/redis"
)

const defaultResultExpires = 24 * time.Hour

// RedisBackend stores results in Redis. Every record is a hash at
// "<ns>:results:<id>" with the fields "status" and "data". Chord
// counters live at "<ns>:chords:<group>:remaining" with the set of
// completed member indices at "<ns>:chords:<group>:done".
type RedisBackend struct {
	pool    *redis.Pool
	ns      keyspace
	codec   Codec
	expires time.Duration
}

// NewRedisBackend creates a backend connecting to the given Redis server.
// Records expire after expires; use a negative value to keep them forever.
func NewRedisBackend(server, namespace, password string, db int, c Codec, expires time.Duration) *RedisBackend {
	return NewRedisBackendFromPool(namespace, newPool(server, password, db), c, expires)
}

// NewRedisBackendFromPool creates a backend from an existing pool.
func NewRedisBackendFromPool(namespace string, pool *redis.Pool, c Codec, expires time.Duration) *RedisBackend {
	if c == nil {
		c = JSONCodec{}
	}
	if expires == 0 {
		expires = defaultResultExpires
	}
	return &RedisBackend{
		pool:    pool,
		ns:      keyspace(namespace),
		codec:   c,
		expires: expires,
	}
}

func (r *RedisBackend) expiresMillis() int64 {
	if r.expires < 0 {
		return 0
	}
	return int64(r.expires / time.Millisecond)
}

// KEYS[1] record key
// ARGV[1] status
// ARGV[2] data
// ARGV[3] expiry in milliseconds, 0 for none
var storeScript = redis.NewScript(1, `
	local s = redis.call('HGET', KEYS[1], 'status')
	if s == 'SUCCESS' or s == 'FAILURE' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[1])
	redis.call('HSET', KEYS[1], 'data', ARGV[2])
	if tonumber(ARGV[3]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
	end
	return 1
`)

// Store creates or updates a record unless it is terminal already.
func (r *RedisBackend) Store(ctx context.Context, rec *ResultRecord) error {
	data, err := encodeRecord(r.codec, rec)
	if err != nil {
		return err
	}
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := redis.Int(storeScript.Do(c, r.ns.key("results", rec.ID), string(rec.Status), data, r.expiresMillis()))
	if err != nil {
		return redisError(err)
	}
	if n == 0 {
		return ErrTerminalState
	}
	return nil
}

// Load returns the record of an invocation.
func (r *RedisBackend) Load(ctx context.Context, id string) (*ResultRecord, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := redis.Bytes(c.Do("HGET", r.ns.key("results", id), "data"))
	if err == redis.ErrNil {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, redisError(err)
	}
	return decodeRecord(r.codec, data)
}

// Forget deletes a record.
func (r *RedisBackend) Forget(ctx context.Context, id string) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Do("DEL", r.ns.key("results", id))
	return redisError(err)
}

// InitChord initializes the counter of a chord.
func (r *RedisBackend) InitChord(ctx context.Context, groupID string, size int) error {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return err
	}
	defer c.Close()

	key := r.ns.key("chords", groupID, "remaining")
	if ms := r.expiresMillis(); ms > 0 {
		_, err = c.Do("SET", key, size, "PX", ms, "NX")
	} else {
		_, err = c.Do("SET", key, size, "NX")
	}
	return redisError(err)
}

// KEYS[1] counter
// KEYS[2] set of completed member indices
// ARGV[1] member index
// ARGV[2] expiry in milliseconds, 0 for none
var markChordScript = redis.NewScript(2, `
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {-1, 0}
	end
	if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
		if tonumber(ARGV[2]) > 0 then
			redis.call('PEXPIRE', KEYS[2], ARGV[2])
		end
		return {redis.call('DECR', KEYS[1]), 1}
	end
	return {tonumber(redis.call('GET', KEYS[1])), 0}
`)

// MarkChordMember atomically marks a member of a chord as completed.
func (r *RedisBackend) MarkChordMember(ctx context.Context, groupID string, index int) (int, bool, error) {
	c, err := redisConn(ctx, r.pool)
	if err != nil {
		return 0, false, err
	}
	defer c.Close()

	v, err := redis.Ints(markChordScript.Do(c,
		r.ns.key("chords", groupID, "remaining"),
		r.ns.key("chords", groupID, "done"),
		index,
		r.expiresMillis(),
	))
	if err != nil {
		return 0, false, redisError(err)
	}
	if len(v) != 2 || (v[0] < 0 && v[1] == 0) {
		return 0, false, ErrResultNotFound
	}
	return v[0], v[1] == 1, nil
}

// Close closes the underlying pool.
func (r *RedisBackend) Close() error {
	return r.pool.Close()
}

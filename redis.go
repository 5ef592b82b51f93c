// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"strings"
	"time"

	"github.com/garyburd/redigo/redis"
)

const (
	defaultRedisServer    = ":6379"
	defaultRedisNamespace = "cabbage"
)

// newPool creates a new Redis pool with sane defaults.
func newPool(server, password string, db int) *redis.Pool {
	if server == "" {
		server = defaultRedisServer
	}
	return &redis.Pool{
		MaxIdle:     5, // pool size
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", server,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(10*time.Second),
				redis.DialWriteTimeout(10*time.Second),
			)
			if err != nil {
				return nil, err
			}
			if password != "" {
				if _, err := c.Do("AUTH", password); err != nil {
					c.Close()
					return nil, err
				}
			}
			_, err = c.Do("SELECT", db)
			if err != nil {
				c.Close()
				return nil, err
			}
			return c, err
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// keyspace builds namespaced Redis keys.
type keyspace string

func (ns keyspace) key(keys ...string) string {
	if ns == "" {
		return strings.Join(keys, ":")
	}
	return strings.Join([]string{string(ns), strings.Join(keys, ":")}, ":")
}

// redisConn gets a connection from the pool unless ctx is done.
func redisConn(ctx context.Context, pool *redis.Pool) (redis.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := pool.Get()
	if err := c.Err(); err != nil {
		c.Close()
		return nil, transportError(err)
	}
	return c, nil
}

// redisError classifies an error returned by redigo. Errors replied by
// the server are returned as is, everything else means the connection
// is broken.
func redisError(err error) error {
	if err == nil || err == redis.ErrNil {
		return err
	}
	if _, ok := err.(redis.Error); ok {
		return err
	}
	return transportError(err)
}

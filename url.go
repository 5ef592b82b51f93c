// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"net/url"
	"path/filepath"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
)

// URLOptions are applied when opening brokers and backends by URL.
type URLOptions struct {
	// Namespace prefixes all Redis keys. Defaults to "cabbage".
	Namespace string
	// Visibility is the lease of a message handed out to a worker.
	Visibility time.Duration
	// Codec serializes result records.
	Codec Codec
	// ResultExpires is the time to keep results in Redis.
	ResultExpires time.Duration
	// NoSync disables fsync in the Pebble backend.
	NoSync bool
}

func (o URLOptions) namespace() string {
	if o.Namespace == "" {
		return defaultRedisNamespace
	}
	return o.Namespace
}

// OpenBroker creates a broker from a connection string:
//
//	memory://
//	redis://[:password@]host[:port][/db]
func OpenBroker(rawurl string, opts URLOptions) (Broker, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "cabbage: invalid broker url %q", rawurl)
	}
	switch u.Scheme {
	case "memory":
		return NewInMemoryBroker(opts.Visibility), nil
	case "redis":
		return NewRedisBrokerFromPool(opts.namespace(), newURLPool(rawurl), opts.Visibility), nil
	}
	return nil, errors.Errorf("cabbage: unsupported broker scheme %q", u.Scheme)
}

// OpenBackend creates a result backend from a connection string:
//
//	memory://
//	redis://[:password@]host[:port][/db]
//	pebble:///path/to/dir
func OpenBackend(rawurl string, opts URLOptions) (Backend, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "cabbage: invalid backend url %q", rawurl)
	}
	switch u.Scheme {
	case "memory":
		return NewInMemoryBackend(opts.Codec), nil
	case "redis":
		return NewRedisBackendFromPool(opts.namespace(), newURLPool(rawurl), opts.Codec, opts.ResultExpires), nil
	case "pebble":
		dir := filepath.FromSlash(u.Host + u.Path)
		if dir == "" {
			return nil, errors.Errorf("cabbage: missing directory in backend url %q", rawurl)
		}
		return OpenPebbleBackend(PebbleOptions{Dir: dir, NoSync: opts.NoSync, Codec: opts.Codec})
	}
	return nil, errors.Errorf("cabbage: unsupported backend scheme %q", u.Scheme)
}

// newURLPool is like newPool but dials a redis:// URL.
func newURLPool(rawurl string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawurl,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(10*time.Second),
				redis.DialWriteTimeout(10*time.Second),
			)
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

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"math"
	"time"
)

const maxTransportBackoff = 30 * time.Second

// BackoffFunc returns the timespan to wait before retrying a failed
// task for the given attempt (starting at 0). The manager uses it for
// tasks whose Policy doesn't specify a backoff.
type BackoffFunc func(attempt int) time.Duration

// exponentialBackoff waits 1s, 2s, 4s, 8s, ... capped at one hour.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 12 {
		return time.Hour
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// ConstantBackoff returns a BackoffFunc that always waits d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// transportBackoff is the time to wait after n consecutive transport
// errors.
func transportBackoff(interval time.Duration, n int) time.Duration {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if n > 16 {
		return maxTransportBackoff
	}
	d := interval * time.Duration(1<<uint(n))
	if d > maxTransportBackoff || d <= 0 {
		return maxTransportBackoff
	}
	return d
}

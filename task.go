// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"math"
	"time"
)

// DefaultQueue is the queue tasks are published to unless their policy
// or signature says otherwise.
const DefaultQueue = "default"

// Handler executes a task. The args are decoded from the envelope; use
// RequestFromContext to get at keyword arguments, the attempt number etc.
// Handlers must watch ctx for time limits and revocation.
type Handler func(ctx context.Context, args ...interface{}) (interface{}, error)

// Policy specifies how the worker executes a task.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BackoffBase is the delay before the first retry. If zero, the
	// manager's BackoffFunc is used.
	BackoffBase time.Duration
	// BackoffMultiplier is applied per attempt. Use 1 for a fixed delay.
	BackoffMultiplier float64
	// MaxBackoff caps the delay between retries, if > 0.
	MaxBackoff time.Duration
	// RetryOn lists the error kinds that trigger an automatic retry.
	// Use "*" to retry on any error.
	RetryOn []string
	// TimeLimit is the wall-clock limit of one attempt, if > 0.
	TimeLimit time.Duration
	// Queue the task is published to.
	Queue string
}

// Retryable returns true if an error of the given kind is subject to
// automatic retries.
func (p Policy) Retryable(kind string) bool {
	for _, k := range p.RetryOn {
		if k == "*" || k == kind {
			return true
		}
	}
	return false
}

// Delay returns the delay before retrying after the given attempt
// (starting at 0), or false if the policy has no backoff configured.
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if p.BackoffBase <= 0 {
		return 0, false
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BackoffBase) * math.Pow(mult, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff, true
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(d), true
}

// TaskOption configures the Policy of a task at registration.
type TaskOption func(*Policy)

// MaxRetries sets the number of retries after the initial attempt.
func MaxRetries(n int) TaskOption {
	return func(p *Policy) {
		if n < 0 {
			n = 0
		}
		p.MaxRetries = n
	}
}

// RetryOn specifies the error kinds to retry on.
func RetryOn(kinds ...string) TaskOption {
	return func(p *Policy) {
		p.RetryOn = append(p.RetryOn, kinds...)
	}
}

// Backoff sets the delay between retries as base * multiplier^attempt.
func Backoff(base time.Duration, multiplier float64) TaskOption {
	return func(p *Policy) {
		p.BackoffBase = base
		p.BackoffMultiplier = multiplier
	}
}

// MaxBackoff caps the delay between retries.
func MaxBackoff(d time.Duration) TaskOption {
	return func(p *Policy) {
		p.MaxBackoff = d
	}
}

// TimeLimit sets a wall-clock limit per attempt.
func TimeLimit(d time.Duration) TaskOption {
	return func(p *Policy) {
		p.TimeLimit = d
	}
}

// Queue sets the queue a task is published to.
func Queue(name string) TaskOption {
	return func(p *Policy) {
		p.Queue = name
	}
}

// TaskDefinition is a registered task. It is immutable after registration.
type TaskDefinition struct {
	Name    string
	Handler Handler
	Policy  Policy
}

// Status of an invocation.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusSuccess        Status = "SUCCESS"
	StatusFailure        Status = "FAILURE"
)

// Terminal returns true for SUCCESS and FAILURE.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

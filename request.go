// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"fmt"
	"time"
)

// Request describes the invocation a handler is working on.
type Request struct {
	ID         string
	Task       string
	Queue      string
	Attempt    int // starts at 0
	MaxRetries int
	ParentID   string
	Kwargs     map[string]interface{}
}

type requestKey struct{}

// RequestFromContext returns the Request of the running handler.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok
}

func withRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// Retry asks the worker to retry the invocation, regardless of the
// RetryOn list of the task policy. If the retries are exhausted, the
// invocation fails with err. Handlers return the result:
//
//	return nil, req.Retry(err, 0)
//
// A countdown of 0 uses the backoff of the task policy.
func (req *Request) Retry(err error, countdown time.Duration) error {
	return &RetryRequest{Err: err, Countdown: countdown}
}

// RetryRequest is returned by handlers to request a retry.
type RetryRequest struct {
	Err       error
	Countdown time.Duration
}

func (e *RetryRequest) Error() string {
	if e.Err == nil {
		return "retry requested"
	}
	return fmt.Sprintf("retry requested: %v", e.Err)
}

// Unwrap returns the error that caused the retry.
func (e *RetryRequest) Unwrap() error { return e.Err }

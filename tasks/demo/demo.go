// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package demo contains the tasks of the demo deployment. Import it for
// its side effect to make the "demo" module available:
//
//	import _ "github.com/olivere/cabbage/tasks/demo"
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/olivere/cabbage"
)

// KindAppError is the error kind of AppError.
const KindAppError = "AppError"

// AppError is returned by tasks failing on purpose.
var AppError = cabbage.NewError(KindAppError, "application error")

func init() {
	cabbage.RegisterModule("demo", Register)
}

// Register adds the demo tasks to r.
func Register(r *cabbage.Registry) error {
	tasks := []struct {
		name    string
		handler cabbage.Handler
		options []cabbage.TaskOption
	}{
		{"simple_one", SimpleOne, nil},
		{"mul", Mul, nil},
		{"halve_items", HalveItems, nil},
		{"retrying_task", RetryingTask, []cabbage.TaskOption{
			cabbage.RetryOn(KindAppError),
			cabbage.MaxRetries(3),
			cabbage.Backoff(2*time.Second, 2),
		}},
		{"manually_retrying_task", ManuallyRetryingTask, []cabbage.TaskOption{
			cabbage.MaxRetries(3),
		}},
		{"first_part", FirstPart, []cabbage.TaskOption{
			cabbage.TimeLimit(30 * time.Second),
		}},
		{"second_part", SecondPart, nil},
	}
	for _, t := range tasks {
		if err := r.Register(t.name, t.handler, t.options...); err != nil {
			return err
		}
	}
	return nil
}

// SimpleOne returns its argument.
func SimpleOne(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, cabbage.Errorf("TypeError", "simple_one takes 1 argument, got %d", len(args))
	}
	return args[0], nil
}

// Mul multiplies two integers.
func Mul(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, cabbage.Errorf("TypeError", "mul takes 2 arguments, got %d", len(args))
	}
	x, err := cabbage.Int64(args[0])
	if err != nil {
		return nil, cabbage.NewError("TypeError", err.Error())
	}
	y, err := cabbage.Int64(args[1])
	if err != nil {
		return nil, cabbage.NewError("TypeError", err.Error())
	}
	return x * y, nil
}

// HalveItems halves all integers of a list, rounding down.
func HalveItems(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, cabbage.Errorf("TypeError", "halve_items takes 1 argument, got %d", len(args))
	}
	items, err := cabbage.List(args[0])
	if err != nil {
		return nil, cabbage.NewError("TypeError", err.Error())
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		n, err := cabbage.Int64(item)
		if err != nil {
			return nil, cabbage.NewError("TypeError", err.Error())
		}
		out[i] = floorDiv(n, 2)
	}
	return out, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// RetryingTask always fails with AppError.
func RetryingTask(ctx context.Context, args ...interface{}) (interface{}, error) {
	return nil, AppError
}

// ManuallyRetryingTask fails with AppError and asks for a retry until
// its retries are exhausted. Unlike RetryingTask, the task policy has no
// RetryOn list; the handler decides.
func ManuallyRetryingTask(ctx context.Context, args ...interface{}) (interface{}, error) {
	req, ok := cabbage.RequestFromContext(ctx)
	if !ok {
		return nil, AppError
	}
	return nil, req.Retry(AppError, 0)
}

// FirstPart fetches a JSON document from the URL passed as argument
// and returns its "data" field.
func FirstPart(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, cabbage.Errorf("TypeError", "first_part takes 1 argument, got %d", len(args))
	}
	url, err := cabbage.String(args[0])
	if err != nil {
		return nil, cabbage.NewError("TypeError", err.Error())
	}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, cabbage.Errorf("HTTPError", "fetch %s: %s", url, res.Status)
	}
	var doc struct {
		Data interface{} `json:"data"`
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", url)
	}
	return doc.Data, nil
}

// SecondPart processes the data of FirstPart. It returns a short
// description of what it received.
func SecondPart(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, cabbage.Errorf("TypeError", "second_part takes 1 argument, got %d", len(args))
	}
	switch data := args[0].(type) {
	case []interface{}:
		return fmt.Sprintf("processed %d items", len(data)), nil
	case map[string]interface{}:
		return fmt.Sprintf("processed %d fields", len(data)), nil
	default:
		return fmt.Sprintf("processed %v", data), nil
	}
}

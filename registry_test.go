// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	err := r.Register("mul", mul, MaxRetries(3), RetryOn("AppError"), Backoff(2*time.Second, 2), TimeLimit(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	def, err := r.Resolve("mul")
	if err != nil {
		t.Fatal(err)
	}
	if want, got := "mul", def.Name; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := 3, def.Policy.MaxRetries; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := DefaultQueue, def.Policy.Queue; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := time.Minute, def.Policy.TimeLimit; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if !def.Policy.Retryable("AppError") {
		t.Error("expected AppError to be retryable")
	}
	if def.Policy.Retryable(KindError) {
		t.Error("expected Error not to be retryable")
	}
	if want, got := []string{CollectTask, "mul"}, r.Names(); !reflect.DeepEqual(want, got) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", mul); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := r.Register("mul", mul); err != nil {
		t.Fatal(err)
	}
	if want, got := ErrDuplicateTask, errors.Cause(r.Register("mul", mul)); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := ErrDuplicateTask, errors.Cause(r.Register(CollectTask, mul)); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	r.Freeze()
	if want, got := ErrRegistryFrozen, errors.Cause(r.Register("other", mul)); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	_, err := r.Resolve("other")
	if _, ok := err.(*UnknownTaskError); !ok {
		t.Fatalf("want *UnknownTaskError, got %T", err)
	}
	if want, got := KindUnknownTask, ErrorKind(err); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestCollectTask(t *testing.T) {
	v, err := collect(context.Background(), []interface{}{int64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if want, got := []interface{}{int64(1)}, v; !reflect.DeepEqual(want, got) {
		t.Errorf("want %v, got %v", want, got)
	}
	v, err = collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 0, len(v.([]interface{})); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestModules(t *testing.T) {
	RegisterModule("registry_test", func(r *Registry) error {
		return r.Register("registry_test.mul", mul)
	})
	found := false
	for _, name := range Modules() {
		if name == "registry_test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected module in %v", Modules())
	}

	m := New()
	if err := m.LoadModules("registry_test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Registry().Resolve("registry_test.mul"); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadModules("no_such_module"); err == nil {
		t.Fatal("expected error")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate module")
		}
	}()
	RegisterModule("registry_test", func(r *Registry) error { return nil })
}

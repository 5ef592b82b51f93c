// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// testBackend runs the tests every Backend implementation must pass.
func testBackend(t *testing.T, b Backend) {
	t.Run("LoadNotFound", func(t *testing.T) {
		_, err := b.Load(context.Background(), "no-such-id")
		if want, got := ErrResultNotFound, err; want != got {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("StoreAndLoad", func(t *testing.T) {
		ctx := context.Background()
		rec := &ResultRecord{
			ID:         "store-1",
			Task:       "mul",
			Queue:      DefaultQueue,
			Status:     StatusRunning,
			RetryCount: 1,
			Timestamp:  time.Now().UnixNano(),
		}
		if err := b.Store(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err := b.Load(ctx, "store-1")
		if err != nil {
			t.Fatal(err)
		}
		if want, got := StatusRunning, got.Status; want != got {
			t.Errorf("want %v, got %v", want, got)
		}
		if want, got := 1, got.RetryCount; want != got {
			t.Errorf("want %v, got %v", want, got)
		}

		rec.Status = StatusSuccess
		rec.Result = []interface{}{int64(3), 1.5, "x", map[string]interface{}{"a": true}}
		if err := b.Store(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err = b.Load(ctx, "store-1")
		if err != nil {
			t.Fatal(err)
		}
		if want, got := StatusSuccess, got.Status; want != got {
			t.Errorf("want %v, got %v", want, got)
		}
		if want, got := rec.Result, got.Result; !reflect.DeepEqual(want, got) {
			t.Errorf("want %#v, got %#v", want, got)
		}
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		ctx := context.Background()
		rec := &ResultRecord{
			ID:     "terminal-1",
			Status: StatusFailure,
			Error:  NewError(KindRevoked, "task was revoked"),
		}
		if err := b.Store(ctx, rec); err != nil {
			t.Fatal(err)
		}
		err := b.Store(ctx, &ResultRecord{ID: "terminal-1", Status: StatusSuccess, Result: int64(1)})
		if want, got := ErrTerminalState, err; want != got {
			t.Fatalf("want %v, got %v", want, got)
		}
		got, err := b.Load(ctx, "terminal-1")
		if err != nil {
			t.Fatal(err)
		}
		if want, got := StatusFailure, got.Status; want != got {
			t.Errorf("want %v, got %v", want, got)
		}
		if got.Error == nil {
			t.Fatal("expected error")
		}
		if want, got := KindRevoked, got.Error.Kind; want != got {
			t.Errorf("want %v, got %v", want, got)
		}
	})

	t.Run("Forget", func(t *testing.T) {
		ctx := context.Background()
		if err := b.Store(ctx, &ResultRecord{ID: "forget-1", Status: StatusSuccess}); err != nil {
			t.Fatal(err)
		}
		if err := b.Forget(ctx, "forget-1"); err != nil {
			t.Fatal(err)
		}
		_, err := b.Load(ctx, "forget-1")
		if want, got := ErrResultNotFound, err; want != got {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("ChordCounter", func(t *testing.T) {
		ctx := context.Background()
		if _, _, err := b.MarkChordMember(ctx, "no-such-chord", 0); err == nil {
			t.Fatal("expected error for unknown chord")
		}
		if err := b.InitChord(ctx, "chord-1", 3); err != nil {
			t.Fatal(err)
		}
		// Initializing again doesn't reset the counter
		remaining, counted, err := b.MarkChordMember(ctx, "chord-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if want, got := 2, remaining; want != got {
			t.Errorf("want %d, got %d", want, got)
		}
		if !counted {
			t.Error("expected member to be counted")
		}
		if err := b.InitChord(ctx, "chord-1", 3); err != nil {
			t.Fatal(err)
		}
		remaining, counted, err = b.MarkChordMember(ctx, "chord-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if want, got := 2, remaining; want != got {
			t.Errorf("want %d, got %d", want, got)
		}
		if counted {
			t.Error("expected member not to be counted twice")
		}
		for _, index := range []int{1, 2} {
			if _, _, err := b.MarkChordMember(ctx, "chord-1", index); err != nil {
				t.Fatal(err)
			}
		}
		remaining, counted, err = b.MarkChordMember(ctx, "chord-1", 2)
		if err != nil {
			t.Fatal(err)
		}
		if want, got := 0, remaining; want != got {
			t.Errorf("want %d, got %d", want, got)
		}
		if counted {
			t.Error("expected member not to be counted twice")
		}
	})

	t.Run("ChordCounterConcurrent", func(t *testing.T) {
		const N = 50
		ctx := context.Background()
		if err := b.InitChord(ctx, "chord-2", N); err != nil {
			t.Fatal(err)
		}
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			zeros int
			errs  []error
		)
		for i := 0; i < N; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				remaining, counted, err := b.MarkChordMember(ctx, "chord-2", index)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if counted && remaining == 0 {
					zeros++
				}
			}(i)
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatal(errs[0])
		}
		if want, got := 1, zeros; want != got {
			t.Errorf("want %d, got %d", want, got)
		}
	})
}

func TestInMemoryBackend(t *testing.T) {
	testBackend(t, NewInMemoryBackend(nil))
}

func TestInMemoryBackendWithCBOR(t *testing.T) {
	c, err := NewCBORCodec()
	if err != nil {
		t.Fatal(err)
	}
	testBackend(t, NewInMemoryBackend(c))
}

func TestInMemoryBackendRejectsUnsupportedValues(t *testing.T) {
	b := NewInMemoryBackend(nil)
	err := b.Store(context.Background(), &ResultRecord{
		ID:     "bad",
		Status: StatusSuccess,
		Result: make(chan int),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	_, err = b.Load(context.Background(), "bad")
	if want, got := ErrResultNotFound, err; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func ExampleNewInMemoryBackend() {
	b := NewInMemoryBackend(nil)
	ctx := context.Background()
	b.Store(ctx, &ResultRecord{ID: "1", Status: StatusSuccess, Result: int64(42)})
	rec, _ := b.Load(ctx, "1")
	fmt.Println(rec.Status, rec.Result)
	// Output: SUCCESS 42
}

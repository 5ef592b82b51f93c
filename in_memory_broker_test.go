// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryBrokerNew(t *testing.T) {
	b := NewInMemoryBroker(0)
	if want, got := defaultVisibilityTimeout, b.visibility; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	st, err := b.StatsSnapshot(context.Background(), DefaultQueue)
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 0, st.InputQueueSize; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 0, st.WorkQueueSize; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 0, st.DeadQueueSize; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerPublish(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	now := time.Now().UnixNano()
	if err := b.Publish(ctx, "q", &Message{ID: "1", ETA: now}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "q", &Message{ID: "2", ETA: now + 1}); err != nil {
		t.Fatal(err)
	}
	// Publishing the same ID again is a no-op
	if err := b.Publish(ctx, "q", &Message{ID: "1", ETA: now + 2}); err != nil {
		t.Fatal(err)
	}
	q := b.queues["q"]
	if want, got := 2, len(q.input); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := "1", q.input[0].ID; want != got {
		t.Errorf("want %s, got %s", want, got)
	}
	if want, got := "2", q.input[1].ID; want != got {
		t.Errorf("want %s, got %s", want, got)
	}
}

func TestInMemoryBrokerNextEmpty(t *testing.T) {
	b := NewInMemoryBroker(0)
	msg, err := b.Next(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("want %v, got %v", nil, msg)
	}
}

func TestInMemoryBrokerNextOrderedByETA(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	now := time.Now().Add(-time.Minute).UnixNano()
	for i, eta := range []int64{now + 3, now + 1, now + 2} {
		msg := &Message{ID: fmt.Sprintf("%d", i), ETA: eta}
		if err := b.Publish(ctx, "q", msg); err != nil {
			t.Fatal(err)
		}
	}
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := b.Next(ctx, "q")
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil {
			t.Fatalf("expected message #%d", i)
		}
		ids = append(ids, msg.ID)
	}
	if want, got := "1,2,0", fmt.Sprintf("%s,%s,%s", ids[0], ids[1], ids[2]); want != got {
		t.Errorf("want %s, got %s", want, got)
	}
	if want, got := 3, len(b.queues["q"].work); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerNextNotDue(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	eta := time.Now().Add(time.Hour).UnixNano()
	if err := b.Publish(ctx, "q", &Message{ID: "1", ETA: eta}); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Next(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("want %v, got %v", nil, msg)
	}
	if want, got := 1, len(b.queues["q"].input); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerAck(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	const N = 5
	for i := 0; i < N; i++ {
		if err := b.Publish(ctx, "q", &Message{ID: fmt.Sprintf("%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	var msgs []*Message
	for i := 0; i < N; i++ {
		msg, err := b.Next(ctx, "q")
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, msg)
	}
	if want, got := 0, len(b.queues["q"].input); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if err := b.Ack(ctx, "q", msgs[0]); err != nil {
		t.Fatal(err)
	}
	if want, got := N-1, len(b.queues["q"].work); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if err := b.Ack(ctx, "q", msgs[1]); err != nil {
		t.Fatal(err)
	}
	if want, got := N-2, len(b.queues["q"].work); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerNack(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	if err := b.Publish(ctx, "q", &Message{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Next(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Nack(ctx, "q", msg); err != nil {
		t.Fatal(err)
	}
	if want, got := 1, len(b.queues["q"].input); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 0, len(b.queues["q"].work); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerDeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	if err := b.Publish(ctx, "q", &Message{ID: "1", Body: []byte("garbage")}); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Next(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.DeadLetter(ctx, "q", msg, "malformed"); err != nil {
		t.Fatal(err)
	}
	if want, got := 0, len(b.queues["q"].work); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	dead, err := b.DeadLetters(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 1, len(dead); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := "malformed", dead[0].Reason; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := "garbage", string(dead[0].Body); want != got {
		t.Errorf("want %q, got %q", want, got)
	}

	ok, err := b.Requeue(ctx, "q", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected message to be requeued")
	}
	if want, got := 1, len(b.queues["q"].input); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 0, len(b.queues["q"].dead); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	ok, err = b.Requeue(ctx, "q", "1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no message to be requeued")
	}
}

func TestInMemoryBrokerRemove(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	if err := b.Publish(ctx, "q", &Message{ID: "1", Body: []byte("body")}); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Remove(ctx, "q", "1")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected removed message")
	}
	if want, got := "body", string(msg.Body); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	msg, err = b.Remove(ctx, "q", "1")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("want %v, got %v", nil, msg)
	}
}

func TestInMemoryBrokerReclaim(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(10 * time.Millisecond)
	if err := b.Publish(ctx, "q", &Message{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Next(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	n, err := b.Reclaim(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 0, n; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	time.Sleep(20 * time.Millisecond)
	n, err = b.Reclaim(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 1, n; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	msg, err := b.Next(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ID != "1" {
		t.Fatalf("expected message 1 to be delivered again, got %v", msg)
	}
}

func TestInMemoryBrokerUnavailable(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	b.SetUnavailable(true)
	err := b.Publish(ctx, "q", &Message{ID: "1"})
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := b.Next(ctx, "q"); !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	b.SetUnavailable(false)
	if err := b.Publish(ctx, "q", &Message{ID: "1"}); err != nil {
		t.Fatal(err)
	}
}

func TestInMemoryBrokerStats(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(0)
	if err := b.StatsIncrement(ctx, EnqueuedField, 3); err != nil {
		t.Fatal(err)
	}
	if err := b.StatsIncrement(ctx, CompletedField, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "q", &Message{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	st, err := b.StatsSnapshot(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if want, got := 3, st.Enqueued; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 1, st.Completed; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := 1, st.InputQueueSize; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestInMemoryBrokerBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewInMemoryBroker(0)
	events, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Broadcast(ctx, &WatchEvent{Type: TaskRevoke, TaskID: "1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		if want, got := TaskRevoke, e.Type; want != got {
			t.Errorf("want %q, got %q", want, got)
		}
		if want, got := "1", e.TaskID; want != got {
			t.Errorf("want %q, got %q", want, got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	cancel()
	select {
	case _, more := <-events:
		if more {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed")
	}
}

func TestConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewInMemoryBroker(0)
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "q", &Message{ID: fmt.Sprintf("%d", i), ETA: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := Consume(ctx, b, "q", 10*time.Millisecond, nil)
	for i := 0; i < 3; i++ {
		select {
		case msg := <-msgs:
			if want, got := fmt.Sprintf("%d", i), msg.ID; want != got {
				t.Errorf("want %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected message #%d", i)
		}
	}
	cancel()
	for range msgs {
	}
}

func TestConsumeBacksOffOnTransportErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewInMemoryBroker(0)
	b.SetUnavailable(true)
	errc := make(chan error, 1)
	msgs := Consume(ctx, b, "q", 5*time.Millisecond, errc)
	select {
	case err := <-errc:
		if !IsTransportError(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected error")
	}
	if err := func() error {
		b.SetUnavailable(false)
		return b.Publish(ctx, "q", &Message{ID: "1"})
	}(); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-msgs:
		if want, got := "1", msg.ID; want != got {
			t.Errorf("want %s, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected consumer to recover")
	}
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"math"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	var p Policy
	if _, ok := p.Delay(0); ok {
		t.Fatal("expected no delay without backoff")
	}
	for _, opt := range []TaskOption{Backoff(2*time.Second, 2), MaxBackoff(10 * time.Second)} {
		opt(&p)
	}
	tests := []struct {
		Attempt int
		Want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		got, ok := p.Delay(tt.Attempt)
		if !ok {
			t.Fatalf("attempt %d: expected delay", tt.Attempt)
		}
		if want := tt.Want; want != got {
			t.Errorf("attempt %d: want %v, got %v", tt.Attempt, want, got)
		}
	}
}

func TestPolicyDelayDoesNotOverflow(t *testing.T) {
	var p Policy
	Backoff(time.Nanosecond, 2)(&p)
	for _, attempt := range []int{63, 64, 1000} {
		got, ok := p.Delay(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected delay", attempt)
		}
		if want := time.Duration(math.MaxInt64); want != got {
			t.Errorf("attempt %d: want %v, got %v", attempt, want, got)
		}
	}
}

func TestPolicyFixedDelay(t *testing.T) {
	var p Policy
	Backoff(time.Second, 0)(&p)
	for attempt := 0; attempt < 3; attempt++ {
		got, _ := p.Delay(attempt)
		if want := time.Second; want != got {
			t.Errorf("attempt %d: want %v, got %v", attempt, want, got)
		}
	}
}

func TestPolicyRetryOnAny(t *testing.T) {
	var p Policy
	RetryOn("*")(&p)
	if !p.Retryable("Whatever") {
		t.Error("expected any kind to be retryable")
	}
	MaxRetries(-1)(&p)
	if want, got := 0, p.MaxRetries; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := map[Status]bool{
		StatusPending:        false,
		StatusRunning:        false,
		StatusRetryScheduled: false,
		StatusSuccess:        true,
		StatusFailure:        true,
	}
	for status, want := range tests {
		if got := status.Terminal(); want != got {
			t.Errorf("%s: want %v, got %v", status, want, got)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	if want, got := time.Second, exponentialBackoff(0); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := 8*time.Second, exponentialBackoff(3); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := time.Hour, exponentialBackoff(1000); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := 5*time.Millisecond, ConstantBackoff(5*time.Millisecond)(7); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestTransportBackoff(t *testing.T) {
	if want, got := 200*time.Millisecond, transportBackoff(100*time.Millisecond, 1); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := maxTransportBackoff, transportBackoff(time.Second, 10); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := maxTransportBackoff, transportBackoff(time.Second, 100); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/kit/log"

	"github.com/olivere/cabbage"
)

func newTestServer(t *testing.T) (*cabbage.Manager, *httptest.Server) {
	m := cabbage.New()
	ts := httptest.NewServer(New(log.NewNopLogger(), m, "").Handler())
	t.Cleanup(ts.Close)
	return m, ts
}

func TestStats(t *testing.T) {
	m, ts := newTestServer(t)
	m.Broker().StatsIncrement(context.Background(), cabbage.CompletedField, 2)

	res, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	var st cabbage.Stats
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if want, got := 2, st.Completed; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestResults(t *testing.T) {
	m, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/results/1")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if want, got := http.StatusNotFound, res.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}

	err = m.Backend().Store(context.Background(), &cabbage.ResultRecord{
		ID:     "1",
		Task:   "mul",
		Status: cabbage.StatusSuccess,
		Result: int64(6),
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err = http.Get(ts.URL + "/results/1")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	var rec cabbage.ResultRecord
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if want, got := cabbage.StatusSuccess, rec.Status; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := "mul", rec.Task; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestDead(t *testing.T) {
	m, ts := newTestServer(t)
	ctx := context.Background()
	b := m.Broker()
	if err := b.Publish(ctx, cabbage.DefaultQueue, &cabbage.Message{ID: "1", Body: []byte("garbage")}); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Next(ctx, cabbage.DefaultQueue)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.DeadLetter(ctx, cabbage.DefaultQueue, msg, "malformed"); err != nil {
		t.Fatal(err)
	}

	res, err := http.Get(ts.URL + "/dead")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
		Size   int    `json:"size"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if want, got := 1, len(out); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := "malformed", out[0].Reason; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := 7, out[0].Size; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestRevoke(t *testing.T) {
	m, ts := newTestServer(t)
	if err := m.Register("mul", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	r, err := m.Submit(context.Background(), "mul")
	if err != nil {
		t.Fatal(err)
	}

	res, err := http.Get(ts.URL + "/revoke/" + r.ID())
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if want, got := http.StatusMethodNotAllowed, res.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}

	res, err = http.Post(ts.URL+"/revoke/"+r.ID(), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if want, got := http.StatusNoContent, res.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	rec, err := m.AsyncResult(r.ID()).Record(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want, got := cabbage.StatusFailure, rec.Status; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := cabbage.KindRevoked, rec.Error.Kind; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

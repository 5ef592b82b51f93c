// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"reflect"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		ID:       "inv-1",
		Task:     "mul",
		Args:     []interface{}{2, 3.0},
		Kwargs:   map[string]interface{}{"scale": 2},
		Queue:    DefaultQueue,
		Attempt:  2,
		ParentID: "inv-0",
		Link:     &Signature{Kind: KindTask, ID: "inv-2", Task: "mul", Args: []interface{}{5}},
		Chord: &ChordRef{
			GroupID:  "g-1",
			Index:    1,
			Members:  []string{"a", "inv-1"},
			Callback: &Signature{Kind: KindTask, ID: "cb", Task: "halve_items"},
		},
		Enqueued: 1234,
	}
	for _, c := range testCodecs(t) {
		data, err := EncodeEnvelope(c, env)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeEnvelope(c, data)
		if err != nil {
			t.Fatalf("%s: %v", c.Name(), err)
		}
		if want, got := envelopeVersion, got.V; want != got {
			t.Errorf("%s: want %d, got %d", c.Name(), want, got)
		}
		if want, got := []interface{}{int64(2), float64(3)}, got.Args; !reflect.DeepEqual(want, got) {
			t.Errorf("%s: want %#v, got %#v", c.Name(), want, got)
		}
		if want, got := int64(2), got.Kwargs["scale"]; want != got {
			t.Errorf("%s: want %#v, got %#v", c.Name(), want, got)
		}
		if want, got := 2, got.Attempt; want != got {
			t.Errorf("%s: want %d, got %d", c.Name(), want, got)
		}
		if got.Link == nil {
			t.Fatalf("%s: expected link", c.Name())
		}
		if want, got := []interface{}{int64(5)}, got.Link.Args; !reflect.DeepEqual(want, got) {
			t.Errorf("%s: want %#v, got %#v", c.Name(), want, got)
		}
		if got.Chord == nil {
			t.Fatalf("%s: expected chord reference", c.Name())
		}
		if want, got := "cb", got.Chord.Callback.ID; want != got {
			t.Errorf("%s: want %q, got %q", c.Name(), want, got)
		}
		if want, got := int64(1234), got.Enqueued; want != got {
			t.Errorf("%s: want %d, got %d", c.Name(), want, got)
		}
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	tests := []struct {
		Body   string
		Reason string
	}{
		{``, "empty message"},
		{`{not json`, "malformed json"},
		{`{"v":2,"id":"1","task":"mul"}`, "unsupported version 2"},
		{`{"v":1,"task":"mul"}`, "missing id"},
		{`{"v":1,"id":"1"}`, "missing task"},
		{`{"v":1,"id":"1","task":"mul","attempt":-1}`, "negative attempt"},
		{`{"v":1,"id":"1","task":"mul","chord":{"group_id":"g","index":2,"members":["a"],"callback":{"kind":"task","task":"x"}}}`, "invalid chord reference"},
	}
	for i, tt := range tests {
		_, err := DecodeEnvelope(JSONCodec{}, []byte(tt.Body))
		if err == nil {
			t.Errorf("#%d: expected error", i)
			continue
		}
		derr, ok := err.(*DecodeError)
		if !ok {
			t.Errorf("#%d: want *DecodeError, got %T", i, err)
			continue
		}
		if want, got := tt.Reason, derr.Reason; want != got {
			t.Errorf("#%d: want %q, got %q", i, want, got)
		}
		if !strings.Contains(err.Error(), tt.Reason) {
			t.Errorf("#%d: expected %q in %q", i, tt.Reason, err.Error())
		}
	}
}

func TestMessageID(t *testing.T) {
	if want, got := "abc", messageID("abc", 0); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := "abc.3", messageID("abc", 3); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

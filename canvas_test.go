// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"reflect"
	"testing"
)

func newCanvasManager(t *testing.T) *Manager {
	m := New()
	mustRegister(t, m, "mul", mul)
	mustRegister(t, m, "halve_items", halveItems)
	return m
}

func TestPrepareAssignsIDs(t *testing.T) {
	m := newCanvasManager(t)
	sig := Chain(NewSignature("mul", 2, 3), NewSignature("mul", 5))
	out, err := m.prepare(sig, false)
	if err != nil {
		t.Fatal(err)
	}
	if out == sig {
		t.Fatal("expected a copy")
	}
	for i, child := range out.Children {
		if child.ID == "" {
			t.Errorf("#%d: expected to generate an ID", i)
		}
	}
	if sig.Children[0].ID != "" {
		t.Error("expected original signature to be unchanged")
	}
	if want, got := out.Children[1].ID, resultID(out); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestPrepareKeepsExplicitIDs(t *testing.T) {
	m := newCanvasManager(t)
	sig := NewSignature("mul", 2, 3)
	sig.ID = "my-id"
	out, err := m.prepare(sig, false)
	if err != nil {
		t.Fatal(err)
	}
	if want, got := "my-id", out.ID; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestPrepareErrors(t *testing.T) {
	m := newCanvasManager(t)
	tests := []*Signature{
		nil,
		NewSignature("no_such_task"),
		Chain(),
		Chain(NewSignature("mul", 1, 2), NewSignature("no_such_task")),
		Group(NewSignature("no_such_task")),
		{Kind: KindChord, Children: []*Signature{NewSignature("mul", 1, 2)}},
		{Kind: "loop"},
	}
	for i, sig := range tests {
		if _, err := m.prepare(sig, false); err == nil {
			t.Errorf("#%d: expected error", i)
		}
	}
}

func TestPrepareGroupInChordHeader(t *testing.T) {
	m := newCanvasManager(t)
	inner := Group(NewSignature("mul", 1, 2), NewSignature("mul", 3, 4))
	sig := Chord(Group(inner, NewSignature("mul", 5, 6)), NewSignature("halve_items"))
	out, err := m.prepare(sig, false)
	if err != nil {
		t.Fatal(err)
	}
	if want, got := KindChord, out.Kind; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	if out.GroupID == "" {
		t.Error("expected to generate a group ID")
	}
	// A group that must produce one result becomes a chord with the
	// collect task as callback
	nested := out.Children[0]
	if want, got := KindChord, nested.Kind; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	if want, got := CollectTask, nested.Body.Task; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := nested.Body.ID, resultID(nested); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := 5, len(taskIDs(out)); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestChordFromSignature(t *testing.T) {
	header := NewSignature("mul", 1, 2)
	sig := Chord(header, NewSignature("halve_items"))
	if want, got := 1, len(sig.Children); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := header, sig.Children[0]; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestChainOf(t *testing.T) {
	a := NewSignature("mul", 1, 2)
	b := NewSignature("mul", 3)
	c := NewSignature("mul", 4)
	if got := chainOf([]*Signature{nil, nil}); got != nil {
		t.Errorf("want nil, got %v", got)
	}
	if want, got := a, chainOf([]*Signature{a, nil}); want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	got := chainOf([]*Signature{Chain(a, b), c})
	if want, got := KindChain, got.Kind; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	if want, got := []*Signature{a, b, c}, got.Children; !reflect.DeepEqual(want, got) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestSignatureOptions(t *testing.T) {
	sig := NewSignature("mul", 1).
		WithKwargs(map[string]interface{}{"scale": 2}).
		OnQueue("high").
		SetImmutable()
	if want, got := "high", sig.Queue; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if !sig.Immutable {
		t.Error("expected signature to be immutable")
	}
	if want, got := 2, sig.Kwargs["scale"]; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	chord := Chord(Group(), sig).WithPolicy(ChordPartial)
	if want, got := ChordPartial, chord.Policy; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// CanvasKind is the kind of a Signature.
type CanvasKind string

const (
	// KindTask is a single task invocation.
	KindTask CanvasKind = "task"
	// KindChain runs its children one after the other, passing each
	// result as the first argument to the next child.
	KindChain CanvasKind = "chain"
	// KindGroup runs its children in parallel and collects the results
	// in submission order.
	KindGroup CanvasKind = "group"
	// KindChord is a group (Children) plus a callback (Body) that
	// receives the list of results of the group.
	KindChord CanvasKind = "chord"
)

// ChordPolicy decides what happens to a chord callback if a member
// of the group fails.
type ChordPolicy string

const (
	// ChordFailFast skips the callback and records the first failure
	// of the group as the callback's result. This is the default.
	ChordFailFast ChordPolicy = ""
	// ChordPartial invokes the callback anyway, replacing results of
	// failed members with an error marker (see ErrorMarker).
	ChordPartial ChordPolicy = "partial"
)

// Signature describes an invocation graph: a single task or a
// composition of signatures. Signatures are serialized as part of
// envelopes to carry continuations.
type Signature struct {
	Kind      CanvasKind             `json:"kind"`
	ID        string                 `json:"id,omitempty"`
	Task      string                 `json:"task,omitempty"`
	Args      []interface{}          `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
	Queue     string                 `json:"queue,omitempty"`
	Immutable bool                   `json:"immutable,omitempty"`
	Children  []*Signature           `json:"children,omitempty"`
	Body      *Signature             `json:"body,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	Policy    ChordPolicy            `json:"policy,omitempty"`
}

// NewSignature creates the signature of a single task invocation.
func NewSignature(task string, args ...interface{}) *Signature {
	return &Signature{Kind: KindTask, Task: task, Args: args}
}

// Chain creates a chain of signatures.
func Chain(links ...*Signature) *Signature {
	return &Signature{Kind: KindChain, Children: links}
}

// Group creates a group of signatures.
func Group(members ...*Signature) *Signature {
	return &Signature{Kind: KindGroup, Children: members}
}

// Chord creates a chord from a header and a callback. The header may be
// a group or a list of signatures wrapped with Group.
func Chord(header *Signature, body *Signature) *Signature {
	sig := &Signature{Kind: KindChord, Body: body}
	if header != nil && header.Kind == KindGroup {
		sig.Children = header.Children
		sig.GroupID = header.GroupID
	} else if header != nil {
		sig.Children = []*Signature{header}
	}
	return sig
}

// WithKwargs sets keyword arguments on a task signature.
func (s *Signature) WithKwargs(kwargs map[string]interface{}) *Signature {
	s.Kwargs = kwargs
	return s
}

// SetImmutable marks a task signature to ignore the result of its
// predecessor in a chain.
func (s *Signature) SetImmutable() *Signature {
	s.Immutable = true
	return s
}

// OnQueue overrides the queue the task is published to.
func (s *Signature) OnQueue(queue string) *Signature {
	s.Queue = queue
	return s
}

// WithPolicy sets the failure policy of a chord.
func (s *Signature) WithPolicy(p ChordPolicy) *Signature {
	s.Policy = p
	return s
}

// ErrorMarker is passed to a ChordPartial callback in place of the
// result of a failed member.
func ErrorMarker(e *TaskError) map[string]interface{} {
	return map[string]interface{}{"error": e.Kind, "message": e.Message}
}

func newID() string {
	return uuid.NewV4().String()
}

// prepare validates sig, assigns IDs and rewrites groups that must
// produce a single result into chords with the collect task as callback.
// If single is true, sig must end in exactly one invocation.
func (m *Manager) prepare(sig *Signature, single bool) (*Signature, error) {
	if sig == nil {
		return nil, errors.New("cabbage: nil signature")
	}
	switch sig.Kind {
	case KindTask, "":
		if _, err := m.registry.Resolve(sig.Task); err != nil {
			return nil, err
		}
		if sig.Children != nil || sig.Body != nil {
			return nil, errors.Errorf("cabbage: task signature %q must not have children", sig.Task)
		}
		out := *sig
		out.Kind = KindTask
		if out.ID == "" {
			out.ID = newID()
		}
		return &out, nil

	case KindChain:
		if len(sig.Children) == 0 {
			return nil, errors.New("cabbage: empty chain")
		}
		out := &Signature{Kind: KindChain, Children: make([]*Signature, len(sig.Children))}
		for i, child := range sig.Children {
			last := i == len(sig.Children)-1
			c, err := m.prepare(child, last && single)
			if err != nil {
				return nil, err
			}
			out.Children[i] = c
		}
		return out, nil

	case KindGroup:
		out := &Signature{Kind: KindGroup, GroupID: sig.GroupID, Children: make([]*Signature, len(sig.Children))}
		if out.GroupID == "" {
			out.GroupID = newID()
		}
		for i, child := range sig.Children {
			c, err := m.prepare(child, true)
			if err != nil {
				return nil, err
			}
			out.Children[i] = c
		}
		if single {
			body, _ := m.prepare(NewSignature(CollectTask), true)
			return &Signature{Kind: KindChord, GroupID: out.GroupID, Children: out.Children, Body: body}, nil
		}
		return out, nil

	case KindChord:
		if sig.Body == nil {
			return nil, errors.New("cabbage: chord without callback")
		}
		out := &Signature{Kind: KindChord, GroupID: sig.GroupID, Policy: sig.Policy, Children: make([]*Signature, len(sig.Children))}
		if out.GroupID == "" {
			out.GroupID = newID()
		}
		for i, child := range sig.Children {
			c, err := m.prepare(child, true)
			if err != nil {
				return nil, err
			}
			out.Children[i] = c
		}
		body, err := m.prepare(sig.Body, single)
		if err != nil {
			return nil, err
		}
		out.Body = body
		return out, nil
	}
	return nil, errors.Errorf("cabbage: unknown signature kind %q", sig.Kind)
}

// resultID returns the ID of the invocation that produces the final
// result of a prepared signature that ends in a single invocation.
func resultID(sig *Signature) string {
	switch sig.Kind {
	case KindChain:
		return resultID(sig.Children[len(sig.Children)-1])
	case KindChord:
		return resultID(sig.Body)
	}
	return sig.ID
}

// taskIDs returns the IDs of all task invocations in sig.
func taskIDs(sig *Signature) []string {
	if sig == nil {
		return nil
	}
	var ids []string
	if sig.Kind == KindTask && sig.ID != "" {
		ids = append(ids, sig.ID)
	}
	for _, child := range sig.Children {
		ids = append(ids, taskIDs(child)...)
	}
	ids = append(ids, taskIDs(sig.Body)...)
	return ids
}

// chainOf builds the continuation from a list of signatures.
func chainOf(sigs []*Signature) *Signature {
	var links []*Signature
	for _, s := range sigs {
		if s == nil {
			continue
		}
		if s.Kind == KindChain {
			links = append(links, s.Children...)
		} else {
			links = append(links, s)
		}
	}
	switch len(links) {
	case 0:
		return nil
	case 1:
		return links[0]
	}
	return &Signature{Kind: KindChain, Children: links}
}

// mapSignature returns a deep copy of sig with fn applied to all
// argument lists and keyword arguments.
func mapSignature(sig *Signature, fnArgs func([]interface{}) ([]interface{}, error), fnKwargs func(map[string]interface{}) (map[string]interface{}, error)) (*Signature, error) {
	if sig == nil {
		return nil, nil
	}
	out := *sig
	var err error
	if out.Args, err = fnArgs(sig.Args); err != nil {
		return nil, err
	}
	if out.Kwargs, err = fnKwargs(sig.Kwargs); err != nil {
		return nil, err
	}
	if sig.Children != nil {
		out.Children = make([]*Signature, len(sig.Children))
		for i, child := range sig.Children {
			if out.Children[i], err = mapSignature(child, fnArgs, fnKwargs); err != nil {
				return nil, err
			}
		}
	}
	if out.Body, err = mapSignature(sig.Body, fnArgs, fnKwargs); err != nil {
		return nil, err
	}
	return &out, nil
}
